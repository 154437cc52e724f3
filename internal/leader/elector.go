// Package leader implements cluster-wide leader election over a kvstore lease.
//
// An Elector moves through Follower -> Candidate -> Leader. The leader owns a
// single renewal loop which extends the lease only while the stored owner is
// still this instance. Losing the lease demotes the instance silently; the next
// IsLeader call re-arbitrates.
package leader

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat/internal/kvstore"
)

const (
	DefaultLeaseDuration = 25 * time.Second
	DefaultRenewInterval = 10 * time.Second
	defaultMinRetryDelay = 50 * time.Millisecond
	defaultMaxRetryDelay = 500 * time.Millisecond

	leaseKeySuffix = "leader"
)

// State of an Elector.
type State int

const (
	StateFollower State = iota
	StateCandidate
	StateLeader
)

func (s State) String() string {
	switch s {
	case StateFollower:
		return "follower"
	case StateCandidate:
		return "candidate"
	case StateLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// Config configures an Elector. A nil Store selects single-instance mode where
// IsLeader always returns true.
type Config struct {
	Store         kvstore.Store
	KeyPrefix     string
	InstanceID    string
	LeaseDuration time.Duration
	RenewInterval time.Duration
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
	Logger        *zap.Logger
	// OnStateChange is invoked outside internal locks after every transition.
	OnStateChange func(from, to State)
}

// Elector arbitrates leadership for one instance.
type Elector struct {
	store      kvstore.Store
	key        string
	instanceID []byte
	lease      time.Duration
	renew      time.Duration
	minDelay   time.Duration
	maxDelay   time.Duration
	logger     *zap.Logger
	onChange   func(from, to State)

	mu    sync.Mutex
	state State
	term  uint64
	// stopRenew cancels the renewal loop of the current term. Only the leader holds one.
	stopRenew context.CancelFunc
	rng       *rand.Rand
}

// New creates an Elector.
func New(cfg Config) (*Elector, error) {
	if cfg.Store != nil && cfg.InstanceID == "" {
		return nil, errors.New("leader: instance id is required")
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = DefaultRenewInterval
	}
	if cfg.RenewInterval >= cfg.LeaseDuration {
		return nil, errors.New("leader: renew interval must be shorter than the lease")
	}
	if cfg.MinRetryDelay <= 0 {
		cfg.MinRetryDelay = defaultMinRetryDelay
	}
	if cfg.MaxRetryDelay < cfg.MinRetryDelay {
		cfg.MaxRetryDelay = defaultMaxRetryDelay
		if cfg.MaxRetryDelay < cfg.MinRetryDelay {
			cfg.MaxRetryDelay = cfg.MinRetryDelay
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Elector{
		store:      cfg.Store,
		key:        kvstore.Key(cfg.KeyPrefix, leaseKeySuffix),
		instanceID: []byte(cfg.InstanceID),
		lease:      cfg.LeaseDuration,
		renew:      cfg.RenewInterval,
		minDelay:   cfg.MinRetryDelay,
		maxDelay:   cfg.MaxRetryDelay,
		logger:     logger.Named("leader").With(zap.String("instance_id", cfg.InstanceID)),
		onChange:   cfg.OnStateChange,
		state:      StateFollower,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Single reports whether the elector runs without a shared store.
func (e *Elector) Single() bool {
	return e.store == nil
}

// State returns the current state.
func (e *Elector) State() State {
	if e.store == nil {
		return StateLeader
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsLeader returns true when this instance holds the lease, acquiring it if no
// leader exists. When another instance holds a live lease it waits one
// randomized delay, checks again and then reports false.
func (e *Elector) IsLeader(ctx context.Context) bool {
	if e.store == nil {
		return true
	}

	e.mu.Lock()
	if e.state == StateLeader {
		e.mu.Unlock()
		return true
	}
	from := e.state
	e.state = StateCandidate
	e.mu.Unlock()
	e.notify(from, StateCandidate)

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.retryDelay()); err != nil {
				break
			}
		}

		acquired, err := e.tryAcquire(ctx)
		if err != nil {
			e.logger.Warn("lease acquisition failed", zap.Error(err))
			continue
		}
		if acquired {
			e.becomeLeader()
			return true
		}
	}

	e.transition(StateCandidate, StateFollower)
	return false
}

// tryAcquire attempts the set-if-not-exists write. An existing lease owned by
// this instance id (a restart within the lease) is adopted.
func (e *Elector) tryAcquire(ctx context.Context) (bool, error) {
	ok, err := e.store.SetNX(ctx, e.key, e.instanceID, e.lease)
	if err != nil || ok {
		return ok, err
	}

	owner, err := e.store.Get(ctx, e.key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if bytes.Equal(owner, e.instanceID) {
		return e.store.CompareAndExtend(ctx, e.key, e.instanceID, e.lease)
	}
	e.logger.Debug("lease held by another instance", zap.ByteString("owner", owner))
	return false, nil
}

func (e *Elector) becomeLeader() {
	e.mu.Lock()
	from := e.state
	if from == StateLeader {
		e.mu.Unlock()
		return
	}
	if e.stopRenew != nil {
		e.stopRenew()
	}
	e.term++
	term := e.term
	renewCtx, cancel := context.WithCancel(context.Background())
	e.stopRenew = cancel
	e.state = StateLeader
	e.mu.Unlock()

	e.logger.Info("acquired leadership", zap.Uint64("term", term), zap.Duration("lease", e.lease))
	go e.renewLoop(renewCtx, term)
	e.notify(from, StateLeader)
}

func (e *Elector) renewLoop(ctx context.Context, term uint64) {
	ticker := time.NewTicker(e.renew)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reqCtx, cancel := context.WithTimeout(ctx, e.renew)
			ok, err := e.store.CompareAndExtend(reqCtx, e.key, e.instanceID, e.lease)
			cancel()
			if ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				e.logger.Warn("lost leadership",
					zap.Uint64("term", term),
					zap.Bool("lease_owned", ok),
					zap.Error(err))
				e.demote(term)
				return
			}
		}
	}
}

// demote reverts to follower if term is still the current one.
func (e *Elector) demote(term uint64) {
	e.mu.Lock()
	if e.term != term || e.state != StateLeader {
		e.mu.Unlock()
		return
	}
	if e.stopRenew != nil {
		e.stopRenew()
		e.stopRenew = nil
	}
	e.state = StateFollower
	e.mu.Unlock()
	e.notify(StateLeader, StateFollower)
}

// Resign stops renewal and deletes the lease if this instance still owns it,
// so another instance can be elected without waiting for expiry.
func (e *Elector) Resign(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	e.mu.Lock()
	wasLeader := e.state == StateLeader
	if e.stopRenew != nil {
		e.stopRenew()
		e.stopRenew = nil
	}
	from := e.state
	e.state = StateFollower
	e.mu.Unlock()

	if from != StateFollower {
		e.notify(from, StateFollower)
	}
	if !wasLeader {
		return nil
	}

	deleted, err := e.store.CompareAndDelete(ctx, e.key, e.instanceID)
	if err != nil {
		return err
	}
	e.logger.Info("resigned leadership", zap.Bool("lease_deleted", deleted))
	return nil
}

// Close resigns with a bounded timeout.
func (e *Elector) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Resign(ctx)
}

func (e *Elector) transition(from, to State) {
	e.mu.Lock()
	if e.state != from {
		e.mu.Unlock()
		return
	}
	e.state = to
	e.mu.Unlock()
	e.notify(from, to)
}

func (e *Elector) notify(from, to State) {
	if from == to {
		return
	}
	e.logger.Debug("leader state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if e.onChange != nil {
		e.onChange(from, to)
	}
}

func (e *Elector) retryDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	span := e.maxDelay - e.minDelay
	if span <= 0 {
		return e.minDelay
	}
	return e.minDelay + time.Duration(e.rng.Int63n(int64(span)))
}

func (e *Elector) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
