package oauth

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultFlowTTL bounds how long a flow may stay pending.
const DefaultFlowTTL = 3 * time.Minute

// Flow purposes.
const (
	PurposeAuthorize = "mcp_oauth"
	PurposeRefresh   = "mcp_get_tokens"
)

// FlowStatus is the lifecycle status of a flow.
type FlowStatus string

const (
	FlowPending FlowStatus = "PENDING"
	FlowSuccess FlowStatus = "SUCCESS"
	FlowFailed  FlowStatus = "FAILED"
)

// FailureKind classifies a FAILED flow for status reporting.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureError     FailureKind = "failed"
	FailureCancelled FailureKind = "cancelled"
	FailureTimeout   FailureKind = "timeout"
	FailureAborted   FailureKind = "aborted"
)

// FlowState is a snapshot of one flow.
type FlowState struct {
	FlowID        string            `json:"flow_id"`
	Purpose       string            `json:"purpose"`
	Status        FlowStatus        `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   time.Time         `json:"completed_at,omitempty"`
	TTL           time.Duration     `json:"ttl"`
	Error         string            `json:"error,omitempty"`
	Failure       FailureKind       `json:"failure,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Result        any               `json:"-"`
}

// ExpiresAt is the instant a pending flow times out.
func (s *FlowState) ExpiresAt() time.Time {
	return s.CreatedAt.Add(s.TTL)
}

// FlowStatusReport is the condensed view used by status endpoints and the pipeline.
type FlowStatusReport struct {
	Active        bool   `json:"active"`
	HasFailedFlow bool   `json:"has_failed_flow"`
	Cancelled     bool   `json:"cancelled"`
	TimedOut      bool   `json:"timed_out"`
	Error         string `json:"error,omitempty"`
}

type flowEntry struct {
	state FlowState
	done  chan struct{}
}

func (f *flowEntry) snapshot() *FlowState {
	s := f.state
	s.Metadata = maps.Clone(f.state.Metadata)
	return &s
}

// FlowManager tracks OAuth flows keyed by (flowID, purpose). Waiters block on a
// per-flow channel closed when the flow leaves PENDING.
type FlowManager struct {
	mu     sync.Mutex
	flows  map[string]*flowEntry
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	onTransition func(FlowState)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFlowManager creates a flow manager. A zero ttl uses DefaultFlowTTL.
func NewFlowManager(ttl time.Duration, logger *zap.Logger) *FlowManager {
	if ttl <= 0 {
		ttl = DefaultFlowTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlowManager{
		flows:  make(map[string]*flowEntry),
		ttl:    ttl,
		now:    time.Now,
		logger: logger.Named("oauth-flows"),
	}
}

// FlowID derives the flow id for a (user, server) pair.
func FlowID(userID, serverName string) string {
	return userID + ":" + serverName
}

// SplitFlowID is the inverse of FlowID.
func SplitFlowID(flowID string) (userID, serverName string, ok bool) {
	idx := strings.LastIndex(flowID, ":")
	if idx <= 0 || idx == len(flowID)-1 {
		return "", "", false
	}
	return flowID[:idx], flowID[idx+1:], true
}

func flowKey(flowID, purpose string) string {
	return flowID + "|" + purpose
}

// SetClock replaces the time source. Intended for tests.
func (m *FlowManager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// TTL returns the flow time-to-live.
func (m *FlowManager) TTL() time.Duration {
	return m.ttl
}

// OnTransition registers a callback invoked after every terminal transition.
func (m *FlowManager) OnTransition(fn func(FlowState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// CreateFlow starts a PENDING flow. When a live pending flow already exists it is
// returned together with ErrFlowInProgress. Terminal or expired flows are replaced.
func (m *FlowManager) CreateFlow(flowID, purpose string, metadata map[string]string) (*FlowState, error) {
	m.mu.Lock()
	key := flowKey(flowID, purpose)
	var notify *FlowState
	if existing, ok := m.flows[key]; ok {
		if existing.state.Status == FlowPending {
			if m.now().Before(existing.state.ExpiresAt()) {
				snap := existing.snapshot()
				m.mu.Unlock()
				return snap, ErrFlowInProgress
			}
			notify = m.expireLocked(existing)
		}
		delete(m.flows, key)
	}

	entry := &flowEntry{
		state: FlowState{
			FlowID:        flowID,
			Purpose:       purpose,
			Status:        FlowPending,
			CreatedAt:     m.now(),
			TTL:           m.ttl,
			CorrelationID: NewCorrelationID(),
			Metadata:      maps.Clone(metadata),
		},
		done: make(chan struct{}),
	}
	m.flows[key] = entry
	snap := entry.snapshot()
	m.mu.Unlock()

	m.fire(notify)
	m.logger.Debug("flow created",
		zap.String("flow_id", flowID),
		zap.String("purpose", purpose),
		zap.String("correlation_id", snap.CorrelationID))
	return snap, nil
}

// CreateFlowWithHandler runs handler inside a new PENDING flow and resolves the
// flow with its outcome. Concurrent callers for the same flow wait for the first
// caller's result instead of running handler again.
func (m *FlowManager) CreateFlowWithHandler(ctx context.Context, flowID, purpose string, handler func(ctx context.Context) (any, error)) (any, error) {
	state, err := m.CreateFlow(flowID, purpose, nil)
	if errors.Is(err, ErrFlowInProgress) {
		return m.WaitForFlow(ctx, flowID, purpose)
	}
	if err != nil {
		return nil, err
	}

	ctx = WithCorrelationID(ctx, state.CorrelationID)
	result, herr := handler(ctx)
	if herr != nil {
		if ferr := m.FailFlow(flowID, purpose, herr); ferr != nil && !errors.Is(ferr, ErrFlowNotFound) {
			m.logger.Warn("failed to mark flow failed", zap.String("flow_id", flowID), zap.Error(ferr))
		}
		return nil, herr
	}
	if cerr := m.CompleteFlow(flowID, purpose, result); cerr != nil && !errors.Is(cerr, ErrFlowNotFound) {
		return nil, cerr
	}
	return result, nil
}

// CompleteFlow marks a pending flow SUCCESS.
func (m *FlowManager) CompleteFlow(flowID, purpose string, result any) error {
	m.mu.Lock()
	entry, ok := m.flows[flowKey(flowID, purpose)]
	if !ok {
		m.mu.Unlock()
		return ErrFlowNotFound
	}
	if entry.state.Status != FlowPending {
		status := entry.state.Status
		m.mu.Unlock()
		return fmt.Errorf("flow %s/%s already %s", flowID, purpose, status)
	}
	entry.state.Status = FlowSuccess
	entry.state.CompletedAt = m.now()
	entry.state.Result = result
	close(entry.done)
	snap := entry.snapshot()
	m.mu.Unlock()

	m.logger.Info("flow completed",
		zap.String("flow_id", flowID),
		zap.String("purpose", purpose),
		zap.String("correlation_id", snap.CorrelationID),
		zap.Duration("duration", snap.CompletedAt.Sub(snap.CreatedAt)))
	m.fire(snap)
	return nil
}

// FailFlow marks a pending flow FAILED with cause. Already terminal flows are left untouched.
func (m *FlowManager) FailFlow(flowID, purpose string, cause error) error {
	m.mu.Lock()
	entry, ok := m.flows[flowKey(flowID, purpose)]
	if !ok {
		m.mu.Unlock()
		return ErrFlowNotFound
	}
	if entry.state.Status != FlowPending {
		m.mu.Unlock()
		return nil
	}
	m.failLocked(entry, classify(cause), errorText(cause))
	snap := entry.snapshot()
	m.mu.Unlock()

	m.logger.Info("flow failed",
		zap.String("flow_id", flowID),
		zap.String("purpose", purpose),
		zap.String("correlation_id", snap.CorrelationID),
		zap.String("failure", string(snap.Failure)),
		zap.String("error", snap.Error))
	m.fire(snap)
	return nil
}

// DeleteFlow removes a flow. A still pending flow is first failed as cancelled so
// waiters are released.
func (m *FlowManager) DeleteFlow(flowID, purpose string) {
	m.mu.Lock()
	key := flowKey(flowID, purpose)
	entry, ok := m.flows[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	var snap *FlowState
	if entry.state.Status == FlowPending {
		m.failLocked(entry, FailureCancelled, "flow deleted (cancelled)")
		snap = entry.snapshot()
	}
	delete(m.flows, key)
	m.mu.Unlock()
	m.fire(snap)
}

// GetFlowState returns a snapshot of the flow, or nil when it does not exist. A
// pending flow older than its TTL is transitioned to FAILED (timeout) first.
func (m *FlowManager) GetFlowState(flowID, purpose string) *FlowState {
	m.mu.Lock()
	entry, ok := m.flows[flowKey(flowID, purpose)]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	var notify *FlowState
	if entry.state.Status == FlowPending && !m.now().Before(entry.state.ExpiresAt()) {
		notify = m.expireLocked(entry)
	}
	snap := entry.snapshot()
	m.mu.Unlock()
	m.fire(notify)
	return snap
}

// Status reports whether the flow is active and, if it failed, why.
func (m *FlowManager) Status(flowID, purpose string) FlowStatusReport {
	state := m.GetFlowState(flowID, purpose)
	if state == nil {
		return FlowStatusReport{}
	}
	switch state.Status {
	case FlowPending:
		return FlowStatusReport{Active: true}
	case FlowFailed:
		return FlowStatusReport{
			HasFailedFlow: true,
			Cancelled:     state.Failure == FailureCancelled,
			TimedOut:      state.Failure == FailureTimeout,
			Error:         state.Error,
		}
	default:
		return FlowStatusReport{}
	}
}

// WaitForFlow blocks until the flow leaves PENDING, its TTL elapses or ctx ends.
// A successful flow yields its result; failures map to ErrFlowCancelled,
// ErrFlowTimeout, ErrFlowAborted or ErrFlowFailed.
func (m *FlowManager) WaitForFlow(ctx context.Context, flowID, purpose string) (any, error) {
	m.mu.Lock()
	entry, ok := m.flows[flowKey(flowID, purpose)]
	if !ok {
		m.mu.Unlock()
		return nil, ErrFlowNotFound
	}
	remaining := entry.state.ExpiresAt().Sub(m.now())
	done := entry.done
	m.mu.Unlock()

	if remaining > 0 {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	var notify *FlowState
	if entry.state.Status == FlowPending {
		notify = m.expireLocked(entry)
	}
	snap := entry.snapshot()
	m.mu.Unlock()
	m.fire(notify)

	return snap.Result, snap.Err()
}

// Err converts a terminal state into the matching sentinel error.
func (s *FlowState) Err() error {
	if s.Status != FlowFailed {
		return nil
	}
	var base error
	switch s.Failure {
	case FailureCancelled:
		base = ErrFlowCancelled
	case FailureTimeout:
		base = ErrFlowTimeout
	case FailureAborted:
		base = ErrFlowAborted
	default:
		base = ErrFlowFailed
	}
	if s.Error == "" || s.Error == base.Error() {
		return base
	}
	if rest, ok := strings.CutPrefix(s.Error, base.Error()); ok {
		return fmt.Errorf("%w%s", base, rest)
	}
	return fmt.Errorf("%w: %s", base, s.Error)
}

// CleanupExpired times out stale pending flows and drops terminal flows retained
// for more than twice the TTL. It returns the number of removed flows.
func (m *FlowManager) CleanupExpired() int {
	m.mu.Lock()
	now := m.now()
	var notify []*FlowState
	removed := 0
	for key, entry := range m.flows {
		if entry.state.Status == FlowPending {
			if !now.Before(entry.state.ExpiresAt()) {
				notify = append(notify, m.expireLocked(entry))
			}
			continue
		}
		if now.Sub(entry.state.CompletedAt) > 2*entry.state.TTL {
			delete(m.flows, key)
			removed++
		}
	}
	m.mu.Unlock()

	for _, s := range notify {
		m.fire(s)
	}
	if removed > 0 {
		m.logger.Debug("removed expired flows", zap.Int("count", removed))
	}
	return removed
}

// Counts returns the number of tracked flows per status.
func (m *FlowManager) Counts() map[FlowStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[FlowStatus]int{FlowPending: 0, FlowSuccess: 0, FlowFailed: 0}
	for _, entry := range m.flows {
		out[entry.state.Status]++
	}
	return out
}

// Start runs CleanupExpired periodically until ctx ends or Close is called.
func (m *FlowManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancel = cancel
	m.mu.Unlock()

	interval := m.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CleanupExpired()
			}
		}
	}()
}

// Close stops the cleanup loop.
func (m *FlowManager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *FlowManager) expireLocked(entry *flowEntry) *FlowState {
	m.failLocked(entry, FailureTimeout, ErrFlowTimeout.Error())
	m.logger.Info("flow timed out",
		zap.String("flow_id", entry.state.FlowID),
		zap.String("purpose", entry.state.Purpose),
		zap.String("correlation_id", entry.state.CorrelationID))
	return entry.snapshot()
}

func (m *FlowManager) failLocked(entry *flowEntry, kind FailureKind, msg string) {
	entry.state.Status = FlowFailed
	entry.state.Failure = kind
	entry.state.Error = msg
	entry.state.CompletedAt = m.now()
	close(entry.done)
}

func (m *FlowManager) fire(state *FlowState) {
	if state == nil {
		return
	}
	m.mu.Lock()
	fn := m.onTransition
	m.mu.Unlock()
	if fn != nil {
		fn(*state)
	}
}

func classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureError
	case errors.Is(err, ErrFlowAborted), errors.Is(err, context.Canceled):
		return FailureAborted
	case errors.Is(err, ErrFlowCancelled):
		return FailureCancelled
	case errors.Is(err, ErrFlowTimeout), errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "cancelled") || strings.Contains(msg, "access_denied") {
		return FailureCancelled
	}
	return FailureError
}

func errorText(err error) string {
	if err == nil {
		return ErrFlowFailed.Error()
	}
	return err.Error()
}
