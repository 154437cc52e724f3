// Package initializer inspects every configured tool server once per cluster
// and publishes the results to the registry. Only the leader inspects;
// followers wait for the cluster-visible initialized flag.
package initializer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
	"github.com/smart-mcp-proxy/mcpchat/internal/kvstore"
	"github.com/smart-mcp-proxy/mcpchat/internal/logs"
	"github.com/smart-mcp-proxy/mcpchat/internal/registry"
	"github.com/smart-mcp-proxy/mcpchat/internal/upstream"
)

const (
	DefaultInspectTimeout = 30 * time.Second
	DefaultFollowerWait   = 2 * time.Minute
	DefaultPollInterval   = time.Second
	DefaultConcurrency    = 8

	flagKeySuffix = "initialized"
	maxWaitRounds = 3
)

var ErrWaitTimeout = errors.New("timed out waiting for cluster initialization")

var tracer = otel.Tracer("github.com/smart-mcp-proxy/mcpchat/internal/initializer")

// Inspector connects to a server and reports its catalogue. *upstream.Manager satisfies it.
type Inspector interface {
	Inspect(ctx context.Context, server *config.ServerConfig) (*upstream.Inspection, error)
}

// Registry is the registry surface the initializer writes. *registry.Registry satisfies it.
type Registry interface {
	Reset(ctx context.Context) error
	Publish(ctx context.Context, entry *registry.ServerEntry) error
	MarkUninitialized(ctx context.Context, tier registry.Tier, cfg *config.ServerConfig, cause error) error
	GetServerConfig(ctx context.Context, name, userID string) (*registry.ServerEntry, error)
}

// LeaderChecker is satisfied by *leader.Elector.
type LeaderChecker interface {
	IsLeader(ctx context.Context) bool
}

// Config tunes an Initializer.
type Config struct {
	KeyPrefix      string
	InstanceID     string
	InspectTimeout time.Duration
	FollowerWait   time.Duration
	PollInterval   time.Duration
	Concurrency    int
	// OnInspected observes every inspection outcome.
	OnInspected func(server string, duration time.Duration, err error)
}

// Result summarizes a leader run.
type Result struct {
	Initialized   []string
	Uninitialized []string
	OAuth         []string
}

type flagValue struct {
	InstanceID string    `json:"instance_id"`
	At         time.Time `json:"at"`
	Servers    int       `json:"servers"`
}

// Initializer runs the once-per-cluster inspection.
type Initializer struct {
	cfg       Config
	store     kvstore.Store
	registry  Registry
	inspector Inspector
	leader    LeaderChecker
	logger    *zap.Logger

	mu     sync.Mutex
	done   bool
	result *Result
}

// New creates an Initializer.
func New(cfg Config, store kvstore.Store, reg Registry, inspector Inspector, leader LeaderChecker, logger *zap.Logger) *Initializer {
	if cfg.InspectTimeout <= 0 {
		cfg.InspectTimeout = DefaultInspectTimeout
	}
	if cfg.FollowerWait <= 0 {
		cfg.FollowerWait = DefaultFollowerWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Initializer{
		cfg:       cfg,
		store:     store,
		registry:  reg,
		inspector: inspector,
		leader:    leader,
		logger:    logger.Named("initializer"),
	}
}

func (i *Initializer) flagKey() string {
	return kvstore.Key(i.cfg.KeyPrefix, flagKeySuffix)
}

// Done reports whether this process has completed initialization.
func (i *Initializer) Done() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.done
}

// Initialize runs at most once per process. The leader resets the shared
// tiers, inspects every server and raises the initialized flag; followers
// poll the flag. A follower whose wait expires re-arbitrates leadership so a
// crashed leader's work is picked up.
func (i *Initializer) Initialize(ctx context.Context, servers []*config.ServerConfig) (*Result, error) {
	i.mu.Lock()
	if i.done {
		result := i.result
		i.mu.Unlock()
		return result, nil
	}
	i.mu.Unlock()

	for round := 1; ; round++ {
		if i.leader.IsLeader(ctx) {
			result, err := i.runAsLeader(ctx, servers)
			if err != nil {
				return nil, err
			}
			i.finish(result)
			return result, nil
		}

		err := i.waitForFlag(ctx)
		if err == nil {
			i.finish(nil)
			return nil, nil
		}
		if !errors.Is(err, ErrWaitTimeout) || round >= maxWaitRounds {
			return nil, err
		}
		i.logger.Warn("cluster initialization not observed, re-arbitrating leadership",
			zap.Duration("waited", i.cfg.FollowerWait))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

func (i *Initializer) finish(result *Result) {
	i.mu.Lock()
	i.done = true
	i.result = result
	i.mu.Unlock()
}

func (i *Initializer) runAsLeader(ctx context.Context, servers []*config.ServerConfig) (*Result, error) {
	ctx, span := tracer.Start(ctx, "initializer.run")
	defer span.End()
	span.SetAttributes(attribute.Int("servers", len(servers)))

	start := time.Now()
	i.logger.Info("initializing tool servers as leader", zap.Int("servers", len(servers)))

	if err := i.store.Delete(ctx, i.flagKey()); err != nil {
		return nil, fmt.Errorf("clear initialized flag: %w", err)
	}
	if err := i.registry.Reset(ctx); err != nil {
		return nil, fmt.Errorf("reset registry: %w", err)
	}

	var (
		mu     sync.Mutex
		result Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.Concurrency)
	for _, server := range servers {
		g.Go(func() error {
			outcome, err := i.initServer(gctx, server)
			if err != nil {
				// Only context cancellation aborts the batch.
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeInitialized:
				result.Initialized = append(result.Initialized, server.Name)
			case outcomeOAuth:
				result.Initialized = append(result.Initialized, server.Name)
				result.OAuth = append(result.OAuth, server.Name)
			default:
				result.Uninitialized = append(result.Uninitialized, server.Name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	flag, _ := json.Marshal(flagValue{InstanceID: i.cfg.InstanceID, At: time.Now().UTC(), Servers: len(servers)})
	if err := i.store.Set(ctx, i.flagKey(), flag, 0); err != nil {
		return nil, fmt.Errorf("set initialized flag: %w", err)
	}

	i.logger.Info("tool servers initialized",
		zap.Int("initialized", len(result.Initialized)),
		zap.Int("uninitialized", len(result.Uninitialized)),
		zap.Int("oauth", len(result.OAuth)),
		zap.Duration("duration", time.Since(start)))
	return &result, nil
}

type outcome int

const (
	outcomeUninitialized outcome = iota
	outcomeInitialized
	outcomeOAuth
)

// tierFor places a server: shared-app when any instance can hold one
// connection for everyone, shared-user otherwise.
func tierFor(server *config.ServerConfig) registry.Tier {
	if server.IsUserScoped() {
		return registry.TierSharedUser
	}
	return registry.TierSharedApp
}

func (i *Initializer) initServer(ctx context.Context, server *config.ServerConfig) (outcome, error) {
	if ctx.Err() != nil {
		return outcomeUninitialized, ctx.Err()
	}
	cfg := server.Clone()
	logger := logs.ForServer(i.logger, cfg.Name, "")

	if !cfg.ShouldInspectAtStartup() || len(cfg.CustomVars) > 0 {
		logger.Debug("deferring inspection to first use")
		if err := i.registry.MarkUninitialized(ctx, tierFor(cfg), cfg, nil); err != nil {
			logger.Error("failed to publish server", zap.Error(err))
		}
		return outcomeUninitialized, nil
	}

	entry, err := i.inspect(ctx, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeUninitialized, ctx.Err()
		}
		logger.Error("server inspection failed", zap.Error(err))
		if err := i.registry.MarkUninitialized(ctx, tierFor(cfg), cfg, err); err != nil {
			logger.Error("failed to publish server", zap.Error(err))
		}
		return outcomeUninitialized, nil
	}
	if err := i.registry.Publish(ctx, entry); err != nil {
		logger.Error("failed to publish server", zap.Error(err))
		return outcomeUninitialized, nil
	}
	if entry.RequiresOAuth() {
		return outcomeOAuth, nil
	}
	return outcomeInitialized, nil
}

// inspect runs one bounded inspection and turns it into a registry entry.
func (i *Initializer) inspect(ctx context.Context, cfg *config.ServerConfig) (*registry.ServerEntry, error) {
	ctx, span := tracer.Start(ctx, "initializer.inspect")
	defer span.End()
	span.SetAttributes(attribute.String("mcp.server", cfg.Name))

	ictx, cancel := context.WithTimeout(ctx, i.cfg.InspectTimeout)
	defer cancel()

	start := time.Now()
	inspection, err := i.inspector.Inspect(ictx, cfg)
	if err == nil && ictx.Err() != nil {
		err = ictx.Err()
	}
	if i.cfg.OnInspected != nil {
		i.cfg.OnInspected(cfg.Name, time.Since(start), err)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("inspection timed out after %s: %w", i.cfg.InspectTimeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if inspection.AuthRequired && !cfg.RequiresOAuth {
		i.logger.Info("server requires OAuth", zap.String("server", cfg.Name))
		cfg.RequiresOAuth = true
	}
	return &registry.ServerEntry{
		Config:       cfg,
		Tier:         tierFor(cfg),
		Initialized:  true,
		ServerName:   inspection.RemoteName,
		Version:      inspection.RemoteVersion,
		Instructions: inspection.Instructions,
		Capabilities: inspection.Capabilities,
		Tools:        inspection.Tools,
	}, nil
}

// waitForFlag polls the initialized flag until it appears, FollowerWait
// elapses or ctx ends.
func (i *Initializer) waitForFlag(ctx context.Context) error {
	deadline := time.NewTimer(i.cfg.FollowerWait)
	defer deadline.Stop()
	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()

	i.logger.Debug("waiting for leader to initialize tool servers")
	for {
		_, err := i.store.Get(ctx, i.flagKey())
		if err == nil {
			i.logger.Info("cluster initialization observed")
			return nil
		}
		if !errors.Is(err, kvstore.ErrNotFound) {
			i.logger.Warn("failed to read initialized flag", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrWaitTimeout
		case <-ticker.C:
		}
	}
}

// EnsureInitialized inspects a server that startup left uninitialized and
// republishes it. Servers with per-user variables cannot be inspected
// without a user and are returned unchanged.
func (i *Initializer) EnsureInitialized(ctx context.Context, name string) (*registry.ServerEntry, error) {
	entry, err := i.registry.GetServerConfig(ctx, name, "")
	if err != nil {
		return nil, err
	}
	if entry.Initialized || len(entry.Config.CustomVars) > 0 {
		return entry, nil
	}

	fresh, err := i.inspect(ctx, entry.Config.Clone())
	if err != nil {
		return entry, err
	}
	fresh.Tier = entry.Tier
	if err := i.registry.Publish(ctx, fresh); err != nil {
		return nil, err
	}
	i.logger.Info("lazily initialized server", zap.String("server", name), zap.Int("tools", len(fresh.Tools)))
	return fresh, nil
}
