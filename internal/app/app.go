// Package app wires every service of the process together. Services are
// constructed once in New and torn down in reverse order by Close.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
	"github.com/smart-mcp-proxy/mcpchat/internal/httpapi"
	"github.com/smart-mcp-proxy/mcpchat/internal/initializer"
	"github.com/smart-mcp-proxy/mcpchat/internal/kvstore"
	"github.com/smart-mcp-proxy/mcpchat/internal/leader"
	"github.com/smart-mcp-proxy/mcpchat/internal/oauth"
	"github.com/smart-mcp-proxy/mcpchat/internal/observability"
	"github.com/smart-mcp-proxy/mcpchat/internal/reconnect"
	"github.com/smart-mcp-proxy/mcpchat/internal/registry"
	"github.com/smart-mcp-proxy/mcpchat/internal/secret"
	"github.com/smart-mcp-proxy/mcpchat/internal/storage"
	"github.com/smart-mcp-proxy/mcpchat/internal/stream"
	"github.com/smart-mcp-proxy/mcpchat/internal/toolcall"
	"github.com/smart-mcp-proxy/mcpchat/internal/upstream"
)

const (
	shutdownTimeout     = 10 * time.Second
	maintenanceInterval = time.Minute
)

// App holds the constructed services.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	phase  *phaseMachine

	Observability *observability.Manager
	Store         kvstore.Store
	Elector       *leader.Elector
	Registry      *registry.Registry
	Credentials   *storage.BoltDB
	Flows         *oauth.FlowManager
	Tokens        *oauth.TokenManager
	Authorizer    *oauth.Authorizer
	Connections   *upstream.Manager
	Initializer   *initializer.Initializer
	Reconnect     *reconnect.Manager
	Pipeline      *toolcall.Pipeline
	Hub           *stream.Hub

	closers   []closer
	closeOnce sync.Once
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// New constructs every service. On error, whatever was already built is
// closed before returning.
func New(ctx context.Context, cfg *config.Config, version string, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, phase: newPhaseMachine(PhaseStarting)}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.Observability, err = observability.NewManager(ctx, cfg.Observability, version, logger)
	if err != nil {
		return nil, err
	}
	a.onClose("observability", a.Observability.Close)

	if err = a.openStore(ctx); err != nil {
		return nil, err
	}

	a.Elector, err = leader.New(a.leaderConfig())
	if err != nil {
		return nil, err
	}
	a.onClose("leader", func(context.Context) error { return a.Elector.Close() })

	a.Registry = registry.New(a.Store, a.Elector, registry.Options{KeyPrefix: cfg.Cluster.KeyPrefix}, logger)

	a.Credentials, err = storage.NewBoltDB(cfg.DataDir, logger.Named("storage").Sugar())
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	a.onClose("credentials", func(context.Context) error { return a.Credentials.Close() })

	httpClient := &http.Client{Timeout: 30 * time.Second}
	secrets := secret.NewResolver()
	a.Flows = oauth.NewFlowManager(cfg.OAuth.FlowTTL, logger)
	a.onClose("oauth flows", func(context.Context) error { a.Flows.Close(); return nil })
	a.Tokens = oauth.NewTokenManager(a.Credentials, a.Flows, httpClient, logger)
	a.Authorizer = oauth.NewAuthorizer(a.Flows, a.Tokens, oauth.NewDiscoverer(httpClient, logger), cfg.OAuth, logger)
	a.Authorizer.SetSecrets(secrets)

	factory := upstream.NewTransportFactory(upstream.FactoryOptions{
		Tokens:     a.Tokens,
		Secrets:    secrets,
		HTTPClient: httpClient,
		Logger:     logger,
		TraceHTTP:  cfg.Logging != nil && cfg.Logging.Level == "debug",
	})
	a.Connections = upstream.NewManager(a.Registry, factory, upstream.Options{
		IdleTimeout:  cfg.Connections.IdleTimeout,
		ReapInterval: cfg.Connections.ReapInterval,
	}, logger)
	a.onClose("connections", func(context.Context) error { return a.Connections.Close() })
	a.Registry.OnPrivateChange(func(userID, name string) {
		if err := a.Connections.DisconnectUserConnection(userID, name); err != nil {
			logger.Warn("failed to drop connection of changed private server",
				zap.String("server", name), zap.String("user_id", userID), zap.Error(err))
		}
	})

	a.Initializer = initializer.New(initializer.Config{
		KeyPrefix:      cfg.Cluster.KeyPrefix,
		InstanceID:     cfg.InstanceID,
		InspectTimeout: cfg.Initializer.InspectTimeout,
		FollowerWait:   cfg.Initializer.FollowerWait,
		PollInterval:   cfg.Initializer.PollInterval,
		Concurrency:    cfg.Initializer.Concurrency,
		OnInspected:    a.Observability.ObserveInspection,
	}, a.Store, a.Registry, a.Connections, a.Elector, logger)

	a.Reconnect = reconnect.NewManager(a.Connections, a.Registry, a.Tokens, cfg.Reconnect.TrackingTimeout, logger)

	a.Pipeline = toolcall.New(a.Connections, lazyConfigs{a.Registry, a.Initializer, logger}, a.Authorizer, a.Flows, toolcall.Options{
		CallTimeout: cfg.Connections.CallTimeout,
		Observer:    toolObserver{a.Observability},
	}, logger)

	a.Hub = stream.NewHub(0, a.Observability, logger)

	a.observe()
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.Cluster.Mode {
	case config.ClusterModePostgres:
		store, err := kvstore.Connect(ctx, a.cfg.Cluster.PostgresDSN, a.logger)
		if err != nil {
			return err
		}
		a.Store = store
	default:
		a.Store = kvstore.NewMemoryStore()
	}
	a.onClose("cluster store", func(context.Context) error { return a.Store.Close() })
	return nil
}

func (a *App) leaderConfig() leader.Config {
	cfg := leader.Config{
		KeyPrefix:     a.cfg.Cluster.KeyPrefix,
		InstanceID:    a.cfg.InstanceID,
		LeaseDuration: a.cfg.Leader.LeaseDuration,
		RenewInterval: a.cfg.Leader.RenewInterval,
		MinRetryDelay: a.cfg.Leader.MinRetryDelay,
		MaxRetryDelay: a.cfg.Leader.MaxRetryDelay,
		Logger:        a.logger,
		OnStateChange: func(from, to leader.State) {
			a.logger.Info("leadership changed", zap.Stringer("from", from), zap.Stringer("to", to))
		},
	}
	// A single instance needs no lease.
	if a.cfg.Cluster.Mode == config.ClusterModePostgres {
		cfg.Store = a.Store
	}
	return cfg
}

// observe connects component state to metrics and health checks.
func (a *App) observe() {
	obs := a.Observability
	a.Flows.OnTransition(func(s oauth.FlowState) {
		obs.ObserveFlowTransition(s.Purpose, string(s.Status), string(s.Failure))
	})

	connLogger := a.logger.Named("connections")
	a.Connections.AddNotificationHandler(upstream.NotificationHandlerFunc(func(n *upstream.Notification) {
		fields := []zap.Field{
			zap.String("server", n.ServerName),
			zap.String("user", n.UserID),
			zap.Stringer("state", n.State),
			zap.String("message", n.Message),
		}
		if ce := connLogger.Check(n.Level, n.Title); ce != nil {
			ce.Write(fields...)
		}
	}))

	if metrics := obs.Metrics(); metrics != nil {
		metrics.WatchLeader(func() string { return a.Elector.State().String() })
		metrics.WatchConnections(func() (int, int, map[string]int) {
			stats := a.Connections.Stats()
			return stats.AppConnections, stats.UserConnections, stats.States
		})
		metrics.WatchFlows(func() map[string]int {
			out := make(map[string]int)
			for status, n := range a.Flows.Counts() {
				out[string(status)] = n
			}
			return out
		})
	}

	health := obs.Health()
	health.AddHealthChecker(observability.CheckFunc("cluster-store", func(ctx context.Context) error {
		_, err := a.Store.Get(ctx, kvstore.Key(a.cfg.Cluster.KeyPrefix, "health"))
		if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
			return err
		}
		return nil
	}))
	health.AddHealthChecker(observability.CheckFunc("credentials", func(context.Context) error {
		_, err := a.Credentials.GetSchemaVersion()
		return err
	}))
	health.AddReadinessChecker(observability.CheckFunc("initializer", func(context.Context) error {
		if phase := a.phase.Current(); phase != PhaseRunning {
			return fmt.Errorf("phase %s", phase)
		}
		return nil
	}))
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Phase returns the current lifecycle phase.
func (a *App) Phase() Phase {
	return a.phase.Current()
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return httpapi.NewServer(httpapi.Deps{
		Connections:   a.Connections,
		Servers:       a.Registry,
		Private:       a.Registry,
		OAuth:         a.Authorizer,
		Flows:         a.Flows,
		Tokens:        a.Tokens,
		Reconnector:   a.Reconnect,
		Tools:         a.Pipeline,
		Hub:           a.Hub,
		Observability: a.Observability,
	}, a.logger)
}

// Initialize runs the cluster-wide server inspection.
func (a *App) Initialize(ctx context.Context) (*initializer.Result, error) {
	a.phase.Transition(PhaseInitializing)
	result, err := a.Initializer.Initialize(ctx, a.cfg.Servers)
	if err != nil {
		a.phase.Transition(PhaseError)
		return nil, err
	}
	a.phase.Transition(PhaseRunning)
	return result, nil
}

// Run serves the HTTP API, initializes servers and runs background
// maintenance until ctx ends. The listener starts before initialization so
// health probes and OAuth callbacks are reachable while servers are
// inspected.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("HTTP API listening", zap.String("listen", a.cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.phase.Transition(PhaseStopping)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		result, err := a.Initialize(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("initialize servers: %w", err)
		}
		if result != nil {
			a.logger.Info("servers initialized",
				zap.Strings("initialized", result.Initialized),
				zap.Strings("uninitialized", result.Uninitialized),
				zap.Strings("oauth", result.OAuth))
		}
		return nil
	})

	a.Connections.Start(ctx)
	a.Flows.Start(ctx)
	g.Go(func() error {
		a.maintain(ctx)
		return nil
	})

	return g.Wait()
}

func (a *App) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.Reconnect.CleanupExpired(); n > 0 {
				a.logger.Debug("expired reconnect tracking", zap.Int("count", n))
			}
		}
	}
}

// Close tears the services down in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		a.phase.Transition(PhaseStopping)
		for i := len(a.closers) - 1; i >= 0; i-- {
			c := a.closers[i]
			if err := c.fn(ctx); err != nil {
				a.logger.Warn("error during shutdown", zap.String("component", c.name), zap.Error(err))
				errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			}
		}
		a.phase.Transition(PhaseStopped)
	})
	return errors.Join(errs...)
}

// toolObserver adapts the observability manager to the pipeline's observer.
type toolObserver struct {
	m *observability.Manager
}

func (o toolObserver) ObserveToolCall(server, tool string, outcome toolcall.Outcome, d time.Duration) {
	o.m.ObserveToolCall(server, tool, string(outcome), d)
}

// lazyConfigs inspects a shared server on its first call when startup
// deferred it.
type lazyConfigs struct {
	reg    *registry.Registry
	initer *initializer.Initializer
	logger *zap.Logger
}

func (l lazyConfigs) GetServerConfig(ctx context.Context, name, userID string) (*registry.ServerEntry, error) {
	entry, err := l.reg.GetServerConfig(ctx, name, userID)
	if err != nil || entry.Initialized || entry.Tier == registry.TierPrivateUser || entry.RequiresOAuth() {
		return entry, err
	}
	fresh, err := l.initer.EnsureInitialized(ctx, name)
	if err != nil {
		l.logger.Warn("lazy initialization failed", zap.String("server", name), zap.Error(err))
		return entry, nil
	}
	return fresh, nil
}
