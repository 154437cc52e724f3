package observability

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
)

// Outcome labels shared by inspection and health metrics.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Manager coordinates health checks, metrics and tracing.
type Manager struct {
	logger  *zap.SugaredLogger
	health  *HealthManager
	metrics *MetricsManager
	tracing *TracingManager
}

// NewManager builds the observability stack from cfg. Metrics may be
// disabled, in which case Metrics returns nil.
func NewManager(ctx context.Context, cfg *config.ObservabilityConfig, version string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &config.ObservabilityConfig{}
	}
	sugar := logger.Named("observability").Sugar()

	m := &Manager{
		logger: sugar,
		health: NewHealthManager(sugar, 5*time.Second),
	}
	if cfg.MetricsEnabled {
		m.metrics = NewMetricsManager(sugar)
		sugar.Info("Prometheus metrics enabled")
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "mcpchat"
	}
	tracing, err := NewTracingManager(ctx, sugar, TracingConfig{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    serviceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.SampleRate,
	})
	if err != nil {
		return nil, err
	}
	m.tracing = tracing
	return m, nil
}

// Health returns the health manager
func (m *Manager) Health() *HealthManager { return m.health }

// Metrics returns the metrics manager, nil when disabled.
func (m *Manager) Metrics() *MetricsManager { return m.metrics }

// Tracing returns the tracing manager
func (m *Manager) Tracing() *TracingManager { return m.tracing }

// HTTPMiddleware chains metrics and tracing middleware.
func (m *Manager) HTTPMiddleware(routePattern func(*http.Request) string) func(http.Handler) http.Handler {
	var middlewares []func(http.Handler) http.Handler
	if m.metrics != nil {
		middlewares = append(middlewares, m.metrics.HTTPMiddleware(routePattern))
	}
	middlewares = append(middlewares, m.tracing.HTTPMiddleware(routePattern))

	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// ObserveToolCall forwards to the metrics manager when enabled.
func (m *Manager) ObserveToolCall(server, tool, outcome string, duration time.Duration) {
	if m.metrics != nil {
		m.metrics.ObserveToolCall(server, tool, outcome, duration)
	}
}

// ObserveStreamEvent forwards to the metrics manager when enabled.
func (m *Manager) ObserveStreamEvent(kind, outcome string) {
	if m.metrics != nil {
		m.metrics.ObserveStreamEvent(kind, outcome)
	}
}

// ObserveInspection forwards to the metrics manager when enabled.
func (m *Manager) ObserveInspection(server string, duration time.Duration, err error) {
	if err != nil {
		m.logger.Debugw("Inspection failed", "server", server, "duration", duration, "error", err)
	}
	if m.metrics != nil {
		m.metrics.ObserveInspection(server, duration, err)
	}
}

// ObserveFlowTransition forwards to the metrics manager when enabled.
func (m *Manager) ObserveFlowTransition(purpose, status, failure string) {
	if m.metrics != nil {
		m.metrics.ObserveFlowTransition(purpose, status, failure)
	}
}

// Close gracefully shuts down observability components
func (m *Manager) Close(ctx context.Context) error {
	if err := m.tracing.Close(ctx); err != nil {
		m.logger.Errorw("Failed to close tracing manager", "error", err)
		return err
	}
	return nil
}
