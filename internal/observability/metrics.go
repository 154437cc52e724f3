package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "mcpchat"

// Snapshot sources read at scrape time.
type (
	LeaderStateFunc func() string
	ConnectionsFunc func() (app, user int, states map[string]int)
	FlowCountsFunc  func() map[string]int
)

// MetricsManager manages Prometheus metrics
type MetricsManager struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	uptime       prometheus.GaugeFunc
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	inspections     *prometheus.CounterVec
	inspectDuration prometheus.Histogram

	flowTransitions *prometheus.CounterVec
	streamEvents    *prometheus.CounterVec

	state *stateCollector
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(logger *zap.SugaredLogger) *MetricsManager {
	registry := prometheus.NewRegistry()
	started := time.Now()

	mm := &MetricsManager{
		logger:   logger,
		registry: registry,
		uptime: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the process started",
		}, func() float64 { return time.Since(started).Seconds() }),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by server, tool and outcome",
		}, []string{"server", "tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call duration in seconds, including any authorization wait",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 180},
		}, []string{"server", "outcome"}),
		inspections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_inspections_total",
			Help:      "Tool server inspections by outcome",
		}, []string{"outcome"}),
		inspectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "server_inspection_duration_seconds",
			Help:      "Tool server inspection duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		flowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_flow_transitions_total",
			Help:      "Terminal OAuth flow transitions",
		}, []string{"purpose", "status", "failure"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream events by kind and outcome",
		}, []string{"kind", "outcome"}),
		state: newStateCollector(),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		mm.uptime,
		mm.httpRequests,
		mm.httpDuration,
		mm.toolCalls,
		mm.toolDuration,
		mm.inspections,
		mm.inspectDuration,
		mm.flowTransitions,
		mm.streamEvents,
		mm.state,
	)
	return mm
}

// Handler returns the Prometheus metrics HTTP handler
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the underlying registry.
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

// WatchLeader exports the election state as mcpchat_leader_state.
func (mm *MetricsManager) WatchLeader(fn LeaderStateFunc) {
	mm.state.setLeader(fn)
}

// WatchConnections exports live connection counts.
func (mm *MetricsManager) WatchConnections(fn ConnectionsFunc) {
	mm.state.setConnections(fn)
}

// WatchFlows exports tracked OAuth flows per status.
func (mm *MetricsManager) WatchFlows(fn FlowCountsFunc) {
	mm.state.setFlows(fn)
}

// ObserveToolCall records one finished tool invocation.
func (mm *MetricsManager) ObserveToolCall(server, tool, outcome string, duration time.Duration) {
	mm.toolCalls.WithLabelValues(server, tool, outcome).Inc()
	mm.toolDuration.WithLabelValues(server, outcome).Observe(duration.Seconds())
}

// ObserveStreamEvent counts an emitted, dropped, applied or ignored event.
func (mm *MetricsManager) ObserveStreamEvent(kind, outcome string) {
	mm.streamEvents.WithLabelValues(kind, outcome).Inc()
}

// ObserveInspection records a server inspection.
func (mm *MetricsManager) ObserveInspection(_ string, duration time.Duration, err error) {
	outcome := StatusSuccess
	if err != nil {
		outcome = StatusError
	}
	mm.inspections.WithLabelValues(outcome).Inc()
	mm.inspectDuration.Observe(duration.Seconds())
}

// ObserveFlowTransition counts a terminal flow transition.
func (mm *MetricsManager) ObserveFlowTransition(purpose, status, failure string) {
	mm.flowTransitions.WithLabelValues(purpose, status, failure).Inc()
}

// HTTPMiddleware returns middleware that records HTTP metrics. routePattern
// maps a request to a low-cardinality path label.
func (mm *MetricsManager) HTTPMiddleware(routePattern func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if routePattern != nil {
				if p := routePattern(r); p != "" {
					path = p
				}
			}
			status := strconv.Itoa(rw.statusCode)
			mm.httpRequests.WithLabelValues(r.Method, path, status).Inc()
			mm.httpDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		})
	}
}

// responseWriter captures the status code. Flush is forwarded so streaming
// handlers keep working behind the middleware.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
