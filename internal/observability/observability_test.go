package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsExposeComponentState(t *testing.T) {
	mm := NewMetricsManager(zaptest.NewLogger(t).Sugar())
	mm.WatchLeader(func() string { return "leader" })
	mm.WatchConnections(func() (int, int, map[string]int) {
		return 2, 3, map[string]int{"ready": 4, "error": 1}
	})
	mm.WatchFlows(func() map[string]int { return map[string]int{"PENDING": 1} })

	mm.ObserveToolCall("search", "web_search", "success", 150*time.Millisecond)
	mm.ObserveStreamEvent("on_run_step", "emitted")
	mm.ObserveInspection("search", time.Second, errors.New("boom"))
	mm.ObserveFlowTransition("mcp_oauth", "FAILED", "timeout")

	body := scrape(t, mm.Handler())
	for _, want := range []string{
		`mcpchat_leader_state{state="leader"} 1`,
		`mcpchat_leader_state{state="follower"} 0`,
		`mcpchat_connections{kind="app"} 2`,
		`mcpchat_connections{kind="user"} 3`,
		`mcpchat_connection_states{state="ready"} 4`,
		`mcpchat_oauth_flows{status="PENDING"} 1`,
		`mcpchat_tool_calls_total{outcome="success",server="search",tool="web_search"} 1`,
		`mcpchat_stream_events_total{kind="on_run_step",outcome="emitted"} 1`,
		`mcpchat_server_inspections_total{outcome="error"} 1`,
		`mcpchat_oauth_flow_transitions_total{failure="timeout",purpose="mcp_oauth",status="FAILED"} 1`,
	} {
		assert.Contains(t, body, want)
	}
}

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	mm := NewMetricsManager(zaptest.NewLogger(t).Sugar())
	h := mm.HTTPMiddleware(func(*http.Request) string { return "/api/v1/servers/{name}/test" })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) }))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/servers/a/test", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/servers/b/test", nil))

	assert.Contains(t, scrape(t, mm.Handler()),
		`mcpchat_http_requests_total{method="POST",path="/api/v1/servers/{name}/test",status="202"} 2`)
}

func TestHealthHandlers(t *testing.T) {
	hm := NewHealthManager(zaptest.NewLogger(t).Sugar(), time.Second)
	hm.AddHealthChecker(CheckFunc("store", func(context.Context) error { return nil }))
	ready := false
	hm.AddReadinessChecker(CheckFunc("initializer", func(context.Context) error {
		if !ready {
			return errors.New("initialization pending")
		}
		return nil
	}))

	rec := httptest.NewRecorder()
	hm.HealthzHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	hm.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "not_ready", resp.Status)
	require.Len(t, resp.Components, 1)
	assert.Equal(t, "initialization pending", resp.Components[0].Error)

	ready = true
	rec = httptest.NewRecorder()
	hm.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestManagerWithMetricsDisabled(t *testing.T) {
	m, err := NewManager(context.Background(), &config.ObservabilityConfig{}, "test", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, m.Metrics())
	assert.False(t, m.Tracing().IsEnabled())

	m.ObserveToolCall("s", "t", "success", time.Millisecond)
	m.ObserveStreamEvent("final", "applied")

	rec := httptest.NewRecorder()
	m.HTTPMiddleware(nil)(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, m.Close(context.Background()))
}
