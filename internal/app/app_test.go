package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
	"github.com/smart-mcp-proxy/mcpchat/internal/registry"
	"github.com/smart-mcp-proxy/mcpchat/internal/toolcall"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return toolServer(t, "echo")
}

// toolServer serves a single tool that answers "<tool>: <text>".
func toolServer(t *testing.T, tool string) *httptest.Server {
	t.Helper()
	srv := server.NewMCPServer(tool, "1.0.0")
	srv.AddTool(mcp.NewTool(tool, mcp.WithString("text", mcp.Required())),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(tool + ": " + req.GetString("text", "")), nil
		})
	ts := server.NewTestStreamableHTTPServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func testConfig(t *testing.T, servers ...*config.ServerConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.InstanceID = "test-instance"
	cfg.Observability.MetricsEnabled = true
	cfg.Servers = servers
	return cfg
}

func TestAppLifecycle(t *testing.T) {
	ts := echoServer(t)
	cfg := testConfig(t, &config.ServerConfig{Name: "echo", Protocol: config.ProtocolHTTP, URL: ts.URL + "/mcp"})

	ctx := context.Background()
	a, err := New(ctx, cfg, "test", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, PhaseStarting, a.Phase())

	handler := a.Handler()
	ready := httptest.NewRecorder()
	handler.ServeHTTP(ready, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, ready.Code)

	result, err := a.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, result.Initialized)
	assert.Equal(t, PhaseRunning, a.Phase())

	entry, err := a.Registry.GetServerConfig(ctx, "echo", "")
	require.NoError(t, err)
	assert.True(t, entry.Initialized)
	require.Len(t, entry.Tools, 1)
	assert.Equal(t, "echo", entry.Tools[0].Name)

	res, err := a.Pipeline.Call(ctx, toolcall.Request{
		ServerName: "echo",
		ToolName:   "echo",
		Arguments:  map[string]any{"text": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, toolcall.OutcomeSuccess, res.Outcome)
	assert.Contains(t, res.Content, "echo: hi")

	ready = httptest.NewRecorder()
	handler.ServeHTTP(ready, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, ready.Code)

	metrics := httptest.NewRecorder()
	handler.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, metrics.Body.String(), `mcpchat_tool_calls_total{outcome="success",server="echo",tool="echo"} 1`)
	assert.Contains(t, metrics.Body.String(), `mcpchat_leader_state{state="leader"} 1`)

	require.NoError(t, a.Close(ctx))
	assert.Equal(t, PhaseStopped, a.Phase())
	require.NoError(t, a.Close(ctx))
}

func TestPrivateServerChangesReachNextCaller(t *testing.T) {
	echo, shout := echoServer(t), toolServer(t, "shout")
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), "test", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })
	handler := a.Handler()

	rec := serve(handler, http.MethodPost, "/api/v1/users/alice/servers",
		`{"name":"notes","protocol":"http","url":"`+echo.URL+`/mcp"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	tools, err := a.Connections.GetServerToolFunctions(ctx, "alice", "notes", nil)
	require.NoError(t, err)
	assert.Contains(t, tools, registry.ToolKey("echo", "notes"))
	assert.Equal(t, 1, a.Connections.Stats().UserConnections)

	rec = serve(handler, http.MethodPut, "/api/v1/users/alice/servers/notes",
		`{"protocol":"http","url":"`+shout.URL+`/mcp"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Zero(t, a.Connections.Stats().UserConnections)

	tools, err = a.Connections.GetServerToolFunctions(ctx, "alice", "notes", nil)
	require.NoError(t, err)
	assert.Contains(t, tools, registry.ToolKey("shout", "notes"))
	assert.NotContains(t, tools, registry.ToolKey("echo", "notes"))

	res, err := a.Pipeline.Call(ctx, toolcall.Request{
		UserID:     "alice",
		ServerName: "notes",
		ToolName:   "shout",
		Arguments:  map[string]any{"text": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, toolcall.OutcomeSuccess, res.Outcome)
	assert.Contains(t, res.Content, "shout: hi")

	rec = serve(handler, http.MethodDelete, "/api/v1/oauth/notes/tokens?user=alice", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Zero(t, a.Connections.Stats().UserConnections)

	rec = serve(handler, http.MethodDelete, "/api/v1/users/alice/servers/notes", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, err = a.Connections.GetServerToolFunctions(ctx, "alice", "notes", nil)
	assert.ErrorIs(t, err, registry.ErrServerNotFound)
}

func TestNewFailsOnUnreachableCluster(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cluster.Mode = config.ClusterModePostgres
	cfg.Cluster.PostgresDSN = "postgres://nobody@127.0.0.1:1/none?connect_timeout=1"

	_, err := New(context.Background(), cfg, "test", zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestPhaseTransitions(t *testing.T) {
	pm := newPhaseMachine(PhaseStarting)
	assert.False(t, pm.Transition(PhaseRunning))
	assert.True(t, pm.Transition(PhaseInitializing))
	assert.True(t, pm.Transition(PhaseRunning))
	assert.True(t, pm.Transition(PhaseRunning))
	assert.False(t, pm.Transition(PhaseInitializing))
	assert.True(t, pm.Transition(PhaseStopping))
	assert.True(t, pm.Transition(PhaseStopped))
	assert.False(t, pm.Transition(PhaseRunning))
	assert.Equal(t, PhaseStopped, pm.Current())
}
