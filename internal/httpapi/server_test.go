package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
	"github.com/smart-mcp-proxy/mcpchat/internal/oauth"
	"github.com/smart-mcp-proxy/mcpchat/internal/reconnect"
	"github.com/smart-mcp-proxy/mcpchat/internal/registry"
	"github.com/smart-mcp-proxy/mcpchat/internal/stream"
	"github.com/smart-mcp-proxy/mcpchat/internal/toolcall"
	"github.com/smart-mcp-proxy/mcpchat/internal/upstream"
)

type fakeConnections struct {
	invalidated []string
	dropped     []string
	err         error
}

func (f *fakeConnections) GetConnection(context.Context, upstream.GetConnectionRequest) (*upstream.Connection, error) {
	return nil, f.err
}
func (f *fakeConnections) InvalidateToolCache(name string) { f.invalidated = append(f.invalidated, name) }
func (f *fakeConnections) DisconnectUserConnection(user, server string) error {
	f.dropped = append(f.dropped, oauth.FlowID(user, server))
	return nil
}
func (f *fakeConnections) Connections() []upstream.ConnectionInfo { return nil }
func (f *fakeConnections) Stats() upstream.Stats {
	return upstream.Stats{AppConnections: 1, States: map[string]int{}}
}

type fakeServers map[string]*registry.ServerEntry

func (f fakeServers) GetAllServerConfigs(context.Context, string) (map[string]*registry.ServerEntry, error) {
	return f, nil
}

type fakePrivate struct {
	configs map[string]*config.ServerConfig
}

func (f *fakePrivate) AddPrivateUserServer(_ context.Context, user, name string, cfg *config.ServerConfig) error {
	if user == "" {
		return registry.ErrUserRequired
	}
	if cfg.URL == "" {
		return fmt.Errorf("%w: url is required", registry.ErrInvalidConfig)
	}
	if _, ok := f.configs[user+"/"+name]; ok {
		return registry.ErrServerExists
	}
	f.configs[user+"/"+name] = cfg
	return nil
}

func (f *fakePrivate) UpdatePrivateUserServer(_ context.Context, user, name string, cfg *config.ServerConfig) error {
	if _, ok := f.configs[user+"/"+name]; !ok {
		return registry.ErrServerNotFound
	}
	f.configs[user+"/"+name] = cfg
	return nil
}

func (f *fakePrivate) RemovePrivateUserServer(_ context.Context, user, name string) error {
	if _, ok := f.configs[user+"/"+name]; !ok {
		return registry.ErrServerNotFound
	}
	delete(f.configs, user+"/"+name)
	return nil
}

type fakeOAuth struct {
	err error
}

func (f fakeOAuth) HandleCallback(_ context.Context, state, _, _ string) (*oauth.CallbackResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	user, server, _ := oauth.SplitFlowID(state)
	return &oauth.CallbackResult{UserID: user, ServerName: server}, nil
}

type fakeTokens struct {
	deleted []string
}

func (f *fakeTokens) Status(context.Context, string, string) (oauth.TokenStatus, error) {
	return oauth.TokenStatus{HasAccessToken: true}, nil
}

func (f *fakeTokens) DeleteUserTokens(_ context.Context, user, server string) error {
	f.deleted = append(f.deleted, oauth.FlowID(user, server))
	return nil
}

type fakeReconnector struct {
	cleared []string
}

func (f *fakeReconnector) IsReconnecting(string, string) bool { return false }
func (f *fakeReconnector) HasFailed(string, string) bool      { return true }
func (f *fakeReconnector) Clear(user, server string) {
	f.cleared = append(f.cleared, oauth.FlowID(user, server))
}
func (f *fakeReconnector) ReconnectServers(context.Context, string) ([]reconnect.Outcome, error) {
	return []reconnect.Outcome{{ServerName: "a"}, {ServerName: "b", Err: errors.New("HTTP 401")}}, nil
}

type echoInvoker struct{}

func (echoInvoker) Call(_ context.Context, req toolcall.Request) (*toolcall.Result, error) {
	return &toolcall.Result{Content: fmt.Sprintf("%s:%v", req.ToolName, req.Arguments), Outcome: toolcall.OutcomeSuccess}, nil
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, data any) Response {
	t.Helper()
	var resp Response
	if data != nil {
		resp.Data = data
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func do(s http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthWithoutObservability(t *testing.T) {
	s := NewServer(Deps{}, zaptest.NewLogger(t))
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/api/v1/servers", "").Code)
}

func TestListServers(t *testing.T) {
	s := NewServer(Deps{Servers: fakeServers{
		"search": {Config: &config.ServerConfig{Name: "search", Protocol: "sse"}, Tier: registry.TierSharedApp,
			Initialized: true, Tools: []registry.Tool{{Name: "web_search"}}},
		"github": {Config: &config.ServerConfig{Name: "github", RequiresOAuth: true}, Tier: registry.TierSharedUser},
	}}, zaptest.NewLogger(t))

	rec := do(s, http.MethodGet, "/api/v1/servers?user=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var servers []ServerSummary
	resp := decodeResponse(t, rec, &servers)
	assert.True(t, resp.Success)
	require.Len(t, servers, 2)
	assert.Equal(t, "github", servers[0].Name)
	assert.True(t, servers[0].RequiresOAuth)
	assert.Equal(t, []string{"web_search"}, servers[1].Tools)
}

func TestTestServer(t *testing.T) {
	conns := &fakeConnections{err: fmt.Errorf("lookup: %w", registry.ErrServerNotFound)}
	s := NewServer(Deps{Connections: conns}, zaptest.NewLogger(t))

	rec := do(s, http.MethodPost, "/api/v1/servers/missing/test", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, []string{"missing"}, conns.invalidated)

	conns.err = errors.New("connection refused")
	assert.Equal(t, http.StatusBadGateway, do(s, http.MethodPost, "/api/v1/servers/down/test", "").Code)
}

func TestOAuthCallback(t *testing.T) {
	t.Run("completed flow clears reconnect tracking", func(t *testing.T) {
		rc := &fakeReconnector{}
		s := NewServer(Deps{OAuth: fakeOAuth{}, Reconnector: rc}, zaptest.NewLogger(t))
		rec := do(s, http.MethodGet, "/oauth/callback?state=u1:github&code=abc", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "Authorization complete")
		assert.Equal(t, []string{"u1:github"}, rc.cleared)
	})

	cases := []struct {
		err    error
		status int
		text   string
	}{
		{oauth.ErrInvalidState, http.StatusBadRequest, "invalid or has expired"},
		{fmt.Errorf("%w: user denied access", oauth.ErrFlowCancelled), http.StatusOK, "Authorization cancelled"},
		{errors.New("exchange code: boom"), http.StatusBadGateway, "exchange code: boom"},
	}
	for _, tc := range cases {
		s := NewServer(Deps{OAuth: fakeOAuth{err: tc.err}}, zaptest.NewLogger(t))
		rec := do(s, http.MethodGet, "/oauth/callback?state=x&error=access_denied", "")
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
		assert.Contains(t, rec.Body.String(), tc.text)
	}
}

func TestOAuthStatusAndTokens(t *testing.T) {
	flows := oauth.NewFlowManager(time.Minute, zaptest.NewLogger(t))
	defer flows.Close()
	_, err := flows.CreateFlow(oauth.FlowID("u1", "github"), oauth.PurposeAuthorize, nil)
	require.NoError(t, err)

	tokens := &fakeTokens{}
	rc := &fakeReconnector{}
	conns := &fakeConnections{}
	s := NewServer(Deps{Connections: conns, Flows: flows, Tokens: tokens, Reconnector: rc}, zaptest.NewLogger(t))

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, "/api/v1/oauth/github/status", "").Code)

	rec := do(s, http.MethodGet, "/api/v1/oauth/github/status?user=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status OAuthStatus
	decodeResponse(t, rec, &status)
	assert.True(t, status.Flow.Active)
	require.NotNil(t, status.Tokens)
	assert.True(t, status.Tokens.HasAccessToken)
	assert.True(t, status.Failed)

	rec = do(s, http.MethodDelete, "/api/v1/oauth/github/tokens?user=u1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"u1:github"}, tokens.deleted)
	assert.Equal(t, []string{"u1:github"}, rc.cleared)
	assert.Equal(t, []string{"u1:github"}, conns.dropped, "deleting tokens closes the connection that used them")
}

func TestPrivateServerRoutes(t *testing.T) {
	private := &fakePrivate{configs: map[string]*config.ServerConfig{}}
	s := NewServer(Deps{Private: private}, zaptest.NewLogger(t))

	body := `{"name":"notes","protocol":"http","url":"http://notes.local/mcp"}`
	rec := do(s, http.MethodPost, "/api/v1/users/u1/servers", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "http://notes.local/mcp", private.configs["u1/notes"].URL)

	assert.Equal(t, http.StatusConflict, do(s, http.MethodPost, "/api/v1/users/u1/servers", body).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/api/v1/users/u1/servers", `{"name":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/api/v1/users/u1/servers", `{"url":"http://x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/api/v1/users/u1/servers", `{`).Code)

	rec = do(s, http.MethodPut, "/api/v1/users/u1/servers/notes", `{"protocol":"http","url":"http://notes-v2.local/mcp"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://notes-v2.local/mcp", private.configs["u1/notes"].URL)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodPut, "/api/v1/users/u2/servers/notes", `{"url":"http://x"}`).Code)

	assert.Equal(t, http.StatusOK, do(s, http.MethodDelete, "/api/v1/users/u1/servers/notes", "").Code)
	assert.Empty(t, private.configs)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodDelete, "/api/v1/users/u1/servers/notes", "").Code)

	s = NewServer(Deps{}, zaptest.NewLogger(t))
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodDelete, "/api/v1/users/u1/servers/notes", "").Code)
}

func TestReconnect(t *testing.T) {
	s := NewServer(Deps{Reconnector: &fakeReconnector{}}, zaptest.NewLogger(t))
	rec := do(s, http.MethodPost, "/api/v1/users/u1/reconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var results []ReconnectResult
	decodeResponse(t, rec, &results)
	assert.Equal(t, []ReconnectResult{{Server: "a"}, {Server: "b", Error: "HTTP 401"}}, results)
}

func TestToolCallStreamsToSubscribers(t *testing.T) {
	hub := stream.NewHub(16, nil, zaptest.NewLogger(t))
	frames := hub.Subscribe("conv-1")
	s := NewServer(Deps{Tools: echoInvoker{}, Hub: hub}, zaptest.NewLogger(t))

	assert.Equal(t, http.StatusBadRequest,
		do(s, http.MethodPost, "/api/v1/conversations/conv-1/tool-calls", `{"server":"search"}`).Code)

	rec := do(s, http.MethodPost, "/api/v1/conversations/conv-1/tool-calls",
		`{"user_id":"u1","message_id":"m1","server":"search","tool":"web_search","arguments":{"query":"go"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var result ToolCallResponse
	decodeResponse(t, rec, &result)
	assert.Equal(t, "web_search:map[query:go]", result.Content)
	assert.Equal(t, "success", result.Outcome)

	r := stream.NewReconstructor(zaptest.NewLogger(t))
	for n := len(frames); n > 0; n-- {
		_, ok := r.Apply((<-frames).Data)
		assert.True(t, ok)
	}
	content := r.Content("m1")
	require.Len(t, content, 1)
	assert.Equal(t, "web_search", content[0].ToolCall.Name)
	assert.Equal(t, `{"query":"go"}`, content[0].ToolCall.Args)
	assert.Equal(t, "web_search:map[query:go]", content[0].ToolCall.Output)
}

func TestConversationEventsSSE(t *testing.T) {
	hub := stream.NewHub(16, nil, zaptest.NewLogger(t))
	srv := httptest.NewServer(NewServer(Deps{Hub: hub}, zaptest.NewLogger(t), WithHeartbeat(20*time.Millisecond)))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/conversations/c1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return hub.Subscribers("c1") == 1 }, time.Second, 5*time.Millisecond)
	emitter := stream.NewEmitter(stream.Identity{ConversationID: "c1", MessageID: "m1"}, hub, nil)
	emitter.MessageStep()

	reader := bufio.NewReader(resp.Body)
	var sawPing, sawEvent, sawData bool
	for !(sawPing && sawEvent && sawData) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, ": ping"):
			sawPing = true
		case line == "event: on_run_step\n":
			sawEvent = true
		case strings.HasPrefix(line, "data: "):
			ev, err := stream.Decode([]byte(strings.TrimPrefix(line, "data: ")))
			require.NoError(t, err)
			assert.Equal(t, stream.EventRunStep, ev.Kind())
			sawData = true
		}
	}

	cancel()
	require.Eventually(t, func() bool { return hub.Subscribers("c1") == 0 }, time.Second, 5*time.Millisecond)
}
