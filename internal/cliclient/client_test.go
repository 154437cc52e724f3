package cliclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-mcp-proxy/mcpchat/internal/cliclient"
	"github.com/smart-mcp-proxy/mcpchat/internal/httpapi"
)

func envelope(w http.ResponseWriter, status int, resp httpapi.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func TestClient_ListServers(t *testing.T) {
	// Given: a daemon with two servers
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/servers", r.URL.Path)
		assert.Equal(t, "alice", r.Header.Get("X-User-ID"))
		envelope(w, http.StatusOK, httpapi.Response{Success: true, Data: []httpapi.ServerSummary{
			{Name: "docs", Tier: "app", Initialized: true, Tools: []string{"search"}},
			{Name: "notes", Tier: "private", RequiresOAuth: true},
		}})
	}))
	defer server.Close()

	client := cliclient.NewClient(server.URL, "alice", nil)

	// When: listing servers
	servers, err := client.ListServers(context.Background())

	// Then: both rows are decoded from the envelope
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"search"}, servers[0].Tools)
	assert.True(t, servers[1].RequiresOAuth)
}

func TestClient_TestServerNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/servers/missing/test", r.URL.Path)
		envelope(w, http.StatusNotFound, httpapi.Response{Error: "server not found"})
	}))
	defer server.Close()

	_, err := cliclient.NewClient(server.URL, "", nil).TestServer(context.Background(), "missing")

	require.Error(t, err)
	assert.True(t, cliclient.IsNotFound(err))
	assert.Contains(t, err.Error(), "server not found")
}

func TestClient_Reconnect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/bob/reconnect", r.URL.Path)
		envelope(w, http.StatusOK, httpapi.Response{Success: true, Data: []httpapi.ReconnectResult{
			{Server: "github"},
			{Server: "jira", Error: "token expired"},
		}})
	}))
	defer server.Close()

	results, err := cliclient.NewClient(server.URL, "bob", nil).Reconnect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token expired", results[1].Error)

	_, err = cliclient.NewClient(server.URL, "", nil).Reconnect(context.Background())
	assert.ErrorContains(t, err, "user is required")
}

func TestClient_DeleteTokensAndStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			assert.Equal(t, "/api/v1/oauth/github/tokens", r.URL.Path)
			envelope(w, http.StatusOK, httpapi.Response{Success: true, Data: map[string]string{"server": "github"}})
		default:
			envelope(w, http.StatusOK, httpapi.Response{Success: true, Data: httpapi.OAuthStatus{
				Server: "github", User: "bob", Reconnecting: true,
			}})
		}
	}))
	defer server.Close()

	client := cliclient.NewClient(server.URL, "bob", nil)
	require.NoError(t, client.DeleteTokens(context.Background(), "github"))

	status, err := client.OAuthStatus(context.Background(), "github")
	require.NoError(t, err)
	assert.True(t, status.Reconnecting)
	assert.Nil(t, status.Tokens)
}

func TestClient_Ping(t *testing.T) {
	var unhealthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	client := cliclient.NewClient(server.URL, "", nil)
	require.NoError(t, client.Ping(context.Background()))

	unhealthy.Store(true)
	assert.Error(t, client.Ping(context.Background()))

	server.Close()
	assert.Error(t, client.Ping(context.Background()))
}
