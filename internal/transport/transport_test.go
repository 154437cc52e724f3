package transport

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
)

func TestDetermineTransportType(t *testing.T) {
	tests := []struct {
		name   string
		server config.ServerConfig
		want   string
	}{
		{"explicit sse", config.ServerConfig{Protocol: config.ProtocolSSE, URL: "http://x"}, config.ProtocolSSE},
		{"http alias", config.ServerConfig{Protocol: config.ProtocolHTTP, URL: "http://x"}, config.ProtocolStreamableHTTP},
		{"auto with command", config.ServerConfig{Protocol: "auto", Command: "npx"}, config.ProtocolStdio},
		{"inferred url", config.ServerConfig{URL: "http://x"}, config.ProtocolStreamableHTTP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetermineTransportType(&tt.server))
		})
	}
}

func TestParseCommand(t *testing.T) {
	assert.Equal(t, []string{"npx", "-y", "server files"}, ParseCommand(`npx -y "server files"`))
	assert.Equal(t, []string{"echo", "it's"}, ParseCommand(`echo "it's"`))
	assert.Empty(t, ParseCommand("   "))
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("SECRET_FROM_PARENT", "nope")

	env := BuildEnv(map[string]string{"API_KEY": "k", "PATH": "/opt/bin"})
	assert.Contains(t, env, "API_KEY=k")
	assert.Contains(t, env, "PATH=/opt/bin")
	assert.NotContains(t, env, "SECRET_FROM_PARENT=nope")
}

func TestResolveServer(t *testing.T) {
	server := &config.ServerConfig{
		Name:    "files",
		URL:     "https://api.example.com/{{TENANT}}/mcp",
		Headers: map[string]string{"Authorization": "Bearer {{ API_KEY }}", "X-User": "{{USER_ID}}"},
		Env:     map[string]string{"KEEP": "{{UNKNOWN}}"},
		CustomVars: map[string]config.CustomUserVar{
			"API_KEY": {Title: "API key"},
			"TENANT":  {Title: "Tenant"},
		},
	}

	resolved := ResolveServer(server, "u-42", map[string]string{"API_KEY": "secret", "TENANT": "acme"})
	assert.Equal(t, "https://api.example.com/acme/mcp", resolved.URL)
	assert.Equal(t, "Bearer secret", resolved.Headers["Authorization"])
	assert.Equal(t, "u-42", resolved.Headers["X-User"])
	assert.Equal(t, "{{UNKNOWN}}", resolved.Env["KEEP"])

	assert.Equal(t, "Bearer {{ API_KEY }}", server.Headers["Authorization"], "original is not mutated")
}

func TestMissingVars(t *testing.T) {
	server := &config.ServerConfig{
		Name:    "files",
		URL:     "https://x/{{TENANT}}",
		Headers: map[string]string{"Authorization": "Bearer {{API_KEY}}"},
		CustomVars: map[string]config.CustomUserVar{
			"API_KEY": {},
			"TENANT":  {},
			"UNUSED":  {},
		},
	}
	assert.Equal(t, []string{"API_KEY", "TENANT"}, MissingVars(server, nil))
	assert.Equal(t, []string{"TENANT"}, MissingVars(server, map[string]string{"API_KEY": "k"}))
	assert.Empty(t, MissingVars(server, map[string]string{"API_KEY": "k", "TENANT": "t"}))

	_, err := NewClient(Options{Server: server, Logger: zaptest.NewLogger(t)})
	var missing *MissingVarsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "files", missing.Server)
}

func TestNewClient(t *testing.T) {
	t.Run("streamable http", func(t *testing.T) {
		c, err := NewClient(Options{Server: &config.ServerConfig{Name: "a", URL: "http://127.0.0.1:1/mcp"}})
		require.NoError(t, err)
		assert.NotNil(t, c)
	})
	t.Run("sse", func(t *testing.T) {
		c, err := NewClient(Options{Server: &config.ServerConfig{Name: "a", Protocol: config.ProtocolSSE, URL: "http://127.0.0.1:1/sse"}})
		require.NoError(t, err)
		assert.NotNil(t, c)
	})
	t.Run("stdio", func(t *testing.T) {
		c, err := NewClient(Options{Server: &config.ServerConfig{Name: "a", Command: "true"}})
		require.NoError(t, err)
		assert.NotNil(t, c)
	})
	t.Run("missing url", func(t *testing.T) {
		_, err := NewClient(Options{Server: &config.ServerConfig{Name: "a", Protocol: config.ProtocolSSE}})
		assert.Error(t, err)
	})
	t.Run("nil server", func(t *testing.T) {
		_, err := NewClient(Options{})
		assert.Error(t, err)
	})
}

func TestClassifyError(t *testing.T) {
	err := ClassifyError(errors.New("request failed with status 503: upstream down"))
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 503, httpErr.StatusCode())
	assert.Equal(t, "upstream down", httpErr.Body)

	err = ClassifyError(fmt.Errorf("send: %w", transport.ErrUnauthorized))
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
	assert.ErrorIs(t, err, transport.ErrUnauthorized)

	plain := errors.New("tool exploded")
	assert.Equal(t, plain, ClassifyError(plain))
	assert.Nil(t, ClassifyError(nil))
}

func TestIsTransportError(t *testing.T) {
	assert.True(t, IsTransportError(io.EOF))
	assert.True(t, IsTransportError(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	assert.True(t, IsTransportError(transport.ErrSessionTerminated))
	assert.True(t, IsTransportError(errors.New("request failed with status 502: bad gateway")))
	assert.False(t, IsTransportError(errors.New("request failed with status 400: bad input")))
	assert.False(t, IsTransportError(errors.New("tool returned an error")))
	assert.False(t, IsTransportError(nil))
}

func TestLoggingTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	core, recorded := observer.New(zap.DebugLevel)
	client := &http.Client{Transport: NewLoggingTransport(nil, zap.New(core))}

	resp, err := client.Get(srv.URL + "/mcp?access_token=abcdefghijklmnop")
	require.NoError(t, err)
	resp.Body.Close()

	entries := recorded.FilterMessage("HTTP response").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, http.StatusUnauthorized, fields["status"])
	assert.NotContains(t, fields["url"], "abcdefghijklmnop")
	assert.Contains(t, fields["www_authenticate"], "invalid_token")
}
