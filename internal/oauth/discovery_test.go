package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestExtractResourceMetadataURL(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"with metadata", `Bearer error="invalid_request", resource_metadata="https://api.example.com/.well-known/oauth-protected-resource"`, "https://api.example.com/.well-known/oauth-protected-resource"},
		{"without metadata", `Bearer error="invalid_token"`, ""},
		{"unterminated", `Bearer resource_metadata="https://x`, ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractResourceMetadataURL(tt.header))
		})
	}
}

func TestWellKnownURL(t *testing.T) {
	assert.Equal(t, "https://a.example/.well-known/oauth-authorization-server", wellKnownURL("https://a.example", "oauth-authorization-server", ""))
	assert.Equal(t, "https://a.example/.well-known/oauth-authorization-server/tenant", wellKnownURL("https://a.example", "oauth-authorization-server", "/tenant/"))
}

func TestDiscoverer_OpenIDFallback(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(OAuthServerMetadata{
			Issuer:                srv.URL,
			AuthorizationEndpoint: srv.URL + "/auth",
			TokenEndpoint:         srv.URL + "/token",
			RevocationEndpoint:    srv.URL + "/revoke",
		})
	}))
	defer srv.Close()

	d := NewDiscoverer(srv.Client(), zaptest.NewLogger(t))
	meta, err := d.Discover(context.Background(), srv.URL+"/mcp")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/auth", meta.AuthorizationEndpoint)
	assert.Equal(t, srv.URL+"/revoke", meta.RevocationEndpoint)
}

func TestDiscoverer_NoMetadata(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d := NewDiscoverer(srv.Client(), zaptest.NewLogger(t))
	_, err := d.Discover(context.Background(), srv.URL)
	assert.Error(t, err)

	_, err = d.Discover(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestDiscoverer_IncompleteMetadataRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"issuer":"x"}`))
	}))
	defer srv.Close()

	d := NewDiscoverer(srv.Client(), zaptest.NewLogger(t))
	_, err := d.AuthorizationServer(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "lacks authorization or token endpoint")
}

func TestDiscoverer_RegisterClientFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "registration disabled", http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewDiscoverer(srv.Client(), zaptest.NewLogger(t))
	_, err := d.RegisterClient(context.Background(), srv.URL+"/register", "c", "http://cb", nil)
	assert.ErrorContains(t, err, "403")
}
