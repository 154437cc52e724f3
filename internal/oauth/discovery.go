package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultDiscoveryTimeout = 10 * time.Second

// ProtectedResourceMetadata represents RFC 9728 Protected Resource Metadata
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	ResourceName           string   `json:"resource_name,omitempty"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

// OAuthServerMetadata represents RFC 8414 OAuth Authorization Server Metadata
type OAuthServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
}

// ClientRegistration is the RFC 7591 dynamic client registration response.
type ClientRegistration struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
}

var errMetadataNotFound = errors.New("metadata not found")

// Discoverer fetches OAuth metadata documents.
type Discoverer struct {
	client *http.Client
	logger *zap.Logger
}

// NewDiscoverer creates a discoverer. A nil client gets a 10s timeout client.
func NewDiscoverer(client *http.Client, logger *zap.Logger) *Discoverer {
	if client == nil {
		client = &http.Client{Timeout: defaultDiscoveryTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{client: client, logger: logger.Named("oauth.discovery")}
}

// ExtractResourceMetadataURL parses WWW-Authenticate header to extract resource_metadata URL
// Format: Bearer error="invalid_request", resource_metadata="https://..."
func ExtractResourceMetadataURL(wwwAuthHeader string) string {
	_, rest, found := strings.Cut(wwwAuthHeader, "resource_metadata=\"")
	if !found {
		return ""
	}
	end := strings.Index(rest, "\"")
	if end == -1 {
		return ""
	}
	return rest[:end]
}

// Discover resolves the authorization server metadata for an MCP server URL.
// Protected resource metadata is tried first; the server origin is the fallback issuer.
func (d *Discoverer) Discover(ctx context.Context, serverURL string) (*OAuthServerMetadata, error) {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", serverURL)
	}
	origin := u.Scheme + "://" + u.Host

	prm, err := d.ProtectedResource(ctx, wellKnownURL(origin, "oauth-protected-resource", u.Path))
	if err != nil && u.Path != "" && u.Path != "/" {
		prm, err = d.ProtectedResource(ctx, wellKnownURL(origin, "oauth-protected-resource", ""))
	}
	if err == nil && len(prm.AuthorizationServers) > 0 {
		meta, aerr := d.AuthorizationServer(ctx, prm.AuthorizationServers[0])
		if aerr == nil {
			if len(meta.ScopesSupported) == 0 {
				meta.ScopesSupported = prm.ScopesSupported
			}
			return meta, nil
		}
		d.logger.Debug("authorization server from resource metadata unusable",
			zap.String("issuer", prm.AuthorizationServers[0]), zap.Error(aerr))
	}

	return d.AuthorizationServer(ctx, origin)
}

// ProtectedResource fetches RFC 9728 metadata from metadataURL.
func (d *Discoverer) ProtectedResource(ctx context.Context, metadataURL string) (*ProtectedResourceMetadata, error) {
	var meta ProtectedResourceMetadata
	if err := d.getJSON(ctx, metadataURL, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// AuthorizationServer fetches RFC 8414 metadata for issuer, falling back to OpenID
// Connect discovery.
func (d *Discoverer) AuthorizationServer(ctx context.Context, issuer string) (*OAuthServerMetadata, error) {
	u, err := url.Parse(issuer)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid issuer %q", issuer)
	}
	origin := u.Scheme + "://" + u.Host
	path := strings.TrimSuffix(u.Path, "/")

	candidates := []string{
		wellKnownURL(origin, "oauth-authorization-server", path),
		wellKnownURL(origin, "openid-configuration", path),
	}
	if path != "" {
		candidates = append(candidates, origin+path+"/.well-known/openid-configuration")
	}

	var lastErr error
	for _, candidate := range candidates {
		var meta OAuthServerMetadata
		if err := d.getJSON(ctx, candidate, &meta); err != nil {
			lastErr = err
			continue
		}
		if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
			lastErr = fmt.Errorf("metadata at %s lacks authorization or token endpoint", candidate)
			continue
		}
		d.logger.Debug("discovered authorization server",
			zap.String("issuer", meta.Issuer),
			zap.String("metadata_url", candidate),
			zap.Bool("revocation", meta.RevocationEndpoint != ""))
		return &meta, nil
	}
	return nil, fmt.Errorf("discover authorization server for %s: %w", issuer, lastErr)
}

// RegisterClient performs RFC 7591 dynamic client registration.
func (d *Discoverer) RegisterClient(ctx context.Context, endpoint, clientName, redirectURI string, scopes []string) (*ClientRegistration, error) {
	body := map[string]any{
		"client_name":                clientName,
		"redirect_uris":              []string{redirectURI},
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "none",
	}
	if len(scopes) > 0 {
		body["scope"] = strings.Join(scopes, " ")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client registration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("client registration returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var reg ClientRegistration
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return nil, fmt.Errorf("decode registration response: %w", err)
	}
	if reg.ClientID == "" {
		return nil, errors.New("registration response has no client_id")
	}
	return &reg, nil
}

func (d *Discoverer) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", errMetadataNotFound, target)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metadata request to %s returned %d", target, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}
	return nil
}

// wellKnownURL inserts the well-known segment between origin and path (RFC 8414 section 3.1).
func wellKnownURL(origin, name, path string) string {
	path = strings.TrimSuffix(path, "/")
	return origin + "/.well-known/" + name + path
}
