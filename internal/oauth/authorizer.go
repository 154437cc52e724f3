package oauth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
)

// CallbackPath is the route the authorization server redirects back to.
const CallbackPath = "/oauth/callback"

const (
	metaUserID   = "user_id"
	metaServer   = "server"
	metaVerifier = "code_verifier"
	metaNonce    = "nonce"
	metaAuthURL  = "auth_url"
)

// AuthorizationRequest is what the caller needs to send the user to the
// authorization server.
type AuthorizationRequest struct {
	FlowID    string    `json:"flow_id"`
	AuthURL   string    `json:"auth_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CallbackResult identifies the (user, server) pair a callback completed.
type CallbackResult struct {
	UserID     string
	ServerName string
}

// Authorizer runs the authorization-code flow with PKCE on top of FlowManager.
type Authorizer struct {
	flows       *FlowManager
	tokens      *TokenManager
	discovery   *Discoverer
	callbackURL string
	clientName  string
	secrets     SecretExpander
	logger      *zap.Logger
}

// SecretExpander resolves secret references such as ${keyring:name}.
type SecretExpander interface {
	Expand(ctx context.Context, s string) (string, error)
}

// SetSecrets makes the authorizer expand references in configured client secrets.
func (a *Authorizer) SetSecrets(s SecretExpander) {
	a.secrets = s
}

// NewAuthorizer creates an authorizer. settings.CallbackBaseURL is joined with CallbackPath.
func NewAuthorizer(flows *FlowManager, tokens *TokenManager, discovery *Discoverer, settings *config.OAuthSettings, logger *zap.Logger) *Authorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if discovery == nil {
		discovery = NewDiscoverer(nil, logger)
	}
	a := &Authorizer{
		flows:     flows,
		tokens:    tokens,
		discovery: discovery,
		logger:    logger.Named("oauth-authorizer"),
	}
	if settings != nil {
		a.callbackURL = strings.TrimSuffix(settings.CallbackBaseURL, "/") + CallbackPath
		a.clientName = settings.ClientName
	}
	if a.clientName == "" {
		a.clientName = "mcpchat"
	}
	return a
}

// Flows exposes the flow manager shared with the token manager.
func (a *Authorizer) Flows() *FlowManager {
	return a.flows
}

// Tokens exposes the token manager.
func (a *Authorizer) Tokens() *TokenManager {
	return a.tokens
}

// StartAuthorization opens an authorization flow for (userID, server) and returns
// the URL the user must visit. A pending flow for the same pair is reused.
func (a *Authorizer) StartAuthorization(ctx context.Context, userID string, server *config.ServerConfig) (*AuthorizationRequest, error) {
	flowID := FlowID(userID, server.Name)
	if existing := a.flows.GetFlowState(flowID, PurposeAuthorize); existing != nil && existing.Status == FlowPending {
		return &AuthorizationRequest{
			FlowID:    flowID,
			AuthURL:   existing.Metadata[metaAuthURL],
			ExpiresAt: existing.ExpiresAt(),
		}, nil
	}

	client, err := a.resolveClient(ctx, userID, server)
	if err != nil {
		return nil, fmt.Errorf("resolve oauth client for %s: %w", server.Name, err)
	}

	verifier := oauth2.GenerateVerifier()
	nonce := NewCorrelationID()
	state := encodeState(flowID, nonce)

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if server.URL != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", server.URL))
	}
	authURL := client.OAuth2Config().AuthCodeURL(state, opts...)

	flow, err := a.flows.CreateFlow(flowID, PurposeAuthorize, map[string]string{
		metaUserID:   userID,
		metaServer:   server.Name,
		metaVerifier: verifier,
		metaNonce:    nonce,
		metaAuthURL:  authURL,
	})
	if errors.Is(err, ErrFlowInProgress) {
		return &AuthorizationRequest{FlowID: flowID, AuthURL: flow.Metadata[metaAuthURL], ExpiresAt: flow.ExpiresAt()}, nil
	}
	if err != nil {
		return nil, err
	}

	a.logger.Info("authorization flow started",
		zap.String("server", server.Name),
		zap.String("user", userID),
		zap.String("correlation_id", flow.CorrelationID),
		zap.Time("expires_at", flow.ExpiresAt()))

	return &AuthorizationRequest{FlowID: flowID, AuthURL: authURL, ExpiresAt: flow.ExpiresAt()}, nil
}

// HandleCallback finishes the flow named by state. errParam is the OAuth error
// query parameter; access_denied cancels the flow.
func (a *Authorizer) HandleCallback(ctx context.Context, state, code, errParam string) (*CallbackResult, error) {
	flowID, nonce, ok := decodeState(state)
	if !ok {
		return nil, ErrInvalidState
	}
	flow := a.flows.GetFlowState(flowID, PurposeAuthorize)
	if flow == nil {
		return nil, ErrFlowNotFound
	}
	if flow.Metadata[metaNonce] != nonce {
		return nil, ErrInvalidState
	}
	if flow.Status != FlowPending {
		if err := flow.Err(); err != nil {
			return nil, err
		}
		return &CallbackResult{UserID: flow.Metadata[metaUserID], ServerName: flow.Metadata[metaServer]}, nil
	}

	userID, serverName := flow.Metadata[metaUserID], flow.Metadata[metaServer]
	result := &CallbackResult{UserID: userID, ServerName: serverName}
	logger := a.logger.With(
		zap.String("server", serverName),
		zap.String("user", userID),
		zap.String("correlation_id", flow.CorrelationID))

	if errParam != "" {
		var cause error
		if errParam == "access_denied" {
			cause = fmt.Errorf("%w: user denied access", ErrFlowCancelled)
		} else {
			cause = fmt.Errorf("authorization server returned %s", errParam)
		}
		_ = a.flows.FailFlow(flowID, PurposeAuthorize, cause)
		logger.Info("authorization rejected", zap.String("error", errParam))
		return result, cause
	}
	if code == "" {
		cause := errors.New("callback without authorization code")
		_ = a.flows.FailFlow(flowID, PurposeAuthorize, cause)
		return result, cause
	}

	client, _, err := a.tokens.GetClientInfoAndMetadata(ctx, userID, serverName)
	if err != nil {
		_ = a.flows.FailFlow(flowID, PurposeAuthorize, err)
		return result, fmt.Errorf("load client info: %w", err)
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, a.tokens.httpClient)
	tok, err := client.OAuth2Config().Exchange(exchangeCtx, code, oauth2.VerifierOption(flow.Metadata[metaVerifier]))
	if err != nil {
		_ = a.flows.FailFlow(flowID, PurposeAuthorize, err)
		logger.Warn("code exchange failed", zap.Error(err))
		return result, fmt.Errorf("exchange code: %w", err)
	}
	if err := a.tokens.StoreTokens(ctx, userID, serverName, tok); err != nil {
		_ = a.flows.FailFlow(flowID, PurposeAuthorize, err)
		return result, err
	}
	if err := a.flows.CompleteFlow(flowID, PurposeAuthorize, tok); err != nil {
		return result, err
	}
	logger.Info("authorization completed")
	return result, nil
}

// CancelAuthorization fails a pending flow as cancelled.
func (a *Authorizer) CancelAuthorization(userID, serverName string) error {
	return a.flows.FailFlow(FlowID(userID, serverName), PurposeAuthorize, ErrFlowCancelled)
}

// resolveClient combines the server's static OAuth settings, stored client info,
// discovery and dynamic registration into a usable client.
func (a *Authorizer) resolveClient(ctx context.Context, userID string, server *config.ServerConfig) (*ClientInfo, error) {
	stored, storedMeta, err := a.tokens.GetClientInfoAndMetadata(ctx, userID, server.Name)
	if err != nil && !errors.Is(err, ErrNoTokens) {
		return nil, err
	}

	client := &ClientInfo{RedirectURI: a.callbackURL}
	if cfg := server.OAuth; cfg != nil {
		client.ClientID = cfg.ClientID
		client.ClientSecret = cfg.ClientSecret
		if a.secrets != nil && client.ClientSecret != "" {
			secret, err := a.secrets.Expand(ctx, client.ClientSecret)
			if err != nil {
				return nil, fmt.Errorf("client secret for %s: %w", server.Name, err)
			}
			client.ClientSecret = secret
		}
		client.Scopes = cfg.Scopes
		client.AuthorizationURL = cfg.AuthorizationURL
		client.TokenURL = cfg.TokenURL
		client.RevocationURL = cfg.RevocationURL
		if cfg.RedirectURI != "" {
			client.RedirectURI = cfg.RedirectURI
		}
	}
	if stored != nil && client.ClientID == "" && stored.RedirectURI == client.RedirectURI {
		client.ClientID = stored.ClientID
		client.ClientSecret = stored.ClientSecret
		if client.AuthorizationURL == "" {
			client.AuthorizationURL = stored.AuthorizationURL
		}
		if client.TokenURL == "" {
			client.TokenURL = stored.TokenURL
		}
		if client.RevocationURL == "" {
			client.RevocationURL = stored.RevocationURL
		}
	}

	meta := storedMeta
	if client.AuthorizationURL == "" || client.TokenURL == "" || (client.ClientID == "" && meta == nil) {
		if server.URL == "" {
			return nil, errors.New("no authorization endpoints configured and no url to discover them")
		}
		meta, err = a.discovery.Discover(ctx, server.URL)
		if err != nil {
			return nil, err
		}
	}
	if meta != nil {
		if client.AuthorizationURL == "" {
			client.AuthorizationURL = meta.AuthorizationEndpoint
		}
		if client.TokenURL == "" {
			client.TokenURL = meta.TokenEndpoint
		}
		if client.RevocationURL == "" {
			client.RevocationURL = meta.RevocationEndpoint
		}
		if len(client.Scopes) == 0 {
			client.Scopes = meta.ScopesSupported
		}
	}
	if client.AuthorizationURL == "" || client.TokenURL == "" {
		return nil, errors.New("authorization or token endpoint unknown")
	}

	if client.ClientID == "" {
		if meta == nil || meta.RegistrationEndpoint == "" {
			return nil, errors.New("no client_id configured and server does not support dynamic registration")
		}
		reg, err := a.discovery.RegisterClient(ctx, meta.RegistrationEndpoint, a.clientName, client.RedirectURI, client.Scopes)
		if err != nil {
			return nil, err
		}
		client.ClientID = reg.ClientID
		client.ClientSecret = reg.ClientSecret
		a.logger.Info("registered oauth client",
			zap.String("server", server.Name),
			zap.String("user", userID))
	}

	if err := a.tokens.StoreClientInfo(ctx, userID, server.Name, client, meta); err != nil {
		return nil, fmt.Errorf("store client info: %w", err)
	}
	return client, nil
}

func encodeState(flowID, nonce string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(flowID)) + "." + nonce
}

func decodeState(state string) (flowID, nonce string, ok bool) {
	encoded, nonce, found := strings.Cut(state, ".")
	if !found || encoded == "" || nonce == "" {
		return "", "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", false
	}
	return string(raw), nonce, true
}
