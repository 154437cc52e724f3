package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/smart-mcp-proxy/mcpchat/internal/storage"
)

// expirySkew treats tokens expiring this soon as already expired.
const expirySkew = 30 * time.Second

// CredentialStore persists credential records keyed by (user, server, type).
type CredentialStore interface {
	FindToken(ctx context.Context, userID, serverName string, typ storage.TokenType) (*storage.CredentialRecord, error)
	CreateToken(ctx context.Context, record *storage.CredentialRecord) error
	UpdateToken(ctx context.Context, record *storage.CredentialRecord) error
	DeleteUserTokens(ctx context.Context, userID, serverName string) error
}

// ClientInfo is the OAuth client used for a (user, server) pair, either
// configured statically or obtained by dynamic registration.
type ClientInfo struct {
	ClientID         string   `json:"client_id"`
	ClientSecret     string   `json:"client_secret,omitempty"`
	RedirectURI      string   `json:"redirect_uri"`
	Scopes           []string `json:"scopes,omitempty"`
	AuthorizationURL string   `json:"authorization_url"`
	TokenURL         string   `json:"token_url"`
	RevocationURL    string   `json:"revocation_url,omitempty"`
}

// OAuth2Config builds the x/oauth2 client configuration.
func (c *ClientInfo) OAuth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthorizationURL,
			TokenURL: c.TokenURL,
		},
	}
}

type clientRecord struct {
	Client   *ClientInfo          `json:"client"`
	Metadata *OAuthServerMetadata `json:"metadata,omitempty"`
}

// TokenStatus summarizes the stored tokens of a (user, server) pair.
type TokenStatus struct {
	HasAccessToken  bool      `json:"has_access_token"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	Expired         bool      `json:"expired"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
}

// TokenManager reads, refreshes, stores and revokes user tokens on top of a
// CredentialStore.
type TokenManager struct {
	store      CredentialStore
	flows      *FlowManager
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// NewTokenManager creates a token manager. flows deduplicates concurrent refreshes.
func NewTokenManager(store CredentialStore, flows *FlowManager, httpClient *http.Client, logger *zap.Logger) *TokenManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultDiscoveryTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if flows == nil {
		flows = NewFlowManager(0, logger)
	}
	return &TokenManager{
		store:      store,
		flows:      flows,
		httpClient: httpClient,
		logger:     logger.Named("oauth-tokens"),
		now:        time.Now,
	}
}

// GetTokens returns a valid token for (userID, serverName), refreshing it with the
// stored refresh token when the access token has expired.
func (m *TokenManager) GetTokens(ctx context.Context, userID, serverName string) (*oauth2.Token, error) {
	access, err := m.find(ctx, userID, serverName, storage.TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	refresh, err := m.find(ctx, userID, serverName, storage.TokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	if access != nil && (access.ExpiresAt.IsZero() || m.now().Add(expirySkew).Before(access.ExpiresAt)) {
		tok := recordToToken(access)
		if refresh != nil {
			tok.RefreshToken = refresh.Value
		}
		return tok, nil
	}

	if access == nil && refresh == nil {
		return nil, ErrNoTokens
	}
	if refresh == nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExpired, ErrNoRefreshToken)
	}
	return m.refresh(ctx, userID, serverName, refresh.Value)
}

func (m *TokenManager) refresh(ctx context.Context, userID, serverName, refreshToken string) (*oauth2.Token, error) {
	result, err := m.flows.CreateFlowWithHandler(ctx, FlowID(userID, serverName), PurposeRefresh, func(ctx context.Context) (any, error) {
		client, _, err := m.GetClientInfoAndMetadata(ctx, userID, serverName)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		}

		logger := CorrelationLogger(ctx, m.logger).With(zap.String("server", serverName), zap.String("user", userID))
		logger.Debug("refreshing access token")

		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
		src := client.OAuth2Config().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		tok, err := src.Token()
		if err != nil {
			logger.Warn("token refresh failed", zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		}
		if tok.RefreshToken == "" {
			tok.RefreshToken = refreshToken
		}
		if err := m.StoreTokens(ctx, userID, serverName, tok); err != nil {
			return nil, err
		}
		logger.Info("access token refreshed", zap.Time("expires_at", tok.Expiry))
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	tok, ok := result.(*oauth2.Token)
	if !ok || tok == nil {
		return nil, ErrRefreshFailed
	}
	return tok, nil
}

// StoreTokens persists the access and, when present, refresh token. A token
// without an expiry gets one from its JWT exp claim if it has one.
func (m *TokenManager) StoreTokens(ctx context.Context, userID, serverName string, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return errors.New("empty access token")
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = jwtExpiry(tok.AccessToken)
	}

	metadata := map[string]string{}
	if tok.TokenType != "" {
		metadata["token_type"] = tok.TokenType
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		metadata["scope"] = scope
	}

	access := &storage.CredentialRecord{
		UserID:     userID,
		ServerName: serverName,
		Type:       storage.TokenTypeAccess,
		Value:      tok.AccessToken,
		ExpiresAt:  expiry,
		Metadata:   metadata,
	}
	if err := m.upsert(ctx, access); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}

	if tok.RefreshToken != "" {
		refresh := &storage.CredentialRecord{
			UserID:     userID,
			ServerName: serverName,
			Type:       storage.TokenTypeRefresh,
			Value:      tok.RefreshToken,
		}
		if err := m.upsert(ctx, refresh); err != nil {
			return fmt.Errorf("store refresh token: %w", err)
		}
	}
	return nil
}

// StoreClientInfo persists the client and discovered metadata for (userID, serverName).
func (m *TokenManager) StoreClientInfo(ctx context.Context, userID, serverName string, client *ClientInfo, meta *OAuthServerMetadata) error {
	data, err := json.Marshal(clientRecord{Client: client, Metadata: meta})
	if err != nil {
		return err
	}
	return m.upsert(ctx, &storage.CredentialRecord{
		UserID:     userID,
		ServerName: serverName,
		Type:       storage.TokenTypeClient,
		Value:      string(data),
	})
}

// GetClientInfoAndMetadata loads the stored client and metadata. ErrNoTokens is
// returned when nothing was stored.
func (m *TokenManager) GetClientInfoAndMetadata(ctx context.Context, userID, serverName string) (*ClientInfo, *OAuthServerMetadata, error) {
	record, err := m.find(ctx, userID, serverName, storage.TokenTypeClient)
	if err != nil {
		return nil, nil, err
	}
	if record == nil {
		return nil, nil, ErrNoTokens
	}
	var rec clientRecord
	if err := json.Unmarshal([]byte(record.Value), &rec); err != nil {
		return nil, nil, fmt.Errorf("decode client info: %w", err)
	}
	if rec.Client == nil {
		return nil, nil, ErrNoTokens
	}
	return rec.Client, rec.Metadata, nil
}

// Status reports which tokens are stored without refreshing anything.
func (m *TokenManager) Status(ctx context.Context, userID, serverName string) (TokenStatus, error) {
	var st TokenStatus
	access, err := m.find(ctx, userID, serverName, storage.TokenTypeAccess)
	if err != nil {
		return st, err
	}
	refresh, err := m.find(ctx, userID, serverName, storage.TokenTypeRefresh)
	if err != nil {
		return st, err
	}
	if access != nil {
		st.HasAccessToken = true
		st.ExpiresAt = access.ExpiresAt
		st.Expired = access.Expired(m.now())
	}
	st.HasRefreshToken = refresh != nil
	return st, nil
}

// DeleteUserTokens revokes the access and refresh tokens at the server's
// revocation endpoint, if one is known, and deletes every local record. Each
// revocation is attempted independently and failures are only logged.
func (m *TokenManager) DeleteUserTokens(ctx context.Context, userID, serverName string) error {
	logger := m.logger.With(zap.String("server", serverName), zap.String("user", userID))

	client, meta, err := m.GetClientInfoAndMetadata(ctx, userID, serverName)
	if err != nil && !errors.Is(err, ErrNoTokens) {
		logger.Warn("failed to load client info before revocation", zap.Error(err))
	}

	endpoint := ""
	if client != nil {
		endpoint = client.RevocationURL
	}
	if endpoint == "" && meta != nil {
		endpoint = meta.RevocationEndpoint
	}

	if endpoint != "" {
		for _, kind := range []struct {
			typ  storage.TokenType
			hint string
		}{
			{storage.TokenTypeAccess, "access_token"},
			{storage.TokenTypeRefresh, "refresh_token"},
		} {
			record, ferr := m.find(ctx, userID, serverName, kind.typ)
			if ferr != nil || record == nil {
				continue
			}
			if rerr := m.revoke(ctx, endpoint, client, record.Value, kind.hint); rerr != nil {
				logger.Warn("token revocation failed",
					zap.String("token_type_hint", kind.hint), zap.Error(rerr))
				continue
			}
			logger.Debug("token revoked", zap.String("token_type_hint", kind.hint))
		}
	}

	if err := m.store.DeleteUserTokens(ctx, userID, serverName); err != nil {
		return fmt.Errorf("delete tokens: %w", err)
	}
	flowID := FlowID(userID, serverName)
	m.flows.DeleteFlow(flowID, PurposeAuthorize)
	m.flows.DeleteFlow(flowID, PurposeRefresh)
	logger.Info("user tokens deleted")
	return nil
}

// revoke sends an RFC 7009 revocation request.
func (m *TokenManager) revoke(ctx context.Context, endpoint string, client *ClientInfo, token, hint string) error {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", hint)
	if client != nil && client.ClientSecret == "" {
		form.Set("client_id", client.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if client != nil && client.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(client.ClientID), url.QueryEscape(client.ClientSecret))
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (m *TokenManager) find(ctx context.Context, userID, serverName string, typ storage.TokenType) (*storage.CredentialRecord, error) {
	record, err := m.store.FindToken(ctx, userID, serverName, typ)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s token: %w", typ, err)
	}
	return record, nil
}

func (m *TokenManager) upsert(ctx context.Context, record *storage.CredentialRecord) error {
	err := m.store.UpdateToken(ctx, record)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return m.store.CreateToken(ctx, record)
	}
	return err
}

func recordToToken(record *storage.CredentialRecord) *oauth2.Token {
	tokenType := record.Metadata["token_type"]
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken: record.Value,
		TokenType:   tokenType,
		Expiry:      record.ExpiresAt,
	}
}

// jwtExpiry returns the exp claim of a JWT access token, or the zero time for
// opaque tokens.
func jwtExpiry(accessToken string) time.Time {
	if strings.Count(accessToken, ".") != 2 {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
