package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"golang.org/x/oauth2"
)

// UserTokenStore adapts TokenManager to mcp-go's transport.TokenStore for one
// (user, server) pair.
type UserTokenStore struct {
	tokens     *TokenManager
	userID     string
	serverName string
}

var _ transport.TokenStore = (*UserTokenStore)(nil)

// TokenStoreFor returns the transport token store of (userID, serverName).
func (m *TokenManager) TokenStoreFor(userID, serverName string) *UserTokenStore {
	return &UserTokenStore{tokens: m, userID: userID, serverName: serverName}
}

// GetToken returns transport.ErrNoToken when the user has not authorized yet or
// the stored tokens cannot be refreshed.
func (s *UserTokenStore) GetToken(ctx context.Context) (*transport.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tok, err := s.tokens.GetTokens(ctx, s.userID, s.serverName)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoTokens),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrNoRefreshToken),
		errors.Is(err, ErrRefreshFailed):
		return nil, transport.ErrNoToken
	default:
		return nil, err
	}

	out := &transport.Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if !tok.Expiry.IsZero() {
		out.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	return out, nil
}

// SaveToken stores a token obtained by the transport itself.
func (s *UserTokenStore) SaveToken(ctx context.Context, token *transport.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	expiry := token.ExpiresAt
	if expiry.IsZero() && token.ExpiresIn > 0 {
		expiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	}
	return s.tokens.StoreTokens(ctx, s.userID, s.serverName, &oauth2.Token{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Expiry:       expiry,
	})
}
