package oauth

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/stretchr/testify/assert"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"auth required error", &AuthRequiredError{ServerName: "s"}, true},
		{"mcp-go oauth required", &transport.OAuthAuthorizationRequiredError{}, true},
		{"mcp-go unauthorized", fmt.Errorf("send: %w", transport.ErrUnauthorized), true},
		{"status 401", statusErr(401), true},
		{"status 403", statusErr(403), true},
		{"status 500", statusErr(500), false},
		{"invalid_token text", errors.New(`server said: error="invalid_token"`), true},
		{"plain failure", errors.New("connection refused"), false},
		{"401 in text", errors.New("request failed with status 401"), true},
		{"403 in text", errors.New("HTTP 403: forbidden"), true},
		{"401 inside port", errors.New("dial tcp 127.0.0.1:4010: connection refused"), false},
		{"403 inside byte count", errors.New("short read: got 4031 of 8192 bytes"), false},
		{"401 inside larger number", errors.New("request id 14012 timed out"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAuthError(tt.err))
		})
	}
}
