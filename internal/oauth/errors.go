// Package oauth tracks per-user OAuth authorization flows for tool servers and
// manages the resulting tokens.
package oauth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrFlowNotFound is returned when no flow exists for a (flowID, purpose) pair.
	ErrFlowNotFound = errors.New("oauth flow not found")

	// ErrFlowInProgress is returned by CreateFlow when a live pending flow already exists.
	ErrFlowInProgress = errors.New("oauth flow already in progress")

	// ErrFlowFailed is a terminal failure other than cancellation, timeout or abort.
	ErrFlowFailed = errors.New("oauth flow failed")

	// ErrFlowCancelled means the user declined or cancelled authorization.
	ErrFlowCancelled = errors.New("oauth flow cancelled")

	// ErrFlowTimeout means the flow outlived its TTL while still pending.
	ErrFlowTimeout = errors.New("oauth flow timed out")

	// ErrFlowAborted means the request that was waiting on the flow went away.
	ErrFlowAborted = errors.New("oauth flow aborted")

	// ErrNoTokens is returned when the credential store holds no usable tokens.
	ErrNoTokens = errors.New("no oauth tokens stored")

	// ErrTokenExpired indicates the access token has expired and cannot be refreshed.
	ErrTokenExpired = errors.New("oauth token has expired")

	// ErrRefreshFailed indicates the refresh-token grant was rejected.
	ErrRefreshFailed = errors.New("oauth token refresh failed")

	// ErrNoRefreshToken indicates no refresh token is available.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrInvalidState is returned by the callback for an unknown or tampered state parameter.
	ErrInvalidState = errors.New("invalid oauth state")
)

// AuthRequiredError is returned when a tool server needs the user to authorize
// before a call can proceed.
type AuthRequiredError struct {
	ServerName string
	UserID     string
	FlowID     string
	AuthURL    string
	ExpiresAt  time.Time
}

func (e *AuthRequiredError) Error() string {
	if e.AuthURL == "" {
		return fmt.Sprintf("server %s requires authorization", e.ServerName)
	}
	return fmt.Sprintf("server %s requires authorization: %s", e.ServerName, e.AuthURL)
}
