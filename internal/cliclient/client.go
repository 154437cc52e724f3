// Package cliclient is the HTTP client CLI commands use to talk to a running
// mcpchat daemon.
package cliclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat/internal/httpapi"
)

const userHeader = "X-User-ID"

// Client provides HTTP API access for CLI commands.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// APIError is a non-2xx answer of the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient creates a client for the daemon at baseURL acting as userID.
// userID may be empty for shared servers.
func NewClient(baseURL, userID string, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		baseURL: baseURL,
		userID:  userID,
		// Server tests may sit behind slow handshakes.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logger,
	}
}

// Ping checks that the daemon is reachable and healthy.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: "unhealthy"}
	}
	return nil
}

// ListServers returns every server visible to the client's user.
func (c *Client) ListServers(ctx context.Context) ([]httpapi.ServerSummary, error) {
	var out []httpapi.ServerSummary
	err := c.do(ctx, http.MethodGet, "/api/v1/servers", &out)
	return out, err
}

// TestServer asks the daemon to reconnect to name and list its tools.
func (c *Client) TestServer(ctx context.Context, name string) (*httpapi.ServerTestResult, error) {
	var out httpapi.ServerTestResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/servers/"+url.PathEscape(name)+"/test", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OAuthStatus reports the user's authorization state for server.
func (c *Client) OAuthStatus(ctx context.Context, server string) (*httpapi.OAuthStatus, error) {
	var out httpapi.OAuthStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/oauth/"+url.PathEscape(server)+"/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTokens removes the user's stored credentials for server.
func (c *Client) DeleteTokens(ctx context.Context, server string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/oauth/"+url.PathEscape(server)+"/tokens", nil)
}

// Reconnect re-establishes every OAuth connection of the client's user.
func (c *Client) Reconnect(ctx context.Context) ([]httpapi.ReconnectResult, error) {
	if c.userID == "" {
		return nil, errors.New("a user is required to reconnect")
	}
	var out []httpapi.ReconnectResult
	err := c.do(ctx, http.MethodPost, "/api/v1/users/"+url.PathEscape(c.userID)+"/reconnect", &out)
	return out, err
}

// do sends a request and decodes the data field of the response envelope into out.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.userID != "" {
		req.Header.Set(userHeader, c.userID)
	}

	c.logger.Debugw("Calling daemon API", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || !envelope.Success {
		msg := envelope.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}
