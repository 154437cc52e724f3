// Package reconnect retries connections to OAuth servers whose user tokens
// just became valid, at most once at a time per (user, server).
package reconnect

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/smart-mcp-proxy/mcpchat/internal/upstream"
)

const DefaultTrackingTimeout = 2 * time.Minute

// Status of a tracked reconnection.
type Status string

const (
	StatusActive Status = "active"
	StatusFailed Status = "failed"
)

// Connector opens user connections. *upstream.Manager satisfies it.
type Connector interface {
	GetConnection(ctx context.Context, req upstream.GetConnectionRequest) (*upstream.Connection, error)
	IsConnected(userID, serverName string) bool
}

// ServerLister lists OAuth servers visible to a user. *registry.Registry satisfies it.
type ServerLister interface {
	GetOAuthServers(ctx context.Context, userID string) ([]string, error)
}

// TokenSource reports whether a user holds usable tokens. *oauth.TokenManager satisfies it.
type TokenSource interface {
	GetTokens(ctx context.Context, userID, serverName string) (*oauth2.Token, error)
}

// Outcome is the result of one reconnection attempt.
type Outcome struct {
	ServerName string
	Err        error
}

type trackKey struct {
	userID     string
	serverName string
}

type tracked struct {
	status    Status
	startedAt time.Time
}

// Manager tracks and performs reconnections.
type Manager struct {
	connector Connector
	servers   ServerLister
	tokens    TokenSource
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	tracking map[trackKey]tracked
}

// NewManager creates a reconnection manager. Tracking entries older than
// timeout are discarded so a crashed attempt cannot wedge a server.
func NewManager(connector Connector, servers ServerLister, tokens TokenSource, timeout time.Duration, logger *zap.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTrackingTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		connector: connector,
		servers:   servers,
		tokens:    tokens,
		timeout:   timeout,
		logger:    logger.Named("reconnect"),
		now:       time.Now,
		tracking:  make(map[trackKey]tracked),
	}
}

// lookupLocked returns the live tracking entry, dropping a stale one.
func (m *Manager) lookupLocked(key trackKey) (tracked, bool) {
	t, ok := m.tracking[key]
	if !ok {
		return tracked{}, false
	}
	if m.now().Sub(t.startedAt) > m.timeout {
		delete(m.tracking, key)
		return tracked{}, false
	}
	return t, true
}

// IsReconnecting reports whether an attempt for (userID, serverName) is in progress.
func (m *Manager) IsReconnecting(userID, serverName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.lookupLocked(trackKey{userID, serverName})
	return ok && t.status == StatusActive
}

// HasFailed reports whether the last attempt failed and retries are suppressed.
func (m *Manager) HasFailed(userID, serverName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.lookupLocked(trackKey{userID, serverName})
	return ok && t.status == StatusFailed
}

// Clear forgets tracking for (userID, serverName). Call it when the user's
// credentials change so a failed server becomes eligible again.
func (m *Manager) Clear(userID, serverName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracking, trackKey{userID, serverName})
}

// claim marks key active unless it is already tracked.
func (m *Manager) claim(key trackKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookupLocked(key); ok {
		return false
	}
	m.tracking[key] = tracked{status: StatusActive, startedAt: m.now()}
	return true
}

func (m *Manager) settle(key trackKey, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.tracking, key)
		return
	}
	m.tracking[key] = tracked{status: StatusFailed, startedAt: m.now()}
}

// ReconnectServers attempts a connection to every OAuth server of userID
// that holds tokens, is not already connected and is neither reconnecting
// nor marked failed. It blocks until all attempts finish and returns one
// outcome per attempt.
func (m *Manager) ReconnectServers(ctx context.Context, userID string) ([]Outcome, error) {
	names, err := m.servers.GetOAuthServers(ctx, userID)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		outcomes []Outcome
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		key := trackKey{userID, name}
		if m.connector.IsConnected(userID, name) {
			m.logger.Debug("skipping connected server",
				zap.String("server", name),
				zap.String("user_id", userID))
			continue
		}
		if _, err := m.tokens.GetTokens(gctx, userID, name); err != nil {
			m.logger.Debug("skipping server without usable tokens",
				zap.String("server", name),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		if !m.claim(key) {
			continue
		}
		g.Go(func() error {
			_, err := m.connector.GetConnection(gctx, upstream.GetConnectionRequest{
				ServerName: name,
				UserID:     userID,
			})
			m.settle(key, err)
			if err != nil {
				m.logger.Warn("reconnection failed",
					zap.String("server", name),
					zap.String("user_id", userID),
					zap.Error(err))
			} else {
				m.logger.Info("reconnected server with stored tokens",
					zap.String("server", name),
					zap.String("user_id", userID))
			}
			mu.Lock()
			outcomes = append(outcomes, Outcome{ServerName: name, Err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, ctx.Err()
}

// CleanupExpired drops stale tracking entries and returns how many were removed.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key := range m.tracking {
		if _, ok := m.lookupLocked(key); !ok {
			removed++
		}
	}
	return removed
}
