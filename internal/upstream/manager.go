package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
	"github.com/smart-mcp-proxy/mcpchat/internal/oauth"
	"github.com/smart-mcp-proxy/mcpchat/internal/registry"
)

const (
	DefaultIdleTimeout  = 15 * time.Minute
	DefaultReapInterval = time.Minute
)

var (
	ErrUserRequired = errors.New("user id is required for a user-scoped server")
	ErrToolNotFound = errors.New("tool not found")
	ErrClosed       = errors.New("connection manager closed")
)

// ConfigSource is the registry view the manager needs. *registry.Registry satisfies it.
type ConfigSource interface {
	GetServerConfig(ctx context.Context, name, userID string) (*registry.ServerEntry, error)
	AppServers(ctx context.Context) ([]*registry.ServerEntry, error)
	UpdateTools(ctx context.Context, name, userID string, tools []registry.Tool) (*registry.ServerEntry, error)
}

// Options tunes a Manager.
type Options struct {
	IdleTimeout  time.Duration
	ReapInterval time.Duration
}

// GetConnectionRequest selects a connection.
type GetConnectionRequest struct {
	ServerName string
	UserID     string
	// Vars are the user's custom variable values, used when a connection must be created.
	Vars map[string]string
	// ForceNew replaces the user's connection with a fresh one. Shared app
	// connections are never replaced while healthy; for them ForceNew only
	// reconnects a connection that is no longer connected.
	ForceNew bool
}

// Stats is a snapshot of the manager for the HTTP API and metrics.
type Stats struct {
	AppConnections   int            `json:"app_connections"`
	UserConnections  int            `json:"user_connections"`
	States           map[string]int `json:"states"`
	CachedCatalogues int            `json:"cached_catalogues"`
}

type connKey struct {
	userID     string
	serverName string
}

func (k connKey) String() string {
	if k.userID == "" {
		return "app:" + k.serverName
	}
	return "user:" + k.userID + ":" + k.serverName
}

// Manager resolves, creates and disposes tool server connections.
type Manager struct {
	source  ConfigSource
	factory ClientFactory
	opts    Options
	logger  *zap.Logger
	notify  *notifier
	now     func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	conns     map[connKey]*Connection
	toolCache map[connKey]map[string]registry.Tool
	closed    bool

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a connection manager.
func NewManager(source ConfigSource, factory ClientFactory, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	return &Manager{
		source:    source,
		factory:   factory,
		opts:      opts,
		logger:    logger.Named("upstream"),
		notify:    &notifier{},
		now:       time.Now,
		conns:     make(map[connKey]*Connection),
		toolCache: make(map[connKey]map[string]registry.Tool),
		stop:      make(chan struct{}),
	}
}

// AddNotificationHandler adds a handler for connection state notifications
func (m *Manager) AddNotificationHandler(handler NotificationHandler) {
	m.notify.add(handler)
}

// isUserScoped decides connection ownership for an entry.
func isUserScoped(entry *registry.ServerEntry) bool {
	return entry.Tier != registry.TierSharedApp || entry.Config.IsUserScoped()
}

func (m *Manager) keyFor(entry *registry.ServerEntry, userID string) (connKey, error) {
	if !isUserScoped(entry) {
		return connKey{serverName: entry.Name()}, nil
	}
	if userID == "" {
		return connKey{}, fmt.Errorf("%w: %s", ErrUserRequired, entry.Name())
	}
	return connKey{userID: userID, serverName: entry.Name()}, nil
}

// GetConnection returns a connected Connection for req, creating one when
// none exists, the existing one is unhealthy, or ForceNew is set on a
// user-owned connection. Concurrent callers for the same key share a single
// connect.
func (m *Manager) GetConnection(ctx context.Context, req GetConnectionRequest) (*Connection, error) {
	entry, err := m.source.GetServerConfig(ctx, req.ServerName, req.UserID)
	if err != nil {
		return nil, err
	}
	key, err := m.keyFor(entry, req.UserID)
	if err != nil {
		return nil, err
	}
	forceNew := req.ForceNew && key.userID != ""

	if !forceNew {
		if conn := m.healthy(key); conn != nil {
			return conn, nil
		}
	}

	flightKey := key.String()
	if forceNew {
		flightKey += ":new"
	}
	v, err, shared := m.group.Do(flightKey, func() (any, error) {
		if !forceNew {
			if conn := m.healthy(key); conn != nil {
				return conn, nil
			}
		}
		return m.connect(ctx, key, entry.Config, req.Vars)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debug("shared in-flight connect", zap.String("key", flightKey))
	}
	return v.(*Connection), nil
}

// IsConnected reports whether userID holds a live connection to serverName.
func (m *Manager) IsConnected(userID, serverName string) bool {
	return m.healthy(connKey{userID: userID, serverName: serverName}) != nil
}

func (m *Manager) healthy(key connKey) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[key]; ok && conn.State() == StateConnected {
		return conn
	}
	return nil
}

func (m *Manager) connect(ctx context.Context, key connKey, server *config.ServerConfig, vars map[string]string) (*Connection, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	c, err := m.factory(ctx, ClientRequest{Server: server, UserID: key.userID, Vars: vars})
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", server.Name, err)
	}
	conn := NewConnection(server.Name, key.userID, c, m.logger)
	conn.now = m.now
	conn.onChange = m.notify.onStateChange

	if err := conn.Connect(ctx); err != nil {
		_ = conn.Close()
		if oauth.IsAuthError(err) {
			m.logger.Info("server requires authorization",
				zap.String("server", server.Name),
				zap.String("user_id", key.userID))
		} else {
			m.logger.Warn("failed to connect to server",
				zap.String("server", server.Name),
				zap.String("user_id", key.userID),
				zap.Error(err))
		}
		return nil, err
	}

	m.mu.Lock()
	old := m.conns[key]
	m.conns[key] = conn
	m.mu.Unlock()
	if old != nil && old != conn {
		if err := old.Close(); err != nil {
			m.logger.Debug("error closing replaced connection", zap.String("key", key.String()), zap.Error(err))
		}
	}
	return conn, nil
}

// DisconnectUserConnection closes and forgets the (user, server) connection
// and its cached catalogue. The next request reconnects and re-authenticates.
func (m *Manager) DisconnectUserConnection(userID, serverName string) error {
	key := connKey{userID: userID, serverName: serverName}
	m.mu.Lock()
	conn := m.conns[key]
	delete(m.conns, key)
	delete(m.toolCache, key)
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	m.logger.Info("disconnecting user connection",
		zap.String("server", serverName),
		zap.String("user_id", userID))
	return conn.Close()
}

// ReapIdle closes user connections idle longer than the idle timeout and
// returns how many were reclaimed. App connections are never reaped.
func (m *Manager) ReapIdle() int {
	cutoff := m.now().Add(-m.opts.IdleTimeout)
	var idle []*Connection

	m.mu.Lock()
	for key, conn := range m.conns {
		if key.userID == "" {
			continue
		}
		if conn.LastActivity().Before(cutoff) {
			idle = append(idle, conn)
			delete(m.conns, key)
		}
	}
	m.mu.Unlock()

	for _, conn := range idle {
		m.logger.Debug("reaping idle connection",
			zap.String("server", conn.ServerName()),
			zap.String("user_id", conn.UserID()),
			zap.Time("last_activity", conn.LastActivity()))
		_ = conn.Close()
	}
	if len(idle) > 0 {
		m.logger.Info("reaped idle user connections", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Start runs the idle reaper until ctx ends or Close is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.ReapIdle()
			}
		}
	}()
}

// GetAppToolFunctions returns the cached catalogues of all shared-app servers.
func (m *Manager) GetAppToolFunctions(ctx context.Context) (map[string]registry.Tool, error) {
	entries, err := m.source.AppServers(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]registry.Tool)
	for _, entry := range entries {
		for key, tool := range entry.ToolFunctions() {
			out[key] = tool
		}
	}
	return out, nil
}

// GetServerToolFunctions returns the catalogue of one server as seen by
// userID. Cached catalogues are served without a round trip; otherwise the
// server is inspected live and the result cached.
func (m *Manager) GetServerToolFunctions(ctx context.Context, userID, serverName string, vars map[string]string) (map[string]registry.Tool, error) {
	entry, err := m.source.GetServerConfig(ctx, serverName, userID)
	if err != nil {
		return nil, err
	}
	key, err := m.keyFor(entry, userID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	cached, ok := m.toolCache[key]
	m.mu.Unlock()
	if ok {
		return copyTools(cached), nil
	}
	if !isUserScoped(entry) && entry.Initialized && len(entry.Tools) > 0 {
		return entry.ToolFunctions(), nil
	}
	return m.refreshTools(ctx, entry, userID, vars, false)
}

func (m *Manager) refreshTools(ctx context.Context, entry *registry.ServerEntry, userID string, vars map[string]string, forceNew bool) (map[string]registry.Tool, error) {
	conn, err := m.GetConnection(ctx, GetConnectionRequest{
		ServerName: entry.Name(),
		UserID:     userID,
		Vars:       vars,
		ForceNew:   forceNew,
	})
	if err != nil {
		return nil, err
	}
	tools, err := conn.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	updated := *entry
	updated.Tools = tools
	functions := updated.ToolFunctions()

	key, _ := m.keyFor(entry, userID)
	m.mu.Lock()
	m.toolCache[key] = functions
	m.mu.Unlock()

	// User-scoped catalogues can differ per user and stay local; shared-app
	// and private entries are written back to the registry.
	if entry.Tier == registry.TierSharedApp || entry.Tier == registry.TierPrivateUser {
		owner := ""
		if entry.Tier == registry.TierPrivateUser {
			owner = userID
		}
		if _, err := m.source.UpdateTools(ctx, entry.Name(), owner, tools); err != nil {
			m.logger.Warn("failed to publish refreshed catalogue", zap.String("server", entry.Name()), zap.Error(err))
		}
	}
	m.logger.Debug("tool catalogue refreshed",
		zap.String("server", entry.Name()),
		zap.String("user_id", userID),
		zap.Int("tools", len(tools)))
	return copyTools(functions), nil
}

// ResolveTool returns a connection able to serve toolName. When the cached
// catalogue lacks the tool the catalogue is refreshed once before giving up:
// a user's connection is recreated, a shared app connection is only asked
// for its tools again.
func (m *Manager) ResolveTool(ctx context.Context, req GetConnectionRequest, toolName string) (*Connection, error) {
	functions, err := m.GetServerToolFunctions(ctx, req.UserID, req.ServerName, req.Vars)
	if err != nil {
		return nil, err
	}
	if _, ok := functions[registry.ToolKey(toolName, req.ServerName)]; ok {
		return m.GetConnection(ctx, req)
	}

	m.logger.Debug("tool missing from cached catalogue, reconnecting",
		zap.String("server", req.ServerName),
		zap.String("tool", toolName))
	entry, err := m.source.GetServerConfig(ctx, req.ServerName, req.UserID)
	if err != nil {
		return nil, err
	}
	functions, err = m.refreshTools(ctx, entry, req.UserID, req.Vars, isUserScoped(entry))
	if err != nil {
		return nil, err
	}
	if _, ok := functions[registry.ToolKey(toolName, req.ServerName)]; !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrToolNotFound, toolName, req.ServerName)
	}
	return m.GetConnection(ctx, req)
}

// InvalidateToolCache drops every cached catalogue of serverName.
func (m *Manager) InvalidateToolCache(serverName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.toolCache {
		if key.serverName == serverName {
			delete(m.toolCache, key)
		}
	}
}

// Inspect connects to server without a user, lists its tools and closes
// the connection. A server refusing the handshake for lack of authorization
// yields AuthRequired rather than an error.
func (m *Manager) Inspect(ctx context.Context, server *config.ServerConfig) (*Inspection, error) {
	c, err := m.factory(ctx, ClientRequest{Server: server})
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", server.Name, err)
	}
	conn := NewConnection(server.Name, "", c, m.logger)
	defer func() { _ = conn.Close() }()

	if err := conn.Connect(ctx); err != nil {
		if oauth.IsAuthError(err) {
			return &Inspection{AuthRequired: true}, nil
		}
		return nil, err
	}
	return conn.Inspect(ctx)
}

// Connections lists every live connection sorted by key.
func (m *Manager) Connections() []ConnectionInfo {
	m.mu.Lock()
	out := make([]ConnectionInfo, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, conn.Info())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerName != out[j].ServerName {
			return out[i].ServerName < out[j].ServerName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Stats returns connection counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{States: map[string]int{}, CachedCatalogues: len(m.toolCache)}
	for key, conn := range m.conns {
		if key.userID == "" {
			stats.AppConnections++
		} else {
			stats.UserConnections++
		}
		stats.States[conn.State().String()]++
	}
	return stats
}

// Close stops the reaper and closes every connection.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	m.closed = true
	conns := m.conns
	m.conns = make(map[connKey]*Connection)
	m.toolCache = make(map[connKey]map[string]registry.Tool)
	m.mu.Unlock()

	var errs []string
	for key, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, key.String()+": "+err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing connections: %s", strings.Join(errs, "; "))
	}
	return nil
}

func copyTools(in map[string]registry.Tool) map[string]registry.Tool {
	out := make(map[string]registry.Tool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
