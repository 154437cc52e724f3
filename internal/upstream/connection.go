// Package upstream manages live connections to tool servers. App-scoped
// servers share one connection per instance; user-scoped servers get one
// connection per (user, server) pair.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat/internal/registry"
	"github.com/smart-mcp-proxy/mcpchat/internal/transport"
)

// ClientName and ClientVersion identify this process in the MCP handshake.
var (
	ClientName    = "mcpchat"
	ClientVersion = "dev"
)

var ErrNotConnected = errors.New("connection is not established")

// MCPClient is the subset of *client.Client a Connection drives.
type MCPClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Inspection is what a handshake plus tool listing reveals about a server.
type Inspection struct {
	RemoteName    string
	RemoteVersion string
	Instructions  string
	Capabilities  json.RawMessage
	Tools         []registry.Tool
	// AuthRequired is set when the server refused the handshake for lack of user authorization.
	AuthRequired bool
}

// Connection wraps one mcp-go client with a state machine and activity tracking.
type Connection struct {
	serverName string
	userID     string
	client     MCPClient
	logger     *zap.Logger
	onChange   StateChangeFunc
	now        func() time.Time

	mu           sync.RWMutex
	state        ConnectionState
	lastErr      error
	lastActivity time.Time
	connectedAt  time.Time
	initResult   *mcp.InitializeResult
	started      bool
}

// NewConnection wraps c. The connection starts disconnected.
func NewConnection(serverName, userID string, c MCPClient, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := []zap.Field{zap.String("server", serverName)}
	if userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	return &Connection{
		serverName:   serverName,
		userID:       userID,
		client:       c,
		logger:       logger.With(fields...),
		now:          time.Now,
		state:        StateDisconnected,
		lastActivity: time.Now(),
	}
}

// ServerName returns the server this connection talks to.
func (c *Connection) ServerName() string { return c.serverName }

// UserID returns the owning user, empty for app-scoped connections.
func (c *Connection) UserID() string { return c.userID }

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the error that put the connection into StateError.
func (c *Connection) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// LastActivity returns the time of the last successful operation.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.infoLocked()
}

func (c *Connection) infoLocked() ConnectionInfo {
	info := ConnectionInfo{
		ServerName:   c.serverName,
		UserID:       c.userID,
		State:        c.state,
		LastActivity: c.lastActivity,
		ConnectedAt:  c.connectedAt,
	}
	if c.lastErr != nil {
		info.LastError = c.lastErr.Error()
	}
	if c.initResult != nil {
		info.RemoteName = c.initResult.ServerInfo.Name
		info.RemoteVersion = c.initResult.ServerInfo.Version
	}
	return info
}

func (c *Connection) setState(to ConnectionState, err error) {
	c.mu.Lock()
	from := c.state
	c.state = to
	if to == StateConnected {
		c.lastErr = nil
		c.connectedAt = c.now()
		c.lastActivity = c.connectedAt
	} else if err != nil {
		c.lastErr = err
	}
	info := c.infoLocked()
	onChange := c.onChange
	c.mu.Unlock()

	if from == to {
		return
	}
	c.logger.Debug("connection state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Error(err))
	if onChange != nil {
		onChange(info, from, to)
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = c.now()
	c.mu.Unlock()
}

// Connect starts the transport and performs the MCP initialize handshake.
func (c *Connection) Connect(ctx context.Context) error {
	c.setState(StateConnecting, nil)

	// The transport outlives the connect call; stdio children and SSE streams
	// are bound to the context passed to Start.
	if err := c.client.Start(context.WithoutCancel(ctx)); err != nil {
		err = transport.ClassifyError(err)
		c.setState(StateError, err)
		return fmt.Errorf("start transport for %s: %w", c.serverName, err)
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    ClientName,
		Version: ClientVersion,
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	result, err := c.client.Initialize(ctx, initRequest)
	if err != nil {
		err = transport.ClassifyError(err)
		c.setState(StateError, err)
		return fmt.Errorf("MCP initialize failed for %s: %w", c.serverName, err)
	}

	c.mu.Lock()
	c.initResult = result
	c.mu.Unlock()
	c.setState(StateConnected, nil)

	c.logger.Info("MCP initialization successful",
		zap.String("remote_name", result.ServerInfo.Name),
		zap.String("remote_version", result.ServerInfo.Version),
		zap.String("protocol_version", result.ProtocolVersion))
	return nil
}

// Inspect lists tools and returns them with the handshake metadata.
func (c *Connection) Inspect(ctx context.Context) (*Inspection, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	result := c.initResult
	c.mu.RUnlock()

	out := &Inspection{Tools: tools}
	if result != nil {
		out.RemoteName = result.ServerInfo.Name
		out.RemoteVersion = result.ServerInfo.Version
		out.Instructions = result.Instructions
		if caps, err := json.Marshal(result.Capabilities); err == nil {
			out.Capabilities = caps
		}
	}
	return out, nil
}

// ListTools fetches the live tool catalogue.
func (c *Connection) ListTools(ctx context.Context) ([]registry.Tool, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, c.fail("list tools", err)
	}
	c.touch()
	return ConvertTools(result.Tools), nil
}

// CallTool invokes a tool. Transport failures move the connection to
// StateError so the manager replaces it on the next request; tool-level
// failures leave it connected.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, c.fail("call tool "+name, err)
	}
	c.touch()
	return result, nil
}

// Ping checks liveness.
func (c *Connection) Ping(ctx context.Context) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	if err := c.client.Ping(ctx); err != nil {
		return c.fail("ping", err)
	}
	c.touch()
	return nil
}

func (c *Connection) fail(op string, err error) error {
	err = transport.ClassifyError(err)
	if transport.IsTransportError(err) {
		c.setState(StateError, err)
	}
	return fmt.Errorf("%s on %s: %w", op, c.serverName, err)
}

// Close shuts the transport down.
func (c *Connection) Close() error {
	c.mu.Lock()
	started := c.started
	c.started = false
	c.mu.Unlock()

	var err error
	if started {
		err = c.client.Close()
	}
	c.setState(StateDisconnected, nil)
	return err
}

// ConvertTools maps mcp-go tool definitions to catalogue entries.
func ConvertTools(tools []mcp.Tool) []registry.Tool {
	out := make([]registry.Tool, 0, len(tools))
	for _, tool := range tools {
		schema := tool.RawInputSchema
		if len(schema) == 0 {
			if data, err := json.Marshal(tool.InputSchema); err == nil {
				schema = data
			}
		}
		out = append(out, registry.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return out
}
