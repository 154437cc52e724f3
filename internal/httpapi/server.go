// Package httpapi exposes the conversation event stream, the OAuth callback
// and server administration over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
	"github.com/smart-mcp-proxy/mcpchat/internal/oauth"
	"github.com/smart-mcp-proxy/mcpchat/internal/observability"
	"github.com/smart-mcp-proxy/mcpchat/internal/reconnect"
	"github.com/smart-mcp-proxy/mcpchat/internal/registry"
	"github.com/smart-mcp-proxy/mcpchat/internal/stream"
	"github.com/smart-mcp-proxy/mcpchat/internal/upstream"
)

const (
	defaultHeartbeat = 30 * time.Second
	userHeader       = "X-User-ID"
)

// Connections is the connection manager surface used by the API.
// *upstream.Manager satisfies it.
type Connections interface {
	GetConnection(ctx context.Context, req upstream.GetConnectionRequest) (*upstream.Connection, error)
	InvalidateToolCache(serverName string)
	DisconnectUserConnection(userID, serverName string) error
	Connections() []upstream.ConnectionInfo
	Stats() upstream.Stats
}

// Servers lists the servers visible to a user. *registry.Registry satisfies it.
type Servers interface {
	GetAllServerConfigs(ctx context.Context, userID string) (map[string]*registry.ServerEntry, error)
}

// PrivateServers manages servers registered by a single user.
// *registry.Registry satisfies it.
type PrivateServers interface {
	AddPrivateUserServer(ctx context.Context, userID, name string, cfg *config.ServerConfig) error
	UpdatePrivateUserServer(ctx context.Context, userID, name string, cfg *config.ServerConfig) error
	RemovePrivateUserServer(ctx context.Context, userID, name string) error
}

// OAuth handles callbacks. *oauth.Authorizer satisfies it.
type OAuth interface {
	HandleCallback(ctx context.Context, state, code, errParam string) (*oauth.CallbackResult, error)
}

// FlowStatus reports flow state. *oauth.FlowManager satisfies it.
type FlowStatus interface {
	Status(flowID, purpose string) oauth.FlowStatusReport
}

// Tokens reports and removes stored credentials. *oauth.TokenManager satisfies it.
type Tokens interface {
	Status(ctx context.Context, userID, serverName string) (oauth.TokenStatus, error)
	DeleteUserTokens(ctx context.Context, userID, serverName string) error
}

// Reconnector is satisfied by *reconnect.Manager.
type Reconnector interface {
	IsReconnecting(userID, serverName string) bool
	HasFailed(userID, serverName string) bool
	Clear(userID, serverName string)
	ReconnectServers(ctx context.Context, userID string) ([]reconnect.Outcome, error)
}

// Deps are the services behind the API. Any of them may be nil, in which case
// the routes that need it answer 503.
type Deps struct {
	Connections   Connections
	Servers       Servers
	Private       PrivateServers
	OAuth         OAuth
	Flows         FlowStatus
	Tokens        Tokens
	Reconnector   Reconnector
	Tools         stream.ToolInvoker
	Hub           *stream.Hub
	Observability *observability.Manager
}

// Server provides HTTP API endpoints with chi router
type Server struct {
	deps      Deps
	logger    *zap.SugaredLogger
	router    *chi.Mux
	heartbeat time.Duration
}

// Option customizes a Server.
type Option func(*Server)

// WithHeartbeat overrides the SSE heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// NewServer creates a new HTTP API server
func NewServer(deps Deps, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:      deps,
		logger:    logger.Named("httpapi").Sugar(),
		router:    chi.NewRouter(),
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	if s.deps.Observability != nil {
		s.router.Use(s.deps.Observability.HTTPMiddleware(routePattern))
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware())

	if obs := s.deps.Observability; obs != nil {
		s.router.Get("/healthz", obs.Health().HealthzHandler())
		s.router.Get("/readyz", obs.Health().ReadyzHandler())
		if metrics := obs.Metrics(); metrics != nil {
			s.router.Handle("/metrics", metrics.Handler())
		}
	} else {
		s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		})
	}

	s.router.Get("/oauth/callback", s.handleOAuthCallback)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/conversations/{id}/events", s.handleConversationEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(5 * time.Minute))
			r.Post("/conversations/{id}/tool-calls", s.handleToolCall)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/servers", s.handleListServers)
			r.Get("/connections", s.handleListConnections)
			r.Post("/servers/{name}/test", s.handleTestServer)
			r.Get("/oauth/{server}/status", s.handleOAuthStatus)
			r.Delete("/oauth/{server}/tokens", s.handleDeleteTokens)
			r.Post("/users/{user}/reconnect", s.handleReconnect)
			r.Post("/users/{user}/servers", s.handleAddPrivateServer)
			r.Put("/users/{user}/servers/{name}", s.handleUpdatePrivateServer)
			r.Delete("/users/{user}/servers/{name}", s.handleRemovePrivateServer)
		})
	})
}

// routePattern labels metrics with the matched chi route.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

func (s *Server) loggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			s.logger.Debugw("HTTP API request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

// Response is the envelope of every JSON answer.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, Response{Error: message})
}

func (s *Server) writeSuccess(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

// userID reads the caller's user from the X-User-ID header or the user query
// parameter.
func userID(r *http.Request) string {
	if id := r.Header.Get(userHeader); id != "" {
		return id
	}
	return r.URL.Query().Get("user")
}
