package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
	"github.com/smart-mcp-proxy/mcpchat/internal/registry"
	"github.com/smart-mcp-proxy/mcpchat/internal/upstream"
)

// ServerSummary is one row of GET /api/v1/servers.
type ServerSummary struct {
	Name          string        `json:"name"`
	Tier          registry.Tier `json:"tier"`
	Protocol      string        `json:"protocol,omitempty"`
	RequiresOAuth bool          `json:"requires_oauth"`
	Initialized   bool          `json:"initialized"`
	InspectError  string        `json:"inspect_error,omitempty"`
	Version       string        `json:"version,omitempty"`
	Tools         []string      `json:"tools"`
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Servers == nil {
		s.writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}
	entries, err := s.deps.Servers.GetAllServerConfigs(r.Context(), userID(r))
	if err != nil {
		s.logger.Errorw("Failed to list servers", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]ServerSummary, 0, len(entries))
	for name, entry := range entries {
		summary := ServerSummary{
			Name:          name,
			Tier:          entry.Tier,
			RequiresOAuth: entry.RequiresOAuth(),
			Initialized:   entry.Initialized,
			InspectError:  entry.InspectError,
			Version:       entry.Version,
			Tools:         make([]string, 0, len(entry.Tools)),
		}
		if entry.Config != nil {
			summary.Protocol = entry.Config.Protocol
		}
		for _, tool := range entry.Tools {
			summary.Tools = append(summary.Tools, tool.Name)
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	s.writeSuccess(w, out)
}

func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Connections == nil {
		s.writeError(w, http.StatusServiceUnavailable, "connection manager not available")
		return
	}
	s.writeSuccess(w, map[string]any{
		"stats":       s.deps.Connections.Stats(),
		"connections": s.deps.Connections.Connections(),
	})
}

// ServerTestResult is the answer of POST /api/v1/servers/{name}/test.
type ServerTestResult struct {
	Server     string                  `json:"server"`
	Connection upstream.ConnectionInfo `json:"connection"`
	Tools      int                     `json:"tools"`
}

// handleTestServer replaces the caller's connection with a fresh one and
// drops the cached catalogue so the next lookup re-lists tools.
func (s *Server) handleTestServer(w http.ResponseWriter, r *http.Request) {
	if s.deps.Connections == nil {
		s.writeError(w, http.StatusServiceUnavailable, "connection manager not available")
		return
	}
	name := chi.URLParam(r, "name")
	s.deps.Connections.InvalidateToolCache(name)

	conn, err := s.deps.Connections.GetConnection(r.Context(), upstream.GetConnectionRequest{
		ServerName: name,
		UserID:     userID(r),
		ForceNew:   true,
	})
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, registry.ErrServerNotFound) {
			status = http.StatusNotFound
		}
		s.logger.Warnw("Server test failed", "server", name, "error", err)
		s.writeError(w, status, err.Error())
		return
	}

	tools, err := conn.ListTools(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeSuccess(w, ServerTestResult{Server: name, Connection: conn.Info(), Tools: len(tools)})
}

// privateStatus maps registry write errors to HTTP statuses.
func privateStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrUserRequired), errors.Is(err, registry.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrServerNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrServerExists):
		return http.StatusConflict
	case errors.Is(err, registry.ErrNotLeader):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) decodeServerConfig(w http.ResponseWriter, r *http.Request) (*config.ServerConfig, bool) {
	var cfg config.ServerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return nil, false
	}
	return &cfg, true
}

// handleAddPrivateServer registers a server visible only to {user}. The name
// comes from the body.
func (s *Server) handleAddPrivateServer(w http.ResponseWriter, r *http.Request) {
	if s.deps.Private == nil {
		s.writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}
	cfg, ok := s.decodeServerConfig(w, r)
	if !ok {
		return
	}
	if cfg.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	user := chi.URLParam(r, "user")
	if err := s.deps.Private.AddPrivateUserServer(r.Context(), user, cfg.Name, cfg); err != nil {
		s.logger.Warnw("Failed to add private server", "server", cfg.Name, "user", user, "error", err)
		s.writeError(w, privateStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, Response{Success: true, Data: map[string]string{"server": cfg.Name, "user": user}})
}

// handleUpdatePrivateServer replaces the config of one of {user}'s servers.
// The user's open connection to it is dropped by the registry change hook.
func (s *Server) handleUpdatePrivateServer(w http.ResponseWriter, r *http.Request) {
	if s.deps.Private == nil {
		s.writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}
	cfg, ok := s.decodeServerConfig(w, r)
	if !ok {
		return
	}
	user, name := chi.URLParam(r, "user"), chi.URLParam(r, "name")
	if err := s.deps.Private.UpdatePrivateUserServer(r.Context(), user, name, cfg); err != nil {
		s.logger.Warnw("Failed to update private server", "server", name, "user", user, "error", err)
		s.writeError(w, privateStatus(err), err.Error())
		return
	}
	s.writeSuccess(w, map[string]string{"server": name, "user": user})
}

func (s *Server) handleRemovePrivateServer(w http.ResponseWriter, r *http.Request) {
	if s.deps.Private == nil {
		s.writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}
	user, name := chi.URLParam(r, "user"), chi.URLParam(r, "name")
	if err := s.deps.Private.RemovePrivateUserServer(r.Context(), user, name); err != nil {
		s.logger.Warnw("Failed to remove private server", "server", name, "user", user, "error", err)
		s.writeError(w, privateStatus(err), err.Error())
		return
	}
	s.writeSuccess(w, map[string]string{"server": name, "user": user})
}
