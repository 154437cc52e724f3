package httpapi

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/smart-mcp-proxy/mcpchat/internal/oauth"
	"github.com/smart-mcp-proxy/mcpchat/internal/reconnect"
)

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html><head><title>{{.Title}}</title></head>
<body><h1>{{.Title}}</h1><p>{{.Message}}</p><p>You can close this window.</p></body></html>
`))

// handleOAuthCallback completes or fails the flow named by state. The page is
// shown in the user's browser; the waiting tool call observes the flow.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.deps.OAuth == nil {
		s.writeError(w, http.StatusServiceUnavailable, "oauth not available")
		return
	}
	q := r.URL.Query()
	result, err := s.deps.OAuth.HandleCallback(r.Context(), q.Get("state"), q.Get("code"), q.Get("error"))

	page := struct{ Title, Message string }{"Authorization complete", "The tool server is now connected."}
	status := http.StatusOK
	switch {
	case err == nil:
		if s.deps.Reconnector != nil && result != nil {
			s.deps.Reconnector.Clear(result.UserID, result.ServerName)
		}
	case errors.Is(err, oauth.ErrInvalidState), errors.Is(err, oauth.ErrFlowNotFound):
		status = http.StatusBadRequest
		page.Title, page.Message = "Authorization failed", "This authorization link is invalid or has expired."
	case errors.Is(err, oauth.ErrFlowCancelled):
		page.Title, page.Message = "Authorization cancelled", "Access was not granted."
	default:
		status = http.StatusBadGateway
		page.Title, page.Message = "Authorization failed", err.Error()
	}
	if err != nil {
		s.logger.Infow("OAuth callback did not complete", "error", err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := callbackPage.Execute(w, page); err != nil {
		s.logger.Errorw("Failed to render callback page", "error", err)
	}
}

// OAuthStatus is the answer of GET /api/v1/oauth/{server}/status.
type OAuthStatus struct {
	Server       string                 `json:"server"`
	User         string                 `json:"user"`
	Flow         oauth.FlowStatusReport `json:"flow"`
	Tokens       *oauth.TokenStatus     `json:"tokens,omitempty"`
	Reconnecting bool                   `json:"reconnecting"`
	Failed       bool                   `json:"reconnect_failed"`
}

func (s *Server) handleOAuthStatus(w http.ResponseWriter, r *http.Request) {
	server, user := chi.URLParam(r, "server"), userID(r)
	if user == "" {
		s.writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	status := OAuthStatus{Server: server, User: user}
	if s.deps.Flows != nil {
		status.Flow = s.deps.Flows.Status(oauth.FlowID(user, server), oauth.PurposeAuthorize)
	}
	if s.deps.Tokens != nil {
		tokens, err := s.deps.Tokens.Status(r.Context(), user, server)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		status.Tokens = &tokens
	}
	if s.deps.Reconnector != nil {
		status.Reconnecting = s.deps.Reconnector.IsReconnecting(user, server)
		status.Failed = s.deps.Reconnector.HasFailed(user, server)
	}
	s.writeSuccess(w, status)
}

// handleDeleteTokens revokes and removes the user's credentials for a server
// and closes the connection that was authenticated with them.
func (s *Server) handleDeleteTokens(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil {
		s.writeError(w, http.StatusServiceUnavailable, "credential store not available")
		return
	}
	server, user := chi.URLParam(r, "server"), userID(r)
	if user == "" {
		s.writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	if err := s.deps.Tokens.DeleteUserTokens(r.Context(), user, server); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.deps.Reconnector != nil {
		s.deps.Reconnector.Clear(user, server)
	}
	if s.deps.Connections != nil {
		if err := s.deps.Connections.DisconnectUserConnection(user, server); err != nil {
			s.logger.Warnw("Failed to drop connection after token deletion", "server", server, "user", user, "error", err)
		}
	}
	s.writeSuccess(w, map[string]string{"server": server, "user": user})
}

// ReconnectResult is one row of POST /api/v1/users/{user}/reconnect.
type ReconnectResult struct {
	Server string `json:"server"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconnector == nil {
		s.writeError(w, http.StatusServiceUnavailable, "reconnection not available")
		return
	}
	outcomes, err := s.deps.Reconnector.ReconnectServers(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeSuccess(w, reconnectResults(outcomes))
}

func reconnectResults(outcomes []reconnect.Outcome) []ReconnectResult {
	out := make([]ReconnectResult, 0, len(outcomes))
	for _, o := range outcomes {
		res := ReconnectResult{Server: o.ServerName}
		if o.Err != nil {
			res.Error = o.Err.Error()
		}
		out = append(out, res)
	}
	return out
}
