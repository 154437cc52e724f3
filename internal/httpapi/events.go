package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/smart-mcp-proxy/mcpchat/internal/stream"
	"github.com/smart-mcp-proxy/mcpchat/internal/toolcall"
)

// handleConversationEvents streams the frames of one conversation as
// server-sent events until the client goes away.
func (s *Server) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}
	conversationID := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	frames := s.deps.Hub.Subscribe(conversationID)
	defer s.deps.Hub.Unsubscribe(conversationID, frames)

	fmt.Fprint(w, ": connected\nretry: 5000\n\n")
	flusher.Flush()
	s.logger.Debugw("SSE subscriber attached", "conversation_id", conversationID)

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debugw("SSE subscriber detached", "conversation_id", conversationID)
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping %d\n\n", time.Now().Unix()); err != nil {
				return
			}
			flusher.Flush()
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := writeFrame(w, frame); err != nil {
				s.logger.Warnw("Failed to write SSE frame", "conversation_id", conversationID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, frame stream.Frame) error {
	_, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", frame.ID, frame.Event, frame.Data)
	return err
}

// ToolCallRequest is the body of POST /api/v1/conversations/{id}/tool-calls.
type ToolCallRequest struct {
	UserID          string            `json:"user_id"`
	MessageID       string            `json:"message_id,omitempty"`
	ParentMessageID string            `json:"parent_message_id,omitempty"`
	Server          string            `json:"server"`
	Tool            string            `json:"tool"`
	Arguments       json.RawMessage   `json:"arguments,omitempty"`
	Vars            map[string]string `json:"vars,omitempty"`
	// Format is "string" (default) or "parts".
	Format string `json:"format,omitempty"`
}

// ToolCallResponse carries the normalized (content, artifacts) pair.
type ToolCallResponse struct {
	Content   any                 `json:"content"`
	Artifacts *toolcall.Artifacts `json:"artifacts,omitempty"`
	Outcome   string              `json:"outcome"`
}

// handleToolCall runs one tool call, streaming its progress to the
// conversation's subscribers, and answers with the final result.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil || s.deps.Hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "tool calls not available")
		return
	}
	var body ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.UserID == "" {
		body.UserID = userID(r)
	}
	if body.Server == "" || body.Tool == "" {
		s.writeError(w, http.StatusBadRequest, "server and tool are required")
		return
	}

	format := toolcall.FormatString
	if body.Format == "parts" {
		format = toolcall.FormatParts
	}
	var args any
	if len(body.Arguments) > 0 {
		if err := json.Unmarshal(body.Arguments, &args); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid arguments: "+err.Error())
			return
		}
	}

	emitter := stream.NewEmitter(stream.Identity{
		MessageID:       body.MessageID,
		ParentMessageID: body.ParentMessageID,
		ConversationID:  chi.URLParam(r, "id"),
	}, s.deps.Hub, s.logger.Desugar())

	result, err := emitter.RunToolCall(r.Context(), s.deps.Tools, toolcall.Request{
		UserID:     body.UserID,
		ServerName: body.Server,
		ToolName:   body.Tool,
		Arguments:  args,
		Vars:       body.Vars,
		Format:     format,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, r.Context().Err()) {
			status = http.StatusRequestTimeout
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeSuccess(w, ToolCallResponse{
		Content:   result.Content,
		Artifacts: result.Artifacts,
		Outcome:   string(result.Outcome),
	})
}
