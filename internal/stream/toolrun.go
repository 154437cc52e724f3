package stream

import (
	"context"
	"encoding/json"

	"github.com/smart-mcp-proxy/mcpchat/internal/toolcall"
)

// ToolInvoker runs tool calls. *toolcall.Pipeline satisfies it.
type ToolInvoker interface {
	Call(ctx context.Context, req toolcall.Request) (*toolcall.Result, error)
}

// RunToolCall streams one tool call: it opens a tool_calls step, sends the
// arguments, relays authorization prompts and completes the step with the
// tool's output. Artifacts are sent as attachments.
func (e *Emitter) RunToolCall(ctx context.Context, invoker ToolInvoker, req toolcall.Request) (*toolcall.Result, error) {
	stepID, calls := e.ToolCallStep(ToolCallSpec{Name: req.ToolName})
	callID := calls[0].ID

	args := argsText(req.Arguments)
	if args != "" {
		e.ToolCallArgs(stepID, callID, args)
	}

	onAuthStart := req.OnAuthStart
	req.OnAuthStart = func(p toolcall.AuthPrompt) {
		e.ToolCallAuth(stepID, callID, p.AuthURL, p.ExpiresAt)
		if onAuthStart != nil {
			onAuthStart(p)
		}
	}

	result, err := invoker.Call(ctx, req)
	if err != nil {
		_ = e.ToolCallCompleted(stepID, callID, req.ToolName, "", "Tool call cancelled: "+err.Error())
		return nil, err
	}

	_ = e.ToolCallCompleted(stepID, callID, req.ToolName, "", outputText(result.Content))
	if result.Artifacts != nil {
		for _, img := range result.Artifacts.Images {
			e.Attachment(Attachment{ToolCallID: callID, Type: "image", URL: img.URL})
		}
		for _, ui := range result.Artifacts.UIResources {
			e.Attachment(Attachment{ToolCallID: callID, Type: "ui_resource", URL: ui.URI})
		}
	}
	return result, nil
}

func argsText(v any) string {
	switch a := v.(type) {
	case nil:
		return ""
	case string:
		return a
	default:
		data, err := json.Marshal(a)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func outputText(content any) string {
	if s, ok := content.(string); ok {
		return s
	}
	data, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	return string(data)
}
