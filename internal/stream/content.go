package stream

// PartType tags a ContentPart.
type PartType string

const (
	PartText        PartType = "text"
	PartReasoning   PartType = "reasoning"
	PartToolCall    PartType = "tool_call"
	PartImage       PartType = "image_url"
	PartAgentUpdate PartType = "agent_update"
)

// ContentPart is one element of a message's content array. Type selects
// which of the payload fields is meaningful.
type ContentPart struct {
	Type        PartType     `json:"type"`
	Text        string       `json:"text,omitempty"`
	Reasoning   string       `json:"reasoning,omitempty"`
	ToolCall    *ToolCall    `json:"tool_call,omitempty"`
	ImageURL    *ImageURL    `json:"image_url,omitempty"`
	AgentUpdate *AgentUpdate `json:"agent_update,omitempty"`
}

// ToolCall is the tool_call payload. Args accumulates streamed argument
// text, or holds an object when the provider sends structured arguments.
type ToolCall struct {
	ID        string  `json:"id,omitempty"`
	Name      string  `json:"name,omitempty"`
	Args      any     `json:"args,omitempty"`
	Output    string  `json:"output,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
	Auth      string  `json:"auth,omitempty"`
	ExpiresAt int64   `json:"expires_at,omitempty"`
}

// ImageURL is the image_url payload.
type ImageURL struct {
	URL string `json:"url"`
}

// AgentUpdate is the agent_update payload.
type AgentUpdate struct {
	Index   int    `json:"index"`
	RunID   string `json:"runId,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Attachment references a file produced by a tool call.
type Attachment struct {
	MessageID  string `json:"messageId,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	FileID     string `json:"file_id,omitempty"`
	Filename   string `json:"filename,omitempty"`
	Type       string `json:"type,omitempty"`
	URL        string `json:"url,omitempty"`
}

// Message is a reconstructed message.
type Message struct {
	Identity
	Content     []ContentPart `json:"content"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Final       bool          `json:"final,omitempty"`
}

func (p ContentPart) clone() ContentPart {
	if p.ToolCall != nil {
		tc := *p.ToolCall
		tc.Args = cloneValue(tc.Args)
		p.ToolCall = &tc
	}
	if p.ImageURL != nil {
		img := *p.ImageURL
		p.ImageURL = &img
	}
	if p.AgentUpdate != nil {
		au := *p.AgentUpdate
		p.AgentUpdate = &au
	}
	return p
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// publishable drops any element without a type and deep-copies the rest.
func publishable(parts []ContentPart) []ContentPart {
	out := make([]ContentPart, 0, len(parts))
	for _, p := range parts {
		if p.Type == "" {
			continue
		}
		out = append(out, p.clone())
	}
	return out
}
