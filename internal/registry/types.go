package registry

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
)

// Tier identifies where a server entry lives. Lookups walk tiers in declaration order.
type Tier string

const (
	TierSharedApp   Tier = "app"
	TierSharedUser  Tier = "user"
	TierPrivateUser Tier = "private"
)

// ToolKeyDelimiter joins a tool name and its server into a catalogue key.
const ToolKeyDelimiter = "_mcp_"

// Tool is one entry of a server's tool catalogue.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ServerEntry is a parsed and inspected server definition as published to a tier.
type ServerEntry struct {
	Config       *config.ServerConfig `json:"config"`
	Tier         Tier                 `json:"tier"`
	OwnerID      string               `json:"owner_id,omitempty"`
	Initialized  bool                 `json:"initialized"`
	InspectError string               `json:"inspect_error,omitempty"`
	ServerName   string               `json:"server_name,omitempty"`
	Version      string               `json:"version,omitempty"`
	Instructions string               `json:"instructions,omitempty"`
	Capabilities json.RawMessage      `json:"capabilities,omitempty"`
	Tools        []Tool               `json:"tools,omitempty"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// Name returns the server name.
func (e *ServerEntry) Name() string {
	if e == nil || e.Config == nil {
		return ""
	}
	return e.Config.Name
}

// RequiresOAuth reports whether the server was declared or detected to need user authorization.
func (e *ServerEntry) RequiresOAuth() bool {
	return e != nil && e.Config != nil && e.Config.RequiresOAuth
}

// ToolFunctions returns the catalogue keyed by ToolKey.
func (e *ServerEntry) ToolFunctions() map[string]Tool {
	out := make(map[string]Tool, len(e.Tools))
	for _, tool := range e.Tools {
		out[ToolKey(tool.Name, e.Name())] = tool
	}
	return out
}

// HasTool reports whether the cached catalogue contains toolName.
func (e *ServerEntry) HasTool(toolName string) bool {
	for _, tool := range e.Tools {
		if tool.Name == toolName {
			return true
		}
	}
	return false
}

// ToolKey builds the catalogue key for a tool of a server.
func ToolKey(toolName, serverName string) string {
	return toolName + ToolKeyDelimiter + serverName
}

// SplitToolKey is the inverse of ToolKey. The server part is taken after the last delimiter.
func SplitToolKey(key string) (toolName, serverName string, ok bool) {
	idx := strings.LastIndex(key, ToolKeyDelimiter)
	if idx <= 0 || idx+len(ToolKeyDelimiter) >= len(key) {
		return "", "", false
	}
	return key[:idx], key[idx+len(ToolKeyDelimiter):], true
}
