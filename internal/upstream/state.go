package upstream

import (
	"fmt"
	"time"
)

// ConnectionState represents the state of a tool server connection
type ConnectionState int

const (
	// StateDisconnected indicates the connection is closed or was never opened
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates the MCP handshake is in progress
	StateConnecting
	// StateConnected indicates the server is initialized and ready for requests
	StateConnected
	// StateError indicates the last connect or transport operation failed
	StateError
)

// String returns the string representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ConnectionState) UnmarshalText(text []byte) error {
	for _, candidate := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateError} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// ConnectionInfo is a point-in-time view of a connection.
type ConnectionInfo struct {
	ServerName    string          `json:"server_name"`
	UserID        string          `json:"user_id,omitempty"`
	State         ConnectionState `json:"state"`
	LastError     string          `json:"last_error,omitempty"`
	LastActivity  time.Time       `json:"last_activity"`
	ConnectedAt   time.Time       `json:"connected_at,omitempty"`
	RemoteName    string          `json:"remote_name,omitempty"`
	RemoteVersion string          `json:"remote_version,omitempty"`
}

// StateChangeFunc observes connection transitions.
type StateChangeFunc func(info ConnectionInfo, from, to ConnectionState)
