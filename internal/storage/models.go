package storage

import (
	"encoding/json"
	"time"
)

// Bucket names for bbolt database
const (
	CredentialsBucket = "credentials"
	MetaBucket        = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// Current schema version
const CurrentSchemaVersion = 1

// TokenType distinguishes the credential records kept per (user, server).
type TokenType string

const (
	TokenTypeAccess  TokenType = "mcp_oauth"
	TokenTypeRefresh TokenType = "mcp_oauth_refresh"
	// TokenTypeClient holds the registered client information and discovered metadata.
	TokenTypeClient TokenType = "mcp_oauth_client"
)

// CredentialRecord is one stored credential of a user for a tool server.
type CredentialRecord struct {
	UserID     string            `json:"user_id"`
	ServerName string            `json:"server_name"`
	Type       TokenType         `json:"type"`
	Value      string            `json:"value"`
	ExpiresAt  time.Time         `json:"expires_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Created    time.Time         `json:"created"`
	Updated    time.Time         `json:"updated"`
}

// Expired reports whether the record has an expiry in the past.
func (r *CredentialRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *CredentialRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *CredentialRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}
