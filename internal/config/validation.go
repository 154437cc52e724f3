package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	ProtocolStdio          = "stdio"
	ProtocolSSE            = "sse"
	ProtocolHTTP           = "http"
	ProtocolStreamableHTTP = "streamable-http"
)

var validProtocols = map[string]bool{
	ProtocolStdio:          true,
	ProtocolSSE:            true,
	ProtocolHTTP:           true,
	ProtocolStreamableHTTP: true,
}

// Validate validates the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	defaults := DefaultConfig()
	if c.Listen == "" {
		c.Listen = defaults.Listen
	}
	if c.Logging == nil {
		c.Logging = defaults.Logging
	}
	if c.Cluster == nil {
		c.Cluster = defaults.Cluster
	}
	if c.Leader == nil {
		c.Leader = defaults.Leader
	}
	if c.Initializer == nil {
		c.Initializer = defaults.Initializer
	}
	if c.Connections == nil {
		c.Connections = defaults.Connections
	}
	if c.OAuth == nil {
		c.OAuth = defaults.OAuth
	}
	if c.Reconnect == nil {
		c.Reconnect = defaults.Reconnect
	}
	if c.Observability == nil {
		c.Observability = defaults.Observability
	}

	switch c.Cluster.Mode {
	case "", ClusterModeSingle:
		c.Cluster.Mode = ClusterModeSingle
	case ClusterModePostgres:
		if c.Cluster.PostgresDSN == "" {
			return errors.New("cluster.postgres_dsn is required in postgres mode")
		}
	default:
		return fmt.Errorf("unknown cluster mode %q", c.Cluster.Mode)
	}

	if c.Leader.RenewInterval >= c.Leader.LeaseDuration {
		return fmt.Errorf("leader.renew_interval (%s) must be shorter than leader.lease_duration (%s)",
			c.Leader.RenewInterval, c.Leader.LeaseDuration)
	}
	if c.Leader.MaxRetryDelay < c.Leader.MinRetryDelay {
		c.Leader.MaxRetryDelay = c.Leader.MinRetryDelay
	}
	if c.Initializer.Concurrency <= 0 {
		c.Initializer.Concurrency = defaults.Initializer.Concurrency
	}
	if c.OAuth.FlowTTL <= 0 {
		c.OAuth.FlowTTL = defaults.OAuth.FlowTTL
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, server := range c.Servers {
		if server == nil {
			return fmt.Errorf("mcp_servers[%d] is empty", i)
		}
		if err := server.Validate(); err != nil {
			return fmt.Errorf("mcp_servers[%d]: %w", i, err)
		}
		if seen[server.Name] {
			return fmt.Errorf("duplicate server name %q", server.Name)
		}
		seen[server.Name] = true
	}
	return nil
}

// Validate checks a single server definition.
func (s *ServerConfig) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("server name is required")
	}
	if strings.ContainsAny(s.Name, "/:") {
		return fmt.Errorf("server name %q must not contain '/' or ':'", s.Name)
	}
	if !validProtocols[s.Protocol] {
		return fmt.Errorf("server %s: unknown protocol %q", s.Name, s.Protocol)
	}
	if s.Protocol == ProtocolStdio {
		if s.Command == "" {
			return fmt.Errorf("server %s: command is required for stdio", s.Name)
		}
	} else if s.URL == "" {
		return fmt.Errorf("server %s: url is required for %s", s.Name, s.Protocol)
	}
	return nil
}
