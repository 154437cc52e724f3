package config

import (
	"encoding/json"
	"time"
)

const (
	defaultListen = "127.0.0.1:8080"

	ClusterModeSingle   = "single"
	ClusterModePostgres = "postgres"
)

// Config represents the main configuration structure
type Config struct {
	Listen     string `json:"listen" mapstructure:"listen"`
	DataDir    string `json:"data_dir" mapstructure:"data_dir"`
	InstanceID string `json:"instance_id,omitempty" mapstructure:"instance_id"`

	Logging       *LogConfig           `json:"logging,omitempty" mapstructure:"logging"`
	Cluster       *ClusterConfig       `json:"cluster,omitempty" mapstructure:"cluster"`
	Leader        *LeaderConfig        `json:"leader,omitempty" mapstructure:"leader"`
	Initializer   *InitializerConfig   `json:"initializer,omitempty" mapstructure:"initializer"`
	Connections   *ConnectionsConfig   `json:"connections,omitempty" mapstructure:"connections"`
	OAuth         *OAuthSettings       `json:"oauth,omitempty" mapstructure:"oauth"`
	Reconnect     *ReconnectConfig     `json:"reconnect,omitempty" mapstructure:"reconnect"`
	Observability *ObservabilityConfig `json:"observability,omitempty" mapstructure:"observability"`

	Servers []*ServerConfig `json:"mcp_servers" mapstructure:"mcp_servers"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable_file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable_console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log_dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max_size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max_backups"` // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max_age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json_format"`
}

// ClusterConfig selects the shared store used for leader leases and registry tiers.
type ClusterConfig struct {
	Mode        string `json:"mode" mapstructure:"mode"` // single, postgres
	PostgresDSN string `json:"postgres_dsn,omitempty" mapstructure:"postgres_dsn"`
	KeyPrefix   string `json:"key_prefix,omitempty" mapstructure:"key_prefix"`
}

// LeaderConfig tunes the election lease.
type LeaderConfig struct {
	LeaseDuration time.Duration `json:"lease_duration" mapstructure:"lease_duration"`
	RenewInterval time.Duration `json:"renew_interval" mapstructure:"renew_interval"`
	MinRetryDelay time.Duration `json:"min_retry_delay" mapstructure:"min_retry_delay"`
	MaxRetryDelay time.Duration `json:"max_retry_delay" mapstructure:"max_retry_delay"`
}

type InitializerConfig struct {
	InspectTimeout time.Duration `json:"inspect_timeout" mapstructure:"inspect_timeout"`
	FollowerWait   time.Duration `json:"follower_wait" mapstructure:"follower_wait"`
	PollInterval   time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	Concurrency    int           `json:"concurrency" mapstructure:"concurrency"`
}

type ConnectionsConfig struct {
	IdleTimeout  time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	ReapInterval time.Duration `json:"reap_interval" mapstructure:"reap_interval"`
	CallTimeout  time.Duration `json:"call_timeout" mapstructure:"call_timeout"`
}

// OAuthSettings holds process-wide OAuth settings. Per-server client settings live in ServerConfig.OAuth.
type OAuthSettings struct {
	FlowTTL         time.Duration `json:"flow_ttl" mapstructure:"flow_ttl"`
	CallbackBaseURL string        `json:"callback_base_url" mapstructure:"callback_base_url"`
	ClientName      string        `json:"client_name" mapstructure:"client_name"`
}

type ReconnectConfig struct {
	TrackingTimeout time.Duration `json:"tracking_timeout" mapstructure:"tracking_timeout"`
}

// ObservabilityConfig toggles prometheus metrics and OTLP tracing.
type ObservabilityConfig struct {
	MetricsEnabled bool    `json:"metrics_enabled" mapstructure:"metrics_enabled"`
	TracingEnabled bool    `json:"tracing_enabled" mapstructure:"tracing_enabled"`
	OTLPEndpoint   string  `json:"otlp_endpoint,omitempty" mapstructure:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate" mapstructure:"sample_rate"`
	ServiceName    string  `json:"service_name,omitempty" mapstructure:"service_name"`
}

// ServerConfig represents a tool server definition
type ServerConfig struct {
	Name          string                   `json:"name" mapstructure:"name"`
	Protocol      string                   `json:"protocol,omitempty" mapstructure:"protocol"` // stdio, sse, http, streamable-http
	URL           string                   `json:"url,omitempty" mapstructure:"url"`
	Command       string                   `json:"command,omitempty" mapstructure:"command"`
	Args          []string                 `json:"args,omitempty" mapstructure:"args"`
	Env           map[string]string        `json:"env,omitempty" mapstructure:"env"`
	Headers       map[string]string        `json:"headers,omitempty" mapstructure:"headers"`
	RequiresOAuth bool                     `json:"requires_oauth,omitempty" mapstructure:"requires_oauth"`
	OAuth         *OAuthConfig             `json:"oauth,omitempty" mapstructure:"oauth"`
	Startup       *bool                    `json:"startup,omitempty" mapstructure:"startup"`
	Timeout       time.Duration            `json:"timeout,omitempty" mapstructure:"timeout"`
	IconPath      string                   `json:"icon_path,omitempty" mapstructure:"icon_path"`
	CustomVars    map[string]CustomUserVar `json:"custom_user_vars,omitempty" mapstructure:"custom_user_vars"`
}

// CustomUserVar declares a per-user variable substituted into headers, env or URL as {{NAME}}.
type CustomUserVar struct {
	Title       string `json:"title" mapstructure:"title"`
	Description string `json:"description,omitempty" mapstructure:"description"`
}

// OAuthConfig represents OAuth client configuration for a tool server
type OAuthConfig struct {
	AuthorizationURL string   `json:"authorization_url,omitempty" mapstructure:"authorization_url"`
	TokenURL         string   `json:"token_url,omitempty" mapstructure:"token_url"`
	RevocationURL    string   `json:"revocation_url,omitempty" mapstructure:"revocation_url"`
	ClientID         string   `json:"client_id,omitempty" mapstructure:"client_id"`
	ClientSecret     string   `json:"client_secret,omitempty" mapstructure:"client_secret"`
	Scopes           []string `json:"scopes,omitempty" mapstructure:"scopes"`
	RedirectURI      string   `json:"redirect_uri,omitempty" mapstructure:"redirect_uri"`
}

// ShouldInspectAtStartup reports whether the initializer inspects the server at boot.
func (s *ServerConfig) ShouldInspectAtStartup() bool {
	return s.Startup == nil || *s.Startup
}

// IsUserScoped reports whether connections to the server are owned per user.
func (s *ServerConfig) IsUserScoped() bool {
	return s.RequiresOAuth || len(s.CustomVars) > 0
}

// Clone returns a deep copy so registry tiers never share mutable maps.
func (s *ServerConfig) Clone() *ServerConfig {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		cp := *s
		return &cp
	}
	var out ServerConfig
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *s
		return &cp
	}
	return &out
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:  defaultListen,
		DataDir: "", // Will be set to ~/.mcpchat by loader
		Servers: []*ServerConfig{},

		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    false,
			EnableConsole: true,
			Filename:      "mcpchat.log",
			MaxSize:       10, // 10MB
			MaxBackups:    5,  // 5 backup files
			MaxAge:        30, // 30 days
			Compress:      true,
			JSONFormat:    false,
		},
		Cluster: &ClusterConfig{
			Mode:      ClusterModeSingle,
			KeyPrefix: "mcpchat",
		},
		Leader: &LeaderConfig{
			LeaseDuration: 25 * time.Second,
			RenewInterval: 10 * time.Second,
			MinRetryDelay: 50 * time.Millisecond,
			MaxRetryDelay: 500 * time.Millisecond,
		},
		Initializer: &InitializerConfig{
			InspectTimeout: 30 * time.Second,
			FollowerWait:   2 * time.Minute,
			PollInterval:   time.Second,
			Concurrency:    8,
		},
		Connections: &ConnectionsConfig{
			IdleTimeout:  15 * time.Minute,
			ReapInterval: time.Minute,
			CallTimeout:  2 * time.Minute,
		},
		OAuth: &OAuthSettings{
			FlowTTL:         3 * time.Minute,
			CallbackBaseURL: "http://" + defaultListen,
			ClientName:      "mcpchat",
		},
		Reconnect: &ReconnectConfig{
			TrackingTimeout: 2 * time.Minute,
		},
		Observability: &ObservabilityConfig{
			MetricsEnabled: true,
			TracingEnabled: false,
			SampleRate:     1.0,
			ServiceName:    "mcpchat",
		},
	}
}

// MarshalJSON implements json.Marshaler interface
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal((*Alias)(c))
}

// UnmarshalJSON implements json.Unmarshaler interface
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		*Alias
	}{
		Alias: (*Alias)(c),
	}
	return json.Unmarshal(data, aux)
}
