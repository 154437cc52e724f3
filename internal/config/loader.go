package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultDataDir = ".mcpchat"
	EnvPrefix      = "MCPCHAT"
)

// envKeys are the settings that can be overridden from MCPCHAT_* variables.
var envKeys = []string{
	"listen",
	"data_dir",
	"instance_id",
	"logging.level",
	"logging.enable_file",
	"logging.json_format",
	"cluster.mode",
	"cluster.postgres_dsn",
	"cluster.key_prefix",
	"oauth.callback_base_url",
	"observability.metrics_enabled",
	"observability.tracing_enabled",
	"observability.otlp_endpoint",
}

// flagKeys maps CLI flag names to configuration keys.
var flagKeys = map[string]string{
	"listen":      "listen",
	"data-dir":    "data_dir",
	"instance-id": "instance_id",
	"log-level":   "logging.level",
	"cluster":     "cluster.mode",
}

// Load loads configuration from file, environment, flags and defaults.
// An empty path skips the file; flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if flags != nil {
		for flagName, key := range flagKeys {
			f := flags.Lookup(flagName)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", flagName, err)
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := finalize(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return v
}

// finalize fills values that depend on the environment rather than on defaults.
func finalize(cfg *Config) error {
	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, DefaultDataDir)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	for _, server := range cfg.Servers {
		if server != nil {
			server.ApplyDefaults()
		}
	}
	return nil
}

// ApplyDefaults infers the protocol when it was left empty.
func (s *ServerConfig) ApplyDefaults() {
	if s.Protocol != "" {
		return
	}
	if s.Command != "" {
		s.Protocol = ProtocolStdio
	} else {
		s.Protocol = ProtocolStreamableHTTP
	}
}
