// Package config loads watcher configuration from a yaml file, environment
// variables (PULSE_ prefix), and defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/steveohanians/pulsedashboard-sub000/internal/logging"
)

// Config is the full pulsewatch configuration.
type Config struct {
	Stream   StreamConfig   `mapstructure:"stream"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Trigger  TriggerConfig  `mapstructure:"trigger"`
	Logging  logging.Config `mapstructure:"logging"`
}

// StreamConfig configures the push connection and its supervision.
type StreamConfig struct {
	// URL is the stream endpoint: http(s) for SSE, ws(s) for WebSocket.
	URL string `mapstructure:"url"`
	// Transport selects the push transport: "sse" or "websocket".
	Transport string `mapstructure:"transport"`
	// AuthToken is an optional bearer token sent on the handshake.
	AuthToken string `mapstructure:"auth_token"`

	Enabled              bool `mapstructure:"enabled"`
	AutoReconnect        bool `mapstructure:"auto_reconnect"`
	MaxReconnectAttempts int  `mapstructure:"max_reconnect_attempts"`
	ReconnectBaseDelayMs int  `mapstructure:"reconnect_base_delay_ms"`
	ReconnectMaxDelayMs  int  `mapstructure:"reconnect_max_delay_ms"`
	HeartbeatTimeoutMs   int  `mapstructure:"heartbeat_timeout_ms"`
}

// SnapshotConfig configures the entity list fetch used for reconciliation.
type SnapshotConfig struct {
	// URL is the entity list endpoint. Empty disables fetching; snapshots
	// may still be supplied programmatically.
	URL string `mapstructure:"url"`
	// IntervalMs is the periodic reconciliation interval while connected.
	IntervalMs int `mapstructure:"interval_ms"`
	// RefetchPerSec caps the snapshot fetch rate.
	RefetchPerSec float64 `mapstructure:"refetch_per_sec"`
}

// TriggerConfig configures the backend "sync all" trigger, used by the CLI.
// The watcher itself never initiates sync jobs.
type TriggerConfig struct {
	URL string `mapstructure:"url"`
}

// Load reads configuration from configPath, or from pulsewatch.yaml in the
// working directory or ./configs when configPath is empty.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("stream.transport", "sse")
	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.auto_reconnect", true)
	v.SetDefault("stream.max_reconnect_attempts", 5)
	v.SetDefault("stream.reconnect_base_delay_ms", 1000)
	v.SetDefault("stream.reconnect_max_delay_ms", 30000)
	v.SetDefault("stream.heartbeat_timeout_ms", 45000)
	v.SetDefault("snapshot.interval_ms", 60000)
	v.SetDefault("snapshot.refetch_per_sec", 1.0)
	v.SetDefault("logging.level", "info")

	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("stream.auth_token", "PULSE_STREAM_AUTH_TOKEN")
	_ = v.BindEnv("stream.url", "PULSE_STREAM_URL")
	_ = v.BindEnv("snapshot.url", "PULSE_SNAPSHOT_URL")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("pulsewatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Stream.URL == "" {
		return fmt.Errorf("stream.url is required (set PULSE_STREAM_URL)")
	}
	switch c.Stream.Transport {
	case "sse", "websocket":
	default:
		return fmt.Errorf("stream.transport must be sse or websocket, got %q", c.Stream.Transport)
	}
	if c.Stream.MaxReconnectAttempts < 1 {
		return fmt.Errorf("stream.max_reconnect_attempts must be >= 1")
	}
	if c.Stream.ReconnectBaseDelayMs < 1 {
		return fmt.Errorf("stream.reconnect_base_delay_ms must be >= 1")
	}
	if c.Stream.ReconnectMaxDelayMs < c.Stream.ReconnectBaseDelayMs {
		return fmt.Errorf("stream.reconnect_max_delay_ms must be >= reconnect_base_delay_ms")
	}
	return nil
}
