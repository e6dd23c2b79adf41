// Package config loads and validates the server configuration from the
// environment (and a .env file in development).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr   string `env:"SYNC_ADDR" envDefault:":8787"`
	NodeID string `env:"SYNC_NODE_ID"`

	// Capacity
	MaxConnections int `env:"SYNC_MAX_CONNECTIONS" envDefault:"10000"`
	MaxFrameBytes  int `env:"SYNC_MAX_FRAME_BYTES" envDefault:"1048576"`
	SendQueueDepth int `env:"SYNC_SEND_QUEUE_DEPTH" envDefault:"256"`

	// Timers
	HeartbeatInterval time.Duration `env:"SYNC_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"SYNC_HEARTBEAT_TIMEOUT" envDefault:"60s"`
	AuthTimeout       time.Duration `env:"SYNC_AUTH_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout   time.Duration `env:"SYNC_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Authentication
	AuthRequired bool          `env:"SYNC_AUTH_REQUIRED" envDefault:"true"`
	JWTSecret    string        `env:"SYNC_JWT_SECRET"`
	TokenTTL     time.Duration `env:"SYNC_TOKEN_TTL" envDefault:"24h"`

	// Per-connection inbound rate limiting
	MessageRate  float64 `env:"SYNC_MESSAGE_RATE" envDefault:"200"`
	MessageBurst int     `env:"SYNC_MESSAGE_BURST" envDefault:"400"`

	// Coordinator
	CoordinatorQueueDepth int           `env:"SYNC_COORDINATOR_QUEUE_DEPTH" envDefault:"1024"`
	UnloadGrace           time.Duration `env:"SYNC_UNLOAD_GRACE" envDefault:"30s"`

	// Broadcast coalescing. Zero delay disables batching; a non-zero delay
	// flushes early once a window holds BatchSize fields.
	BatchDelay time.Duration `env:"SYNC_BATCH_DELAY" envDefault:"0"`
	BatchSize  int           `env:"SYNC_BATCH_SIZE" envDefault:"100"`

	// Awareness
	AwarenessTimeout time.Duration `env:"SYNC_AWARENESS_TIMEOUT" envDefault:"30s"`
	AwarenessSweep   time.Duration `env:"SYNC_AWARENESS_SWEEP" envDefault:"5s"`

	// Storage: empty RedisURL selects the in-memory store.
	RedisURL    string `env:"SYNC_REDIS_URL"`
	RedisPrefix string `env:"SYNC_REDIS_PREFIX" envDefault:"synckit"`

	// Cross-node bus: empty NATSUrl runs single-node.
	NATSUrl       string `env:"SYNC_NATS_URL"`
	ChannelPrefix string `env:"SYNC_CHANNEL_PREFIX" envDefault:"synckit"`

	// Monitoring
	MetricsInterval time.Duration `env:"SYNC_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.NodeID == "" {
		cfg.NodeID = "node-" + uuid.NewString()[:8]
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("SYNC_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("SYNC_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxFrameBytes < 1024 {
		return fmt.Errorf("SYNC_MAX_FRAME_BYTES must be >= 1024, got %d", c.MaxFrameBytes)
	}
	if c.SendQueueDepth < 1 {
		return fmt.Errorf("SYNC_SEND_QUEUE_DEPTH must be > 0, got %d", c.SendQueueDepth)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("SYNC_HEARTBEAT_TIMEOUT (%s) must be > SYNC_HEARTBEAT_INTERVAL (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.AuthRequired && c.JWTSecret == "" {
		return fmt.Errorf("SYNC_JWT_SECRET is required when SYNC_AUTH_REQUIRED is true")
	}
	if c.BatchDelay > 50*time.Millisecond {
		return fmt.Errorf("SYNC_BATCH_DELAY must be <= 50ms, got %s", c.BatchDelay)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be > 0, got %d", c.BatchSize)
	}
	if c.MessageRate <= 0 {
		return fmt.Errorf("SYNC_MESSAGE_RATE must be > 0, got %f", c.MessageRate)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration with structured fields.
// Secrets are never logged.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("node_id", c.NodeID).
		Int("max_connections", c.MaxConnections).
		Int("max_frame_bytes", c.MaxFrameBytes).
		Int("send_queue_depth", c.SendQueueDepth).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("heartbeat_timeout", c.HeartbeatTimeout).
		Dur("auth_timeout", c.AuthTimeout).
		Bool("auth_required", c.AuthRequired).
		Int("coordinator_queue_depth", c.CoordinatorQueueDepth).
		Dur("unload_grace", c.UnloadGrace).
		Dur("batch_delay", c.BatchDelay).
		Int("batch_size", c.BatchSize).
		Dur("awareness_timeout", c.AwarenessTimeout).
		Dur("awareness_sweep", c.AwarenessSweep).
		Str("redis_url", c.RedisURL).
		Str("nats_url", c.NATSUrl).
		Str("channel_prefix", c.ChannelPrefix).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
