package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"WS_ADDR" envDefault:":8080"`

	// KV store
	ChannelRedisURL   string `env:"CHANNEL_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	MessageRedisURL   string `env:"MESSAGE_REDIS_URL"` // defaults to channel URL
	SessionTTLSeconds int    `env:"REDIS_SESSION_TTL" envDefault:"300"`
	MaxHistory        int64  `env:"MAX_MESSAGE_HISTORY" envDefault:"1000"`

	// Timers (plain integer seconds, matching the deployment contract)
	HeartbeatSeconds int `env:"HEARTBEAT_INTERVAL_SECONDS" envDefault:"30"`
	ShutdownSeconds  int `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"10"`

	// Optional broadcast ingest bus
	NATSURL string `env:"NATS_URL"`

	// Capacity
	MaxConnections int `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`
	SendBuffer     int `env:"WS_SEND_BUFFER" envDefault:"64"`

	// Resource limits (from container)
	MemoryLimit   int64 `env:"WS_MEMORY_LIMIT" envDefault:"536870912"` // 512MB
	MaxGoroutines int   `env:"WS_MAX_GOROUTINES" envDefault:"50000"`

	// CPU safety threshold: reject new connections above this percentage
	CPURejectThreshold float64 `env:"WS_CPU_REJECT_THRESHOLD" envDefault:"85.0"`

	// Connection rate limiting (DoS protection)
	ConnRateLimitEnabled     bool    `env:"WS_CONN_RATE_LIMIT_ENABLED" envDefault:"false"`
	ConnRateLimitIPBurst     int     `env:"WS_CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"WS_CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"WS_CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"WS_CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, startup notes
// are skipped.
func Load(logger *zerolog.Logger) (*Config, error) {
	// Load .env file (optional - OK if it doesn't exist)
	// In production (Docker), environment variables are set directly;
	// in development the .env file is a convenience.
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

	// The shared message store defaults to the channel store; the two may
	// be collapsed into one Redis.
	if cfg.MessageRedisURL == "" {
		cfg.MessageRedisURL = cfg.ChannelRedisURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.ChannelRedisURL == "" {
		return fmt.Errorf("CHANNEL_REDIS_URL is required")
	}

	// Range checks
	if c.SessionTTLSeconds <= 0 {
		return fmt.Errorf("REDIS_SESSION_TTL must be > 0, got %d", c.SessionTTLSeconds)
	}
	if c.HeartbeatSeconds <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_SECONDS must be > 0, got %d", c.HeartbeatSeconds)
	}
	if c.ShutdownSeconds <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT_SECONDS must be > 0, got %d", c.ShutdownSeconds)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("WS_SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}
	if c.MaxHistory < 1 {
		return fmt.Errorf("MAX_MESSAGE_HISTORY must be > 0, got %d", c.MaxHistory)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("WS_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	// Enum checks
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

// SessionTTL returns the default TTL for sessions and message lists.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// HeartbeatInterval returns the heartbeat period.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// ShutdownTimeout returns the graceful shutdown hard deadline.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownSeconds) * time.Second
}

// LogConfig logs configuration using structured logging
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("channel_redis_url", c.ChannelRedisURL).
		Str("message_redis_url", c.MessageRedisURL).
		Dur("session_ttl", c.SessionTTL()).
		Int64("max_message_history", c.MaxHistory).
		Dur("heartbeat_interval", c.HeartbeatInterval()).
		Dur("shutdown_timeout", c.ShutdownTimeout()).
		Str("nats_url", c.NATSURL).
		Int("max_connections", c.MaxConnections).
		Int("send_buffer", c.SendBuffer).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Int("max_goroutines", c.MaxGoroutines).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
