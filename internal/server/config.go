package server

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string   `env:"SERVER_PORT"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxMessageSize int64    `env:"MAX_MESSAGE_SIZE"`
	RateLimit      RateLimitConfig

	// ReconnectGrace is how long a dropped client may resume its session
	// before its name is released. Zero disables resumption.
	ReconnectGrace time.Duration `env:"RECONNECT_GRACE"`
	SendBuffer     int           `env:"SEND_BUFFER"`
	VerifyReplies  bool          `env:"VERIFY_REPLIES"`

	LogLevel        string        `env:"LOG_LEVEL"`
	LogPretty       bool          `env:"LOG_PRETTY"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		ReconnectGrace:  2 * time.Minute,
		SendBuffer:      256,
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
	}
}

// sanitizeConfig returns a copy of cfg with unusable values replaced by
// defaults and origins normalized.
func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.ReconnectGrace < 0 {
		cfg.ReconnectGrace = 0
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Unset variables keep their default value; malformed ones are an error.
func NewConfigFromEnv() (*Config, error) {
	cfg := defaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config from environment: %w", err)
	}
	return &cfg, nil
}
