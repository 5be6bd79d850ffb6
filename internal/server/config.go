// Package server provides configuration loading with runtime defaults,
// sanity checks, and rate-limiting parameters for the Nimbus chat service.
package server

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST" envDefault:"5"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`
}

// Config holds the server configuration, loaded from the environment.
// MaxMessageLength caps chat content in characters, checked after
// trimming; SocketReadLimit caps raw inbound frame bytes.
type Config struct {
	Port             string        `env:"SERVER_PORT" envDefault:":8080"`
	AllowedOrigins   []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:8080"`
	SocketReadLimit  int64         `env:"SOCKET_READ_LIMIT" envDefault:"4096"`
	MaxMessageLength int           `env:"MAX_MESSAGE_LENGTH" envDefault:"1000"`
	RateLimit        RateLimitConfig
	JWTSecret        string        `env:"JWT_SECRET" envDefault:"dev-secret-key-change-me"`
	DatabasePath     string        `env:"DATABASE_PATH" envDefault:"nimbus.db"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// NewConfig returns the default configuration.
func NewConfig() Config {
	return sanitizeConfig(Config{
		Port:             ":8080",
		AllowedOrigins:   []string{"http://localhost:8080"},
		SocketReadLimit:  4096,
		MaxMessageLength: 1000,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		JWTSecret:       "dev-secret-key-change-me",
		DatabasePath:    "nimbus.db",
		ShutdownTimeout: 10 * time.Second,
	})
}

// NewConfigFromEnv loads configuration from environment variables,
// falling back to defaults for anything unset.
func NewConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return sanitizeConfig(cfg), nil
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}
	if cfg.SocketReadLimit <= 0 {
		cfg.SocketReadLimit = 4096
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 1000
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return cfg
}
