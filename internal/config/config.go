// Package config loads session-engine configuration from the environment.
//
// Configuration is processed with go-envconfig struct tags so every knob has
// a sensible default and can be overridden per deployment without flags.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config represents the session-engine configuration.
type Config struct {
	Server   ServerConfig   `env:", prefix=SERVER_"`
	API      APIConfig      `env:", prefix=API_"`
	Session  SessionConfig  `env:", prefix=SESSION_"`
	Presence PresenceConfig `env:", prefix=PRESENCE_"`
	Price    PriceConfig    `env:", prefix=PRICE_"`
}

// ServerConfig holds the real-time transport endpoint configuration.
type ServerConfig struct {
	URL             string        `env:"URL, default=ws://localhost:3000/stream"`
	DialAttempts    int           `env:"DIAL_ATTEMPTS, default=3"`
	DialDelay       time.Duration `env:"DIAL_DELAY, default=1s"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT, default=10s"`
	PingPeriod      time.Duration `env:"PING_PERIOD, default=15s"`
	SendTimeout     time.Duration `env:"SEND_TIMEOUT, default=5s"`
	TLSInsecureSkip bool          `env:"TLS_INSECURE_SKIP, default=false"`
}

// APIConfig holds the HTTP API endpoint configuration.
type APIConfig struct {
	BaseURL string        `env:"BASE_URL, default=http://localhost:3000"`
	Timeout time.Duration `env:"TIMEOUT, default=10s"`
}

// SessionConfig identifies the viewer and the agent persona for one session.
type SessionConfig struct {
	AgentName string `env:"AGENT_NAME"`
	Identity  string `env:"IDENTITY"`
}

// PresenceConfig holds the presence tracker tick interval.
type PresenceConfig struct {
	TickInterval time.Duration `env:"TICK_INTERVAL, default=5s"`
}

// PriceConfig holds the price feed poller configuration.
type PriceConfig struct {
	PollInterval time.Duration `env:"POLL_INTERVAL, default=30s"`
}

// Load loads configuration from environment variables using go-envconfig.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that envconfig defaults cannot express.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server URL cannot be empty")
	}
	if c.Server.DialAttempts <= 0 {
		return fmt.Errorf("dial attempts must be positive, got %d", c.Server.DialAttempts)
	}
	if c.Price.PollInterval <= 0 {
		return fmt.Errorf("price poll interval must be positive, got %s", c.Price.PollInterval)
	}
	if c.Presence.TickInterval <= 0 {
		return fmt.Errorf("presence tick interval must be positive, got %s", c.Presence.TickInterval)
	}
	return nil
}
