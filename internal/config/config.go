// Package config loads server configuration from the environment, with an
// optional .env file for development. Priority: env vars > .env > defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds everything the server needs at boot. Empty backend URLs put
// the corresponding component into dev mode: in-memory stores, log-only push.
type Config struct {
	// Listener
	Addr string `env:"WHISPER_ADDR" envDefault:":8443"`

	// Backends. All optional; dev mode runs entirely in-process.
	DatabaseURL      string `env:"WHISPER_DATABASE_URL"`
	DatabaseMaxConns int32  `env:"WHISPER_DATABASE_MAX_CONNS" envDefault:"16"`
	RedisAddr        string `env:"WHISPER_REDIS_ADDR"`
	RedisPassword    string `env:"WHISPER_REDIS_PASSWORD"`
	RedisDB          int    `env:"WHISPER_REDIS_DB" envDefault:"0"`
	NATSUrl          string `env:"WHISPER_NATS_URL"`

	// TURN credential minting. Empty secret disables get_turn_credentials.
	TurnURLs   string `env:"WHISPER_TURN_URLS" envDefault:""`
	TurnSecret string `env:"WHISPER_TURN_SECRET" envDefault:""`

	// Admission control
	MaxConnections int64   `env:"WHISPER_MAX_CONNECTIONS" envDefault:"10000"`
	CPUThreshold   float64 `env:"WHISPER_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	MemoryLimit    int64   `env:"WHISPER_MEMORY_LIMIT" envDefault:"1073741824"` // 1GiB
	MaxGoroutines  int     `env:"WHISPER_MAX_GOROUTINES" envDefault:"50000"`

	// Connection rate limiting
	ConnIPRate      float64 `env:"WHISPER_CONN_IP_RATE" envDefault:"0.1667"` // ~10/min
	ConnIPBurst     int     `env:"WHISPER_CONN_IP_BURST" envDefault:"20"`
	ConnGlobalRate  float64 `env:"WHISPER_CONN_GLOBAL_RATE" envDefault:"50"`
	ConnGlobalBurst int     `env:"WHISPER_CONN_GLOBAL_BURST" envDefault:"300"`

	// Background maintenance
	PendingRetention time.Duration `env:"WHISPER_PENDING_RETENTION" envDefault:"720h"` // 30 days
	SweepInterval    time.Duration `env:"WHISPER_SWEEP_INTERVAL" envDefault:"1h"`
	MonitorInterval  time.Duration `env:"WHISPER_MONITOR_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads the optional .env file, parses the environment, and validates.
func Load() (*Config, error) {
	// Missing .env is fine; production supplies real env vars.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WHISPER_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WHISPER_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPUThreshold < 0 || c.CPUThreshold > 100 {
		return fmt.Errorf("WHISPER_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPUThreshold)
	}
	if c.TurnSecret != "" && c.TurnURLs == "" {
		return fmt.Errorf("WHISPER_TURN_URLS is required when WHISPER_TURN_SECRET is set")
	}
	return nil
}

// TurnURLList splits the comma-separated TURN URL list.
func (c *Config) TurnURLList() []string {
	var out []string
	for _, u := range strings.Split(c.TurnURLs, ",") {
		if trimmed := strings.TrimSpace(u); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// DevMode reports whether any backend is missing; the bootstrap then uses
// the in-process fallbacks.
func (c *Config) DevMode() bool {
	return c.DatabaseURL == "" || c.RedisAddr == ""
}
