// Package platform holds the gatehouse configuration tree.
package platform

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete gatehouse configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Retry     RetryConfig     `yaml:"retry"`
	Database  DatabaseConfig  `yaml:"database"`
	Stream    StreamConfig    `yaml:"stream"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Locales   []string        `yaml:"locales"`
	Debug     bool            `yaml:"debug"`
}

// ServerConfig configures the wire-level HTTP server.
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	ProxyMode         bool          `yaml:"proxy_mode"` // trust X-Forwarded-* headers
}

// SessionConfig configures session storage and lifetime.
type SessionConfig struct {
	// Store selects the backing store: "file" (default) or "postgres".
	Store string `yaml:"store"`

	// Dir is the root directory for the file store.
	Dir string `yaml:"dir"`

	// InactivityTimeout bounds session (and cookie) lifetime.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`

	// RotationGrace is how long a soft-rotated record stays readable so
	// concurrent requests holding the old token can converge.
	RotationGrace time.Duration `yaml:"rotation_grace"`

	// Secret is the HMAC key for CSRF token derivation.
	Secret string `yaml:"secret"`
}

// RetryConfig configures the transactional retry executor.
type RetryConfig struct {
	MaxTries   int           `yaml:"max_tries"`
	BackoffCap time.Duration `yaml:"backoff_cap"`
}

// DatabaseConfig configures the transactional data layer connection.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// StreamConfig configures static/stream responses.
type StreamConfig struct {
	// Sendfile enables the X-Sendfile/X-Accel-Redirect hand-off for
	// filesystem-backed streams.
	Sendfile bool `yaml:"sendfile"`

	// SendfileHeader is the hand-off header name, default "X-Sendfile".
	SendfileHeader string `yaml:"sendfile_header"`
}

// RateLimitConfig configures the per-peer request limiter.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	PerSec  float64 `yaml:"per_sec"`
	Burst   int     `yaml:"burst"`
}

// Default configuration values.
const (
	DefaultAddress           = ":8069"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 16 << 10
	DefaultMaxBodyBytes      = 128 << 20
	DefaultInactivityTimeout = 7 * 24 * time.Hour
	DefaultRotationGrace     = 60 * time.Second
	DefaultMaxTries          = 5
	DefaultBackoffCap        = 10 * time.Second
	DefaultSessionDir        = "sessions"
)

// LoadConfig reads, parses and validates a yaml configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = DefaultIdleTimeout
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Session.Store == "" {
		c.Session.Store = "file"
	}
	if c.Session.Dir == "" {
		c.Session.Dir = DefaultSessionDir
	}
	if c.Session.InactivityTimeout == 0 {
		c.Session.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.Session.RotationGrace == 0 {
		c.Session.RotationGrace = DefaultRotationGrace
	}
	if c.Retry.MaxTries == 0 {
		c.Retry.MaxTries = DefaultMaxTries
	}
	if c.Retry.BackoffCap == 0 {
		c.Retry.BackoffCap = DefaultBackoffCap
	}
	if c.Stream.SendfileHeader == "" {
		c.Stream.SendfileHeader = "X-Sendfile"
	}
	if c.RateLimit.Enabled && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 1
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	switch c.Session.Store {
	case "file", "postgres":
	default:
		return fmt.Errorf("session.store: unknown store %q", c.Session.Store)
	}
	if c.Session.Store == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("session.store postgres requires database.dsn")
	}
	if c.Session.Secret == "" {
		return fmt.Errorf("session.secret must be set")
	}
	if c.Retry.MaxTries < 1 {
		return fmt.Errorf("retry.max_tries must be at least 1")
	}
	if c.RateLimit.Enabled && c.RateLimit.PerSec <= 0 {
		return fmt.Errorf("rate_limit.per_sec must be positive when enabled")
	}
	return nil
}
