// Package config provides configuration loading for poold.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables, then backfilled with defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config holds the complete poold configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Pool     PoolConfig     `koanf:"pool"`
	Registry RegistryConfig `koanf:"registry"`
	Vault    VaultConfig    `koanf:"vault"`
	Qdrant   QdrantConfig   `koanf:"qdrant"`
	NATS     NATSConfig     `koanf:"nats"`
	Cleanup  CleanupConfig  `koanf:"cleanup"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// ReserveRate caps reservation requests per second; 0 disables the
	// limiter.
	ReserveRate float64 `koanf:"reserve_rate"`
}

// PoolConfig holds pool coordinator configuration.
type PoolConfig struct {
	// Capacity is the number of pool slots seeded at startup.
	Capacity          int      `koanf:"capacity"`
	ClaimAttempts     int      `koanf:"claim_attempts"`
	DedicatedEnabled  bool     `koanf:"dedicated_enabled"`
	StepTimeout       Duration `koanf:"step_timeout"`
	ReconcileInterval Duration `koanf:"reconcile_interval"`
	Region            string   `koanf:"region"`
	BillingAccount    string   `koanf:"billing_account"`
	EndpointDomain    string   `koanf:"endpoint_domain"`
}

// RegistryConfig holds slot registry persistence configuration.
type RegistryConfig struct {
	Path string `koanf:"path"`
}

// VaultConfig holds credential vault configuration.
type VaultConfig struct {
	Path string `koanf:"path"`
}

// QdrantConfig holds vector store connection configuration for the
// vector-index cleanup step.
type QdrantConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
	UseTLS  bool   `koanf:"use_tls"`
	APIKey  Secret `koanf:"api_key"`
}

// NATSConfig holds event publishing configuration.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// CleanupConfig holds the HTTP cleanup collaborator endpoints. An empty URL
// disables that step.
type CleanupConfig struct {
	GraphURL string   `koanf:"graph_url"`
	OAuthURL string   `koanf:"oauth_url"`
	DNSURL   string   `koanf:"dns_url"`
	Timeout  Duration `koanf:"timeout"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - Pool capacity is negative
//   - A cleanup URL is set but not parseable
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.ReserveRate < 0 {
		return errors.New("reserve rate cannot be negative")
	}

	if c.Pool.Capacity < 0 {
		return errors.New("pool capacity cannot be negative")
	}
	if c.Pool.ClaimAttempts < 1 {
		return errors.New("claim attempts must be at least 1")
	}
	if c.Pool.StepTimeout.Duration() <= 0 {
		return errors.New("step timeout must be positive")
	}
	if c.Pool.ReconcileInterval.Duration() <= 0 {
		return errors.New("reconcile interval must be positive")
	}

	if c.Registry.Path == "" {
		return errors.New("registry path is required")
	}
	if c.Vault.Path == "" {
		return errors.New("vault path is required")
	}

	if c.Qdrant.Enabled {
		if c.Qdrant.Host == "" {
			return errors.New("qdrant host required when qdrant is enabled")
		}
		if c.Qdrant.Port < 1 || c.Qdrant.Port > 65535 {
			return fmt.Errorf("invalid qdrant port: %d", c.Qdrant.Port)
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats url required when nats is enabled")
	}

	for name, raw := range map[string]string{
		"graph_url": c.Cleanup.GraphURL,
		"oauth_url": c.Cleanup.OAuthURL,
		"dns_url":   c.Cleanup.DNSURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid cleanup %s: %q", name, raw)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9070
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Pool.Capacity == 0 {
		cfg.Pool.Capacity = 10
	}
	if cfg.Pool.ClaimAttempts == 0 {
		cfg.Pool.ClaimAttempts = 3
	}
	if cfg.Pool.StepTimeout == 0 {
		cfg.Pool.StepTimeout = Duration(30 * time.Second)
	}
	if cfg.Pool.ReconcileInterval == 0 {
		cfg.Pool.ReconcileInterval = Duration(5 * time.Minute)
	}
	if cfg.Pool.Region == "" {
		cfg.Pool.Region = "us-east-1"
	}
	if cfg.Pool.EndpointDomain == "" {
		cfg.Pool.EndpointDomain = "slots.poold.local"
	}

	if cfg.Registry.Path == "" {
		cfg.Registry.Path = defaultStatePath("slots.json")
	}
	if cfg.Vault.Path == "" {
		cfg.Vault.Path = defaultStatePath("vault")
	}

	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}

	if cfg.Cleanup.Timeout == 0 {
		cfg.Cleanup.Timeout = Duration(15 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
