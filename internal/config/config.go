// Package config loads service configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration for the custodial service.
type Config struct {
	HTTP struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"http"`

	Database struct {
		// URL is a postgres DSN. Empty means in-memory storage.
		URL string `yaml:"url"`
	} `yaml:"database"`

	Auth struct {
		// JWTSecret signs and verifies API tokens.
		JWTSecret string `yaml:"jwt_secret"`
		// RatePerSecond and Burst tune the per-caller limiter.
		RatePerSecond int `yaml:"rate_per_second"`
		Burst         int `yaml:"burst"`
	} `yaml:"auth"`

	Session struct {
		// IssuerPublicKey is the base64 Ed25519 key trusted for attestation
		// signatures.
		IssuerPublicKey string        `yaml:"issuer_public_key"`
		MaxAge          time.Duration `yaml:"max_age"`
	} `yaml:"session"`

	Delegation struct {
		ReconcileInterval time.Duration `yaml:"reconcile_interval"`
		DisablePoller     bool          `yaml:"disable_poller"`
	} `yaml:"delegation"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file or overrides are given.
func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.ShutdownTimeout = 10 * time.Second
	cfg.Auth.RatePerSecond = 50
	cfg.Auth.Burst = 100
	cfg.Session.MaxAge = 24 * time.Hour
	cfg.Delegation.ReconcileInterval = 2 * time.Second
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load reads the YAML file at path (when non-empty) over the defaults, then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CUSTODIA_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("CUSTODIA_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("CUSTODIA_ISSUER_PUBKEY"); v != "" {
		cfg.Session.IssuerPublicKey = v
	}
	if v := os.Getenv("CUSTODIA_SESSION_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.MaxAge = d
		}
	}
	if v := os.Getenv("CUSTODIA_RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Delegation.ReconcileInterval = d
		}
	}
	if v := os.Getenv("CUSTODIA_RATE_PER_SECOND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Auth.RatePerSecond = n
		}
	}
	if v := os.Getenv("CUSTODIA_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func (c Config) validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Auth.RatePerSecond <= 0 {
		return fmt.Errorf("auth.rate_per_second must be positive")
	}
	return nil
}
