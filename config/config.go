// Package config loads the agent's configuration from YAML plus environment
// overrides. The master secret only ever comes from the environment; it is
// never written to the YAML file or the ledger.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete agent configuration.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	API      APIConfig      `yaml:"api"`
	Identity IdentityConfig `yaml:"identity"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
}

// AgentConfig controls submission and reconciliation behavior.
type AgentConfig struct {
	SubmitRetries            int     `yaml:"submit_retries"`
	SubmitBackoffMillis      int     `yaml:"submit_backoff_millis"`
	ReconcileIntervalSeconds int     `yaml:"reconcile_interval_seconds"`
	CompactOutput            bool    `yaml:"compact_output"`
	MaxOrderSize             float64 `yaml:"max_order_size"` // shares; 0 disables the cap
}

// APIConfig holds the exchange endpoints.
type APIConfig struct {
	CLOBBase   string `yaml:"clob_base"`
	PolygonRPC string `yaml:"polygon_rpc"`
}

// IdentityConfig controls signing-identity derivation.
type IdentityConfig struct {
	// MaxIndex caps the derivation space; rotation past it fails.
	MaxIndex uint32 `yaml:"max_index"`
}

// StorageConfig controls where the ledger lives.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite file path, or ":memory:"
}

// LogConfig controls log format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file and the .env file if present. Environment
// variables override YAML for the keys that have one.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// MasterSecret returns the master secret from the environment. Never stored
// or logged.
func MasterSecret() ([]byte, error) {
	_ = godotenv.Load()
	v := os.Getenv("MASTER_SECRET")
	if v == "" {
		return nil, fmt.Errorf("config.MasterSecret: MASTER_SECRET not set")
	}
	return []byte(v), nil
}

// SubmitBackoff returns the base retry wait as a time.Duration.
func (c *Config) SubmitBackoff() time.Duration {
	return time.Duration(c.Agent.SubmitBackoffMillis) * time.Millisecond
}

// ReconcileInterval returns the loop cadence as a time.Duration.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Agent.ReconcileIntervalSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLOB_BASE"); v != "" {
		cfg.API.CLOBBase = v
	}
	if v := os.Getenv("POLYGON_RPC"); v != "" {
		cfg.API.PolygonRPC = v
	}
	if v := os.Getenv("LEDGER_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Agent.SubmitRetries <= 0 {
		cfg.Agent.SubmitRetries = 3
	}
	if cfg.Agent.SubmitBackoffMillis <= 0 {
		cfg.Agent.SubmitBackoffMillis = 1000
	}
	if cfg.Agent.ReconcileIntervalSeconds <= 0 {
		cfg.Agent.ReconcileIntervalSeconds = 15
	}
	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.API.PolygonRPC == "" {
		cfg.API.PolygonRPC = "https://polygon-rpc.com"
	}
	if cfg.Identity.MaxIndex == 0 {
		cfg.Identity.MaxIndex = 1024
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "polyagent.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
