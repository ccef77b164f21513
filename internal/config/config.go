// Package config loads the market engine configuration from a YAML file,
// an optional .env file and environment variables, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/playmoney/market-engine/internal/fee"
)

// Config is the complete engine configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Fees    fee.Config    `yaml:"fees"`
	Trading TradingConfig `yaml:"trading"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port                  string `yaml:"port"`
	ReadTimeoutSeconds    int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds   int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds    int    `yaml:"idle_timeout_seconds"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// StorageConfig selects the persistence backend. An empty DatabaseURL
// selects the in-memory store.
type StorageConfig struct {
	DatabaseURL     string `yaml:"database_url"`
	RedisURL        string `yaml:"redis_url"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	Migrate         bool   `yaml:"migrate"`
}

// LogConfig controls the format and level of logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// TradingConfig holds the calling-layer limits.
type TradingConfig struct {
	StartingBalance  float64 `yaml:"starting_balance"`
	MaxCommitRetries int     `yaml:"max_commit_retries"`
	RatePerSecond    float64 `yaml:"rate_per_second"` // per-user trade requests
	Burst            int     `yaml:"burst"`
	MinReserve       float64 `yaml:"min_reserve"` // withdrawal floor per pool side
	MaxPerAnswer     float64 `yaml:"max_per_answer"`
	MaxPerMarket     float64 `yaml:"max_per_market"`
}

// Load reads the configuration from path and the .env file if present.
// An empty path skips the YAML file. Environment variables override the
// file for the keys they cover.
func Load(path string) (*Config, error) {
	// Load .env if present (missing file is not an error).
	_ = godotenv.Load()

	// Fee coefficients may legitimately be zero, so their defaults are set
	// before parsing rather than filled in afterwards.
	cfg := Config{Fees: fee.DefaultConfig()}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	setDefaults(&cfg)

	if err := cfg.Fees.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: fees: %w", err)
	}
	return &cfg, nil
}

// CacheTTL returns the Redis cache TTL as a time.Duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Storage.CacheTTLSeconds) * time.Second
}

// RequestTimeout returns the per-request handler timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// applyEnvOverrides overrides values with environment variables when set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("STARTING_BALANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("STARTING_BALANCE: %w", err)
		}
		cfg.Trading.StartingBalance = f
	}
	return nil
}

// setDefaults makes sure required values are sensible.
func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ReadTimeoutSeconds <= 0 {
		cfg.Server.ReadTimeoutSeconds = 10
	}
	if cfg.Server.WriteTimeoutSeconds <= 0 {
		cfg.Server.WriteTimeoutSeconds = 10
	}
	if cfg.Server.IdleTimeoutSeconds <= 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}
	if cfg.Server.RequestTimeoutSeconds <= 0 {
		cfg.Server.RequestTimeoutSeconds = 30
	}
	if cfg.Storage.CacheTTLSeconds <= 0 {
		cfg.Storage.CacheTTLSeconds = 30
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Trading.StartingBalance <= 0 {
		cfg.Trading.StartingBalance = 1000
	}
	if cfg.Trading.MaxCommitRetries <= 0 {
		cfg.Trading.MaxCommitRetries = 3
	}
	if cfg.Trading.RatePerSecond <= 0 {
		cfg.Trading.RatePerSecond = 5
	}
	if cfg.Trading.Burst <= 0 {
		cfg.Trading.Burst = 10
	}
	if cfg.Trading.MinReserve < 0 {
		cfg.Trading.MinReserve = 0
	}
}
