// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Batch      BatchConfig      `mapstructure:"batch"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BatchConfig governs worker pool and retry behavior for a job.
type BatchConfig struct {
	Concurrency     int `mapstructure:"concurrency"`
	DelayMs         int `mapstructure:"delay_ms"`
	TimeoutMs       int `mapstructure:"timeout_ms"`
	MaxRetries      int `mapstructure:"max_retries"`
	ErrorReportSize int `mapstructure:"error_report_size"`
	CheckpointEvery int `mapstructure:"checkpoint_every"`
}

// RateLimitConfig controls per-host admission.
type RateLimitConfig struct {
	RequestsPerWindow int                  `mapstructure:"requests_per_window"`
	WindowSeconds     int                  `mapstructure:"window_seconds"`
	Burst             int                  `mapstructure:"burst"`
	GlobalRPS         float64              `mapstructure:"global_rps"`
	GlobalBurst       int                  `mapstructure:"global_burst"`
	PerHost           map[string]HostLimit `mapstructure:"per_host"`
}

// HostLimit overrides the default admission limit for one host. Zero fields
// inherit the default.
type HostLimit struct {
	RequestsPerWindow int `mapstructure:"requests_per_window"`
	WindowSeconds     int `mapstructure:"window_seconds"`
	Burst             int `mapstructure:"burst"`
}

// BreakerConfig controls the per-host circuit breaker.
type BreakerConfig struct {
	Threshold    int `mapstructure:"threshold"`
	ResetSeconds int `mapstructure:"reset_seconds"`
	HalfOpenMax  int `mapstructure:"half_open_max"`
}

// CheckpointConfig selects and tunes the session snapshot store.
type CheckpointConfig struct {
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	DBPath      string `mapstructure:"db_path"`
	Retention   int    `mapstructure:"retention"`
	ExpiryHours int    `mapstructure:"expiry_hours"`
}

// FetchConfig configures the outbound HTTP collaborator.
type FetchConfig struct {
	UserAgent    string `mapstructure:"user_agent"`
	MaxBodyBytes int    `mapstructure:"max_body_bytes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Bounds for the per-job knobs. Values outside these ranges are rejected at
// load time rather than clamped.
const (
	minConcurrency = 1
	maxConcurrency = 100
	maxDelayMs     = 60000
	minTimeoutMs   = 100
	maxTimeoutMs   = 300000
	maxRetriesCap  = 10
	minReportSize  = 10
	maxReportSize  = 1000
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BATCHPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("batch.concurrency", 10)
	v.SetDefault("batch.delay_ms", 100)
	v.SetDefault("batch.timeout_ms", 30000)
	v.SetDefault("batch.max_retries", 3)
	v.SetDefault("batch.error_report_size", 100)
	v.SetDefault("batch.checkpoint_every", 10)
	v.SetDefault("rate_limit.requests_per_window", 60)
	v.SetDefault("rate_limit.window_seconds", 60)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("rate_limit.global_rps", 0)
	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.reset_seconds", 30)
	v.SetDefault("breaker.half_open_max", 2)
	v.SetDefault("checkpoint.backend", "fs")
	v.SetDefault("checkpoint.dir", "./checkpoints")
	v.SetDefault("checkpoint.db_path", "./checkpoints/sessions.db")
	v.SetDefault("checkpoint.retention", 20)
	v.SetDefault("checkpoint.expiry_hours", 24)
	v.SetDefault("fetch.user_agent", "batchpilot/1.0")
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and the closed ranges on the per-job
// knobs.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Batch.Concurrency < minConcurrency || c.Batch.Concurrency > maxConcurrency {
		return fmt.Errorf("batch.concurrency must be in [%d, %d]", minConcurrency, maxConcurrency)
	}
	if c.Batch.DelayMs < 0 || c.Batch.DelayMs > maxDelayMs {
		return fmt.Errorf("batch.delay_ms must be in [0, %d]", maxDelayMs)
	}
	if c.Batch.TimeoutMs < minTimeoutMs || c.Batch.TimeoutMs > maxTimeoutMs {
		return fmt.Errorf("batch.timeout_ms must be in [%d, %d]", minTimeoutMs, maxTimeoutMs)
	}
	if c.Batch.MaxRetries < 0 || c.Batch.MaxRetries > maxRetriesCap {
		return fmt.Errorf("batch.max_retries must be in [0, %d]", maxRetriesCap)
	}
	if c.Batch.ErrorReportSize < minReportSize || c.Batch.ErrorReportSize > maxReportSize {
		return fmt.Errorf("batch.error_report_size must be in [%d, %d]", minReportSize, maxReportSize)
	}
	if c.Batch.CheckpointEvery <= 0 {
		return fmt.Errorf("batch.checkpoint_every must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowSeconds <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit values must be > 0")
	}
	for host, hl := range c.RateLimit.PerHost {
		if hl.RequestsPerWindow < 0 || hl.WindowSeconds < 0 || hl.Burst < 0 {
			return fmt.Errorf("rate_limit.per_host[%s] values must be >= 0", host)
		}
	}
	if c.Breaker.Threshold <= 0 || c.Breaker.ResetSeconds <= 0 || c.Breaker.HalfOpenMax <= 0 {
		return fmt.Errorf("breaker values must be > 0")
	}
	switch c.Checkpoint.Backend {
	case "fs", "sqlite":
	default:
		return fmt.Errorf("checkpoint.backend must be fs or sqlite")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// Delay returns the configured inter-item delay.
func (c Config) Delay() time.Duration {
	return time.Duration(c.Batch.DelayMs) * time.Millisecond
}

// Timeout returns the configured per-item timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Batch.TimeoutMs) * time.Millisecond
}

// RateWindow returns the rolling window duration.
func (c Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// BreakerReset returns the breaker cooling period.
func (c Config) BreakerReset() time.Duration {
	return time.Duration(c.Breaker.ResetSeconds) * time.Second
}

// CheckpointExpiry returns the session expiry horizon.
func (c Config) CheckpointExpiry() time.Duration {
	return time.Duration(c.Checkpoint.ExpiryHours) * time.Hour
}
