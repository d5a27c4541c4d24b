// Package config loads runtime configuration for the Home Connect sync
// engine from environment variables, with an optional YAML file overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the Home Connect sync engine.
type Config struct {
	APIHost    string        `yaml:"api_host"`
	SSETimeout time.Duration `yaml:"sse_timeout"`

	Backoff   BackoffConfig   `yaml:"backoff"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// DisabledApplianceIDs are haIds that the coordinator's Load skips when
	// building the appliance map from the appliance list.
	DisabledApplianceIDs []string `yaml:"disabled_appliance_ids"`

	// ReconcileSchedule is a cron expression for the periodic full-reload
	// fallback job. Empty disables the job.
	ReconcileSchedule string `yaml:"reconcile_schedule"`
}

// BackoffConfig bounds the exponential backoff the transport uses between
// request retries. The SSE reconnect loop uses its own fixed bounds, and
// RateLimitMax is not read by either.
type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	RateLimitMax    time.Duration `yaml:"rate_limit_max_interval"`
}

// TelemetryConfig controls OpenTelemetry tracing export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	// SampleRatio is the fraction of traces kept once tracing is enabled.
	// Zero (the default) keeps everything, since a single sync engine
	// instance generates far fewer spans than a fleet of HTTP handlers.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		APIHost:    envStr("HC_API_HOST", "https://api.home-connect.com"),
		SSETimeout: envDuration("HC_SSE_TIMEOUT", 10*time.Minute),
		Backoff: BackoffConfig{
			InitialInterval: envDuration("HC_BACKOFF_INITIAL", 2*time.Second),
			MaxInterval:     envDuration("HC_BACKOFF_MAX", 120*time.Second),
			RateLimitMax:    envDuration("HC_BACKOFF_RATE_LIMIT_MAX", time.Hour),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "homeconnect-sync"),
			SampleRatio:  envFloat("OTEL_SAMPLE_RATIO", 0),
		},
		ReconcileSchedule: envStr("HC_RECONCILE_SCHEDULE", "@every 30m"),
	}
}

// LoadFile reads a YAML config file and applies it on top of Load()'s
// environment-derived defaults. Fields absent from the file keep their
// environment-derived value.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
