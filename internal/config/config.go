// Package config loads and normalizes dispatchd's runtime configuration:
// the gateway bind address, worker-concurrency and heartbeat knobs, the
// offline-queue delivery policy, resource-monitor thresholds, and retention
// windows. Values come from $DISPATCHD_HOME/config.yaml with environment
// variable overrides layered on top.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// OfflineQueueConfig controls how buffered messages are redelivered to a
// worker once it reconnects.
type OfflineQueueConfig struct {
	TTLMs                   int64 `yaml:"ttl_ms"`
	MaxConcurrentDeliveries int   `yaml:"max_concurrent_deliveries"`
	PreserveOrder           bool  `yaml:"preserve_order"`
	RetryAttempts           int   `yaml:"retry_attempts"`
	RetryDelayMs            int64 `yaml:"retry_delay_ms"`
	DeliveryTimeoutMs       int64 `yaml:"delivery_timeout_ms"`
}

// RateLimitConfig bounds the submission rate accepted from a single chat
// channel or worker.
type RateLimitConfig struct {
	WindowMs    int64 `yaml:"window_ms"`
	MaxRequests int   `yaml:"max_requests"`
}

// ResourceConfig configures the host resource monitor (C11).
type ResourceConfig struct {
	MaxMemoryPct        float64 `yaml:"max_memory_pct"`
	MaxCPUPct           float64 `yaml:"max_cpu_pct"`
	HealthCheckInterval int64   `yaml:"health_check_interval_ms"`
}

// RetentionConfig controls how long terminal tasks and archived rows survive
// before the retention sweep deletes them.
type RetentionConfig struct {
	TaskRetentionDays    int `yaml:"task_retention_days"`
	ArchiveRetentionDays int `yaml:"archive_retention_days"`
}

// TelegramConfig configures the optional Telegram chat adapter.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelemetryConfig configures the optional OpenTelemetry trace/metrics exporter.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Config is the root configuration object for the dispatch fabric.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	HeartbeatIntervalMs int64 `yaml:"heartbeat_interval_ms"`
	AuthTimeoutMs        int64 `yaml:"auth_timeout_ms"`

	MaxConcurrent    int `yaml:"max_concurrent"`
	MaxContinuations int `yaml:"max_continuations"`

	OfflineQueue OfflineQueueConfig `yaml:"offline_queue"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Resource     ResourceConfig     `yaml:"resource"`
	Retention    RetentionConfig    `yaml:"retention"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WebSocket connections. Empty means local-only (no browser Origin
	// required).
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds how long graceful shutdown waits for active
	// tasks to finish before forcing disconnect. 0 uses the default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetBindAddr updates the gateway bind address in config.yaml, preserving other settings.
func SetBindAddr(homeDir, addr string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["bind_addr"] = addr
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the active config, useful for
// detecting whether a reloaded config actually changed anything observable.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|heartbeat=%d|auth=%d|maxconc=%d|maxcont=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.HeartbeatIntervalMs, c.AuthTimeoutMs, c.MaxConcurrent, c.MaxContinuations, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18789",
		LogLevel:            "info",
		HeartbeatIntervalMs: 30_000,
		AuthTimeoutMs:       10_000,
		MaxConcurrent:       8,
		MaxContinuations:    3,
		DrainTimeoutSeconds: 5,
		OfflineQueue: OfflineQueueConfig{
			TTLMs:                   24 * time.Hour.Milliseconds(),
			MaxConcurrentDeliveries: 4,
			PreserveOrder:           true,
			RetryAttempts:           5,
			RetryDelayMs:            2_000,
			DeliveryTimeoutMs:       10_000,
		},
		RateLimit: RateLimitConfig{
			WindowMs:    60_000,
			MaxRequests: 30,
		},
		Resource: ResourceConfig{
			MaxMemoryPct:        85,
			MaxCPUPct:           90,
			HealthCheckInterval: 15_000,
		},
		Retention: RetentionConfig{
			TaskRetentionDays:    90,
			ArchiveRetentionDays: 365,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "otlp",
			ServiceName: "dispatchd",
			SampleRate:  0.1,
		},
	}
}

// HomeDir returns the dispatchd home directory, honoring DISPATCHD_HOME.
func HomeDir() string {
	if override := os.Getenv("DISPATCHD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".dispatchd")
}

// Load reads config.yaml from the dispatchd home directory, applying
// environment overrides and defaulting any unset field.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create dispatchd home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18789"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HeartbeatIntervalMs <= 0 {
		cfg.HeartbeatIntervalMs = 30_000
	}
	if cfg.AuthTimeoutMs <= 0 {
		cfg.AuthTimeoutMs = 10_000
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.MaxContinuations < 0 {
		cfg.MaxContinuations = 3
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.OfflineQueue.MaxConcurrentDeliveries <= 0 {
		cfg.OfflineQueue.MaxConcurrentDeliveries = 4
	}
	if cfg.OfflineQueue.RetryAttempts <= 0 {
		cfg.OfflineQueue.RetryAttempts = 5
	}
	if cfg.Resource.MaxMemoryPct <= 0 {
		cfg.Resource.MaxMemoryPct = 85
	}
	if cfg.Resource.MaxCPUPct <= 0 {
		cfg.Resource.MaxCPUPct = 90
	}
	if cfg.Retention.TaskRetentionDays <= 0 {
		cfg.Retention.TaskRetentionDays = 90
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DISPATCHD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("DISPATCHD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DISPATCHD_HEARTBEAT_INTERVAL_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.HeartbeatIntervalMs = v
		}
	}
	if raw := os.Getenv("DISPATCHD_AUTH_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.AuthTimeoutMs = v
		}
	}
	if raw := os.Getenv("DISPATCHD_MAX_CONCURRENT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxConcurrent = v
		}
	}
	if raw := os.Getenv("DISPATCHD_MAX_CONTINUATIONS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxContinuations = v
		}
	}
	if raw := os.Getenv("DISPATCHD_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
