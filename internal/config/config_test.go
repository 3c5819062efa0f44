package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relaywire/dispatchd/internal/config"
)

func withHome(t *testing.T, fn func(homeDir string)) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DISPATCHD_HOME", dir)
	fn(dir)
}

func TestLoad_DefaultsWhenNoConfigFile(t *testing.T) {
	withHome(t, func(homeDir string) {
		cfg, err := config.Load()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if !cfg.NeedsGenesis {
			t.Fatal("expected NeedsGenesis on first run")
		}
		if cfg.BindAddr != "127.0.0.1:18789" {
			t.Fatalf("bind_addr = %q", cfg.BindAddr)
		}
		if cfg.MaxConcurrent != 8 {
			t.Fatalf("max_concurrent = %d, want 8", cfg.MaxConcurrent)
		}
		if cfg.HeartbeatIntervalMs != 30_000 {
			t.Fatalf("heartbeat_interval_ms = %d", cfg.HeartbeatIntervalMs)
		}
		if cfg.OfflineQueue.MaxConcurrentDeliveries != 4 {
			t.Fatalf("offline_queue.max_concurrent_deliveries = %d", cfg.OfflineQueue.MaxConcurrentDeliveries)
		}
	})
}

func TestLoad_ReadsConfigFile(t *testing.T) {
	withHome(t, func(homeDir string) {
		body := []byte(`
bind_addr: "0.0.0.0:19000"
max_concurrent: 16
max_continuations: 5
offline_queue:
  ttl_ms: 3600000
  retry_attempts: 2
`)
		if err := os.WriteFile(filepath.Join(homeDir, "config.yaml"), body, 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}

		cfg, err := config.Load()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if cfg.NeedsGenesis {
			t.Fatal("expected NeedsGenesis false when config.yaml exists")
		}
		if cfg.BindAddr != "0.0.0.0:19000" {
			t.Fatalf("bind_addr = %q", cfg.BindAddr)
		}
		if cfg.MaxConcurrent != 16 {
			t.Fatalf("max_concurrent = %d", cfg.MaxConcurrent)
		}
		if cfg.OfflineQueue.TTLMs != 3_600_000 {
			t.Fatalf("offline_queue.ttl_ms = %d", cfg.OfflineQueue.TTLMs)
		}
		if cfg.OfflineQueue.RetryAttempts != 2 {
			t.Fatalf("offline_queue.retry_attempts = %d", cfg.OfflineQueue.RetryAttempts)
		}
	})
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	withHome(t, func(homeDir string) {
		body := []byte("bind_addr: \"0.0.0.0:19000\"\n")
		if err := os.WriteFile(filepath.Join(homeDir, "config.yaml"), body, 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		t.Setenv("DISPATCHD_BIND_ADDR", "10.0.0.1:19001")
		t.Setenv("DISPATCHD_MAX_CONCURRENT", "32")

		cfg, err := config.Load()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if cfg.BindAddr != "10.0.0.1:19001" {
			t.Fatalf("env override not applied: bind_addr = %q", cfg.BindAddr)
		}
		if cfg.MaxConcurrent != 32 {
			t.Fatalf("env override not applied: max_concurrent = %d", cfg.MaxConcurrent)
		}
	})
}

func TestNormalize_RejectsZeroOrNegativeValues(t *testing.T) {
	withHome(t, func(homeDir string) {
		body := []byte("max_concurrent: 0\nheartbeat_interval_ms: -5\n")
		if err := os.WriteFile(filepath.Join(homeDir, "config.yaml"), body, 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}

		cfg, err := config.Load()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if cfg.MaxConcurrent != 8 {
			t.Fatalf("expected default max_concurrent=8, got %d", cfg.MaxConcurrent)
		}
		if cfg.HeartbeatIntervalMs != 30_000 {
			t.Fatalf("expected default heartbeat_interval_ms=30000, got %d", cfg.HeartbeatIntervalMs)
		}
	})
}

func TestFingerprint_ChangesWithConfig(t *testing.T) {
	a := config.Config{BindAddr: "127.0.0.1:1", MaxConcurrent: 1}
	b := config.Config{BindAddr: "127.0.0.1:2", MaxConcurrent: 1}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected different fingerprints for different configs")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("expected stable fingerprint for identical config")
	}
}

func TestSetBindAddr_PreservesOtherSettings(t *testing.T) {
	withHome(t, func(homeDir string) {
		body := []byte("max_concurrent: 12\n")
		if err := os.WriteFile(filepath.Join(homeDir, "config.yaml"), body, 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if err := config.SetBindAddr(homeDir, "0.0.0.0:20000"); err != nil {
			t.Fatalf("set bind addr: %v", err)
		}
		cfg, err := config.Load()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if cfg.BindAddr != "0.0.0.0:20000" {
			t.Fatalf("bind_addr not updated: %q", cfg.BindAddr)
		}
		if cfg.MaxConcurrent != 12 {
			t.Fatalf("max_concurrent lost: %d", cfg.MaxConcurrent)
		}
	})
}
