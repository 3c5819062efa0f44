package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relaywire/dispatchd/internal/config"
)

func TestLoadBotPlugins_FallsBackToDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	entries, err := config.LoadBotPlugins(dir)
	if err != nil {
		t.Fatalf("load bot plugins: %v", err)
	}
	if len(entries) != len(config.DefaultBotPlugins()) {
		t.Fatalf("expected %d default plugins, got %d", len(config.DefaultBotPlugins()), len(entries))
	}
}

func TestLoadBotPlugins_ReadsDeclaredFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "plugins:\n  - command: deploy\n    name: deploy\n    model: claude-sonnet-4-5\n    max_continuations: 2\n"
	if err := os.WriteFile(filepath.Join(dir, "bots.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write bots.yaml: %v", err)
	}

	entries, err := config.LoadBotPlugins(dir)
	if err != nil {
		t.Fatalf("load bot plugins: %v", err)
	}
	if len(entries) != 1 || entries[0].Command != "deploy" {
		t.Fatalf("expected single deploy entry, got %+v", entries)
	}
	if entries[0].MaxContinuations != 2 {
		t.Fatalf("expected max_continuations 2, got %d", entries[0].MaxContinuations)
	}
}

func TestLoadBotPlugins_EmptyDeclaredListFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bots.yaml"), []byte("plugins: []\n"), 0o644); err != nil {
		t.Fatalf("write bots.yaml: %v", err)
	}

	entries, err := config.LoadBotPlugins(dir)
	if err != nil {
		t.Fatalf("load bot plugins: %v", err)
	}
	if len(entries) != len(config.DefaultBotPlugins()) {
		t.Fatalf("expected fallback to defaults, got %d entries", len(entries))
	}
}
