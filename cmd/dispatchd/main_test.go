package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relaywire/dispatchd/internal/bus"
	"github.com/relaywire/dispatchd/internal/channels"
	"github.com/relaywire/dispatchd/internal/command"
	"github.com/relaywire/dispatchd/internal/config"
	"github.com/relaywire/dispatchd/internal/persistence"
	"github.com/relaywire/dispatchd/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "dispatchd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, dir
}

func TestPortOccupantHint_IncludesPort(t *testing.T) {
	hint := portOccupantHint("127.0.0.1:18789")
	if hint == "" {
		t.Fatal("expected non-empty hint")
	}
	if !strings.Contains(hint, "18789") {
		t.Fatalf("expected hint to mention port, got %q", hint)
	}
}

func TestPortOccupantHint_FallsBackOnUnparsableAddr(t *testing.T) {
	hint := portOccupantHint("not-a-valid-addr")
	if !strings.Contains(hint, "not-a-valid-addr") {
		t.Fatalf("expected hint to mention the raw addr, got %q", hint)
	}
}

func TestIsAddrInUse_FalseForUnrelatedError(t *testing.T) {
	if isAddrInUse(errors.New("unrelated failure")) {
		t.Fatal("expected false for an unrelated error")
	}
}

func TestNotifierOrNil_NilTelegramYieldsNilInterface(t *testing.T) {
	var tg *channels.Telegram
	if notifierOrNil(tg) != nil {
		t.Fatal("expected a true nil interface for a nil *Telegram")
	}
}

func TestPosterOrNil_NilTelegramYieldsNoop(t *testing.T) {
	var tg *channels.Telegram
	poster := posterOrNil(tg)
	if poster == nil {
		t.Fatal("expected a non-nil noop poster")
	}
	id, err := poster.PostMessage(context.Background(), "c1", "", "hello")
	if err != nil {
		t.Fatalf("unexpected error from noop poster: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty message id from noop poster, got %q", id)
	}
}

func TestNotifierOrAnchor_NilTelegramYieldsNilInterface(t *testing.T) {
	var tg *channels.Telegram
	if notifierOrAnchor(tg) != nil {
		t.Fatal("expected a true nil interface for a nil *Telegram")
	}
}

func TestReconcileProjects_UpsertsAndIsIdempotent(t *testing.T) {
	store, homeDir := openTestStore(t)
	ctx := context.Background()
	logger := discardLogger()

	yaml := "projects:\n  - id: proj1\n    channel_id: chan1\n    display_name: Example\n"
	if err := os.WriteFile(filepath.Join(homeDir, "projects.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write projects.yaml: %v", err)
	}

	if err := reconcileProjects(ctx, store, homeDir, logger); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if err := reconcileProjects(ctx, store, homeDir, logger); err != nil {
		t.Fatalf("second reconcile (idempotence): %v", err)
	}

	got, err := store.ProjectByChannel(ctx, "chan1")
	if err != nil {
		t.Fatalf("project by channel: %v", err)
	}
	if got.ID != "proj1" || got.DisplayName != "Example" {
		t.Fatalf("unexpected project: %+v", got)
	}
}

func TestReconcileCredentials_RevokesDroppedEntries(t *testing.T) {
	store, homeDir := openTestStore(t)
	ctx := context.Background()
	logger := discardLogger()

	yaml := "credentials:\n  - api_key: key1\n    worker_id: w1\n  - api_key: key2\n    worker_id: w2\n"
	if err := os.WriteFile(filepath.Join(homeDir, "credentials.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write credentials.yaml: %v", err)
	}
	if err := reconcileCredentials(ctx, store, homeDir, logger); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}

	// Drop key2 from the file; the next reconcile should revoke it.
	yaml = "credentials:\n  - api_key: key1\n    worker_id: w1\n"
	if err := os.WriteFile(filepath.Join(homeDir, "credentials.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("rewrite credentials.yaml: %v", err)
	}
	if err := reconcileCredentials(ctx, store, homeDir, logger); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}

	cred1, err := store.CredentialByKey(ctx, "key1")
	if err != nil {
		t.Fatalf("lookup key1: %v", err)
	}
	if cred1.Revoked {
		t.Fatal("key1 should remain active")
	}
	cred2, err := store.CredentialByKey(ctx, "key2")
	if err != nil {
		t.Fatalf("lookup key2: %v", err)
	}
	if !cred2.Revoked {
		t.Fatal("key2 should have been revoked after removal from credentials.yaml")
	}
}

func TestBuildBotPlugins_ConvertsEntriesByCommand(t *testing.T) {
	entries := config.DefaultBotPlugins()
	plugins := buildBotPlugins(entries)

	if len(plugins) != len(entries) {
		t.Fatalf("expected %d plugins, got %d", len(entries), len(plugins))
	}
	fix, ok := plugins["fix"]
	if !ok {
		t.Fatal("expected a \"fix\" plugin")
	}
	if fix.MaxContinuations != 3 {
		t.Fatalf("expected fix.MaxContinuations 3, got %d", fix.MaxContinuations)
	}
	build, ok := plugins["build"]
	if !ok {
		t.Fatal("expected a \"build\" plugin")
	}
	if !build.Decompose {
		t.Fatal("expected build.Decompose true")
	}
}

func TestScheduleHandler_CreatesScheduleOverHTTP(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.CreateProject(ctx, persistence.Project{ID: "p1", ChannelID: "c1"}); err != nil {
		t.Fatalf("create project: %v", err)
	}

	plugins := buildBotPlugins(config.DefaultBotPlugins())
	svc := command.New(store, registry.New(bus.New(), nil), nil, nil, plugins, 3, discardLogger())
	handler := newScheduleHandler(svc, discardLogger())

	future := time.Now().Add(2 * time.Hour)
	body, _ := json.Marshal(scheduleRequest{
		ProjectID: "p1", Name: "nightly", Kind: "once", RunAt: &future, Command: "fix", Prompt: "do it",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/schedules", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["id"] == "" {
		t.Fatal("expected non-empty schedule id")
	}
}

func TestScheduleHandler_RejectsNonPost(t *testing.T) {
	store, _ := openTestStore(t)
	plugins := buildBotPlugins(config.DefaultBotPlugins())
	svc := command.New(store, registry.New(bus.New(), nil), nil, nil, plugins, 3, discardLogger())
	handler := newScheduleHandler(svc, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/schedules", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
