package cron_test

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaywire/dispatchd/internal/cron"
	"github.com/relaywire/dispatchd/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "dispatchd.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertTestSchedule(t *testing.T, store *persistence.Store, projectID, cronExpr, payload string, status persistence.ScheduleStatus, nextRunAt *time.Time) string {
	t.Helper()
	id := "sched-" + t.Name()
	sched := persistence.Schedule{
		ID:        id,
		ProjectID: projectID,
		Name:      "test-" + t.Name(),
		Kind:      persistence.ScheduleCron,
		CronExpr:  cronExpr,
		Payload:   payload,
		Status:    status,
		NextRunAt: nextRunAt,
	}
	if err := store.CreateSchedule(context.Background(), sched); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return id
}

// fakeSubmitter records every SubmitScheduled call in place of the real
// command service (C9), which the scheduler never talks to directly.
type fakeSubmitter struct {
	mu    sync.Mutex
	calls []struct{ projectID, payload string }
}

func (f *fakeSubmitter) SubmitScheduled(ctx context.Context, projectID, payload string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, struct{ projectID, payload string }{projectID, payload})
	return fmt.Sprintf("task-%d", len(f.calls)), nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSubmitter) last() (projectID, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.calls[len(f.calls)-1]
	return c.projectID, c.payload
}

func TestScheduler_FiresOnTime(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require(t, store.CreateProject(ctx, persistence.Project{ID: "proj1", ChannelID: "chan1"}))

	past := time.Now().Add(-5 * time.Minute)
	insertTestSchedule(t, store, "proj1", "*/5 * * * *", `{"command":"fix"}`, persistence.ScheduleActive, &past)

	sub := &fakeSubmitter{}
	sched := cron.NewScheduler(cron.Config{
		Store:     store,
		Submitter: sub,
		Logger:    slog.Default(),
		Interval:  50 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool { return sub.count() > 0 })
}

func TestScheduler_PausedSkipped(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require(t, store.CreateProject(ctx, persistence.Project{ID: "proj2", ChannelID: "chan2"}))

	past := time.Now().Add(-5 * time.Minute)
	insertTestSchedule(t, store, "proj2", "*/5 * * * *", `{"command":"nope"}`, persistence.SchedulePaused, &past)

	sub := &fakeSubmitter{}
	sched := cron.NewScheduler(cron.Config{
		Store:     store,
		Submitter: sub,
		Logger:    slog.Default(),
		Interval:  50 * time.Millisecond,
	})
	sched.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	sched.Stop()

	if sub.count() != 0 {
		t.Fatalf("expected 0 submissions for paused schedule, got %d", sub.count())
	}
}

func TestScheduler_SubmitsProjectAndPayload(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require(t, store.CreateProject(ctx, persistence.Project{ID: "proj3", ChannelID: "chan3"}))

	payload := `{"command":"run-report","target":"daily"}`
	past := time.Now().Add(-1 * time.Minute)
	insertTestSchedule(t, store, "proj3", "0 9 * * *", payload, persistence.ScheduleActive, &past)

	sub := &fakeSubmitter{}
	sched := cron.NewScheduler(cron.Config{
		Store:     store,
		Submitter: sub,
		Logger:    slog.Default(),
		Interval:  50 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool { return sub.count() > 0 })

	projectID, gotPayload := sub.last()
	if projectID != "proj3" {
		t.Fatalf("expected project_id=proj3, got %s", projectID)
	}
	if gotPayload != payload {
		t.Fatalf("expected payload=%s, got %s", payload, gotPayload)
	}
}

func TestScheduler_NextRunUpdated(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require(t, store.CreateProject(ctx, persistence.Project{ID: "proj4", ChannelID: "chan4"}))

	past := time.Now().Add(-1 * time.Minute)
	schedID := insertTestSchedule(t, store, "proj4", "*/10 * * * *", `{"command":"tick"}`, persistence.ScheduleActive, &past)

	sub := &fakeSubmitter{}
	sched := cron.NewScheduler(cron.Config{
		Store:     store,
		Submitter: sub,
		Logger:    slog.Default(),
		Interval:  50 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	var found persistence.Schedule
	waitFor(t, 3*time.Second, func() bool {
		s, err := store.GetSchedule(ctx, schedID)
		if err != nil || s.LastRunAt == nil {
			return false
		}
		found = s
		return true
	})

	if found.NextRunAt == nil {
		t.Fatal("expected next_run_at to be set after firing")
	}
	if !found.NextRunAt.After(past) {
		t.Fatalf("expected next_run_at (%v) to be after original past time (%v)", found.NextRunAt, past)
	}
	if found.NextRunAt.Minute()%10 != 0 {
		t.Fatalf("expected next_run_at minute to be a multiple of 10, got %d", found.NextRunAt.Minute())
	}
}

func require(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
