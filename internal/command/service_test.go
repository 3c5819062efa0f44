package command

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaywire/dispatchd/internal/bus"
	"github.com/relaywire/dispatchd/internal/persistence"
	"github.com/relaywire/dispatchd/internal/registry"
	"github.com/relaywire/dispatchd/internal/wire"
)

type fakeSocket struct{ sent [][]byte }

func (f *fakeSocket) Send(frame []byte) error { f.sent = append(f.sent, frame); return nil }
func (f *fakeSocket) Close(code int, reason string) error { return nil }

type fakeOffline struct {
	enqueued []string
}

func (f *fakeOffline) Enqueue(ctx context.Context, workerID string, kind wire.Kind, payload any) error {
	f.enqueued = append(f.enqueued, workerID)
	return nil
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "dispatchd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testPlugins() map[string]BotPlugin {
	return map[string]BotPlugin{
		"fix": {Name: "fix", Model: "claude-sonnet-4-5", DefaultBudget: 1.0},
	}
}

func TestSubmit_DispatchesDirectlyWhenWorkerOnline(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.CreateProject(ctx, persistence.Project{ID: "p1", ChannelID: "c1", PreferredWorkerID: "w1", DefaultModel: "m", DefaultBudget: 0.5})

	reg := registry.New(bus.New(), nil)
	reg.Register("w1", &fakeSocket{})
	offline := &fakeOffline{}

	svc := New(store, reg, offline, nil, testPlugins(), 3, nil)
	taskID, err := svc.Submit(ctx, SubmitParams{ChannelID: "c1", Command: "fix", Prompt: "do it"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskPending {
		t.Fatalf("expected pending (dispatched), got %s", task.Status)
	}
	if len(offline.enqueued) != 0 {
		t.Fatal("expected no offline enqueue when worker is online")
	}
}

func TestSubmit_QueuesOfflineWhenWorkerUnreachable(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.CreateProject(ctx, persistence.Project{ID: "p1", ChannelID: "c1", PreferredWorkerID: "w1", DefaultModel: "m"})

	reg := registry.New(bus.New(), nil)
	offline := &fakeOffline{}

	svc := New(store, reg, offline, nil, testPlugins(), 3, nil)
	taskID, err := svc.Submit(ctx, SubmitParams{ChannelID: "c1", Command: "fix", Prompt: "do it"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskQueued {
		t.Fatalf("expected queued, got %s", task.Status)
	}
	if len(offline.enqueued) != 1 {
		t.Fatalf("expected 1 offline enqueue, got %d", len(offline.enqueued))
	}
}

func TestSubmit_UnknownCommandErrors(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.CreateProject(ctx, persistence.Project{ID: "p1", ChannelID: "c1"})
	svc := New(store, registry.New(bus.New(), nil), &fakeOffline{}, nil, testPlugins(), 3, nil)

	if _, err := svc.Submit(ctx, SubmitParams{ChannelID: "c1", Command: "nope", Prompt: "x"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestCancel_MarksTaskAndChildrenCancelled(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.CreateProject(ctx, persistence.Project{ID: "p1", ChannelID: "c1"})
	store.CreateTask(ctx, persistence.Task{ID: "parent", ProjectID: "p1", Status: persistence.TaskRunning})
	store.CreateTask(ctx, persistence.Task{ID: "child", ProjectID: "p1", ParentTaskID: "parent", Status: persistence.TaskRunning})

	svc := New(store, registry.New(bus.New(), nil), &fakeOffline{}, nil, testPlugins(), 3, nil)
	if err := svc.Cancel(ctx, "parent", "user requested"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	parent, _ := store.GetTask(ctx, "parent")
	if parent.Status != persistence.TaskCancelled {
		t.Fatalf("expected parent cancelled, got %s", parent.Status)
	}
	child, _ := store.GetTask(ctx, "child")
	if child.Status != persistence.TaskCancelled {
		t.Fatalf("expected child cancelled, got %s", child.Status)
	}
}

func TestSubmitScheduled_ResolvesProjectAndSubmits(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.CreateProject(ctx, persistence.Project{ID: "p1", ChannelID: "c1", DefaultModel: "m"})
	reg := registry.New(bus.New(), nil)
	svc := New(store, reg, &fakeOffline{}, nil, testPlugins(), 3, nil)

	payload, _ := json.Marshal(SubmitParams{Command: "fix", Prompt: "nightly build"})
	taskID, err := svc.SubmitScheduled(ctx, "p1", string(payload))
	if err != nil {
		t.Fatalf("submit scheduled: %v", err)
	}
	if taskID == "" {
		t.Fatal("expected non-empty task id")
	}
}

func TestCreateSchedule_OneShotRequiresFutureRunAt(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	reg := registry.New(bus.New(), nil)
	svc := New(store, reg, &fakeOffline{}, nil, testPlugins(), 3, nil)

	past := time.Now().Add(-time.Hour)
	_, err := svc.CreateSchedule(ctx, CreateScheduleParams{
		ProjectID: "p1", Name: "nightly", Kind: persistence.ScheduleOnce, RunAt: &past, Command: "fix", Prompt: "run it",
	})
	if err == nil {
		t.Fatal("expected error for non-future run_at")
	}
}

func TestCreateSchedule_OneShotPersists(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.CreateProject(ctx, persistence.Project{ID: "p1", ChannelID: "c1", DefaultModel: "m"})
	reg := registry.New(bus.New(), nil)
	svc := New(store, reg, &fakeOffline{}, nil, testPlugins(), 3, nil)

	future := time.Now().Add(time.Hour)
	id, err := svc.CreateSchedule(ctx, CreateScheduleParams{
		ProjectID: "p1", Name: "nightly", Kind: persistence.ScheduleOnce, RunAt: &future, Command: "fix", Prompt: "run it",
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	sched, err := store.GetSchedule(ctx, id)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if sched.NextRunAt == nil || !sched.NextRunAt.Equal(future) {
		t.Fatalf("expected next_run_at %v, got %v", future, sched.NextRunAt)
	}
}

func TestCreateSchedule_CronRejectsUnknownCommand(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	reg := registry.New(bus.New(), nil)
	svc := New(store, reg, &fakeOffline{}, nil, testPlugins(), 3, nil)

	_, err := svc.CreateSchedule(ctx, CreateScheduleParams{
		ProjectID: "p1", Name: "hourly", Kind: persistence.ScheduleCron, CronExpr: "0 * * * *", Command: "deploy", Prompt: "go",
	})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestCreateSchedule_CronRejectsTooFrequent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	reg := registry.New(bus.New(), nil)
	svc := New(store, reg, &fakeOffline{}, nil, testPlugins(), 3, nil)

	_, err := svc.CreateSchedule(ctx, CreateScheduleParams{
		ProjectID: "p1", Name: "every minute", Kind: persistence.ScheduleCron, CronExpr: "* * * * *", Command: "fix", Prompt: "go",
	})
	if err == nil {
		t.Fatal("expected error for sub-hour cron frequency")
	}
}
