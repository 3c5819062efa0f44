package offlinequeue

import (
	"context"
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

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "dispatchd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDrainAll_DeliversToOnlineWorkerAndMarksDelivered(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.CreateProject(ctx, persistence.Project{ID: "p1", ChannelID: "c1"})
	store.CreateTask(ctx, persistence.Task{ID: "t1", ProjectID: "p1", WorkerID: "w1", Status: persistence.TaskQueued})

	enq := NewEnqueuer(store, time.Hour)
	if err := enq.Enqueue(ctx, "w1", wire.KindTaskSubmit, wire.TaskSubmitPayload{TaskID: "t1", ProjectID: "p1", Command: "fix", Prompt: "x", Model: "m"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	reg := registry.New(bus.New(), nil)
	sock := &fakeSocket{}
	reg.Register("w1", sock)

	drainer := New(store, reg, store, nil, Config{}, nil)
	drainer.DrainAll(ctx)

	if len(sock.sent) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(sock.sent))
	}
	pending, err := store.PendingForWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("pending for worker: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected entry marked delivered and no longer pending, got %d", len(pending))
	}

	task, err := store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskPending {
		t.Fatalf("expected task transitioned to pending after delivery, got %s", task.Status)
	}
}

func TestDrainAll_LeavesEntryPendingWhenWorkerOffline(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.CreateProject(ctx, persistence.Project{ID: "p1", ChannelID: "c1"})

	enq := NewEnqueuer(store, time.Hour)
	enq.Enqueue(ctx, "ghost-worker", wire.KindTaskSubmit, wire.TaskSubmitPayload{TaskID: "t1", ProjectID: "p1", Command: "fix", Prompt: "x", Model: "m"})

	reg := registry.New(bus.New(), nil)
	drainer := New(store, reg, store, nil, Config{RetryAttempts: 1, RetryDelay: time.Millisecond}, nil)
	drainer.DrainAll(ctx)

	pending, err := store.PendingForWorker(ctx, "ghost-worker")
	if err != nil {
		t.Fatalf("pending for worker: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected entry to remain pending, got %d", len(pending))
	}
	if drainer.Metrics().Failed == 0 {
		t.Fatal("expected failure to be recorded in metrics")
	}
}

func TestCleanExpired_RemovesPastTTLEntries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.CreateProject(ctx, persistence.Project{ID: "p1", ChannelID: "c1"})

	enq := NewEnqueuer(store, time.Millisecond)
	enq.Enqueue(ctx, "w1", wire.KindTaskSubmit, wire.TaskSubmitPayload{TaskID: "t1", ProjectID: "p1", Command: "fix", Prompt: "x", Model: "m"})
	time.Sleep(10 * time.Millisecond)

	drainer := New(store, registry.New(bus.New(), nil), store, nil, Config{}, nil)
	n, err := drainer.CleanExpired(ctx)
	if err != nil {
		t.Fatalf("clean expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired entry removed, got %d", n)
	}
}
