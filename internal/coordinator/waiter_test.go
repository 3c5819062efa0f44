package coordinator_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaywire/dispatchd/internal/bus"
	"github.com/relaywire/dispatchd/internal/coordinator"
	"github.com/relaywire/dispatchd/internal/persistence"
)

func openTestStore(t *testing.T, eventBus *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "dispatchd.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestWaiterConstruction(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	w := coordinator.NewWaiter(b, store)
	if w == nil {
		t.Fatal("expected non-nil waiter")
	}
}

func TestWaitForTask_AlreadyTerminal(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	w := coordinator.NewWaiter(b, store)
	ctx := context.Background()

	store.CreateProject(ctx, persistence.Project{ID: "p1", ChannelID: "c1"})
	task := persistence.Task{ID: "t1", ProjectID: "p1", Status: persistence.TaskRunning}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.CompleteTask(ctx, "t1", persistence.TaskCompleted, "done", 0, 0, 0, nil, nil, 0); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	result, err := w.WaitForTask(ctx, "t1", 5*time.Second)
	if err != nil {
		t.Fatalf("wait for task: %v", err)
	}
	if result.Status != persistence.TaskCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
}

func TestWaitForTask_Timeout(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	w := coordinator.NewWaiter(b, store)
	ctx := context.Background()

	store.CreateProject(ctx, persistence.Project{ID: "p2", ChannelID: "c2"})
	task := persistence.Task{ID: "t2", ProjectID: "p2", Status: persistence.TaskRunning}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	result, err := w.WaitForTask(ctx, "t2", 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected error, got result: %v", result)
	}
}

func TestWaitForAll_Parallel(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	w := coordinator.NewWaiter(b, store)
	ctx := context.Background()

	store.CreateProject(ctx, persistence.Project{ID: "p3", ChannelID: "c3"})
	store.CreateTask(ctx, persistence.Task{ID: "a1", ProjectID: "p3", Status: persistence.TaskRunning})
	store.CreateTask(ctx, persistence.Task{ID: "a2", ProjectID: "p3", Status: persistence.TaskRunning})

	go func() {
		time.Sleep(20 * time.Millisecond)
		store.CompleteTask(ctx, "a1", persistence.TaskCompleted, "done1", 0, 0, 0, nil, nil, 0)
		store.CompleteTask(ctx, "a2", persistence.TaskCompleted, "done2", 0, 0, 0, nil, nil, 0)
	}()

	results, err := w.WaitForAll(ctx, []string{"a1", "a2"}, 5*time.Second)
	if err != nil {
		t.Fatalf("wait for all: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}
