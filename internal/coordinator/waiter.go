package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaywire/dispatchd/internal/bus"
	"github.com/relaywire/dispatchd/internal/persistence"
)

// TaskResult holds the outcome of a completed subtask.
type TaskResult struct {
	TaskID  string
	Status  persistence.TaskStatus
	Result  string
	CostUSD float64
}

// Waiter tracks task completion via bus events instead of polling.
type Waiter struct {
	eventBus *bus.Bus
	store    *persistence.Store
}

// NewWaiter creates a task completion waiter.
func NewWaiter(eventBus *bus.Bus, store *persistence.Store) *Waiter {
	return &Waiter{eventBus: eventBus, store: store}
}

// WaitForTask blocks until the given task reaches a terminal state or the context expires.
// Uses bus event subscription — does not poll.
func (w *Waiter) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (*TaskResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sub := w.eventBus.Subscribe("task.")
	defer w.eventBus.Unsubscribe(sub)

	// Check if already terminal before waiting (race condition guard).
	result, err := w.checkTerminal(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for task %s: %w", taskID, ctx.Err())

		case event := <-sub.Ch():
			if extractTaskIDFromEvent(event) != taskID {
				continue
			}
			result, err := w.checkTerminal(ctx, taskID)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return result, nil
			}
		}
	}
}

// WaitForAll waits for multiple tasks to complete. Returns results for all tasks.
// If any task fails, the others still complete (no early abort) — this is what
// lets a decomposition's sibling subtasks run to completion even when one fails.
func (w *Waiter) WaitForAll(ctx context.Context, taskIDs []string, timeout time.Duration) (map[string]*TaskResult, error) {
	results := make(map[string]*TaskResult)
	var mu sync.Mutex
	var wg sync.WaitGroup
	errCh := make(chan error, len(taskIDs))

	for _, id := range taskIDs {
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			result, err := w.WaitForTask(ctx, taskID, timeout)
			if err != nil {
				errCh <- fmt.Errorf("task %s: %w", taskID, err)
				return
			}
			mu.Lock()
			results[taskID] = result
			mu.Unlock()
		}(id)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return results, fmt.Errorf("%d tasks failed: %v", len(errs), errs[0])
	}
	return results, nil
}

// checkTerminal checks if a task is in a terminal state and returns its result.
// Returns (nil, nil) if the task is still in progress.
func (w *Waiter) checkTerminal(ctx context.Context, taskID string) (*TaskResult, error) {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if !task.Status.IsTerminal() {
		return nil, nil
	}
	return &TaskResult{
		TaskID:  task.ID,
		Status:  task.Status,
		Result:  task.Result,
		CostUSD: task.EstimatedCost,
	}, nil
}

// extractTaskIDFromEvent extracts the task ID from a bus event payload.
func extractTaskIDFromEvent(event bus.Event) string {
	switch p := event.Payload.(type) {
	case bus.TaskStateChangedEvent:
		return p.TaskID
	case bus.TaskMetricsEvent:
		return p.TaskID
	}
	return ""
}
