package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relaywire/dispatchd/internal/bus"
	"github.com/relaywire/dispatchd/internal/persistence"
)

// Dispatcher sends an already-built task row down the same direct-send-or-
// queue path the command service uses for ordinary tasks, implemented by
// command.Service.
type Dispatcher interface {
	Dispatch(ctx context.Context, task persistence.Task) error
}

// Driver is the C10 decomposition driver: it parses a parent task's planning
// result into a subtask list, fans each subtask out as its own child Task
// row, waits for all of them to reach a terminal state, and aggregates their
// results back onto the parent.
type Driver struct {
	store      *persistence.Store
	waiter     *Waiter
	dispatcher Dispatcher
	bus        *bus.Bus
}

// NewDriver constructs a decomposition driver.
func NewDriver(store *persistence.Store, waiter *Waiter, dispatcher Dispatcher, eventBus *bus.Bus) *Driver {
	return &Driver{store: store, waiter: waiter, dispatcher: dispatcher, bus: eventBus}
}

// SetDispatcher wires the dispatcher after construction, for callers whose
// dispatcher (the command service) itself needs the driver as its decomposer
// and so cannot exist yet when the driver is built.
func (d *Driver) SetDispatcher(dispatcher Dispatcher) {
	d.dispatcher = dispatcher
}

// Submit dispatches an already-created "decompose" parent task (the plan
// phase of C10) through the same channel a normal task would use. Its
// completion is later routed back to Run by C8's CompletionHandler.
func (d *Driver) Submit(ctx context.Context, parent persistence.Task) error {
	if d.dispatcher == nil {
		return fmt.Errorf("decomposition driver has no dispatcher configured")
	}
	return d.dispatcher.Dispatch(ctx, parent)
}

// SubtaskTimeout bounds how long the driver waits for a single fanned-out
// subtask before giving up on the whole decomposition.
const SubtaskTimeout = 15 * time.Minute

// Run parses parentResult into a plan, creates one child task per subtask
// under parentTaskID, waits for them all to finish, and completes the parent
// with an aggregate summary. The parent's project, worker, and budget are
// inherited by every subtask.
func (d *Driver) Run(ctx context.Context, parent persistence.Task, parentResult string) error {
	plan, err := ParsePlan(parentResult)
	if err != nil {
		_ = d.store.CompleteTask(ctx, parent.ID, persistence.TaskFailed, err.Error(), 0, 0, 0, nil, nil, 0)
		return err
	}

	if d.bus != nil {
		d.bus.Publish(bus.TopicDecompositionStarted, bus.WorkerConnectionEvent{WorkerID: parent.WorkerID})
	}

	taskIDs := make([]string, 0, len(plan.Subtasks))
	for i, sub := range plan.Subtasks {
		childID := uuid.NewString()
		child := persistence.Task{
			ID:           childID,
			ProjectID:    parent.ProjectID,
			WorkerID:     parent.WorkerID,
			BotName:      parent.BotName,
			Command:      sub.Command,
			Prompt:       sub.Prompt,
			Model:        parent.Model,
			MaxBudget:    parent.MaxBudget,
			AllowedTools: sub.AllowedTools,
			ParentTaskID: parent.ID,
			ChannelID:    parent.ChannelID,
			ThreadTS:     parent.ThreadTS,
			UserID:       parent.UserID,
			Status:       persistence.TaskQueued,
		}
		if err := d.store.CreateTask(ctx, child); err != nil {
			return fmt.Errorf("create subtask %d: %w", i, err)
		}
		if d.dispatcher == nil {
			return fmt.Errorf("dispatch subtask %d: decomposition driver has no dispatcher configured", i)
		}
		if err := d.dispatcher.Dispatch(ctx, child); err != nil {
			return fmt.Errorf("dispatch subtask %d: %w", i, err)
		}
		taskIDs = append(taskIDs, childID)
	}

	results, err := d.waiter.WaitForAll(ctx, taskIDs, SubtaskTimeout)
	summary := summarize(plan, results)

	finalStatus := persistence.TaskCompleted
	if err != nil {
		finalStatus = persistence.TaskFailed
	}

	if d.bus != nil {
		d.bus.Publish(bus.TopicDecompositionCompleted, bus.WorkerConnectionEvent{WorkerID: parent.WorkerID})
	}

	var totalCost float64
	for _, r := range results {
		totalCost += r.CostUSD
	}

	return d.store.CompleteTask(ctx, parent.ID, finalStatus, summary, 0, 0, totalCost, nil, nil, 0)
}

// summarize builds a human-readable aggregate of every subtask's outcome.
func summarize(plan DecompositionPlan, results map[string]*TaskResult) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Decomposed into %d subtasks.\n", len(plan.Subtasks)))
	i := 0
	for _, r := range results {
		i++
		sb.WriteString(fmt.Sprintf("%d. [%s] %s\n", i, r.Status, truncate(r.Result, 200)))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
