// Package lifecycle implements the task lifecycle handlers (C8): the state
// transitions a task moves through as acknowledgement, progress, stream,
// completion, error, and cancellation events arrive from a worker. Handlers
// are registered against the message router (C7) by kind.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/relaywire/dispatchd/internal/audit"
	"github.com/relaywire/dispatchd/internal/bus"
	"github.com/relaywire/dispatchd/internal/persistence"
	"github.com/relaywire/dispatchd/internal/router"
	"github.com/relaywire/dispatchd/internal/stream"
	"github.com/relaywire/dispatchd/internal/wire"
)

// uploadMarker is the sentinel a worker's result text may contain to request
// a file upload alongside the completion message.
const uploadMarker = "[[upload:"

// Decomposer hands a "decompose" command's planning result off to C10.
type Decomposer interface {
	Run(ctx context.Context, parent persistence.Task, parentResult string) error
}

// Continuer re-invokes a task's worker session with the same session id
// after it reports hitting its turn limit, implemented by C9.
type Continuer interface {
	Continue(ctx context.Context, task persistence.Task) error
}

// Notifier is the out-of-scope chat-platform collaborator contract for
// terminal and anchor notifications.
type Notifier interface {
	PostCompletion(ctx context.Context, task persistence.Task) error
	// PostError reports a task failure; recoverable offers a resubmit
	// affordance for failures the worker didn't consider permanent.
	PostError(ctx context.Context, task persistence.Task, reason string, recoverable bool) error
	PostCancelled(ctx context.Context, task persistence.Task) error
	SetAnchorStatus(ctx context.Context, task persistence.Task, status string) error
	UploadFile(ctx context.Context, task persistence.Task, path, caption string) error
}

// Handlers owns the store, stream accumulator, decomposer, and notifier
// collaborators and exposes one method per message kind for router
// registration.
type Handlers struct {
	store      *persistence.Store
	accum      *stream.Accumulator
	decomposer Decomposer
	continuer  Continuer
	notifier   Notifier
	bus        *bus.Bus
	logger     *slog.Logger
}

// New constructs the C8 handler set. continuer may be nil, in which case a
// task that hits its turn limit simply completes with a partial result.
func New(store *persistence.Store, accum *stream.Accumulator, decomposer Decomposer, continuer Continuer, notifier Notifier, eventBus *bus.Bus, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{store: store, accum: accum, decomposer: decomposer, continuer: continuer, notifier: notifier, bus: eventBus, logger: logger}
}

// Register wires every handler onto r under its message kind.
func (h *Handlers) Register(r *router.Router) {
	r.On(wire.KindTaskAck, h.HandleAck)
	r.On(wire.KindTaskProgress, h.HandleProgress)
	r.On(wire.KindTaskStream, h.HandleStream)
	r.On(wire.KindTaskComplete, h.HandleCompletion)
	r.On(wire.KindTaskError, h.HandleError)
	r.On(wire.KindTaskCancelled, h.HandleCancelled)
}

// HandleAck transitions a task from pending/queued to running. Idempotent:
// a task already in a terminal state is left alone.
func (h *Handlers) HandleAck(ctx context.Context, workerID string, env wire.Envelope) {
	var p wire.TaskAckPayload
	if err := wire.UnmarshalPayload(env, &p); err != nil {
		h.logger.Warn("lifecycle: malformed ack", "error", err)
		return
	}
	task, err := h.store.GetTask(ctx, p.TaskID)
	if err != nil {
		h.logger.Warn("lifecycle: ack for unknown task", "task_id", p.TaskID, "error", err)
		return
	}
	if task.Status.IsTerminal() {
		return
	}
	if p.SessionID != "" {
		_ = h.store.SetSessionID(ctx, p.TaskID, p.SessionID)
	}
	_ = h.store.SetWorker(ctx, p.TaskID, workerID)
	if err := h.store.UpdateTaskStatus(ctx, p.TaskID, persistence.TaskRunning); err != nil {
		h.logger.Error("lifecycle: mark task running", "task_id", p.TaskID, "error", err)
		return
	}
	h.publishStateChange(p.TaskID, p.SessionID, string(task.Status), string(persistence.TaskRunning))
}

// HandleProgress forwards a discrete step milestone to the stream
// accumulator.
func (h *Handlers) HandleProgress(ctx context.Context, workerID string, env wire.Envelope) {
	var p wire.TaskProgressPayload
	if err := wire.UnmarshalPayload(env, &p); err != nil {
		h.logger.Warn("lifecycle: malformed progress", "error", err)
		return
	}
	task, err := h.store.GetTask(ctx, p.TaskID)
	if err != nil {
		h.logger.Warn("lifecycle: progress for unknown task", "task_id", p.TaskID, "error", err)
		return
	}
	if h.accum == nil {
		return
	}
	if err := h.accum.OnProgress(ctx, p.TaskID, task.Prompt, task.ChannelID, task.ThreadTS, p.Step, p.Percent); err != nil {
		h.logger.Warn("lifecycle: accumulator progress failed", "task_id", p.TaskID, "error", err)
	}
}

// HandleStream forwards a text delta to the stream accumulator.
func (h *Handlers) HandleStream(ctx context.Context, workerID string, env wire.Envelope) {
	var p wire.TaskStreamPayload
	if err := wire.UnmarshalPayload(env, &p); err != nil {
		h.logger.Warn("lifecycle: malformed stream delta", "error", err)
		return
	}
	task, err := h.store.GetTask(ctx, p.TaskID)
	if err != nil {
		h.logger.Warn("lifecycle: stream for unknown task", "task_id", p.TaskID, "error", err)
		return
	}
	if h.accum == nil {
		return
	}
	if err := h.accum.OnStream(ctx, p.TaskID, task.Prompt, task.ChannelID, task.ThreadTS, p.Delta); err != nil {
		h.logger.Warn("lifecycle: accumulator stream failed", "task_id", p.TaskID, "error", err)
	}
}

// HandleCompletion persists usage, aggregates parent completion when all
// siblings are terminal, posts the completion message, and audits the
// event. A "decompose" command hands the result to C10 instead.
func (h *Handlers) HandleCompletion(ctx context.Context, workerID string, env wire.Envelope) {
	var p wire.TaskCompletePayload
	if err := wire.UnmarshalPayload(env, &p); err != nil {
		h.logger.Warn("lifecycle: malformed completion", "error", err)
		return
	}
	task, err := h.store.GetTask(ctx, p.TaskID)
	if err != nil {
		h.logger.Warn("lifecycle: completion for unknown task", "task_id", p.TaskID, "error", err)
		return
	}
	if task.Status.IsTerminal() {
		return
	}

	if p.SessionID != "" && task.SessionID != p.SessionID {
		_ = h.store.SetSessionID(ctx, p.TaskID, p.SessionID)
		task.SessionID = p.SessionID
	}

	if task.Command == "decompose" {
		if h.decomposer == nil {
			h.logger.Error("lifecycle: decompose completion with no decomposer configured", "task_id", p.TaskID)
			return
		}
		if err := h.decomposer.Run(ctx, task, p.Result); err != nil {
			h.logger.Error("lifecycle: decomposition run failed", "task_id", p.TaskID, "error", err)
		}
		return
	}

	if p.MaxTurnsHit && task.SessionID != "" && h.continuer != nil && task.ContinuationCount < task.MaxContinuations {
		if err := h.continuer.Continue(ctx, task); err != nil {
			h.logger.Error("lifecycle: continuation resubmit failed", "task_id", p.TaskID, "error", err)
		}
		return
	}

	result := p.Result
	if p.MaxTurnsHit {
		result = result + "\n\n(stopped: continuation budget exhausted)"
	}

	if err := h.store.CompleteTask(ctx, p.TaskID, persistence.TaskCompleted, result, p.InputTokens, p.OutputTokens, p.EstimatedCost, p.FilesChanged, p.CommandsRun, p.DurationMs); err != nil {
		h.logger.Error("lifecycle: persist completion", "task_id", p.TaskID, "error", err)
		return
	}
	if h.accum != nil {
		_ = h.accum.Finish(ctx, p.TaskID)
	}
	h.publishCompletion(p.TaskID, p.InputTokens, p.OutputTokens, p.EstimatedCost)

	if task.ParentTaskID != "" {
		h.aggregateParentIfTerminal(ctx, task.ParentTaskID)
	}

	if h.notifier != nil {
		if err := h.notifier.PostCompletion(ctx, task); err != nil {
			h.logger.Warn("lifecycle: post completion failed", "task_id", p.TaskID, "error", err)
		}
		if task.ParentTaskID == "" {
			_ = h.notifier.SetAnchorStatus(ctx, task, "success")
		}
		if path, caption, ok := extractUpload(p.Result); ok {
			if err := h.notifier.UploadFile(ctx, task, path, caption); err != nil {
				h.logger.Warn("lifecycle: upload file failed", "task_id", p.TaskID, "error", err)
			}
		}
	}

	audit.Record("complete", "task.complete", "worker reported success", "", p.TaskID)
}

// HandleError marks a task failed and notifies chat.
func (h *Handlers) HandleError(ctx context.Context, workerID string, env wire.Envelope) {
	var p wire.TaskErrorPayload
	if err := wire.UnmarshalPayload(env, &p); err != nil {
		h.logger.Warn("lifecycle: malformed error payload", "error", err)
		return
	}
	task, err := h.store.GetTask(ctx, p.TaskID)
	if err != nil {
		h.logger.Warn("lifecycle: error for unknown task", "task_id", p.TaskID, "error", err)
		return
	}
	if task.Status.IsTerminal() {
		return
	}
	if err := h.store.CompleteTask(ctx, p.TaskID, persistence.TaskFailed, p.Reason, 0, 0, 0, nil, nil, 0); err != nil {
		h.logger.Error("lifecycle: persist failure", "task_id", p.TaskID, "error", err)
		return
	}
	if h.accum != nil {
		_ = h.accum.Finish(ctx, p.TaskID)
	}
	h.publishFailure(p.TaskID)

	if h.notifier != nil {
		if err := h.notifier.PostError(ctx, task, p.Reason, !p.Fatal); err != nil {
			h.logger.Warn("lifecycle: post error failed", "task_id", p.TaskID, "error", err)
		}
		_ = h.notifier.SetAnchorStatus(ctx, task, "failure")
	}
	audit.Record("error", "task.error", p.Reason, "", p.TaskID)
}

// HandleCancelled marks a task cancelled and notifies chat. Idempotent with
// local cancellation state (C9.Cancel may have already transitioned it).
func (h *Handlers) HandleCancelled(ctx context.Context, workerID string, env wire.Envelope) {
	var p wire.TaskCancelledPayload
	if err := wire.UnmarshalPayload(env, &p); err != nil {
		h.logger.Warn("lifecycle: malformed cancelled payload", "error", err)
		return
	}
	task, err := h.store.GetTask(ctx, p.TaskID)
	if err != nil {
		h.logger.Warn("lifecycle: cancelled for unknown task", "task_id", p.TaskID, "error", err)
		return
	}
	if task.Status == persistence.TaskCancelled {
		return
	}
	if task.Status.IsTerminal() {
		return
	}
	if err := h.store.UpdateTaskStatus(ctx, p.TaskID, persistence.TaskCancelled); err != nil {
		h.logger.Error("lifecycle: mark task cancelled", "task_id", p.TaskID, "error", err)
		return
	}
	if h.accum != nil {
		_ = h.accum.Finish(ctx, p.TaskID)
	}
	h.bus.Publish(bus.TopicTaskCancelled, bus.TaskStateChangedEvent{TaskID: p.TaskID, OldStatus: string(task.Status), NewStatus: string(persistence.TaskCancelled)})

	if h.notifier != nil {
		if err := h.notifier.PostCancelled(ctx, task); err != nil {
			h.logger.Warn("lifecycle: post cancelled failed", "task_id", p.TaskID, "error", err)
		}
		_ = h.notifier.SetAnchorStatus(ctx, task, "cancelled")
	}
	audit.Record("cancel", "task.cancelled", "worker confirmed cancellation", "", p.TaskID)
}

// aggregateParentIfTerminal sums cost/tokens across all subtasks of
// parentID, composes a summary, and completes the parent once every
// sibling has reached a terminal state.
func (h *Handlers) aggregateParentIfTerminal(ctx context.Context, parentID string) {
	allTerminal, err := h.store.AllSubtasksTerminal(ctx, parentID)
	if err != nil {
		h.logger.Error("lifecycle: check subtask terminality", "parent_id", parentID, "error", err)
		return
	}
	if !allTerminal {
		return
	}

	children, err := h.store.ListSubtasks(ctx, parentID)
	if err != nil {
		h.logger.Error("lifecycle: list subtasks", "parent_id", parentID, "error", err)
		return
	}

	var totalCost float64
	var totalIn, totalOut int
	allSucceeded := true
	var sb strings.Builder
	for i, c := range children {
		totalCost += c.EstimatedCost
		totalIn += c.InputTokens
		totalOut += c.OutputTokens
		if c.Status != persistence.TaskCompleted {
			allSucceeded = false
		}
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, c.Status, truncate(c.Result, 200))
	}

	finalStatus := persistence.TaskCompleted
	if !allSucceeded {
		finalStatus = persistence.TaskFailed
	}
	if err := h.store.CompleteTask(ctx, parentID, finalStatus, sb.String(), totalIn, totalOut, totalCost, nil, nil, 0); err != nil {
		h.logger.Error("lifecycle: complete parent task", "parent_id", parentID, "error", err)
		return
	}

	parent, err := h.store.GetTask(ctx, parentID)
	if err == nil && h.notifier != nil {
		if err := h.notifier.PostCompletion(ctx, parent); err != nil {
			h.logger.Warn("lifecycle: post parent summary failed", "parent_id", parentID, "error", err)
		}
		reaction := "success"
		if !allSucceeded {
			reaction = "failure"
		}
		_ = h.notifier.SetAnchorStatus(ctx, parent, reaction)
	}
}

func (h *Handlers) publishStateChange(taskID, sessionID, old, next string) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: taskID, SessionID: sessionID, OldStatus: old, NewStatus: next})
}

func (h *Handlers) publishCompletion(taskID string, inputTokens, outputTokens int, cost float64) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(bus.TopicTaskMetrics, bus.TaskMetricsEvent{TaskID: taskID, InputTokens: inputTokens, OutputTokens: outputTokens, EstimatedCostUSD: cost})
	h.bus.Publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{TaskID: taskID, NewStatus: string(persistence.TaskCompleted)})
}

func (h *Handlers) publishFailure(taskID string) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{TaskID: taskID, NewStatus: string(persistence.TaskFailed)})
}

func extractUpload(result string) (path, caption string, ok bool) {
	idx := strings.Index(result, uploadMarker)
	if idx < 0 {
		return "", "", false
	}
	rest := result[idx+len(uploadMarker):]
	end := strings.Index(rest, "]]")
	if end < 0 {
		return "", "", false
	}
	body := rest[:end]
	parts := strings.SplitN(body, "|", 2)
	path = strings.TrimSpace(parts[0])
	if path == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		caption = strings.TrimSpace(parts[1])
	}
	return path, caption, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
