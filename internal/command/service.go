// Package command is the command service (C9): the entry point called by
// the chat adapter after parsing a user mention or slash command. It
// resolves the project, builds a task row, attempts immediate delivery, and
// falls back to the offline queue when the preferred worker is unreachable.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaywire/dispatchd/internal/audit"
	"github.com/relaywire/dispatchd/internal/cron"
	"github.com/relaywire/dispatchd/internal/persistence"
	"github.com/relaywire/dispatchd/internal/registry"
	"github.com/relaywire/dispatchd/internal/wire"
)

// minScheduleInterval is C12's floor on recurring frequency: a cron
// expression whose first two fires are closer together than this is
// rejected at creation time rather than silently hammering the queue.
const minScheduleInterval = 1 * time.Hour

// BotPlugin describes how a chat command maps onto a task's execution
// configuration. Each registered command kind (e.g. "fix", "decompose",
// "review") has its own plugin.
type BotPlugin struct {
	Name             string
	SystemPrompt     string
	Model            string
	AllowedTools     []string
	DefaultBudget    float64
	MaxContinuations int  // 0 means "use the service's configured default"
	Decompose        bool // if true, C10 handles this command instead of direct dispatch
}

// OfflineEnqueuer is the subset of the offline queue the command service
// needs when a worker is unreachable.
type OfflineEnqueuer interface {
	Enqueue(ctx context.Context, workerID string, kind wire.Kind, payload any) error
}

// Decomposer is the subset of the C10 decomposition driver the command
// service hands "decompose" commands to.
type Decomposer interface {
	Submit(ctx context.Context, parent persistence.Task) error
}

// Service implements C9.
type Service struct {
	store                   *persistence.Store
	registry                *registry.Registry
	offline                 OfflineEnqueuer
	decomposer              Decomposer
	plugins                 map[string]BotPlugin
	defaultMaxContinuations int
	logger                  *slog.Logger
}

// New constructs the command service. defaultMaxContinuations is used for
// any plugin that doesn't set its own MaxContinuations (typically the
// config-level turn budget, e.g. config.Config.MaxContinuations).
func New(store *persistence.Store, reg *registry.Registry, offline OfflineEnqueuer, decomposer Decomposer, plugins map[string]BotPlugin, defaultMaxContinuations int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, registry: reg, offline: offline, decomposer: decomposer, plugins: plugins, defaultMaxContinuations: defaultMaxContinuations, logger: logger}
}

// SubmitParams describes a parsed chat command.
type SubmitParams struct {
	ChannelID  string
	ThreadTS   string
	UserID     string
	Command    string
	Prompt     string
	Attachments []string
}

// Submit resolves the project for channelID, builds a task from the
// matching bot plugin, and either dispatches it immediately or queues it
// for offline delivery. Returns the created task id.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (taskID string, err error) {
	project, err := s.store.ProjectByChannel(ctx, p.ChannelID)
	if err != nil {
		return "", fmt.Errorf("resolve project for channel %s: %w", p.ChannelID, err)
	}

	plugin, ok := s.plugins[p.Command]
	if !ok {
		return "", fmt.Errorf("unknown command %q", p.Command)
	}

	prompt := p.Prompt
	if len(p.Attachments) > 0 {
		prompt = appendAttachments(prompt, p.Attachments)
	}

	budget := plugin.DefaultBudget
	if budget == 0 {
		budget = project.DefaultBudget
	}
	model := plugin.Model
	if model == "" {
		model = project.DefaultModel
	}
	maxContinuations := plugin.MaxContinuations
	if maxContinuations == 0 && !plugin.Decompose {
		maxContinuations = s.defaultMaxContinuations
	}

	task := persistence.Task{
		ID:               uuid.NewString(),
		ProjectID:        project.ID,
		WorkerID:         project.PreferredWorkerID,
		BotName:          plugin.Name,
		Command:          p.Command,
		Prompt:           prompt,
		SystemPrompt:     plugin.SystemPrompt,
		Model:            model,
		MaxBudget:        budget,
		AllowedTools:     plugin.AllowedTools,
		ChannelID:        p.ChannelID,
		ThreadTS:         p.ThreadTS,
		UserID:           p.UserID,
		Status:           persistence.TaskPending,
		MaxContinuations: maxContinuations,
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	if plugin.Decompose {
		if s.decomposer == nil {
			return "", fmt.Errorf("command %q requires decomposition but no decomposer is configured", p.Command)
		}
		if err := s.decomposer.Submit(ctx, task); err != nil {
			return "", fmt.Errorf("submit for decomposition: %w", err)
		}
		return task.ID, nil
	}

	if err := s.dispatchOrQueue(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// dispatchOrQueue attempts immediate delivery via the registry; on failure
// (worker offline or unreachable) it enqueues the submission to the offline
// queue and marks the task queued.
func (s *Service) dispatchOrQueue(ctx context.Context, task persistence.Task) error {
	submitPayload := wire.TaskSubmitPayload{
		TaskID: task.ID, ProjectID: task.ProjectID, Command: task.Command,
		Prompt: task.Prompt, SystemPrompt: task.SystemPrompt, Model: task.Model,
		MaxBudget: task.MaxBudget, AllowedTools: task.AllowedTools, LocalPath: "",
	}

	workerID, online := s.registry.Resolve(task.WorkerID)
	if online {
		env, err := wire.NewEnvelope(wire.KindTaskSubmit, submitPayload)
		if err == nil {
			frame, encErr := wire.Encode(env)
			if encErr == nil && s.registry.Send(workerID, frame) {
				s.registry.TrackTask(workerID, task.ID)
				audit.Record("dispatch", "task.submit", "sent directly", "", task.ID)
				return nil
			}
		}
	}

	if s.offline == nil {
		return fmt.Errorf("worker %s unreachable and no offline queue configured", task.WorkerID)
	}
	if err := s.offline.Enqueue(ctx, task.WorkerID, wire.KindTaskSubmit, submitPayload); err != nil {
		return fmt.Errorf("enqueue offline: %w", err)
	}
	if err := s.store.UpdateTaskStatus(ctx, task.ID, persistence.TaskQueued); err != nil {
		return fmt.Errorf("mark task queued: %w", err)
	}
	audit.Record("dispatch", "task.submit", "queued offline", "", task.ID)
	return nil
}

// Dispatch sends an already-persisted task row down the direct-or-queue
// path, for collaborators (C10) that build their own task row and only need
// it delivered. Implements coordinator.Dispatcher.
func (s *Service) Dispatch(ctx context.Context, task persistence.Task) error {
	return s.dispatchOrQueue(ctx, task)
}

// Resubmit clones a task with a fresh id and resubmits it through the same
// dispatch-or-queue path.
func (s *Service) Resubmit(ctx context.Context, taskID string) (newTaskID string, err error) {
	original, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("get task %s: %w", taskID, err)
	}
	clone := original
	clone.ID = uuid.NewString()
	clone.Status = persistence.TaskPending
	clone.Result = ""
	clone.SessionID = ""
	clone.InputTokens, clone.OutputTokens, clone.EstimatedCost = 0, 0, 0
	clone.ContinuationCount = 0

	if err := s.store.CreateTask(ctx, clone); err != nil {
		return "", fmt.Errorf("create resubmitted task: %w", err)
	}
	if err := s.dispatchOrQueue(ctx, clone); err != nil {
		return "", err
	}
	return clone.ID, nil
}

// Continue re-invokes a task's worker session after it reported hitting its
// turn limit: same task id and session id, a short continuation prompt, and
// an incremented continuation counter. Implements lifecycle.Continuer.
func (s *Service) Continue(ctx context.Context, task persistence.Task) error {
	if err := s.store.IncrementContinuation(ctx, task.ID); err != nil {
		return fmt.Errorf("increment continuation count for %s: %w", task.ID, err)
	}
	submitPayload := wire.TaskSubmitPayload{
		TaskID: task.ID, ProjectID: task.ProjectID, Command: task.Command,
		Prompt: "Continue where you left off.", SystemPrompt: task.SystemPrompt, Model: task.Model,
		MaxBudget: task.MaxBudget, AllowedTools: task.AllowedTools, SessionID: task.SessionID,
	}

	workerID, online := s.registry.Resolve(task.WorkerID)
	if online {
		env, err := wire.NewEnvelope(wire.KindTaskSubmit, submitPayload)
		if err == nil {
			frame, encErr := wire.Encode(env)
			if encErr == nil && s.registry.Send(workerID, frame) {
				s.registry.TrackTask(workerID, task.ID)
				audit.Record("dispatch", "task.continue", "continuation resent directly", "", task.ID)
				return nil
			}
		}
	}

	if s.offline == nil {
		return fmt.Errorf("worker %s unreachable and no offline queue configured", task.WorkerID)
	}
	if err := s.offline.Enqueue(ctx, task.WorkerID, wire.KindTaskSubmit, submitPayload); err != nil {
		return fmt.Errorf("enqueue continuation offline: %w", err)
	}
	audit.Record("dispatch", "task.continue", "continuation queued offline", "", task.ID)
	return nil
}

// Cancel broadcasts TaskCancel to every online worker and marks the task and
// its children cancelled locally.
func (s *Service) Cancel(ctx context.Context, taskID, reason string) error {
	env, err := wire.NewEnvelope(wire.KindTaskCancel, wire.TaskCancelPayload{TaskID: taskID, Reason: reason})
	if err != nil {
		return fmt.Errorf("build cancel envelope: %w", err)
	}
	frame, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("encode cancel envelope: %w", err)
	}
	for _, id := range s.registry.OnlineWorkers() {
		s.registry.Send(id, frame)
	}

	if err := s.store.UpdateTaskStatus(ctx, taskID, persistence.TaskCancelled); err != nil {
		return fmt.Errorf("mark task cancelled: %w", err)
	}
	children, err := s.store.ListSubtasks(ctx, taskID)
	if err != nil {
		return fmt.Errorf("list subtasks of %s: %w", taskID, err)
	}
	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		_ = s.store.UpdateTaskStatus(ctx, child.ID, persistence.TaskCancelled)
	}
	audit.Record("cancel", "task.cancel", reason, "", taskID)
	return nil
}

// SubmitScheduled implements cron.Submitter: it decodes a schedule's
// JSON-encoded payload into SubmitParams and submits it like any other
// chat-originated command.
func (s *Service) SubmitScheduled(ctx context.Context, projectID, payload string) (string, error) {
	var params SubmitParams
	if err := json.Unmarshal([]byte(payload), &params); err != nil {
		return "", fmt.Errorf("decode scheduled payload: %w", err)
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("get project %s: %w", projectID, err)
	}
	params.ChannelID = project.ChannelID
	return s.Submit(ctx, params)
}

// CreateScheduleParams describes a new C12 schedule: either a one-shot fire
// at RunAt, or a recurring fire on CronExpr in TimeZone. Command and Prompt
// are encoded into the schedule's stored payload and replayed through
// SubmitScheduled each time it fires.
type CreateScheduleParams struct {
	ProjectID string
	Name      string
	Kind      persistence.ScheduleKind
	CronExpr  string
	TimeZone  string
	RunAt     *time.Time
	Command   string
	Prompt    string
}

// CreateSchedule validates req and persists a new schedule row. For a
// one-shot schedule, RunAt becomes the next (and only) run time. For a
// recurring schedule, CronExpr is parsed and rejected if it fires more often
// than minScheduleInterval allows.
func (s *Service) CreateSchedule(ctx context.Context, req CreateScheduleParams) (string, error) {
	if _, ok := s.plugins[req.Command]; !ok {
		return "", fmt.Errorf("unknown command %q", req.Command)
	}

	var nextRun *time.Time
	switch req.Kind {
	case persistence.ScheduleOnce:
		if req.RunAt == nil || !req.RunAt.After(time.Now()) {
			return "", fmt.Errorf("one-shot schedule requires a future run_at")
		}
		nextRun = req.RunAt
	case persistence.ScheduleCron:
		first, err := cron.NextRunTime(req.CronExpr, time.Now())
		if err != nil {
			return "", fmt.Errorf("parse cron expression %q: %w", req.CronExpr, err)
		}
		second, err := cron.NextRunTime(req.CronExpr, first)
		if err != nil {
			return "", fmt.Errorf("parse cron expression %q: %w", req.CronExpr, err)
		}
		if second.Sub(first) < minScheduleInterval {
			return "", fmt.Errorf("cron expression %q fires more often than the %s minimum", req.CronExpr, minScheduleInterval)
		}
		nextRun = &first
	default:
		return "", fmt.Errorf("unknown schedule kind %q", req.Kind)
	}

	payload, err := json.Marshal(SubmitParams{Command: req.Command, Prompt: req.Prompt})
	if err != nil {
		return "", fmt.Errorf("encode schedule payload: %w", err)
	}

	sched := persistence.Schedule{
		ID:        uuid.NewString(),
		ProjectID: req.ProjectID,
		Name:      req.Name,
		Kind:      req.Kind,
		CronExpr:  req.CronExpr,
		TimeZone:  req.TimeZone,
		RunAt:     req.RunAt,
		NextRunAt: nextRun,
		Payload:   string(payload),
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return "", fmt.Errorf("create schedule: %w", err)
	}
	return sched.ID, nil
}

func appendAttachments(prompt string, attachments []string) string {
	out := prompt + "\n\nAttachments:\n"
	for _, a := range attachments {
		out += "- " + a + "\n"
	}
	return out
}
