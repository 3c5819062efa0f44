package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relaywire/dispatchd/internal/bus"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("persistence: not found")

// CreateTask inserts a new task row in status pending (or queued if status is set beforehand).
func (s *Store) CreateTask(ctx context.Context, t Task) error {
	if t.Status == "" {
		t.Status = TaskPending
	}
	tools, err := json.Marshal(t.AllowedTools)
	if err != nil {
		return fmt.Errorf("marshal allowed_tools: %w", err)
	}
	filesChanged, _ := json.Marshal(t.FilesChanged)
	commandsRun, _ := json.Marshal(t.CommandsRun)

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				id, project_id, worker_id, bot_name, command, prompt, system_prompt, model,
				max_budget, allowed_tools, parent_task_id, channel_id, thread_ts, user_id,
				anchor_message_id, status, session_id, input_tokens, output_tokens,
				estimated_cost, files_changed, commands_run, duration_ms, result,
				continuation_count, max_continuations
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			t.ID, t.ProjectID, t.WorkerID, t.BotName, t.Command, t.Prompt, t.SystemPrompt, t.Model,
			t.MaxBudget, string(tools), nullableString(t.ParentTaskID), t.ChannelID, t.ThreadTS, t.UserID,
			t.AnchorMessageID, string(t.Status), t.SessionID, t.InputTokens, t.OutputTokens,
			t.EstimatedCost, string(filesChanged), string(commandsRun), t.DurationMs, t.Result,
			t.ContinuationCount, t.MaxContinuations,
		)
		return err
	})
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

const taskColumns = `
	id, project_id, worker_id, bot_name, command, prompt, system_prompt, model,
	max_budget, allowed_tools, parent_task_id, channel_id, thread_ts, user_id,
	anchor_message_id, status, session_id, input_tokens, output_tokens,
	estimated_cost, files_changed, commands_run, duration_ms, result,
	continuation_count, max_continuations, created_at, updated_at
`

func scanTask(row interface{ Scan(...interface{}) error }) (Task, error) {
	var t Task
	var parentTaskID sql.NullString
	var allowedTools, filesChanged, commandsRun string
	if err := row.Scan(
		&t.ID, &t.ProjectID, &t.WorkerID, &t.BotName, &t.Command, &t.Prompt, &t.SystemPrompt, &t.Model,
		&t.MaxBudget, &allowedTools, &parentTaskID, &t.ChannelID, &t.ThreadTS, &t.UserID,
		&t.AnchorMessageID, &t.Status, &t.SessionID, &t.InputTokens, &t.OutputTokens,
		&t.EstimatedCost, &filesChanged, &commandsRun, &t.DurationMs, &t.Result,
		&t.ContinuationCount, &t.MaxContinuations, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return Task{}, err
	}
	if parentTaskID.Valid {
		t.ParentTaskID = parentTaskID.String
	}
	_ = json.Unmarshal([]byte(allowedTools), &t.AllowedTools)
	_ = json.Unmarshal([]byte(filesChanged), &t.FilesChanged)
	_ = json.Unmarshal([]byte(commandsRun), &t.CommandsRun)
	return t, nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListSubtasks returns all tasks whose parent_task_id is parentID, in creation order.
func (s *Store) ListSubtasks(ctx context.Context, parentID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = ? ORDER BY created_at ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks of %s: %w", parentID, err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListActiveTasks returns all tasks in pending, queued, or running status,
// oldest first, for the resource monitor's cancel-oldest admission control.
func (s *Store) ListActiveTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN (?, ?, ?) ORDER BY created_at ASC`,
		string(TaskPending), string(TaskQueued), string(TaskRunning))
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AllSubtasksTerminal reports whether parentID has at least one subtask and all
// of them are in a terminal status.
func (s *Store) AllSubtasksTerminal(ctx context.Context, parentID string) (bool, error) {
	subtasks, err := s.ListSubtasks(ctx, parentID)
	if err != nil {
		return false, err
	}
	if len(subtasks) == 0 {
		return false, nil
	}
	for _, t := range subtasks {
		if !t.Status.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}

// UpdateTaskStatus transitions a task's status and, when provided, the worker
// and session id fields learned at that transition. oldStatus is informational
// only (used for the published TaskStateChangedEvent); the write itself is
// unconditional since C8 handlers already gate on the current state.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, newStatus TaskStatus) error {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(newStatus), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("update task status %s: %w", id, err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:    id,
			SessionID: current.SessionID,
			OldStatus: string(current.Status),
			NewStatus: string(newStatus),
		})
	}
	return nil
}

// SetWorker records which worker owns a task (set at send time).
func (s *Store) SetWorker(ctx context.Context, id, workerID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET worker_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, workerID, id)
		return err
	})
}

// SetAnchorMessage records the chat anchor message id once it is known.
func (s *Store) SetAnchorMessage(ctx context.Context, id, anchorMessageID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET anchor_message_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, anchorMessageID, id)
		return err
	})
}

// SetSessionID records the worker-assigned session id if not already known.
func (s *Store) SetSessionID(ctx context.Context, id, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET session_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND session_id = ''`, sessionID, id)
		return err
	})
}

// IncrementContinuation bumps the continuation counter by one.
func (s *Store) IncrementContinuation(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET continuation_count = continuation_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
		return err
	})
}

// CompleteTask freezes the usage fields and marks a task completed or failed.
// Idempotent per spec invariant: applying the same payload twice is a no-op
// on the second call (the status write is unconditional but yields the same row).
func (s *Store) CompleteTask(ctx context.Context, id string, status TaskStatus, result string, inputTokens, outputTokens int, estimatedCost float64, filesChanged, commandsRun []string, durationMs int64) error {
	fc, _ := json.Marshal(filesChanged)
	cr, _ := json.Marshal(commandsRun)
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		// Already terminal: usage fields are frozen, second application is a no-op.
		return nil
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, result = ?, input_tokens = ?, output_tokens = ?,
				estimated_cost = ?, files_changed = ?, commands_run = ?, duration_ms = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, string(status), result, inputTokens, outputTokens, estimatedCost, string(fc), string(cr), durationMs, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	if s.bus != nil {
		topic := bus.TopicTaskCompleted
		if status == TaskFailed {
			topic = bus.TopicTaskFailed
		} else if status == TaskCancelled {
			topic = bus.TopicTaskCancelled
		}
		s.bus.Publish(topic, bus.TaskStateChangedEvent{
			TaskID: id, SessionID: current.SessionID,
			OldStatus: string(current.Status), NewStatus: string(status),
		})
		s.bus.Publish(bus.TopicTaskMetrics, bus.TaskMetricsEvent{
			TaskID: id, InputTokens: inputTokens, OutputTokens: outputTokens, EstimatedCostUSD: estimatedCost,
		})
	}
	return nil
}

// TerminalOlderThan returns task ids that are terminal and older than the given age — the
// retention-policy query named in the storage collaborator contract.
func (s *Store) TerminalOlderThan(ctx context.Context, age time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-age)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status IN (?, ?, ?) AND updated_at < ?
	`, string(TaskCompleted), string(TaskFailed), string(TaskCancelled), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query terminal older than: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteTask removes a task row — used by the retention sweep.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		return err
	})
}
