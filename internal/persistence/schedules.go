package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateSchedule inserts a new one-shot or recurring schedule definition.
func (s *Store) CreateSchedule(ctx context.Context, sc Schedule) error {
	if sc.Status == "" {
		sc.Status = ScheduleActive
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, project_id, name, kind, cron_expr, timezone, run_at, next_run_at, status, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sc.ID, sc.ProjectID, sc.Name, string(sc.Kind), sc.CronExpr, sc.TimeZone, sc.RunAt, sc.NextRunAt, string(sc.Status), sc.Payload)
		return err
	})
}

func scanSchedule(row interface{ Scan(...interface{}) error }) (Schedule, error) {
	var sc Schedule
	var runAt, nextRunAt, lastRunAt sql.NullTime
	if err := row.Scan(&sc.ID, &sc.ProjectID, &sc.Name, &sc.Kind, &sc.CronExpr, &sc.TimeZone,
		&runAt, &nextRunAt, &lastRunAt, &sc.Status, &sc.Payload, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return Schedule{}, err
	}
	if runAt.Valid {
		sc.RunAt = &runAt.Time
	}
	if nextRunAt.Valid {
		sc.NextRunAt = &nextRunAt.Time
	}
	if lastRunAt.Valid {
		sc.LastRunAt = &lastRunAt.Time
	}
	return sc, nil
}

const scheduleColumns = `id, project_id, name, kind, cron_expr, timezone, run_at, next_run_at, last_run_at, status, payload, created_at, updated_at`

// DueSchedules returns enabled, non-terminal schedules whose next_run_at is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
	`, string(ScheduleActive), now)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateScheduleRun records the firing time and computes the new next-run time.
// For a one-shot schedule nextRun is nil, which transitions the schedule to completed.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, ranAt time.Time, nextRun *time.Time) error {
	status := string(ScheduleActive)
	if nextRun == nil {
		status = string(ScheduleCompleted)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, next_run_at = ?, status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, ranAt, nextRun, status, id)
		return err
	})
}

// GetSchedule loads a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return sc, nil
}

// PauseSchedule transitions a schedule to paused, halting future firing until resumed.
func (s *Store) PauseSchedule(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE schedules SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(SchedulePaused), id)
		return err
	})
}

// CancelSchedule marks a schedule cancelled.
func (s *Store) CancelSchedule(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE schedules SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(ScheduleCancelled), id)
		return err
	})
}
