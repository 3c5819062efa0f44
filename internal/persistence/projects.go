package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateProject inserts a project row, or updates it in place if id already
// exists. channel_id must be unique. The upsert makes re-running the
// projects.yaml reconciler on every config hot-reload a no-op when nothing
// changed.
func (s *Store) CreateProject(ctx context.Context, p Project) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (id, channel_id, display_name, local_path, preferred_worker_id, default_model, default_budget, deploy_platform)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				channel_id = excluded.channel_id,
				display_name = excluded.display_name,
				local_path = excluded.local_path,
				preferred_worker_id = excluded.preferred_worker_id,
				default_model = excluded.default_model,
				default_budget = excluded.default_budget,
				deploy_platform = excluded.deploy_platform,
				updated_at = CURRENT_TIMESTAMP
		`, p.ID, p.ChannelID, p.DisplayName, p.LocalPath, p.PreferredWorkerID, p.DefaultModel, p.DefaultBudget, p.DeployPlatform)
		return err
	})
}

func scanProject(row interface{ Scan(...interface{}) error }) (Project, error) {
	var p Project
	if err := row.Scan(&p.ID, &p.ChannelID, &p.DisplayName, &p.LocalPath, &p.PreferredWorkerID,
		&p.DefaultModel, &p.DefaultBudget, &p.DeployPlatform, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Project{}, err
	}
	return p, nil
}

const projectColumns = `id, channel_id, display_name, local_path, preferred_worker_id, default_model, default_budget, deploy_platform, created_at, updated_at`

// ProjectByChannel resolves the project bound to a chat channel id.
func (s *Store) ProjectByChannel(ctx context.Context, channelID string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE channel_id = ?`, channelID)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("project by channel %s: %w", channelID, err)
	}
	return p, nil
}

// GetProject loads a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}
