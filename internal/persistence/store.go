// Package persistence is the SQLite-backed storage collaborator: task CRUD,
// project/credential lookup, the durable offline queue, schedules, and the
// audit log table. It owns the single sqlite3 connection for the process.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/relaywire/dispatchd/internal/bus"
)

const (
	schemaVersion  = 1
	schemaChecksum = "dispatchd-v1-task-dispatch-fabric"
)

// Store wraps the database handle and the event bus used to announce
// state changes observed purely from storage-level writes.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// DefaultDBPath returns the default sqlite path under the process home dir.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".dispatchd", "dispatchd.db")
}

// Open creates (if needed) and opens the sqlite database at path, applying
// pragmas and running migrations. A single connection is used throughout:
// sqlite3 serializes writers anyway, and a pool just multiplies lock churn.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for callers that need a raw query
// (audit log writer, ad-hoc reporting).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var appliedChecksum string
	err = tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?`, schemaVersion).Scan(&appliedChecksum)
	switch {
	case err == sql.ErrNoRows:
		if err := s.applySchema(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)`, schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("record schema_migrations: %w", err)
		}
	case err != nil:
		return fmt.Errorf("query schema_migrations: %w", err)
	default:
		if appliedChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch: db has %q, binary expects %q", appliedChecksum, schemaChecksum)
		}
	}

	return tx.Commit()
}

func (s *Store) applySchema(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			local_path TEXT NOT NULL DEFAULT '',
			preferred_worker_id TEXT NOT NULL DEFAULT '',
			default_model TEXT NOT NULL DEFAULT '',
			default_budget REAL NOT NULL DEFAULT 0,
			deploy_platform TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			worker_id TEXT NOT NULL DEFAULT '',
			bot_name TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			max_budget REAL NOT NULL DEFAULT 0,
			allowed_tools TEXT NOT NULL DEFAULT '[]',
			parent_task_id TEXT,
			channel_id TEXT NOT NULL DEFAULT '',
			thread_ts TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			anchor_message_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			estimated_cost REAL NOT NULL DEFAULT 0,
			files_changed TEXT NOT NULL DEFAULT '[]',
			commands_run TEXT NOT NULL DEFAULT '[]',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			result TEXT NOT NULL DEFAULT '',
			continuation_count INTEGER NOT NULL DEFAULT 0,
			max_continuations INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);`,
		`CREATE TABLE IF NOT EXISTS credentials (
			api_key TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at TIMESTAMP,
			revoked INTEGER NOT NULL DEFAULT 0,
			last_used_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_worker ON credentials(worker_id);`,
		`CREATE TABLE IF NOT EXISTS offline_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			enqueued_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expire_at TIMESTAMP NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0,
			attempt_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_offline_queue_worker ON offline_queue(worker_id, delivered);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			cron_expr TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT 'UTC',
			run_at TIMESTAMP,
			next_run_at TIMESTAMP,
			last_run_at TIMESTAMP,
			status TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(next_run_at, status);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			policy_version TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w (stmt: %s)", err, stmt)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter. maxRetries=5 gives ~1.5s of
// extra headroom on top of the driver's own busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
