package persistence

import (
	"context"
	"fmt"
	"time"
)

// EnqueueOffline persists a message owed to workerId with the given TTL.
func (s *Store) EnqueueOffline(ctx context.Context, workerID, kind, payload string, ttl time.Duration) (int64, error) {
	expireAt := time.Now().Add(ttl)
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO offline_queue (worker_id, kind, payload, expire_at) VALUES (?, ?, ?, ?)
		`, workerID, kind, payload, expireAt)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue offline: %w", err)
	}
	return id, nil
}

// PendingForWorker lists non-delivered, non-expired entries for one worker, oldest first.
func (s *Store) PendingForWorker(ctx context.Context, workerID string) ([]OfflineQueueEntry, error) {
	return s.queryPending(ctx, `WHERE worker_id = ? AND delivered = 0 AND expire_at > ? ORDER BY id ASC`, workerID, time.Now())
}

// PendingAll lists all non-delivered, non-expired entries across every worker, oldest first.
func (s *Store) PendingAll(ctx context.Context) ([]OfflineQueueEntry, error) {
	return s.queryPending(ctx, `WHERE delivered = 0 AND expire_at > ? ORDER BY id ASC`, time.Now())
}

func (s *Store) queryPending(ctx context.Context, whereClause string, args ...interface{}) ([]OfflineQueueEntry, error) {
	query := `SELECT id, worker_id, kind, payload, enqueued_at, expire_at, delivered, attempt_count FROM offline_queue ` + whereClause
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query offline queue: %w", err)
	}
	defer rows.Close()

	var out []OfflineQueueEntry
	for rows.Next() {
		var e OfflineQueueEntry
		if err := rows.Scan(&e.ID, &e.WorkerID, &e.Kind, &e.Payload, &e.EnqueuedAt, &e.ExpireAt, &e.Delivered, &e.AttemptCount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDelivered flips an entry's delivered flag — a no-op if already delivered,
// preserving the "delivered count never exceeds 1" invariant.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE offline_queue SET delivered = 1 WHERE id = ? AND delivered = 0`, id)
		return err
	})
}

// IncrementAttempt bumps an entry's delivery-attempt counter after a failed try.
func (s *Store) IncrementAttempt(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE offline_queue SET attempt_count = attempt_count + 1 WHERE id = ?`, id)
		return err
	})
}

// CleanExpired removes entries past their expiry, delivered or not.
func (s *Store) CleanExpired(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE expire_at <= ?`, time.Now())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("clean expired offline queue: %w", err)
	}
	return n, nil
}
