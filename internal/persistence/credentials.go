package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateCredential issues an API key for a worker id, or updates its
// worker-id/expiry/revoked bits in place if the key already exists. The
// upsert lets the credentials.yaml reconciler re-run on every config
// hot-reload without re-revoking an untouched key.
func (s *Store) CreateCredential(ctx context.Context, c Credential) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO credentials (api_key, worker_id, expires_at, revoked)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(api_key) DO UPDATE SET
				worker_id = excluded.worker_id,
				expires_at = excluded.expires_at
		`, c.APIKey, c.WorkerID, c.ExpiresAt, c.Revoked)
		return err
	})
}

// CredentialByKey looks up a credential by its opaque key, for auth on connect.
func (s *Store) CredentialByKey(ctx context.Context, apiKey string) (Credential, error) {
	var c Credential
	var expiresAt, lastUsedAt sql.NullTime
	row := s.db.QueryRowContext(ctx, `
		SELECT api_key, worker_id, created_at, expires_at, revoked, last_used_at
		FROM credentials WHERE api_key = ?
	`, apiKey)
	if err := row.Scan(&c.APIKey, &c.WorkerID, &c.CreatedAt, &expiresAt, &c.Revoked, &lastUsedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("credential by key: %w", err)
	}
	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		c.LastUsedAt = &lastUsedAt.Time
	}
	return c, nil
}

// TouchCredential advances last_used_at on a successful authentication.
func (s *Store) TouchCredential(ctx context.Context, apiKey string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE credentials SET last_used_at = ? WHERE api_key = ?`, time.Now().UTC(), apiKey)
		return err
	})
}

// ListActiveCredentialKeys returns the api_key of every non-revoked
// credential, for the credentials.yaml reconciler to diff against.
func (s *Store) ListActiveCredentialKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT api_key FROM credentials WHERE revoked = 0`)
	if err != nil {
		return nil, fmt.Errorf("list active credential keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeCredential marks a credential revoked. Already-open sockets authenticated
// with it are unaffected per the spec — revocation only gates future auth attempts.
func (s *Store) RevokeCredential(ctx context.Context, apiKey string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE credentials SET revoked = 1 WHERE api_key = ?`, apiKey)
		return err
	})
}
