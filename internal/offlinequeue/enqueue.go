package offlinequeue

import (
	"context"
	"fmt"
	"time"

	"github.com/relaywire/dispatchd/internal/wire"
)

// DefaultTTL is used when no other TTL is configured.
const DefaultTTL = 24 * time.Hour

// Enqueuer wraps the persistence store's offline-queue insert with envelope
// construction, implementing command.OfflineEnqueuer.
type Enqueuer struct {
	store interface {
		EnqueueOffline(ctx context.Context, workerID, kind, payload string, ttl time.Duration) (int64, error)
	}
	ttl time.Duration
}

// NewEnqueuer constructs an Enqueuer with the given TTL (DefaultTTL if zero).
func NewEnqueuer(store interface {
	EnqueueOffline(ctx context.Context, workerID, kind, payload string, ttl time.Duration) (int64, error)
}, ttl time.Duration) *Enqueuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Enqueuer{store: store, ttl: ttl}
}

// Enqueue builds a full envelope for kind/payload and persists it as owed to
// workerID.
func (e *Enqueuer) Enqueue(ctx context.Context, workerID string, kind wire.Kind, payload any) error {
	env, err := wire.NewEnvelope(kind, payload)
	if err != nil {
		return fmt.Errorf("build envelope: %w", err)
	}
	frame, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if _, err := e.store.EnqueueOffline(ctx, workerID, string(kind), string(frame), e.ttl); err != nil {
		return fmt.Errorf("enqueue offline: %w", err)
	}
	return nil
}
