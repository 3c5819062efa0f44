// Package offlinequeue is the offline queue drain/retry logic (C4): it loads
// durably buffered messages from the persistence layer's offline_queue table
// and attempts delivery, in parallel by default, with linear-backoff retry
// and post-processing for TaskSubmit deliveries.
package offlinequeue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaywire/dispatchd/internal/persistence"
	"github.com/relaywire/dispatchd/internal/registry"
	"github.com/relaywire/dispatchd/internal/wire"
)

// Config holds drain-policy knobs, mirroring config.OfflineQueueConfig.
type Config struct {
	MaxConcurrentDeliveries int
	PreserveOrder           bool
	RetryAttempts           int
	RetryDelay              time.Duration
	DeliveryTimeout         time.Duration
	TickInterval            time.Duration
}

// Metrics tallies drain activity across the process lifetime.
type Metrics struct {
	mu               sync.Mutex
	Attempted        int64
	Delivered        int64
	Failed           int64
	totalDeliveryMs  int64
	deliveredSamples int64
}

func (m *Metrics) record(attempted, delivered, failed int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Attempted += attempted
	m.Delivered += delivered
	m.Failed += failed
	if delivered > 0 {
		m.totalDeliveryMs += elapsed.Milliseconds()
		m.deliveredSamples++
	}
}

// AvgDeliveryMs returns the mean delivery latency across all recorded
// successful deliveries, or 0 if none have succeeded yet.
func (m *Metrics) AvgDeliveryMs() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deliveredSamples == 0 {
		return 0
	}
	return float64(m.totalDeliveryMs) / float64(m.deliveredSamples)
}

// TaskStatusUpdater is the subset of persistence the drainer needs to
// post-process a delivered TaskSubmit.
type TaskStatusUpdater interface {
	UpdateTaskStatus(ctx context.Context, id string, newStatus persistence.TaskStatus) error
}

// AnchorNotifier flips a chat anchor's reaction/marker when a queued task
// transitions to in-progress. Optional; nil disables the notification.
type AnchorNotifier interface {
	NotifyDispatched(ctx context.Context, taskID string) error
}

// Drainer owns the delivery loop over the durable offline queue.
type Drainer struct {
	store    *persistence.Store
	registry *registry.Registry
	updater  TaskStatusUpdater
	notifier AnchorNotifier
	cfg      Config
	logger   *slog.Logger
	metrics  Metrics
}

// New constructs a drainer, normalizing zero-value config fields.
func New(store *persistence.Store, reg *registry.Registry, updater TaskStatusUpdater, notifier AnchorNotifier, cfg Config, logger *slog.Logger) *Drainer {
	if cfg.MaxConcurrentDeliveries <= 0 {
		cfg.MaxConcurrentDeliveries = 4
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{store: store, registry: reg, updater: updater, notifier: notifier, cfg: cfg, logger: logger}
}

// Metrics exposes the drainer's cumulative counters.
func (d *Drainer) Metrics() *Metrics { return &d.metrics }

// Run starts the periodic drain ticker; it also drains immediately on
// start. Blocks until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	d.DrainAll(ctx)
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DrainAll(ctx)
		}
	}
}

// DrainAll loads every pending entry and attempts delivery, either in
// parallel batches (default) or strictly sequentially (PreserveOrder).
func (d *Drainer) DrainAll(ctx context.Context) {
	entries, err := d.store.PendingAll(ctx)
	if err != nil {
		d.logger.Error("offlinequeue: load pending entries", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	if d.cfg.PreserveOrder {
		d.drainSequential(ctx, entries)
		return
	}
	d.drainParallel(ctx, entries)
}

// DrainWorker drains only the entries owed to one worker — called on the
// registry's connected event so a reconnecting worker catches up immediately.
func (d *Drainer) DrainWorker(ctx context.Context, workerID string) {
	entries, err := d.store.PendingForWorker(ctx, workerID)
	if err != nil {
		d.logger.Error("offlinequeue: load pending entries for worker", "worker_id", workerID, "error", err)
		return
	}
	d.drainParallel(ctx, entries)
}

func (d *Drainer) drainParallel(ctx context.Context, entries []persistence.OfflineQueueEntry) {
	sem := make(chan struct{}, d.cfg.MaxConcurrentDeliveries)
	var wg sync.WaitGroup
	for _, e := range entries {
		sem <- struct{}{}
		wg.Add(1)
		go func(entry persistence.OfflineQueueEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			d.deliver(ctx, entry)
		}(e)
	}
	wg.Wait()
}

func (d *Drainer) drainSequential(ctx context.Context, entries []persistence.OfflineQueueEntry) {
	for _, e := range entries {
		if !d.deliver(ctx, e) {
			return
		}
	}
}

// deliver attempts to send one entry, retrying with linear backoff. Returns
// true on eventual success.
func (d *Drainer) deliver(ctx context.Context, entry persistence.OfflineQueueEntry) bool {
	start := time.Now()
	workerID, online := d.registry.Resolve(entry.WorkerID)
	if !online {
		d.metrics.record(1, 0, 1, 0)
		return false
	}

	var sent bool
	for attempt := 0; attempt < d.cfg.RetryAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
		sent = d.registry.Send(workerID, []byte(entry.Payload))
		cancel()
		if sent {
			break
		}
		_ = d.store.IncrementAttempt(ctx, entry.ID)
		select {
		case <-ctx.Done():
			d.metrics.record(1, 0, 1, time.Since(start))
			return false
		case <-time.After(d.cfg.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if !sent {
		d.metrics.record(1, 0, 1, time.Since(start))
		return false
	}

	if err := d.store.MarkDelivered(ctx, entry.ID); err != nil {
		d.logger.Error("offlinequeue: mark delivered", "entry_id", entry.ID, "error", err)
	}
	d.metrics.record(1, 1, 0, time.Since(start))

	if entry.Kind == string(wire.KindTaskSubmit) {
		d.postProcessTaskSubmit(ctx, entry)
	}
	return true
}

func (d *Drainer) postProcessTaskSubmit(ctx context.Context, entry persistence.OfflineQueueEntry) {
	var payload wire.TaskSubmitPayload
	if err := wire.UnmarshalPayload(wire.Envelope{Type: wire.KindTaskSubmit, Payload: []byte(entry.Payload)}, &payload); err != nil {
		d.logger.Warn("offlinequeue: cannot parse delivered TaskSubmit payload", "entry_id", entry.ID, "error", err)
		return
	}
	if d.updater != nil {
		if err := d.updater.UpdateTaskStatus(ctx, payload.TaskID, persistence.TaskPending); err != nil {
			d.logger.Error("offlinequeue: transition delivered task to pending", "task_id", payload.TaskID, "error", err)
		}
	}
	if d.notifier != nil {
		if err := d.notifier.NotifyDispatched(ctx, payload.TaskID); err != nil {
			d.logger.Warn("offlinequeue: anchor notify failed", "task_id", payload.TaskID, "error", err)
		}
	}
}

// CleanExpired removes durable entries past their TTL.
func (d *Drainer) CleanExpired(ctx context.Context) (int64, error) {
	n, err := d.store.CleanExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("clean expired offline queue entries: %w", err)
	}
	return n, nil
}
