// Package registry is the agent registry (C2): it tracks connected workers,
// their liveness, and their active-task sets, and resolves which worker
// should receive a given piece of work.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/relaywire/dispatchd/internal/bus"
)

// Socket is the minimal transport surface the registry needs from a live
// worker connection. The connection gateway supplies the concrete
// coder/websocket-backed implementation.
type Socket interface {
	// Send writes one frame. A non-nil error means the socket is no longer
	// usable and should be evicted.
	Send(frame []byte) error
	// Close tears down the connection with a code and human-readable reason.
	Close(code int, reason string) error
}

// Connection is one live worker socket and its bookkeeping.
type Connection struct {
	WorkerID      string
	Socket        Socket
	ActiveTasks   map[string]bool
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// Registry maps worker id to its single live connection.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	bus    *bus.Bus
	logger *slog.Logger
}

// New constructs an empty registry.
func New(eventBus *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*Connection),
		bus:    eventBus,
		logger: logger,
	}
}

// Register installs socket as the live connection for id, evicting and
// closing any prior connection for the same id with reason "replaced".
// Emits a worker.connected event.
func (r *Registry) Register(id string, socket Socket) {
	r.mu.Lock()
	prior, had := r.conns[id]
	now := time.Now()
	r.conns[id] = &Connection{
		WorkerID:      id,
		Socket:        socket,
		ActiveTasks:   make(map[string]bool),
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
	r.mu.Unlock()

	if had {
		_ = prior.Socket.Close(1000, "replaced")
		r.logger.Info("registry: worker connection replaced", "worker_id", id)
	}

	if r.bus != nil {
		r.bus.Publish(bus.TopicWorkerConnected, bus.WorkerConnectionEvent{WorkerID: id})
	}
	r.logger.Info("registry: worker connected", "worker_id", id)
}

// Unregister removes id's connection only if socket is identity-equal to the
// one currently stored — protects against a stale close callback racing with
// a newer Register call for the same id.
func (r *Registry) Unregister(id string, socket Socket) {
	r.mu.Lock()
	cur, ok := r.conns[id]
	if !ok || cur.Socket != socket {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(bus.TopicWorkerDisconnected, bus.WorkerConnectionEvent{WorkerID: id})
	}
	r.logger.Info("registry: worker disconnected", "worker_id", id)
}

// Send writes frame to worker id's live socket. Returns false if the worker
// is not registered or the send itself failed.
func (r *Registry) Send(id string, frame []byte) bool {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := conn.Socket.Send(frame); err != nil {
		r.logger.Warn("registry: send failed", "worker_id", id, "error", err)
		return false
	}
	return true
}

// Resolve returns preferred if it is currently online; otherwise it returns
// whichever online worker has the fewest active tasks. Returns ok=false if
// no workers are online.
func (r *Registry) Resolve(preferred string) (id string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if preferred != "" {
		if _, online := r.conns[preferred]; online {
			return preferred, true
		}
	}

	best := ""
	bestLoad := -1
	for wid, conn := range r.conns {
		load := len(conn.ActiveTasks)
		if bestLoad == -1 || load < bestLoad {
			best, bestLoad = wid, load
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}

// Online reports whether id currently has a live connection.
func (r *Registry) Online(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[id]
	return ok
}

// OnlineWorkers returns the ids of every currently connected worker.
func (r *Registry) OnlineWorkers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Touch advances id's last-heartbeat to now. No-op if id is not registered.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[id]; ok {
		conn.LastHeartbeat = time.Now()
	}
}

// TrackTask records that a task is active on worker id.
func (r *Registry) TrackTask(workerID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[workerID]; ok {
		conn.ActiveTasks[taskID] = true
	}
}

// UntrackTask removes a task from worker id's active set, e.g. on terminal
// completion.
func (r *Registry) UntrackTask(workerID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[workerID]; ok {
		delete(conn.ActiveTasks, taskID)
	}
}

// SweepDead closes and removes every connection whose last-heartbeat is
// older than threshold, returning the ids it evicted.
func (r *Registry) SweepDead(threshold time.Duration) []string {
	cutoff := time.Now().Add(-threshold)

	r.mu.Lock()
	var dead []*Connection
	for id, conn := range r.conns {
		if conn.LastHeartbeat.Before(cutoff) {
			dead = append(dead, conn)
			delete(r.conns, id)
		}
	}
	r.mu.Unlock()

	evicted := make([]string, 0, len(dead))
	for _, conn := range dead {
		_ = conn.Socket.Close(1001, "heartbeat timeout")
		evicted = append(evicted, conn.WorkerID)
		if r.bus != nil {
			r.bus.Publish(bus.TopicWorkerDisconnected, bus.WorkerConnectionEvent{WorkerID: conn.WorkerID})
		}
		r.logger.Info("registry: swept dead worker", "worker_id", conn.WorkerID)
	}
	return evicted
}
