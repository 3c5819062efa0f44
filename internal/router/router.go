// Package router is the message router (C7): a trivial type-dispatcher that
// looks up a handler by message kind and invokes it, catching and logging
// any handler panic so one bad event can never take down a connection.
package router

import (
	"context"
	"log/slog"

	"github.com/relaywire/dispatchd/internal/wire"
)

// Handler processes one envelope's payload for a given worker.
type Handler func(ctx context.Context, workerID string, env wire.Envelope)

// Router dispatches envelopes to handlers keyed by kind.
type Router struct {
	handlers map[wire.Kind]Handler
	logger   *slog.Logger
}

// New constructs an empty router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{handlers: make(map[wire.Kind]Handler), logger: logger}
}

// On registers handler for kind, replacing any previous registration.
func (r *Router) On(kind wire.Kind, handler Handler) {
	r.handlers[kind] = handler
}

// Route looks up the handler for env.Type and invokes it. Unknown kinds are
// logged and ignored. A handler that panics is recovered and logged; the
// socket is not disturbed.
func (r *Router) Route(ctx context.Context, workerID string, env wire.Envelope) {
	handler, ok := r.handlers[env.Type]
	if !ok {
		r.logger.Warn("router: no handler registered", "kind", env.Type, "worker_id", workerID)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("router: handler panicked", "kind", env.Type, "worker_id", workerID, "panic", rec)
		}
	}()
	handler(ctx, workerID, env)
}
