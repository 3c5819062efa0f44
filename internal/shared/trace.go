package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskKey struct{}
type workerKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTaskID attaches a task id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskKey{}, taskID)
}

// TaskID extracts the task id from context. Returns "-" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithWorkerID attaches a worker id to the context.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerKey{}, workerID)
}

// WorkerID extracts the worker id from context. Returns "-" if absent.
func WorkerID(ctx context.Context) string {
	if v, ok := ctx.Value(workerKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewMessageID generates a new envelope message id.
func NewMessageID() string {
	return uuid.NewString()
}
