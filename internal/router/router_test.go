package router

import (
	"context"
	"testing"

	"github.com/relaywire/dispatchd/internal/wire"
)

func TestRoute_InvokesRegisteredHandler(t *testing.T) {
	r := New(nil)
	var got wire.Envelope
	var gotWorker string
	r.On(wire.KindTaskAck, func(ctx context.Context, workerID string, env wire.Envelope) {
		got = env
		gotWorker = workerID
	})

	env, _ := wire.NewEnvelope(wire.KindTaskAck, wire.TaskAckPayload{TaskID: "t1"})
	r.Route(context.Background(), "w1", env)

	if gotWorker != "w1" {
		t.Fatalf("expected worker w1, got %q", gotWorker)
	}
	if got.Type != wire.KindTaskAck {
		t.Fatalf("expected TaskAck, got %s", got.Type)
	}
}

func TestRoute_UnknownKindDoesNotPanic(t *testing.T) {
	r := New(nil)
	env, _ := wire.NewEnvelope(wire.KindSystemRestart, wire.SystemRestartPayload{})
	r.Route(context.Background(), "w1", env)
}

func TestRoute_HandlerPanicIsRecovered(t *testing.T) {
	r := New(nil)
	r.On(wire.KindTaskAck, func(ctx context.Context, workerID string, env wire.Envelope) {
		panic("boom")
	})
	env, _ := wire.NewEnvelope(wire.KindTaskAck, wire.TaskAckPayload{TaskID: "t1"})

	defer func() {
		if rec := recover(); rec != nil {
			t.Fatalf("expected panic to be recovered inside Route, got %v", rec)
		}
	}()
	r.Route(context.Background(), "w1", env)
}
