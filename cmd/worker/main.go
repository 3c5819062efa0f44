// Command worker is a reference implementation of the worker side of the
// dispatch protocol: it connects to dispatchd over a websocket, authenticates
// with a worker id and API key, and executes submitted tasks by running
// their prompt as a shell command inside an ephemeral Docker sandbox,
// streaming progress back and reporting completion or failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/relaywire/dispatchd/internal/classify"
	"github.com/relaywire/dispatchd/internal/pricing"
	"github.com/relaywire/dispatchd/internal/tools"
	"github.com/relaywire/dispatchd/internal/wire"
)

func main() {
	addr := flag.String("addr", "ws://127.0.0.1:18789/v1/worker/connect", "dispatchd gateway websocket URL")
	workerID := flag.String("worker-id", "", "worker identity (required)")
	apiKey := flag.String("api-key", os.Getenv("DISPATCHD_API_KEY"), "worker API key")
	image := flag.String("image", "golang:alpine", "docker image used as the task sandbox")
	workspace := flag.String("workspace", "/tmp/dispatchd-worker", "host directory bind-mounted as /workspace")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "worker", "worker_id", *workerID)
	slog.SetDefault(logger)

	if *workerID == "" {
		logger.Error("worker: -worker-id is required")
		os.Exit(2)
	}

	if err := os.MkdirAll(*workspace, 0o755); err != nil {
		logger.Error("worker: create workspace dir", "error", err)
		os.Exit(1)
	}

	sandbox, err := tools.NewDockerSandbox(*image, 512, "none", *workspace)
	if err != nil {
		logger.Error("worker: docker sandbox init failed", "error", err)
		os.Exit(1)
	}
	defer sandbox.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := &worker{
		id:      *workerID,
		apiKey:  *apiKey,
		addr:    *addr,
		sandbox: sandbox,
		logger:  logger,
		active:  make(map[string]context.CancelFunc),
	}

	for ctx.Err() == nil {
		if err := w.runOnce(ctx); err != nil {
			logger.Error("worker: connection ended", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
}

type worker struct {
	id      string
	apiKey  string
	addr    string
	sandbox *tools.DockerSandbox
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func (w *worker) trackTask(taskID string, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active[taskID] = cancel
}

func (w *worker) untrackTask(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, taskID)
}

func (w *worker) cancelTask(taskID string) {
	w.mu.Lock()
	cancel, ok := w.active[taskID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

// runOnce dials the gateway, authenticates, and processes frames until the
// connection drops or ctx is cancelled.
func (w *worker) runOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, w.addr, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	authEnv, err := wire.NewEnvelope(wire.KindAuthRequest, wire.AuthRequestPayload{WorkerID: w.id, APIKey: w.apiKey})
	if err != nil {
		return fmt.Errorf("build auth request: %w", err)
	}
	if err := w.send(ctx, conn, authEnv); err != nil {
		return fmt.Errorf("send auth request: %w", err)
	}

	_, raw, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	respEnv, err := wire.Decode(raw)
	if err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	var resp wire.AuthResponsePayload
	if err := wire.UnmarshalPayload(respEnv, &resp); err != nil {
		return fmt.Errorf("unmarshal auth response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("authentication rejected: %s", resp.Reason)
	}
	w.logger.Info("worker: authenticated")

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		env, err := wire.Decode(raw)
		if err != nil {
			w.logger.Warn("worker: malformed frame", "error", err)
			continue
		}
		w.handle(ctx, conn, env)
	}
}

func (w *worker) send(ctx context.Context, conn *websocket.Conn, env wire.Envelope) error {
	frame, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (w *worker) handle(ctx context.Context, conn *websocket.Conn, env wire.Envelope) {
	switch env.Type {
	case wire.KindHeartbeatPing:
		pong, err := wire.NewEnvelope(wire.KindHeartbeatPong, wire.HeartbeatPongPayload{})
		if err == nil {
			_ = w.send(ctx, conn, pong)
		}
	case wire.KindTaskSubmit:
		var p wire.TaskSubmitPayload
		if err := wire.UnmarshalPayload(env, &p); err != nil {
			w.logger.Warn("worker: malformed TaskSubmit", "error", err)
			return
		}
		go w.runTask(ctx, conn, p)
	case wire.KindTaskCancel:
		var p wire.TaskCancelPayload
		if err := wire.UnmarshalPayload(env, &p); err != nil {
			return
		}
		w.cancelTask(p.TaskID)
	case wire.KindSystemRestart:
		w.logger.Info("worker: cloud announced restart", "payload", string(env.Payload))
	default:
		w.logger.Debug("worker: ignoring frame", "kind", env.Type)
	}
}

// runTask executes a submitted task's prompt as a shell command in the
// sandbox, streaming an ack, a progress step, and a terminal completion or
// error frame.
func (w *worker) runTask(ctx context.Context, conn *websocket.Conn, p wire.TaskSubmitPayload) {
	taskCtx, cancel := context.WithCancel(ctx)
	w.trackTask(p.TaskID, cancel)
	defer w.untrackTask(p.TaskID)
	defer cancel()

	ack, err := wire.NewEnvelope(wire.KindTaskAck, wire.TaskAckPayload{TaskID: p.TaskID, SessionID: p.SessionID})
	if err == nil {
		_ = w.send(ctx, conn, ack)
	}

	progress, err := wire.NewEnvelope(wire.KindTaskProgress, wire.TaskProgressPayload{TaskID: p.TaskID, Step: "running in sandbox", Percent: 50})
	if err == nil {
		_ = w.send(ctx, conn, progress)
	}

	start := time.Now()
	stdout, stderr, exitCode, execErr := w.sandbox.Exec(taskCtx, p.Prompt, "/workspace")
	duration := time.Since(start)

	if execErr != nil {
		// The sandbox itself failed to run the command (lost container,
		// broken image, etc.) rather than the command running and failing;
		// resubmitting the same prompt won't fix that on its own.
		cls := classify.Permanentf("sandbox exec: %v", execErr)
		errEnv, buildErr := wire.NewEnvelope(wire.KindTaskError, wire.TaskErrorPayload{TaskID: p.TaskID, Reason: cls.Error(), Fatal: cls.Permanent})
		if buildErr == nil {
			_ = w.send(ctx, conn, errEnv)
		}
		return
	}

	if exitCode != 0 {
		// The command ran to completion and reported failure; a fixed
		// prompt or a retry of the same one is often worth offering.
		reason := fmt.Sprintf("command exited %d: %s", exitCode, truncate(stderr, 2000))
		cls := classify.Retryablef("%s", reason)
		errEnv, buildErr := wire.NewEnvelope(wire.KindTaskError, wire.TaskErrorPayload{TaskID: p.TaskID, Reason: cls.Error(), Fatal: cls.Permanent})
		if buildErr == nil {
			_ = w.send(ctx, conn, errEnv)
		}
		return
	}

	inputTokens := estimateTokens(p.Prompt)
	outputTokens := estimateTokens(stdout)
	cost := pricing.EstimateCost(p.Model, inputTokens, outputTokens)

	complete := wire.TaskCompletePayload{
		TaskID:        p.TaskID,
		SessionID:     p.SessionID,
		Result:        stdout,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		EstimatedCost: cost,
		DurationMs:    duration.Milliseconds(),
	}
	completeEnv, buildErr := wire.NewEnvelope(wire.KindTaskComplete, complete)
	if buildErr != nil {
		w.logger.Error("worker: build TaskComplete envelope", "error", buildErr)
		return
	}
	if err := w.send(ctx, conn, completeEnv); err != nil {
		w.logger.Error("worker: send TaskComplete", "error", err)
	}
}

// estimateTokens is a rough chars/4 proxy, matching the heuristic dispatchd's
// chat-side routing uses before a real token count is available.
func estimateTokens(s string) int {
	return len(s)/4 + 1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
