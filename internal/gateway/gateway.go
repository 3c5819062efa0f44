// Package gateway is the connection gateway (C3): it accepts worker
// websocket connections, enforces an authentication window, runs the
// heartbeat sweep, and forwards authenticated frames to the message router.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/relaywire/dispatchd/internal/persistence"
	"github.com/relaywire/dispatchd/internal/registry"
	"github.com/relaywire/dispatchd/internal/wire"
)

// Router receives frames from authenticated workers once the gateway has
// stripped out auth/heartbeat handling. Implemented by the message router
// (C7).
type Router interface {
	Route(ctx context.Context, workerID string, env wire.Envelope)
}

// CredentialStore is the subset of persistence the gateway needs to
// authenticate a worker's AuthRequest.
type CredentialStore interface {
	CredentialByKey(ctx context.Context, apiKey string) (persistence.Credential, error)
	TouchCredential(ctx context.Context, apiKey string) error
}

// Config wires the gateway's collaborators.
type Config struct {
	Registry         *registry.Registry
	Router           Router
	Credentials      CredentialStore
	AllowOrigins     []string
	AuthTimeout      time.Duration
	HeartbeatPeriod  time.Duration
	LivenessMultiple int // dead-worker threshold = HeartbeatPeriod * LivenessMultiple
	Logger           *slog.Logger
}

// Server accepts inbound worker socket connections at a known HTTP path.
type Server struct {
	cfg    Config
	logger *slog.Logger

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New constructs a gateway server and normalizes defaults.
func New(cfg Config) *Server {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 30 * time.Second
	}
	if cfg.LivenessMultiple <= 0 {
		cfg.LivenessMultiple = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger, stopSweep: make(chan struct{})}
}

// StartHeartbeatSweep runs the periodic liveness ticker until ctx is done or
// Stop is called. Call once, typically from the process main.
func (s *Server) StartHeartbeatSweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatPeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopSweep:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Stop ends the heartbeat sweep loop.
func (s *Server) Stop() {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
}

func (s *Server) sweep() {
	threshold := s.cfg.HeartbeatPeriod * time.Duration(s.cfg.LivenessMultiple)
	dead := s.cfg.Registry.SweepDead(threshold)
	for _, id := range dead {
		s.logger.Info("gateway: swept dead worker", "worker_id", id)
	}

	ping, err := wire.NewEnvelope(wire.KindHeartbeatPing, wire.HeartbeatPingPayload{ServerTime: time.Now().UnixMilli()})
	if err != nil {
		s.logger.Error("gateway: build heartbeat ping", "error", err)
		return
	}
	frame, err := wire.Encode(ping)
	if err != nil {
		s.logger.Error("gateway: encode heartbeat ping", "error", err)
		return
	}
	for _, id := range s.cfg.Registry.OnlineWorkers() {
		s.cfg.Registry.Send(id, frame)
	}
}

// ServeHTTP upgrades the connection and runs the per-connection read loop
// until the socket closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	sock := &wsSocket{conn: conn}
	s.handleConnection(r.Context(), sock)
}

func (s *Server) handleConnection(ctx context.Context, sock *wsSocket) {
	var workerID string
	authenticated := false

	authTimer := time.AfterFunc(s.cfg.AuthTimeout, func() {
		if !authenticated {
			_ = sock.Close(4001, "auth timeout")
		}
	})
	defer authTimer.Stop()

	defer func() {
		if authenticated && workerID != "" {
			s.cfg.Registry.Unregister(workerID, sock)
		}
		_ = sock.conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		raw, err := sock.Read(ctx)
		if err != nil {
			return
		}
		env, err := wire.Decode(raw)
		if err != nil {
			s.logger.Warn("gateway: malformed envelope", "error", err)
			continue
		}

		if !authenticated {
			if env.Type != wire.KindAuthRequest {
				_ = sock.Close(4002, "must auth")
				return
			}
			ok, id, closeCode := s.handleAuth(ctx, sock, env)
			if !ok {
				reason := "invalid credential"
				if closeCode == closeCodeMalformedAuth {
					reason = "malformed auth payload"
				}
				_ = sock.Close(closeCode, reason)
				return
			}
			authTimer.Stop()
			authenticated = true
			workerID = id
			s.cfg.Registry.Register(workerID, sock)
			continue
		}

		if env.Type == wire.KindHeartbeatPong {
			s.cfg.Registry.Touch(workerID)
			continue
		}

		if ok, verr := wire.Validate(env); verr != nil {
			s.logger.Warn("gateway: schema validation failed", "worker_id", workerID, "kind", env.Type, "error", verr)
			continue
		} else if !ok {
			s.logger.Warn("gateway: unknown message kind", "worker_id", workerID, "kind", env.Type)
			continue
		}

		if s.cfg.Router != nil {
			s.cfg.Router.Route(ctx, workerID, env)
		}
	}
}

// closeCodeMalformedAuth and closeCodeInvalidCredential distinguish a
// caller that sent garbage from one that authenticated with a key the
// server doesn't accept.
const (
	closeCodeMalformedAuth     = 4003
	closeCodeInvalidCredential = 4004
)

func (s *Server) handleAuth(ctx context.Context, sock *wsSocket, env wire.Envelope) (ok bool, workerID string, closeCode int) {
	var req wire.AuthRequestPayload
	if err := wire.UnmarshalPayload(env, &req); err != nil {
		s.sendAuthResponse(ctx, sock, false, "malformed auth payload")
		return false, "", closeCodeMalformedAuth
	}

	cred, err := s.cfg.Credentials.CredentialByKey(ctx, req.APIKey)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			s.logger.Error("gateway: credential lookup failed", "error", err)
		}
		s.sendAuthResponse(ctx, sock, false, "invalid credential")
		return false, "", closeCodeInvalidCredential
	}
	if cred.WorkerID != req.WorkerID || !cred.Valid(time.Now()) {
		s.sendAuthResponse(ctx, sock, false, "invalid credential")
		return false, "", closeCodeInvalidCredential
	}

	_ = s.cfg.Credentials.TouchCredential(ctx, req.APIKey)
	s.sendAuthResponse(ctx, sock, true, "")
	return true, req.WorkerID, 0
}

func (s *Server) sendAuthResponse(ctx context.Context, sock *wsSocket, success bool, reason string) {
	env, err := wire.NewEnvelope(wire.KindAuthResponse, wire.AuthResponsePayload{Success: success, Reason: reason})
	if err != nil {
		return
	}
	frame, err := wire.Encode(env)
	if err != nil {
		return
	}
	_ = sock.Send(frame)
}

// wsSocket adapts a coder/websocket connection to the registry.Socket
// interface.
type wsSocket struct {
	conn *websocket.Conn
}

func (w *wsSocket) Send(frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return w.conn.Write(ctx, websocket.MessageText, frame)
}

func (w *wsSocket) Close(code int, reason string) error {
	return w.conn.Close(websocket.StatusCode(code), reason)
}

func (w *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}
