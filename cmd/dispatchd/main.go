// Command dispatchd runs the cloud dispatch fabric: the gateway that accepts
// worker socket connections, the message router and task lifecycle handlers,
// the offline queue, the command service chat surfaces submit through, and
// the supporting cron, resource-monitor, and retention background loops.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/relaywire/dispatchd/internal/audit"
	"github.com/relaywire/dispatchd/internal/bus"
	"github.com/relaywire/dispatchd/internal/channels"
	"github.com/relaywire/dispatchd/internal/command"
	"github.com/relaywire/dispatchd/internal/config"
	"github.com/relaywire/dispatchd/internal/coordinator"
	"github.com/relaywire/dispatchd/internal/cron"
	"github.com/relaywire/dispatchd/internal/gateway"
	"github.com/relaywire/dispatchd/internal/lifecycle"
	"github.com/relaywire/dispatchd/internal/offlinequeue"
	otelPkg "github.com/relaywire/dispatchd/internal/otel"
	"github.com/relaywire/dispatchd/internal/persistence"
	"github.com/relaywire/dispatchd/internal/registry"
	"github.com/relaywire/dispatchd/internal/resource"
	"github.com/relaywire/dispatchd/internal/router"
	"github.com/relaywire/dispatchd/internal/stream"
	"github.com/relaywire/dispatchd/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `dispatchd - cloud dispatch fabric

Usage:
  %s [flags]

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	daemon := flag.Bool("daemon", false, "run in daemon mode (quiet stdout, logs to file only)")
	flag.Usage = printUsage
	flag.Parse()

	quietLogs := *daemon
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		quietLogs = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	metricsEnabled := cfg.Telemetry.MetricsEnabled
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: &metricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(ctx) }()

	dbPath := filepath.Join(cfg.HomeDir, "dispatchd.db")
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	if err := reconcileProjects(ctx, store, cfg.HomeDir, logger); err != nil {
		fatalStartup(logger, "E_PROJECTS_RECONCILE", err)
	}
	if err := reconcileCredentials(ctx, store, cfg.HomeDir, logger); err != nil {
		fatalStartup(logger, "E_CREDENTIALS_RECONCILE", err)
	}
	botPluginEntries, err := config.LoadBotPlugins(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_BOTS_LOAD", err)
	}
	botPlugins := buildBotPlugins(botPluginEntries)

	reg := registry.New(eventBus, logger)

	var notifier *channels.Telegram
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		notifier, err = channels.NewTelegram(cfg.Channels.Telegram.Token, store, logger)
		if err != nil {
			fatalStartup(logger, "E_TELEGRAM_INIT", err)
		}
		logger.Info("startup phase", "phase", "telegram_connected")
	}

	accum := stream.New(posterOrNil(notifier), logger)

	enqueuer := offlinequeue.NewEnqueuer(store, time.Duration(cfg.OfflineQueue.TTLMs)*time.Millisecond)

	waiter := coordinator.NewWaiter(eventBus, store)
	driver := coordinator.NewDriver(store, waiter, nil, eventBus)

	cmdSvc := command.New(store, reg, enqueuer, driver, botPlugins, cfg.MaxContinuations, logger)
	driver.SetDispatcher(cmdSvc)

	var continuer lifecycle.Continuer = cmdSvc
	handlers := lifecycle.New(store, accum, driver, continuer, notifierOrNil(notifier), eventBus, logger)

	r := router.New(logger)
	handlers.Register(r)

	drainCfg := offlinequeue.Config{
		MaxConcurrentDeliveries: cfg.OfflineQueue.MaxConcurrentDeliveries,
		PreserveOrder:           cfg.OfflineQueue.PreserveOrder,
		RetryAttempts:           cfg.OfflineQueue.RetryAttempts,
		RetryDelay:              time.Duration(cfg.OfflineQueue.RetryDelayMs) * time.Millisecond,
		DeliveryTimeout:         time.Duration(cfg.OfflineQueue.DeliveryTimeoutMs) * time.Millisecond,
	}
	drainer := offlinequeue.New(store, reg, store, notifierOrAnchor(notifier), drainCfg, logger)

	gw := gateway.New(gateway.Config{
		Registry:         reg,
		Router:           r,
		Credentials:      store,
		AllowOrigins:     cfg.AllowOrigins,
		AuthTimeout:      time.Duration(cfg.AuthTimeoutMs) * time.Millisecond,
		HeartbeatPeriod:  time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond,
		LivenessMultiple: 3,
		Logger:           logger,
	})

	scheduler := cron.NewScheduler(cron.Config{
		Store:     store,
		Submitter: cmdSvc,
		Logger:    logger,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	memThresholds := resource.DefaultThresholds(cfg.Resource.MaxMemoryPct)
	cpuThresholds := resource.DefaultThresholds(cfg.Resource.MaxCPUPct)
	monitor := resource.New(memThresholds, cpuThresholds,
		time.Duration(cfg.Resource.HealthCheckInterval)*time.Millisecond,
		&taskCanceller{store: store, svc: cmdSvc, logger: logger},
		&shutdownInitiator{cancel: stop, logger: logger},
		logger,
	)
	go monitor.Run(ctx)

	gw.StartHeartbeatSweep(ctx)
	defer gw.Stop()

	go runRetentionSweep(ctx, store, time.Duration(cfg.Retention.TaskRetentionDays)*24*time.Hour, logger)
	go drainer.Run(ctx)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start; hot-reload disabled", "error", err)
	} else {
		go watchConfigReloads(ctx, confWatcher, store, cfg, logger)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/worker/connect", gw)
	mux.Handle("/v1/admin/schedules", newScheduleHandler(cmdSvc, logger))
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: mux,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if isAddrInUse(err) {
				err = fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr))
			}
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			fatalStartup(logger, "E_GATEWAY_LISTEN", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeoutSeconds)*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// notifierOrNil returns a nil lifecycle.Notifier interface value when t is
// nil, since a non-nil *Telegram wrapped in a nil interface would otherwise
// compare non-nil.
func notifierOrNil(t *channels.Telegram) lifecycle.Notifier {
	if t == nil {
		return nil
	}
	return t
}

// noopPoster satisfies stream.ChatPoster when no chat adapter is configured,
// so the accumulator can run without a nil-interface panic on every post.
type noopPoster struct{}

func (noopPoster) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	return "", nil
}

func (noopPoster) EditMessage(ctx context.Context, channelID, messageID, text string) error {
	return nil
}

func posterOrNil(t *channels.Telegram) stream.ChatPoster {
	if t == nil {
		return noopPoster{}
	}
	return t
}

func notifierOrAnchor(t *channels.Telegram) offlinequeue.AnchorNotifier {
	if t == nil {
		return nil
	}
	return t
}

// taskCanceller implements resource.TaskCanceller by cancelling the oldest
// still-active task through the command service's normal cancel path.
type taskCanceller struct {
	store  *persistence.Store
	svc    *command.Service
	logger *slog.Logger
}

func (c *taskCanceller) CancelOldestActive(ctx context.Context) (string, bool) {
	active, err := c.store.ListActiveTasks(ctx)
	if err != nil || len(active) == 0 {
		return "", false
	}
	oldest := active[0]
	if err := c.svc.Cancel(ctx, oldest.ID, "cancelled to relieve host resource pressure"); err != nil {
		c.logger.Error("resource monitor: failed to cancel oldest task", "task_id", oldest.ID, "error", err)
		return "", false
	}
	return oldest.ID, true
}

// shutdownInitiator implements resource.ShutdownInitiator by firing the same
// cancel function the OS signal handler uses, triggering the ordinary
// graceful-drain shutdown path.
type shutdownInitiator struct {
	cancel context.CancelFunc
	logger *slog.Logger
}

func (s *shutdownInitiator) InitiateGracefulShutdown(ctx context.Context, reason string) {
	s.logger.Error("initiating graceful shutdown due to resource exhaustion", "reason", reason)
	s.cancel()
}

// reconcileProjects upserts every entry in projects.yaml into the store. It
// is idempotent: re-running it with an unchanged file touches no rows.
func reconcileProjects(ctx context.Context, store *persistence.Store, homeDir string, logger *slog.Logger) error {
	entries, err := config.LoadProjects(homeDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := persistence.Project{
			ID:                e.ID,
			ChannelID:         e.ChannelID,
			DisplayName:       e.DisplayName,
			LocalPath:         e.LocalPath,
			PreferredWorkerID: e.PreferredWorkerID,
			DefaultModel:      e.DefaultModel,
			DefaultBudget:     e.DefaultBudget,
			DeployPlatform:    e.DeployPlatform,
		}
		if err := store.CreateProject(ctx, p); err != nil {
			return fmt.Errorf("reconcile project %s: %w", e.ID, err)
		}
	}
	if len(entries) > 0 {
		logger.Info("projects.yaml reconciled", "count", len(entries))
	}
	return nil
}

// reconcileCredentials upserts every entry in credentials.yaml into the
// store, then revokes any active credential no longer listed there — so
// deleting a line from credentials.yaml is how an operator revokes a
// worker's key without touching the database directly.
func reconcileCredentials(ctx context.Context, store *persistence.Store, homeDir string, logger *slog.Logger) error {
	entries, err := config.LoadCredentials(homeDir)
	if err != nil {
		return err
	}
	declared := make(map[string]bool, len(entries))
	for _, e := range entries {
		declared[e.APIKey] = true
		if err := store.CreateCredential(ctx, persistence.Credential{APIKey: e.APIKey, WorkerID: e.WorkerID}); err != nil {
			return fmt.Errorf("reconcile credential for worker %s: %w", e.WorkerID, err)
		}
	}

	active, err := store.ListActiveCredentialKeys(ctx)
	if err != nil {
		return fmt.Errorf("list active credentials: %w", err)
	}
	revoked := 0
	for _, key := range active {
		if declared[key] {
			continue
		}
		if err := store.RevokeCredential(ctx, key); err != nil {
			return fmt.Errorf("revoke dropped credential: %w", err)
		}
		revoked++
	}

	if len(entries) > 0 || revoked > 0 {
		logger.Info("credentials.yaml reconciled", "declared", len(entries), "revoked", revoked)
	}
	return nil
}

// buildBotPlugins converts the bots.yaml entries (or the built-in defaults)
// into the map the command service dispatches against. Unlike projects and
// credentials, bot plugins aren't persisted: they're pure configuration, so
// there's nothing to reconcile against the store, only to reload.
func buildBotPlugins(entries []config.BotPluginEntry) map[string]command.BotPlugin {
	plugins := make(map[string]command.BotPlugin, len(entries))
	for _, e := range entries {
		plugins[e.Command] = command.BotPlugin{
			Name:             e.Name,
			SystemPrompt:     e.SystemPrompt,
			Model:            e.Model,
			AllowedTools:     e.AllowedTools,
			DefaultBudget:    e.DefaultBudget,
			MaxContinuations: e.MaxContinuations,
			Decompose:        e.Decompose,
		}
	}
	return plugins
}

// scheduleRequest is the JSON body accepted by POST /v1/admin/schedules.
type scheduleRequest struct {
	ProjectID string     `json:"project_id"`
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	CronExpr  string     `json:"cron_expr,omitempty"`
	TimeZone  string     `json:"timezone,omitempty"`
	RunAt     *time.Time `json:"run_at,omitempty"`
	Command   string     `json:"command"`
	Prompt    string     `json:"prompt"`
}

// newScheduleHandler exposes C12 schedule creation over HTTP. It's the only
// production path that calls command.Service.CreateSchedule: dispatchd has
// no inbound chat-command parsing surface of its own, so an operator (or an
// external chat-ops integration) declares schedules this way.
func newScheduleHandler(svc *command.Service, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req scheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
			return
		}
		id, err := svc.CreateSchedule(r.Context(), command.CreateScheduleParams{
			ProjectID: req.ProjectID,
			Name:      req.Name,
			Kind:      persistence.ScheduleKind(req.Kind),
			CronExpr:  req.CronExpr,
			TimeZone:  req.TimeZone,
			RunAt:     req.RunAt,
			Command:   req.Command,
			Prompt:    req.Prompt,
		})
		if err != nil {
			logger.Warn("reject schedule creation", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
	})
}

// watchConfigReloads logs config.yaml edits as they arrive and reports which
// top-level settings changed. Most fields are captured by value into the
// collaborators built at startup, so a changed field is surfaced here rather
// than applied live; an operator still has to restart dispatchd to pick it
// up, but sees immediately whether their edit was noticed and well-formed.
// projects.yaml and credentials.yaml changes, by contrast, are reconciled
// into the store immediately since project/credential rows are read fresh on
// every lookup.
func watchConfigReloads(ctx context.Context, w *config.Watcher, store *persistence.Store, loaded config.Config, logger *slog.Logger) {
	baseline := loaded.Fingerprint()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			switch filepath.Base(ev.Path) {
			case "projects.yaml":
				if err := reconcileProjects(ctx, store, loaded.HomeDir, logger); err != nil {
					logger.Warn("config hot-reload: projects.yaml reconcile failed", "error", err)
				}
			case "credentials.yaml":
				if err := reconcileCredentials(ctx, store, loaded.HomeDir, logger); err != nil {
					logger.Warn("config hot-reload: credentials.yaml reconcile failed", "error", err)
				}
			case "config.yaml":
				next, err := config.Load()
				if err != nil {
					logger.Warn("config hot-reload: reload failed", "path", ev.Path, "error", err)
					continue
				}
				fp := next.Fingerprint()
				if fp == baseline {
					continue
				}
				baseline = fp
				logger.Info("config hot-reload: config.yaml changed; restart dispatchd to apply", "path", ev.Path, "fingerprint", fp)
			}
		}
	}
}

func runRetentionSweep(ctx context.Context, store *persistence.Store, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := store.TerminalOlderThan(ctx, retention)
			if err != nil {
				logger.Error("retention sweep: query failed", "error", err)
				continue
			}
			for _, id := range ids {
				if err := store.DeleteTask(ctx, id); err != nil {
					logger.Error("retention sweep: delete failed", "task_id", id, "error", err)
				}
			}
			if len(ids) > 0 {
				logger.Info("retention sweep: purged tasks", "count", len(ids))
			}
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, `{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	return fmt.Sprintf("Another process is using port %s. Stop it first or change bind_addr in config.yaml.", port)
}
