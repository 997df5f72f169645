// Package app assembles the service from its configuration and owns the
// component lifecycle: construct everything, start it in dependency order,
// shut it down in reverse.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"galion/internal/api"
	"galion/internal/broadcast"
	"galion/internal/config"
	"galion/internal/credentials"
	"galion/internal/engine"
	"galion/internal/extractor"
	"galion/internal/logger"
	"galion/internal/mirror"
	"galion/internal/network"
	"galion/internal/platform"
	"galion/internal/queue"
	"galion/internal/worker"
)

// reapInterval is how often the orphan reaper scans the processing set for
// jobs whose worker died without releasing them.
const reapInterval = time.Minute

// App holds every long-lived component of the service. Build one with New,
// then either call Run (blocks until the context ends) or drive Start and
// Shutdown yourself.
type App struct {
	settings *config.Settings
	logger   *slog.Logger
	closeLog func() error

	manager  *queue.Manager
	registry *platform.Registry
	bcast    *broadcast.Broadcaster
	mirror   *mirror.Mirror
	pool     *worker.Pool
	audit    *api.AuditLogger
	server   *api.Server
	schedule *Schedule

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New wires the full component graph from settings. Nothing is started; the
// returned App is inert until Start. The only side effects here are opening
// the log sinks and the mirror database.
func New(settings *config.Settings) (*App, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	log, closeLog, err := logger.New(os.Stderr, logger.Options{
		Level: settings.Logging.Level,
		File:  settings.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("app: logger: %w", err)
	}

	a := &App{settings: settings, logger: log, closeLog: closeLog}
	if err := a.build(); err != nil {
		_ = closeLog()
		return nil, err
	}
	return a, nil
}

// NewWithLogger is New for callers that already own a logger, such as tests
// and one-shot CLI commands. The App will not close the supplied logger.
func NewWithLogger(settings *config.Settings, log *slog.Logger) (*App, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	a := &App{settings: settings, logger: log, closeLog: func() error { return nil }}
	if err := a.build(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	s := a.settings

	var store queue.Store
	switch s.Queue.Backend {
	case "memory":
		store = queue.NewMemoryStore()
	case "redis", "":
		store = queue.NewRedisStore(s.Queue.RedisAddr, s.Queue.RedisDB)
	default:
		return fmt.Errorf("app: unknown queue backend %q", s.Queue.Backend)
	}

	a.manager = queue.NewManager(store, a.logger, queue.Options{
		MaxRetries:   s.Queue.MaxRetries,
		Retention:    s.JobRetention(),
		CompletedCap: s.Queue.CompletedLogCap,
	})

	eng := engine.New(a.logger, engine.Options{
		Timeout:    s.DownloadTimeout(),
		ChunkBytes: s.Downloads.ChunkBytes,
		Throttle:   network.NewThrottle(s.Downloads.RateBytesPerSec),
	})
	runner := extractor.New(s.Extractor.Path, a.logger)
	gate := network.NewRateGate(s.RateLimit.DefaultRPM, s.RateLimit.PerPlatform)
	creds := credentials.NewStore(s.Credentials.Endpoint, a.logger)

	a.registry = platform.DefaultRegistry(platform.NewDeps(
		eng, runner, gate, creds, s.Downloads.Root, a.logger,
	))
	for _, d := range a.registry.Descriptors() {
		gate.SetDefaultFor(d.ID, d.RateLimitRPM)
	}
	a.bcast = broadcast.New(a.logger)

	mir, err := mirror.Open(s.Mirror.DSN, a.logger)
	if err != nil {
		return fmt.Errorf("app: mirror: %w", err)
	}
	a.mirror = mir
	a.manager.SetEventSink(a.mirror.Consume)

	a.pool = worker.New(a.manager, a.registry, a.bcast, a.logger, worker.Options{})
	a.schedule = NewSchedule(a.manager, a.logger)

	a.audit = api.NewAuditLogger(a.auditPath(), a.logger)
	a.server = api.NewServer(api.Deps{
		Manager:     a.manager,
		Registry:    a.registry,
		Pool:        a.pool,
		Broadcaster: a.bcast,
		Mirror:      a.mirror,
		Audit:       a.audit,
		Logger:      a.logger,
		APIKey:      s.Server.APIKey,
		Root:        s.Downloads.Root,
	})
	return nil
}

// auditPath puts the audit trail next to the JSON log file. With no log file
// configured the audit logger still echoes entries to slog.
func (a *App) auditPath() string {
	if a.settings.Logging.File == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(a.settings.Logging.File), "audit.jsonl")
}

// Manager exposes the queue manager, mainly for one-shot CLI commands that
// enqueue work against an in-process App.
func (a *App) Manager() *queue.Manager { return a.manager }

// Registry exposes the platform registry.
func (a *App) Registry() *platform.Registry { return a.registry }

// Server exposes the HTTP front, for tests that drive the router directly.
func (a *App) Server() *api.Server { return a.server }

// Start brings the service up: requeue jobs orphaned by a previous crash,
// start the worker pool and the orphan reaper, then bind the listener. The
// listener comes last so no request arrives before workers exist.
func (a *App) Start(ctx context.Context) error {
	s := a.settings

	if err := a.manager.Ping(ctx); err != nil {
		return fmt.Errorf("app: queue store unreachable: %w", err)
	}

	requeued, err := a.manager.RecoverOrphans(ctx, 0)
	if err != nil {
		a.logger.Warn("Orphan recovery failed", "error", err)
	} else if requeued > 0 {
		a.logger.Info("Recovered orphaned jobs", "count", requeued)
	}

	a.pool.Start(ctx, s.Workers.Count)
	a.startReaper(ctx)
	if s.Schedule.Enabled {
		a.schedule.Apply(s.Schedule)
		a.schedule.Start()
	}

	if err := a.server.Start(s.Server.Listen); err != nil {
		a.schedule.Stop()
		a.stopReaper()
		_ = a.pool.Shutdown(ctx)
		return err
	}
	a.logger.Info("Service started",
		"listen", s.Server.Listen,
		"workers", s.Workers.Count,
		"queue_backend", s.Queue.Backend,
		"downloads_root", s.Downloads.Root)
	return nil
}

// startReaper periodically requeues jobs stuck in processing far longer than
// any download should run. Stale here means twice the per-fetch timeout, so
// a slow but live transfer is never stolen from its worker.
func (a *App) startReaper(ctx context.Context) {
	stale := 2 * a.settings.DownloadTimeout()
	a.reaperStop = make(chan struct{})
	a.reaperDone = make(chan struct{})
	go func() {
		defer close(a.reaperDone)
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.reaperStop:
				return
			case <-ticker.C:
				n, err := a.manager.RecoverOrphans(ctx, stale)
				if err != nil {
					a.logger.Warn("Orphan reap failed", "error", err)
				} else if n > 0 {
					a.logger.Info("Requeued stale jobs", "count", n, "older_than", stale)
				}
			}
		}
	}()
}

func (a *App) stopReaper() {
	if a.reaperStop == nil {
		return
	}
	close(a.reaperStop)
	<-a.reaperDone
	a.reaperStop = nil
}

// Shutdown stops the service in reverse start order: listener first so no
// new jobs arrive, then workers so in-flight jobs finish or requeue, then
// the mirror and log sinks.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(a.server.Shutdown(ctx))
	a.schedule.Stop()
	a.stopReaper()
	keep(a.pool.Shutdown(ctx))
	keep(a.mirror.Close())
	keep(a.audit.Close())
	a.logger.Info("Service stopped")
	keep(a.closeLog())

	if firstErr != nil {
		return firstErr
	}
	return nil
}

// Run starts the service and blocks until the context is cancelled or a
// termination signal arrives, then shuts down with a fresh grace window.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.Start(runCtx); err != nil {
		return err
	}
	WaitForSignals(func() {
		a.logger.Info("Termination signal received")
		cancel()
	})
	<-runCtx.Done()

	// The run context is already dead; give shutdown its own deadline.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return a.Shutdown(stopCtx)
}
