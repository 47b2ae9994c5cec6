package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/taskpilot/taskpilot/internal/api"
	"github.com/taskpilot/taskpilot/internal/app/archive"
	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/health"
	"github.com/taskpilot/taskpilot/internal/infra/engine"
	"github.com/taskpilot/taskpilot/internal/infra/execconfig"
	"github.com/taskpilot/taskpilot/internal/infra/notify"
	"github.com/taskpilot/taskpilot/internal/infra/scheduler"
	"github.com/taskpilot/taskpilot/internal/infra/sqlite"
	"github.com/taskpilot/taskpilot/internal/infra/storage"
)

// StaleReason is recorded on tasks found Processing at startup.
const StaleReason = "interrupted: daemon stopped while the task was running"

// shutdownTimeout bounds the HTTP drain on shutdown.
const shutdownTimeout = 30 * time.Second

// Daemon is the core taskpilot runtime. It wires together all services.
type Daemon struct {
	Config     Config
	DB         *sqlite.DB
	Progress   *engine.ProgressCache
	Executor   *engine.Executor
	ExecConfig *execconfig.Store
	Notifier   domain.Notifier
	Runner     *scheduler.Runner
	Scheduler  *scheduler.Scheduler
	Storage    storage.Storage
	Archive    *archive.Service
	Health     *health.Checker
	Server     *api.Server

	log    *slog.Logger
	cancel context.CancelFunc
}

// New loads the config and creates a Daemon with all services wired.
func New(ctx context.Context) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(ctx context.Context, cfg Config) (*Daemon, error) {
	db, err := sqlite.Open(Home())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	exec := engine.NewExecutor(ExecutorConfig(cfg.Agent))
	execCfg := execconfig.NewStore(cfg.Scheduler.ExecConfig)
	progress := engine.NewProgressCache()
	notifier := newNotifier(cfg.Notify)
	runner := scheduler.NewRunner(db, exec, progress, notifier)

	sched := scheduler.New(scheduler.Config{
		FetchLimit:    cfg.Scheduler.FetchLimit,
		ErrorBackoff:  parseDuration(cfg.Scheduler.ErrorBackoff, 0),
		JoinTimeout:   parseDuration(cfg.Scheduler.JoinTimeout, 0),
		QueueCapacity: cfg.Scheduler.QueueCapacity,
	}, db, execCfg, runner)

	store, err := storage.New(ctx, cfg.Archive.Storage)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open archive storage: %w", err)
	}
	def := archive.DefaultConfig()
	arch := archive.NewService(db, store, archive.Config{
		After:     parseDuration(cfg.Archive.After, def.After),
		Interval:  parseDuration(cfg.Archive.Interval, def.Interval),
		BatchSize: cfg.Archive.BatchSize,
	})

	checker := health.NewChecker(health.Options{
		DB:           db,
		WorkspaceDir: exec.Config().WorkspaceDir,
		AgentPath:    exec.Config().AgentPath,
		ExecConfig:   execCfg,
		Interval:     parseDuration(cfg.Health.Interval, health.DefaultInterval),
	})

	srv := api.NewServer(api.Options{
		DB:          db,
		Scheduler:   sched,
		Progress:    progress,
		ExecConfig:  execCfg,
		Health:      checker,
		Archiver:    arch,
		APIKey:      cfg.API.APIKey,
		CORSOrigins: cfg.API.CORSOrigins,
		Timeout:     parseDuration(cfg.API.RequestTimeout, 0),
	})

	return &Daemon{
		Config:     cfg,
		DB:         db,
		Progress:   progress,
		Executor:   exec,
		ExecConfig: execCfg,
		Notifier:   notifier,
		Runner:     runner,
		Scheduler:  sched,
		Storage:    store,
		Archive:    arch,
		Health:     checker,
		Server:     srv,
		log:        slog.Default().With("component", "daemon"),
	}, nil
}

// ExecutorConfig translates the [agent] section.
func ExecutorConfig(a AgentConfig) engine.ExecutorConfig {
	return engine.ExecutorConfig{
		AgentPath:    a.Path,
		WorkspaceDir: a.WorkspaceDir,
		Timeout:      parseDuration(a.Timeout, engine.DefaultTimeout),
		Preamble:     a.Preamble,
		NoPreamble:   a.NoPreamble,
	}
}

func newNotifier(cfg NotifyConfig) domain.Notifier {
	var ns notify.Multi
	if cfg.Log {
		ns = append(ns, notify.NewLogNotifier())
	}
	if cfg.WebhookURL != "" {
		opts := []notify.WebhookOption{
			notify.WithHTTPClient(&http.Client{
				Timeout: parseDuration(cfg.WebhookTimeout, notify.DefaultWebhookTimeout),
			}),
		}
		if cfg.WebhookSecret != "" {
			opts = append(opts, notify.WithSecret(cfg.WebhookSecret))
		}
		ns = append(ns, notify.NewBreaker("webhook",
			notify.NewWebhookNotifier(cfg.WebhookURL, opts...),
			notify.BreakerConfig{
				Threshold:    cfg.BreakerThreshold,
				ResetTimeout: parseDuration(cfg.BreakerReset, 0),
			}))
	}
	if len(ns) == 0 {
		return nil
	}
	return ns
}

// Addr is the listen address of the ops API.
func (d *Daemon) Addr() string {
	return net.JoinHostPort(d.Config.API.Host, strconv.Itoa(d.Config.API.Port))
}

// Serve starts the scheduler, background services and HTTP server, and
// blocks until ctx is cancelled or SIGINT/SIGTERM arrives.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	if n, err := d.DB.FailStale(ctx, StaleReason); err != nil {
		return fmt.Errorf("reconcile stale tasks: %w", err)
	} else if n > 0 {
		d.log.Warn("failed tasks left processing by a previous run", "count", n)
	}

	if wake, err := d.ExecConfig.Watch(ctx); err != nil {
		d.log.Warn("exec config watcher unavailable, changes apply on the next tick", "error", err)
	} else {
		d.Scheduler.SetWake(wake)
	}

	wg := conc.NewWaitGroup()
	wg.Go(func() {
		if err := d.Scheduler.Run(ctx); err != nil {
			d.log.Error("scheduler stopped", "error", err)
		}
	})
	wg.Go(func() { d.Health.Run(ctx) })
	if d.Config.Archive.Enabled {
		wg.Go(func() { d.Archive.Run(ctx) })
	}

	httpServer := &http.Server{
		Addr:              d.Addr(),
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		d.log.Info("taskpilot serving", "addr", "http://"+d.Addr(),
			"agent", d.Executor.CommandLine(), "exec_config", d.ExecConfig.Path())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	d.log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		d.log.Error("http shutdown", "error", err)
	}
	wg.Wait()
	return serveErr
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}
