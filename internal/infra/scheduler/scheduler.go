// Package scheduler admits Pending tasks into a bounded worker pool.
//
// Core concepts:
//   - Queue: FIFO of task ids shared by all pool generations, with an
//     in-flight set so an id is never queued or run twice at once
//   - Pool: fixed-size generation of workers; resize builds a new pool and
//     retires the old one with a bounded join
//   - Runner: claims a task, runs the agent, records the outcome
//   - Scheduler: periodic admission loop driven by the hot-reloaded
//     execution config
//
// Admission: available = max_concurrent − (queue_depth + processing_count).
package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/infra/metrics"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config tunes the admission loop. The execution config itself is read from
// a ConfigSource on every tick.
type Config struct {
	FetchLimit    int           // pending tasks considered per tick (default 100)
	ErrorBackoff  time.Duration // sleep after a failed tick (default 10s)
	JoinTimeout   time.Duration // bounded join when retiring a pool (default 5s)
	PopTimeout    time.Duration // worker queue poll (default 1s)
	QueueCapacity int           // default 1024
}

// DefaultConfig returns production scheduler defaults.
func DefaultConfig() Config {
	return Config{
		FetchLimit:    100,
		ErrorBackoff:  10 * time.Second,
		JoinTimeout:   DefaultJoinTimeout,
		PopTimeout:    DefaultPopTimeout,
		QueueCapacity: DefaultQueueCapacity,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FetchLimit <= 0 {
		c.FetchLimit = def.FetchLimit
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = def.ErrorBackoff
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = def.JoinTimeout
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = def.PopTimeout
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	return c
}

// ConfigSource yields the current execution config. Implemented by
// execconfig.Store.
type ConfigSource interface {
	Load() (domain.ExecConfig, error)
}

// ─── Priority Ordering ──────────────────────────────────────────────────────

// SortByPriority orders tasks by configured priority rank, then creation
// time, then id. Labels missing from the order sort last.
func SortByPriority(tasks []domain.Task, cfg domain.ExecConfig) {
	slices.SortStableFunc(tasks, func(a, b domain.Task) int {
		return cmp.Or(
			cmp.Compare(cfg.PriorityRank(a.Priority), cfg.PriorityRank(b.Priority)),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
}

// ─── Scheduler ──────────────────────────────────────────────────────────────

// Scheduler owns the queue and the current worker pool.
type Scheduler struct {
	cfg    Config
	store  domain.TaskStore
	source ConfigSource
	queue  *Queue
	runner *Runner
	log    *slog.Logger
	now    func() time.Time

	wake   <-chan struct{}
	manual *conc.WaitGroup

	mu        sync.Mutex
	baseCtx   context.Context
	pool      *Pool
	gen       uint64
	exec      domain.ExecConfig
	lastTick  time.Time
	nextCheck time.Time
	lastErr   string

	// Stats
	totalTicks      atomic.Int64
	totalErrors     atomic.Int64
	totalAdmitted   atomic.Int64
	totalDuplicates atomic.Int64
	totalManual     atomic.Int64
	totalResizes    atomic.Int64
}

// New creates a scheduler. Nothing runs until Run.
func New(cfg Config, store domain.TaskStore, source ConfigSource, runner *Runner) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		source:  source,
		queue:   NewQueue(cfg.QueueCapacity),
		runner:  runner,
		log:     slog.Default().With("component", "scheduler"),
		now:     time.Now,
		manual:  conc.NewWaitGroup(),
		baseCtx: context.Background(),
		exec:    domain.DefaultExecConfig(),
	}
}

// SetWake registers a channel that cuts the current sleep short, e.g. the
// config file watcher.
func (s *Scheduler) SetWake(ch <-chan struct{}) { s.wake = ch }

// Queue exposes the shared queue.
func (s *Scheduler) Queue() *Queue { return s.queue }

// Run loops until ctx is cancelled, then retires the pool and waits briefly
// for manual runs. It only returns when ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	s.log.Info("scheduler started")
	defer s.shutdown()

	for {
		wait, err := s.safeTick(ctx)
		if err != nil {
			s.totalErrors.Add(1)
			metrics.SchedulerTicks.WithLabelValues("error").Inc()
			s.log.Error("scheduler tick failed, backing off", "error", err, "backoff", s.cfg.ErrorBackoff)
			wait = s.cfg.ErrorBackoff
		}

		s.mu.Lock()
		s.nextCheck = s.now().Add(wait)
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
			metrics.ConfigReloads.Inc()
			s.log.Info("exec config changed, rechecking now")
		}
	}
}

// safeTick runs one tick with panic recovery. It returns how long to sleep.
func (s *Scheduler) safeTick(ctx context.Context) (time.Duration, error) {
	var (
		catcher panics.Catcher
		cfg     domain.ExecConfig
		err     error
	)
	catcher.Try(func() {
		cfg, _, err = s.Tick(ctx)
	})
	if rec := catcher.Recovered(); rec != nil {
		err = rec.AsError()
	}

	s.mu.Lock()
	s.lastTick = s.now()
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		return 0, err
	}
	return cfg.IntervalDuration(), nil
}

// Tick performs one admission pass: reload config, resize the pool if
// needed, and enqueue as many Pending tasks as the ceiling allows. It
// returns the config it used and how many ids were enqueued.
func (s *Scheduler) Tick(ctx context.Context) (domain.ExecConfig, int, error) {
	s.totalTicks.Add(1)

	cfg, err := s.source.Load()
	if err != nil {
		return cfg, 0, fmt.Errorf("load exec config: %w", err)
	}
	s.mu.Lock()
	s.exec = cfg
	s.mu.Unlock()

	s.Resize(cfg.MaxConcurrent)

	if !cfg.Enabled {
		metrics.SchedulerTicks.WithLabelValues("disabled").Inc()
		s.log.Debug("execution disabled, skipping admission")
		return cfg, 0, nil
	}

	processing, err := s.processingCount(ctx)
	if err != nil {
		return cfg, 0, err
	}
	available := cfg.MaxConcurrent - (s.queue.Len() + processing)
	if available <= 0 {
		metrics.SchedulerTicks.WithLabelValues("idle").Inc()
		s.log.Debug("no capacity", "max_concurrent", cfg.MaxConcurrent,
			"queued", s.queue.Len(), "processing", processing)
		return cfg, 0, nil
	}

	pending, err := s.store.ListPending(ctx, cfg.PriorityOrder, s.cfg.FetchLimit)
	if err != nil {
		return cfg, 0, fmt.Errorf("list pending: %w", err)
	}
	SortByPriority(pending, cfg)

	admitted := 0
	for _, t := range pending {
		if admitted >= available {
			break
		}
		if !s.queue.Enqueue(t.ID) {
			s.totalDuplicates.Add(1)
			continue
		}
		admitted++
		metrics.TasksAdmitted.WithLabelValues("scheduler").Inc()
		s.log.Info("task admitted", "task_id", t.ID, "priority", t.Priority)
	}
	s.totalAdmitted.Add(int64(admitted))

	result := "ok"
	if admitted == 0 {
		result = "idle"
	}
	metrics.SchedulerTicks.WithLabelValues(result).Inc()
	if admitted > 0 {
		s.log.Info("admission pass", "admitted", admitted, "pending", len(pending), "available", available)
	}
	return cfg, admitted, nil
}

// processingCount is the larger of the store's Processing count and the
// locally running count; a popped id may not be marked Processing yet.
func (s *Scheduler) processingCount(ctx context.Context) (int, error) {
	n, err := s.store.CountByStatus(ctx, domain.TaskProcessing)
	if err != nil {
		return 0, fmt.Errorf("count processing: %w", err)
	}
	return max(n, s.queue.Running()), nil
}

// Resize makes sure a pool of exactly size workers is running. A different
// size builds a new pool and retires the current one.
func (s *Scheduler) Resize(size int) {
	if size < 1 {
		size = 1
	}
	s.mu.Lock()
	old := s.pool
	if old != nil && old.Size() == size {
		s.mu.Unlock()
		return
	}
	s.gen++
	pool := NewPool(PoolConfig{Size: size, Generation: s.gen, PopTimeout: s.cfg.PopTimeout}, s.queue, s.runner)
	s.pool = pool
	ctx := s.baseCtx
	s.mu.Unlock()

	if old != nil {
		s.totalResizes.Add(1)
		s.log.Info("resizing worker pool", "from", old.Size(), "to", size)
		if n := old.Stop(s.cfg.JoinTimeout); n > 0 {
			s.log.Warn("retired pool left workers running", "abandoned", n)
		}
	}
	pool.Start(ctx)
}

// RunNow executes one Pending task outside the admission loop. It returns
// once the run has started; the run continues in the background.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("%s: %w", taskID, domain.ErrTaskNotFound)
	}
	if task.Status != domain.TaskPending {
		return &domain.TransitionError{TaskID: taskID, From: task.Status, To: domain.TaskProcessing}
	}
	if !s.queue.Claim(taskID) {
		return fmt.Errorf("%s: %w", taskID, domain.ErrAlreadyQueued)
	}

	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()

	s.totalManual.Add(1)
	metrics.TasksAdmitted.WithLabelValues("manual").Inc()
	s.log.Info("manual execution requested", "task_id", taskID)
	s.manual.Go(func() {
		defer s.queue.Release(taskID)
		if err := s.runner.Execute(base, taskID); err != nil {
			s.log.Error("manual execution failed", "task_id", taskID, "error", err)
		}
	})
	return nil
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	pool := s.pool
	s.pool = nil
	s.mu.Unlock()

	if pool != nil {
		pool.Stop(s.cfg.JoinTimeout)
	}

	done := make(chan struct{})
	go func() {
		s.manual.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.JoinTimeout):
		s.log.Warn("manual runs still active at shutdown")
	}
	metrics.Workers.Set(0)
	s.log.Info("scheduler stopped")
}

// ─── Stats & Inspection ─────────────────────────────────────────────────────

// Stats are cumulative counters since start.
type Stats struct {
	TotalTicks      int64 `json:"total_ticks"`
	TotalErrors     int64 `json:"total_errors"`
	TotalAdmitted   int64 `json:"total_admitted"`
	TotalDuplicates int64 `json:"total_duplicates"`
	TotalManual     int64 `json:"total_manual"`
	TotalResizes    int64 `json:"total_resizes"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Enabled          bool      `json:"enabled"`
	Interval         int       `json:"interval"`
	MaxConcurrent    int       `json:"max_concurrent"`
	PriorityOrder    []string  `json:"priority_order"`
	PendingCount     int       `json:"pending_count"`
	ProcessingCount  int       `json:"processing_count"`
	QueueSize        int       `json:"queue_size"`
	WorkerCount      int       `json:"worker_count"`
	NextCheckAt      time.Time `json:"next_check_at,omitzero"`
	CountdownSeconds int       `json:"countdown_seconds"`
	LastTickAt       time.Time `json:"last_tick_at,omitzero"`
	LastError        string    `json:"last_error,omitempty"`
	Stats            Stats     `json:"stats"`
}

// Stats returns cumulative counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		TotalTicks:      s.totalTicks.Load(),
		TotalErrors:     s.totalErrors.Load(),
		TotalAdmitted:   s.totalAdmitted.Load(),
		TotalDuplicates: s.totalDuplicates.Load(),
		TotalManual:     s.totalManual.Load(),
		TotalResizes:    s.totalResizes.Load(),
	}
}

// Status reports config, counts and the countdown to the next tick.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	pending, err := s.store.CountByStatus(ctx, domain.TaskPending)
	if err != nil {
		return Status{}, err
	}
	processing, err := s.processingCount(ctx)
	if err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Enabled:         s.exec.Enabled,
		Interval:        s.exec.Interval,
		MaxConcurrent:   s.exec.MaxConcurrent,
		PriorityOrder:   slices.Clone(s.exec.PriorityOrder),
		PendingCount:    pending,
		ProcessingCount: processing,
		QueueSize:       s.queue.Len(),
		NextCheckAt:     s.nextCheck,
		LastTickAt:      s.lastTick,
		LastError:       s.lastErr,
		Stats:           s.Stats(),
	}
	if s.pool != nil {
		st.WorkerCount = s.pool.Size()
	}
	if !s.nextCheck.IsZero() {
		st.CountdownSeconds = max(int(s.nextCheck.Sub(s.now()).Round(time.Second)/time.Second), 0)
	}
	return st, nil
}
