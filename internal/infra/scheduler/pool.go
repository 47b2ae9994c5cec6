package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/taskpilot/taskpilot/internal/infra/metrics"
)

const (
	// DefaultJoinTimeout bounds how long Stop waits for workers.
	DefaultJoinTimeout = 5 * time.Second
	// DefaultPopTimeout is how long a worker blocks on an empty queue before
	// rechecking its quit channel.
	DefaultPopTimeout = time.Second
)

// PoolConfig sizes one pool generation.
type PoolConfig struct {
	Size       int
	Generation uint64
	PopTimeout time.Duration
}

// Pool is one generation of workers sharing a Queue. A pool never changes
// size: resizing builds a new pool and stops the old one.
type Pool struct {
	cfg    PoolConfig
	queue  *Queue
	runner *Runner

	wg       *conc.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
	alive    atomic.Int32
	started  atomic.Bool
	stopCtx  func() bool
	log      *slog.Logger
}

// NewPool builds a pool. Nothing runs until Start.
func NewPool(cfg PoolConfig, queue *Queue, runner *Runner) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = DefaultPopTimeout
	}
	return &Pool{
		cfg:    cfg,
		queue:  queue,
		runner: runner,
		wg:     conc.NewWaitGroup(),
		quit:   make(chan struct{}),
		log:    slog.Default().With("component", "pool", "generation", cfg.Generation),
	}
}

// Size returns the number of workers the pool was built with.
func (p *Pool) Size() int { return p.cfg.Size }

// Generation returns the pool's generation tag.
func (p *Pool) Generation() uint64 { return p.cfg.Generation }

// Alive returns how many workers have not exited yet.
func (p *Pool) Alive() int { return int(p.alive.Load()) }

// Start spawns the workers. Cancelling ctx stops the pool the same way Stop
// does, except nothing waits for the join.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.stopCtx = context.AfterFunc(ctx, p.closeQuit)
	for i := range p.cfg.Size {
		w := &worker{
			id:         i + 1,
			gen:        p.cfg.Generation,
			queue:      p.queue,
			runner:     p.runner,
			quit:       p.quit,
			popTimeout: p.cfg.PopTimeout,
			log:        p.log.With("worker", i+1),
		}
		p.alive.Add(1)
		p.wg.Go(func() {
			defer p.alive.Add(-1)
			w.loop(ctx)
		})
	}
	metrics.Workers.Set(float64(p.cfg.Size))
	p.log.Info("worker pool started", "size", p.cfg.Size)
}

// Stop signals every worker, waits up to timeout for them to exit and returns
// how many were abandoned. Abandoned workers finish their current task and
// exit without taking new work. Queued task ids stay in the queue.
func (p *Pool) Stop(timeout time.Duration) int {
	if !p.started.Load() {
		return 0
	}
	if timeout <= 0 {
		timeout = DefaultJoinTimeout
	}
	if p.stopCtx != nil {
		p.stopCtx()
	}
	p.closeQuit()
	for range p.cfg.Size {
		if !p.queue.stop(p.cfg.Generation) {
			break
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped", "size", p.cfg.Size)
		return 0
	case <-time.After(timeout):
		abandoned := p.Alive()
		metrics.WorkersAbandoned.Add(float64(abandoned))
		p.log.Warn("workers did not stop in time, abandoning", "abandoned", abandoned, "timeout", timeout)
		return abandoned
	}
}

func (p *Pool) closeQuit() {
	p.quitOnce.Do(func() { close(p.quit) })
}
