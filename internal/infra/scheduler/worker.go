package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/infra/metrics"
	"github.com/taskpilot/taskpilot/internal/logging"
)

// ProgressRecorder is the streaming record a worker keeps for each run.
// Implemented by engine.ProgressCache.
type ProgressRecorder interface {
	domain.ProgressSink
	Begin(taskID, runID string)
	Finish(taskID string, status domain.TaskStatus)
}

// notifyTimeout bounds one notifier call.
const notifyTimeout = 15 * time.Second

// ─── Runner ─────────────────────────────────────────────────────────────────

// Runner executes one task id end to end. It is shared by every worker and by
// manual runs.
type Runner struct {
	store    domain.TaskStore
	agent    domain.AgentRunner
	progress ProgressRecorder
	notifier domain.Notifier
	log      *slog.Logger
}

// NewRunner wires a runner. notifier may be nil.
func NewRunner(store domain.TaskStore, agent domain.AgentRunner, progress ProgressRecorder, notifier domain.Notifier) *Runner {
	return &Runner{
		store:    store,
		agent:    agent,
		progress: progress,
		notifier: notifier,
		log:      slog.Default().With("component", "runner"),
	}
}

// Execute claims taskID, runs the agent and records the outcome. A task that
// is no longer Pending is skipped without error. Panics are recovered; a
// claimed task that panics is marked Failed so it never stays Processing.
func (r *Runner) Execute(ctx context.Context, taskID string) error {
	ctx = logging.ContextWithAttributes(ctx)
	logging.AddAttribute(ctx, "task_id", taskID)

	var (
		catcher panics.Catcher
		st      runState
		err     error
	)
	catcher.Try(func() {
		err = r.execute(ctx, taskID, &st)
	})
	if rec := catcher.Recovered(); rec != nil {
		metrics.WorkerPanics.Inc()
		r.log.ErrorContext(ctx, "task execution panicked", "panic", rec.Value, "stack", string(rec.Stack))
		if st.claimed && !st.recorded {
			r.failClaimed(ctx, taskID, fmt.Sprintf("internal error: panic: %v", rec.Value))
		}
		return rec.AsError()
	}
	if err != nil && st.claimed && !st.recorded {
		r.failClaimed(ctx, taskID, "internal error: "+err.Error())
	}
	return err
}

type runState struct {
	claimed  bool
	recorded bool
}

func (r *Runner) execute(ctx context.Context, taskID string, st *runState) error {
	// Store writes outlive cancellation so a killed run is still recorded.
	storeCtx := context.WithoutCancel(ctx)

	task, err := r.store.GetTask(storeCtx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		r.log.WarnContext(ctx, "task disappeared before execution")
		metrics.TasksFinished.WithLabelValues("missing").Inc()
		return fmt.Errorf("%s: %w", taskID, domain.ErrTaskNotFound)
	}

	if err := r.store.SetStatus(storeCtx, taskID, domain.TaskProcessing, "", ""); err != nil {
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			r.log.InfoContext(ctx, "task no longer pending, skipping", "status", task.Status)
			metrics.TasksFinished.WithLabelValues("skipped").Inc()
			return nil
		}
		return fmt.Errorf("claim task: %w", err)
	}
	st.claimed = true

	runID := uuid.NewString()
	logging.AddAttribute(ctx, "run_id", runID)
	r.progress.Begin(taskID, runID)
	metrics.TasksActive.Inc()
	defer metrics.TasksActive.Dec()
	if !task.CreatedAt.IsZero() {
		metrics.TaskWait.Observe(time.Since(task.CreatedAt).Seconds())
	}
	r.log.InfoContext(ctx, "executing task", "priority", task.Priority)

	outcome := r.agent.Run(ctx, taskID, task.Message, r.progress)

	final := domain.TaskFailed
	if outcome.Success {
		final = domain.TaskCompleted
		err = r.store.SetStatus(storeCtx, taskID, domain.TaskCompleted, outcome.Output, "")
	} else {
		err = r.store.SetStatus(storeCtx, taskID, domain.TaskFailed, "", outcome.ErrorText())
	}
	r.progress.Finish(taskID, final)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	st.recorded = true
	metrics.TasksFinished.WithLabelValues(string(final)).Inc()

	if outcome.Success {
		r.log.InfoContext(ctx, "task completed", "duration", outcome.Duration)
	} else {
		r.log.WarnContext(ctx, "task failed", "duration", outcome.Duration, "exit_code", outcome.ExitCode, "error", outcome.Err)
	}

	// Notify with the row as recorded: final status, result or error, stamps.
	if fresh, err := r.store.GetTask(storeCtx, taskID); err == nil && fresh != nil {
		task = fresh
	} else {
		task.Status = final
	}
	r.notify(storeCtx, *task, outcome)
	return nil
}

func (r *Runner) failClaimed(ctx context.Context, taskID, msg string) {
	storeCtx := context.WithoutCancel(ctx)
	if err := r.store.SetStatus(storeCtx, taskID, domain.TaskFailed, "", msg); err != nil {
		r.log.ErrorContext(ctx, "could not mark task failed", "error", err)
		return
	}
	r.progress.Finish(taskID, domain.TaskFailed)
	metrics.TasksFinished.WithLabelValues(string(domain.TaskFailed)).Inc()
}

func (r *Runner) notify(ctx context.Context, task domain.Task, outcome domain.Outcome) {
	if r.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	n := domain.Notification{
		TaskID:  task.ID,
		Task:    task,
		Outcome: outcome,
		Success: outcome.Success,
	}
	if err := r.notifier.Notify(ctx, n); err != nil {
		r.log.WarnContext(ctx, "notification failed", "error", err)
	}
}

// ─── Worker ─────────────────────────────────────────────────────────────────

// worker pulls task ids from the shared queue until its pool is stopped.
type worker struct {
	id         int
	gen        uint64
	queue      *Queue
	runner     *Runner
	quit       <-chan struct{}
	popTimeout time.Duration
	log        *slog.Logger
}

func (w *worker) loop(ctx context.Context) {
	w.log.Debug("worker started")
	defer w.log.Debug("worker stopped")

	for {
		select {
		case <-w.quit:
			return
		default:
		}

		e, ok := w.queue.pop(w.popTimeout, w.quit)
		if !ok {
			continue
		}
		if e.stop {
			if e.gen == w.gen {
				return
			}
			// Left over from an earlier pool.
			continue
		}

		wctx := logging.ContextWithAttributes(ctx)
		logging.AddAttribute(wctx, "worker", w.id)
		if err := w.runner.Execute(wctx, e.taskID); err != nil {
			w.log.Error("task execution failed", "task_id", e.taskID, "error", err)
		}
		w.queue.Release(e.taskID)
	}
}
