package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/infra/engine"
	"github.com/taskpilot/taskpilot/internal/infra/sqlite"
)

func newTestStore(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createTask(t *testing.T, db *sqlite.DB, msg, priority string) string {
	t.Helper()
	id, err := db.CreateTask(context.Background(), "tester", msg, priority)
	require.NoError(t, err)
	return id
}

func taskStatus(t *testing.T, db *sqlite.DB, id string) domain.TaskStatus {
	t.Helper()
	task, err := db.RequireTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

// staticSource serves a fixed config, or an error.
type staticSource struct {
	mu  sync.Mutex
	cfg domain.ExecConfig
	err error
}

func newSource(enabled bool, maxConcurrent int) *staticSource {
	cfg := domain.DefaultExecConfig()
	cfg.Enabled = enabled
	cfg.MaxConcurrent = maxConcurrent
	cfg.Interval = 1
	return &staticSource{cfg: cfg}
}

func (s *staticSource) Load() (domain.ExecConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.err
}

func (s *staticSource) set(fn func(*domain.ExecConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cfg)
}

// fakeAgent records calls and optionally blocks until released.
type fakeAgent struct {
	mu        sync.Mutex
	calls     []string
	active    int
	maxActive int
	release   chan struct{}
	outcome   func(taskID, prompt string) domain.Outcome
}

func newFakeAgent() *fakeAgent { return &fakeAgent{} }

func newBlockingAgent() *fakeAgent {
	return &fakeAgent{release: make(chan struct{})}
}

func (a *fakeAgent) Run(ctx context.Context, taskID, prompt string, sink domain.ProgressSink) domain.Outcome {
	a.mu.Lock()
	a.calls = append(a.calls, taskID)
	a.active++
	a.maxActive = max(a.maxActive, a.active)
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.active--
		a.mu.Unlock()
	}()

	sink.Append(taskID, "working on: "+prompt)
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return domain.Outcome{Err: &domain.ProcessError{Kind: domain.ErrProcessSpawn, Err: ctx.Err()}}
		}
	}
	if a.outcome != nil {
		return a.outcome(taskID, prompt)
	}
	return domain.Outcome{Success: true, Output: "done: " + prompt, Duration: time.Millisecond}
}

func (a *fakeAgent) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeAgent) MaxActive() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxActive
}

func (a *fakeAgent) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// recordingNotifier keeps every notification.
type recordingNotifier struct {
	mu   sync.Mutex
	got  []domain.Notification
	fail bool
}

func (n *recordingNotifier) Notify(_ context.Context, note domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
	if n.fail {
		return errors.New("collaborator unavailable")
	}
	return nil
}

func (n *recordingNotifier) All() []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notification(nil), n.got...)
}

type harness struct {
	db       *sqlite.DB
	agent    *fakeAgent
	progress *engine.ProgressCache
	notifier *recordingNotifier
	source   *staticSource
	runner   *Runner
	sched    *Scheduler
}

func newHarness(t *testing.T, agent *fakeAgent, source *staticSource) *harness {
	t.Helper()
	h := &harness{
		db:       newTestStore(t),
		agent:    agent,
		progress: engine.NewProgressCache(),
		notifier: &recordingNotifier{},
		source:   source,
	}
	h.runner = NewRunner(h.db, agent, h.progress, h.notifier)
	h.sched = New(Config{
		ErrorBackoff: 50 * time.Millisecond,
		JoinTimeout:  time.Second,
		PopTimeout:   20 * time.Millisecond,
	}, h.db, source, h.runner)
	t.Cleanup(func() {
		if agent.release != nil {
			select {
			case <-agent.release:
			default:
				close(agent.release)
			}
		}
		h.sched.shutdown()
	})
	return h
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}
