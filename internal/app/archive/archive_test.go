package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/infra/sqlite"
	"github.com/taskpilot/taskpilot/internal/infra/storage"
)

type fixture struct {
	db    *sqlite.DB
	store *storage.Local
	svc   *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return &fixture{db: db, store: st, svc: NewService(db, st, cfg)}
}

// finished creates a task and drives it to status.
func (f *fixture) finished(t *testing.T, msg string, status domain.TaskStatus) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.db.CreateTask(ctx, "u1", msg, "normal")
	require.NoError(t, err)
	require.NoError(t, f.db.SetStatus(ctx, id, domain.TaskProcessing, "", ""))
	switch status {
	case domain.TaskCompleted:
		require.NoError(t, f.db.SetStatus(ctx, id, status, "result of "+msg, ""))
	case domain.TaskFailed:
		require.NoError(t, f.db.SetStatus(ctx, id, status, "", "error of "+msg))
	}
	return id
}

func TestSnapshotPath(t *testing.T) {
	task := domain.Task{
		ID:          "task_x",
		CreatedAt:   time.Date(2026, 2, 27, 23, 0, 0, 0, time.UTC),
		CompletedAt: time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC),
	}
	assert.Equal(t, "tasks/2026/03/task_x.yaml", SnapshotPath(task))

	task.CompletedAt = time.Time{}
	assert.Equal(t, "tasks/2026/02/task_x.yaml", SnapshotPath(task))
}

func TestArchive_WritesSnapshotAndArchives(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.finished(t, "report", domain.TaskCompleted)
	ctx := context.Background()

	p, err := f.svc.Archive(ctx, id)
	require.NoError(t, err)

	task, err := f.db.RequireTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskArchived, task.Status)
	assert.Equal(t, "result of report", task.Result, "archiving keeps the result")

	snap, err := f.svc.Load(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, id, snap.Task.ID)
	assert.Equal(t, domain.TaskCompleted, snap.Task.Status)
	assert.Equal(t, "result of report", snap.Task.Result)
	assert.False(t, snap.ArchivedAt.IsZero())
}

func TestArchive_RejectsUnfinished(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	id, err := f.db.CreateTask(ctx, "u1", "pending", "normal")
	require.NoError(t, err)

	_, err = f.svc.Archive(ctx, id)
	assert.True(t, errors.Is(err, domain.ErrInvalidStateTransition))

	paths, err := f.store.List(ctx, "tasks")
	require.NoError(t, err)
	assert.Empty(t, paths, "nothing written for a rejected task")

	_, err = f.svc.Archive(ctx, "task_missing")
	assert.True(t, errors.Is(err, domain.ErrTaskNotFound))
}

func TestSweep_RespectsAge(t *testing.T) {
	f := newFixture(t, Config{After: time.Hour})
	done := f.finished(t, "a", domain.TaskCompleted)
	failed := f.finished(t, "b", domain.TaskFailed)
	ctx := context.Background()

	n, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "recently finished tasks stay")

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{done, failed} {
		task, err := f.db.RequireTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskArchived, task.Status)
	}
}

func TestSweep_BatchSize(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2})
	for _, m := range []string{"a", "b", "c"} {
		f.finished(t, m, domain.TaskCompleted)
	}
	f.svc.now = func() time.Time { return time.Now().Add(time.Second) }

	n, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExport_LeavesStatusAlone(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.finished(t, "keep", domain.TaskFailed)
	ctx := context.Background()

	paths, err := f.svc.Export(ctx, domain.TaskFailed)
	require.NoError(t, err)
	require.Len(t, paths, 1)

	task, err := f.db.RequireTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, task.Status)

	ok, err := f.store.Exists(ctx, paths[0])
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{Interval: 10 * time.Millisecond})
	id := f.finished(t, "loop", domain.TaskCompleted)
	f.svc.now = func() time.Time { return time.Now().Add(time.Minute) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		task, err := f.db.RequireTask(context.Background(), id)
		return err == nil && task.Status == domain.TaskArchived
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
