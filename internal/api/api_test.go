package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/health"
	"github.com/taskpilot/taskpilot/internal/infra/engine"
	"github.com/taskpilot/taskpilot/internal/infra/execconfig"
	"github.com/taskpilot/taskpilot/internal/infra/scheduler"
	"github.com/taskpilot/taskpilot/internal/infra/sqlite"
)

// echoAgent succeeds immediately, echoing the prompt as one line.
type echoAgent struct{}

func (echoAgent) Run(_ context.Context, taskID, prompt string, sink domain.ProgressSink) domain.Outcome {
	sink.Append(taskID, prompt)
	return domain.Outcome{Success: true, Output: prompt}
}

type stubArchiver struct {
	db *sqlite.DB
}

func (a stubArchiver) Archive(ctx context.Context, id string) (string, error) {
	t, err := a.db.RequireTask(ctx, id)
	if err != nil {
		return "", err
	}
	if !t.Archivable() {
		return "", &domain.TransitionError{TaskID: id, From: t.Status, To: domain.TaskArchived}
	}
	return "tasks/" + id + ".yaml", a.db.ArchiveTask(ctx, id)
}

type testEnv struct {
	db       *sqlite.DB
	progress *engine.ProgressCache
	exec     *execconfig.Store
	srv      *httptest.Server
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := sqlite.Open(filepath.Join(dir, "db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	progress := engine.NewProgressCache()
	exec := execconfig.NewStore(filepath.Join(dir, execconfig.FileName))
	runner := scheduler.NewRunner(db, echoAgent{}, progress, nil)
	sched := scheduler.New(scheduler.DefaultConfig(), db, exec, runner)

	opts := Options{
		DB:         db,
		Scheduler:  sched,
		Progress:   progress,
		ExecConfig: exec,
		Archiver:   stubArchiver{db: db},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	srv := httptest.NewServer(NewServer(opts).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{db: db, progress: progress, exec: exec, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (e *testEnv) create(t *testing.T, msg, priority string) string {
	t.Helper()
	id, err := e.db.CreateTask(context.Background(), "tester", msg, priority)
	require.NoError(t, err)
	return id
}

func errorMessage(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	msg, _ := e["message"].(string)
	return msg
}

func TestHealth_WithoutChecker(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestHealth_Degraded(t *testing.T) {
	dir := t.TempDir()
	var checker *health.Checker
	env := newTestEnv(t, func(o *Options) {
		checker = health.NewChecker(health.Options{
			DB:           o.DB,
			WorkspaceDir: filepath.Join(dir, "workspace"),
			AgentPath:    filepath.Join(dir, "missing-agent"),
			ExecConfig:   o.ExecConfig,
		})
		o.Health = checker
	})
	checker.RunOnce(context.Background())

	resp, body := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	assert.Len(t, body["checks"], 4)
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateAndGetTask(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/tasks", `{"message":"fix the build","priority":"high"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.True(t, strings.HasPrefix(id, "task_"), id)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "high", body["priority"])
	assert.Equal(t, "api", body["user_id"])

	resp, body = env.do(t, http.MethodGet, "/api/tasks/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fix the build", body["message"])
}

func TestCreateTask_Validation(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/tasks", `{"message":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "message is required", errorMessage(body))

	resp, _ = env.do(t, http.MethodPost, "/api/tasks", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTask_NotFound(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/tasks/task_missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, errorMessage(body), "task not found")
}

func TestListTasks(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "one", "")
	env.create(t, "two", "")

	resp, body := env.do(t, http.MethodGet, "/api/tasks?status=pending&limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["tasks"], 1)

	_, body = env.do(t, http.MethodGet, "/api/tasks?status=completed", "")
	assert.Empty(t, body["tasks"])

	resp, _ = env.do(t, http.MethodGet, "/api/tasks?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/tasks?limit=ten", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "one", "")
	env.create(t, "two", "")

	resp, body := env.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	counts := body["counts"].(map[string]any)
	assert.EqualValues(t, 2, counts["pending"])
	assert.EqualValues(t, 0, counts["archived"])
	assert.EqualValues(t, 2, body["total"])
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "one", "")

	resp, body := env.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["pending_count"])
	assert.EqualValues(t, 0, body["processing_count"])
	assert.Equal(t, false, body["enabled"])
}

func TestExecute_RunsTaskAndStreamsProgress(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, "say hi", "")

	resp, body := env.do(t, http.MethodPost, "/api/tasks/"+id+"/execute", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, id, body["task_id"])

	require.Eventually(t, func() bool {
		p, ok := env.progress.Get(id)
		return ok && p.Completed
	}, 5*time.Second, 20*time.Millisecond)

	task, err := env.db.RequireTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.Equal(t, "say hi", task.Result)

	resp, body = env.do(t, http.MethodGet, "/api/tasks/"+id+"/progress", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["completed"])
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, []any{"say hi"}, body["lines"])

	// A finished task cannot be executed again.
	resp, _ = env.do(t, http.MethodPost, "/api/tasks/"+id+"/execute", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestExecute_NotFound(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/api/tasks/task_missing/execute", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProgress_FallsBackToStoredStatus(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, "queued", "")

	resp, body := env.do(t, http.MethodGet, "/api/tasks/"+id+"/progress", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, false, body["completed"])
	assert.Empty(t, body["lines"])

	resp, _ = env.do(t, http.MethodGet, "/api/tasks/task_missing/progress", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClearProgress(t *testing.T) {
	env := newTestEnv(t)
	env.progress.Begin("task_x", "run-1")

	resp, _ := env.do(t, http.MethodDelete, "/api/tasks/task_x/progress", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/api/tasks/task_x/progress", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestArchive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.create(t, "done", "")

	resp, _ := env.do(t, http.MethodPost, "/api/tasks/"+id+"/archive", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, env.db.SetStatus(ctx, id, domain.TaskProcessing, "", ""))
	require.NoError(t, env.db.SetStatus(ctx, id, domain.TaskCompleted, "ok", ""))

	resp, body := env.do(t, http.MethodPost, "/api/tasks/"+id+"/archive", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tasks/"+id+".yaml", body["path"])
}

func TestArchive_NotConfigured(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Archiver = nil })
	resp, _ := env.do(t, http.MethodPost, "/api/tasks/task_x/archive", "")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestExecConfig_GetPutToggle(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/exec-config", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["enabled"])
	assert.EqualValues(t, 60, body["interval"])

	resp, body = env.do(t, http.MethodPut, "/api/exec-config", `{"max_concurrent":3}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["max_concurrent"])
	assert.EqualValues(t, 60, body["interval"])

	resp, body = env.do(t, http.MethodPost, "/api/exec-config/toggle", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["enabled"])

	cfg, err := env.exec.Load()
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 3, cfg.MaxConcurrent)
}

func TestExecConfig_PutRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPut, "/api/exec-config", `{"interval":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPut, "/api/exec-config", `{"interval":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err := os.Stat(env.exec.Path())
	assert.True(t, errors.Is(err, os.ErrNotExist), "rejected update must not write the file")
}

func TestAPIKey(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.APIKey = "s3cret" })

	resp, _ := env.do(t, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	for _, hdr := range [][2]string{{APIKeyHeader, "s3cret"}, {"Authorization", "Bearer s3cret"}} {
		req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/stats", nil)
		require.NoError(t, err)
		req.Header.Set(hdr[0], hdr[1])
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, hdr[0])
	}

	// Health stays open.
	resp, _ = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/exec-config", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrTaskNotFound, http.StatusNotFound},
		{&domain.TransitionError{TaskID: "t", From: domain.TaskCompleted, To: domain.TaskProcessing}, http.StatusConflict},
		{domain.ErrAlreadyQueued, http.StatusConflict},
		{domain.ErrInvalidConfig, http.StatusBadRequest},
		{domain.ErrPersistence, http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, statusFor(c.err), c.err.Error())
	}
}
