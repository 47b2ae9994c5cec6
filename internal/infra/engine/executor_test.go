package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot/taskpilot/internal/domain"
)

// fakeAgent writes an executable shell script standing in for the agent CLI.
func fakeAgent(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script agents need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "agent")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestExecutor(t *testing.T, agent string, timeout time.Duration) *Executor {
	t.Helper()
	return NewExecutor(ExecutorConfig{
		AgentPath:    agent,
		WorkspaceDir: t.TempDir(),
		Timeout:      timeout,
		NoPreamble:   true,
	})
}

func TestExecutor_SuccessStreamsMergedOutput(t *testing.T) {
	agent := fakeAgent(t, `echo "args: $*"
cat
echo
echo "from stderr" 1>&2`)
	ex := newTestExecutor(t, agent, 10*time.Second)
	cache := NewProgressCache()
	cache.Begin("task_1", "run_1")

	out := ex.Run(context.Background(), "task_1", "line one\nline two", cache)

	require.True(t, out.Success, "outcome error: %v", out.Err)
	assert.NoError(t, out.Err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "args: --print --dangerously-skip-permissions\nline one\nline two\nfrom stderr\n", out.Output)

	p, ok := cache.Get("task_1")
	require.True(t, ok)
	assert.Equal(t, []string{
		"args: --print --dangerously-skip-permissions",
		"line one",
		"line two",
		"from stderr",
	}, p.Lines)
}

func TestExecutor_RunsInWorkspace(t *testing.T) {
	agent := fakeAgent(t, `pwd`)
	ex := newTestExecutor(t, agent, 10*time.Second)

	out := ex.Run(context.Background(), "task_ws", "", nil)
	require.True(t, out.Success, "outcome error: %v", out.Err)

	want, err := filepath.EvalSymlinks(ex.Config().WorkspaceDir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(out.Output))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestExecutor_NonZeroExitKeepsOutput(t *testing.T) {
	agent := fakeAgent(t, `echo "something broke"
exit 3`)
	ex := newTestExecutor(t, agent, 10*time.Second)

	out := ex.Run(context.Background(), "task_2", "do it", nil)

	assert.False(t, out.Success)
	assert.Equal(t, 3, out.ExitCode)
	assert.True(t, errors.Is(out.Err, domain.ErrProcessNonZeroExit))
	assert.Equal(t, "something broke\n", out.Output)
	assert.Equal(t, "something broke\n", out.ErrorText())
}

func TestExecutor_NonZeroExitWithoutOutput(t *testing.T) {
	agent := fakeAgent(t, `cat >/dev/null
exit 2`)
	ex := newTestExecutor(t, agent, 10*time.Second)

	out := ex.Run(context.Background(), "task_3", "ignored", nil)

	assert.False(t, out.Success)
	assert.Empty(t, out.Output)
	assert.Equal(t, "exit status 2", out.ErrorText())
}

func TestExecutor_TimeoutKillsProcessGroup(t *testing.T) {
	agent := fakeAgent(t, `echo started
sleep 30
echo never`)
	ex := newTestExecutor(t, agent, 500*time.Millisecond)
	cache := NewProgressCache()
	cache.Begin("task_4", "run_4")

	start := time.Now()
	out := ex.Run(context.Background(), "task_4", "", cache)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond, "must not give up before the budget")
	assert.Less(t, elapsed, 10*time.Second, "kill should not wait for the sleep")
	assert.False(t, out.Success)
	assert.True(t, errors.Is(out.Err, domain.ErrProcessTimeout))
	assert.Equal(t, "timed out after 0.5 seconds", out.ErrorText())
	assert.Equal(t, "started\n", out.Output)

	p, _ := cache.Get("task_4")
	assert.Equal(t, []string{"started"}, p.Lines)
}

func TestExecutor_SpawnFailure(t *testing.T) {
	ex := newTestExecutor(t, filepath.Join(t.TempDir(), "does-not-exist"), time.Second)

	out := ex.Run(context.Background(), "task_5", "hello", nil)

	assert.False(t, out.Success)
	assert.Equal(t, -1, out.ExitCode)
	assert.True(t, errors.Is(out.Err, domain.ErrProcessSpawn))
	assert.Contains(t, out.ErrorText(), "could not be started")
}

func TestExecutor_ParentCancelIsNotTimeout(t *testing.T) {
	agent := fakeAgent(t, `sleep 30`)
	ex := newTestExecutor(t, agent, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	out := ex.Run(ctx, "task_6", "", nil)

	assert.False(t, out.Success)
	assert.False(t, errors.Is(out.Err, domain.ErrProcessTimeout))
	assert.Contains(t, out.ErrorText(), "canceled")
}

func TestExecutor_BuildPrompt(t *testing.T) {
	ex := NewExecutor(ExecutorConfig{WorkspaceDir: "/work"})
	p := ex.BuildPrompt("fix the bug")
	assert.Contains(t, p, "Working directory: /work")
	assert.True(t, strings.HasSuffix(p, "# Task\n\nfix the bug"))

	custom := NewExecutor(ExecutorConfig{Preamble: "CTX\n"})
	assert.Equal(t, "CTX\nfix the bug", custom.BuildPrompt("fix the bug"))

	bare := NewExecutor(ExecutorConfig{NoPreamble: true})
	assert.Equal(t, "fix the bug", bare.BuildPrompt("fix the bug"))
}

func TestExecutor_Defaults(t *testing.T) {
	ex := NewExecutor(ExecutorConfig{})
	cfg := ex.Config()
	assert.Equal(t, DefaultAgentPath, cfg.AgentPath)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.NotEmpty(t, cfg.WorkspaceDir)
}

func TestExecutor_CommandLineQuoted(t *testing.T) {
	ex := NewExecutor(ExecutorConfig{AgentPath: "/opt/my agent/claude"})
	assert.Equal(t, "'/opt/my agent/claude' --print --dangerously-skip-permissions", ex.CommandLine())
}

func TestResolveAgent(t *testing.T) {
	_, err := ResolveAgent(filepath.Join(t.TempDir(), "missing-agent"))
	assert.Error(t, err)

	agent := fakeAgent(t, "exit 0")
	got, err := ResolveAgent(agent)
	require.NoError(t, err)
	assert.Equal(t, agent, got)
}
