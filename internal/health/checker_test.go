package health

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/taskpilot/taskpilot/internal/infra/execconfig"
	"github.com/taskpilot/taskpilot/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeAgentPath writes an executable stand-in for the agent CLI.
func fakeAgentPath(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script agents need a POSIX shell")
	}
	p := filepath.Join(t.TempDir(), "agent")
	if err := os.WriteFile(p, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write agent: %v", err)
	}
	return p
}

func newTestOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		DB:           newTestDB(t),
		WorkspaceDir: t.TempDir(),
		AgentPath:    fakeAgentPath(t),
		ExecConfig:   execconfig.NewStore(filepath.Join(t.TempDir(), execconfig.FileName)),
	}
}

func statusOf(t *testing.T, c *Checker, name string) Status {
	t.Helper()
	for _, s := range c.Statuses() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("check %q not found in statuses", name)
	return Status{}
}

// ─── Checker Tests ──────────────────────────────────────────────────────────

func TestNewChecker(t *testing.T) {
	c := NewChecker(newTestOptions(t))
	if c == nil {
		t.Fatal("NewChecker() returned nil")
	}
	if len(c.checks) != 4 {
		t.Errorf("checks = %d, want 4", len(c.checks))
	}
	if c.interval != DefaultInterval {
		t.Errorf("interval = %v, want %v", c.interval, DefaultInterval)
	}
}

func TestChecker_RunAllHealthy(t *testing.T) {
	c := NewChecker(newTestOptions(t))
	statuses := c.RunOnce(context.Background())
	if len(statuses) != 4 {
		t.Fatalf("Statuses() = %d, want 4", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %q should be healthy, got error: %s", s.Name, s.Error)
		}
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true when all checks pass")
	}
}

func TestChecker_IsHealthy_BeforeRun(t *testing.T) {
	c := NewChecker(newTestOptions(t))
	// Before any run there are no statuses, so IsHealthy returns true.
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true before first run (no statuses)")
	}
}

func TestChecker_WorkspaceRecovery(t *testing.T) {
	opts := newTestOptions(t)
	opts.WorkspaceDir = filepath.Join(t.TempDir(), "missing", "ws")
	c := NewChecker(opts)

	c.runAll(context.Background())
	if statusOf(t, c, "workspace").Healthy {
		t.Error("workspace should be unhealthy when missing")
	}
	if _, err := os.Stat(opts.WorkspaceDir); err != nil {
		t.Errorf("recovery should create the workspace: %v", err)
	}

	c.runAll(context.Background())
	if !statusOf(t, c, "workspace").Healthy {
		t.Error("workspace should be healthy after recovery")
	}
}

func TestChecker_WorkspaceIsFile(t *testing.T) {
	opts := newTestOptions(t)
	opts.WorkspaceDir = filepath.Join(t.TempDir(), "ws")
	os.WriteFile(opts.WorkspaceDir, []byte("not a dir"), 0644)

	c := NewChecker(opts)
	c.runAll(context.Background())
	if statusOf(t, c, "workspace").Healthy {
		t.Error("workspace should fail when path is a file")
	}
}

func TestChecker_AgentMissing(t *testing.T) {
	opts := newTestOptions(t)
	opts.AgentPath = filepath.Join(t.TempDir(), "no-such-agent")

	c := NewChecker(opts)
	c.runAll(context.Background())
	if statusOf(t, c, "agent_cli").Healthy {
		t.Error("agent_cli should fail when the binary is missing")
	}
	if c.IsHealthy() {
		t.Error("IsHealthy() should be false")
	}
}

func TestChecker_ExecConfigMalformed(t *testing.T) {
	opts := newTestOptions(t)
	os.WriteFile(opts.ExecConfig.Path(), []byte("{not json"), 0644)

	c := NewChecker(opts)
	c.runAll(context.Background())
	s := statusOf(t, c, "exec_config")
	if s.Healthy {
		t.Error("exec_config should fail on malformed JSON")
	}
	if s.Error == "" {
		t.Error("failing check should carry an error message")
	}
}

func TestChecker_SQLiteClosed(t *testing.T) {
	opts := newTestOptions(t)
	opts.DB.Close()

	c := NewChecker(opts)
	c.runAll(context.Background())
	if statusOf(t, c, "sqlite").Healthy {
		t.Error("sqlite should fail after Close")
	}
}

func TestChecker_CustomCheck(t *testing.T) {
	c := &Checker{
		checks: []Check{
			{
				Name: "always_pass",
				CheckFn: func(ctx context.Context) error {
					return nil
				},
			},
		},
	}

	c.runAll(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 1 {
		t.Fatalf("statuses = %d, want 1", len(statuses))
	}
	if !statuses[0].Healthy {
		t.Error("always_pass check should be healthy")
	}
}

func TestChecker_FailingCheckRecovers(t *testing.T) {
	recovered := false
	c := &Checker{
		checks: []Check{
			{
				Name: "always_fail",
				CheckFn: func(ctx context.Context) error {
					return os.ErrPermission
				},
				RecoverFn: func(ctx context.Context) error {
					recovered = true
					return nil
				},
			},
		},
	}

	c.runAll(context.Background())

	statuses := c.Statuses()
	if statuses[0].Healthy {
		t.Error("always_fail check should not be healthy")
	}
	if !recovered {
		t.Error("RecoverFn should run after a failure")
	}
}
