// Package engine runs the external agent CLI and tracks its streaming output.
//
// Architecture:
//
//	Worker → Executor.Run(taskID, prompt)
//	  → spawns `<agent> --print --dangerously-skip-permissions` in the workspace
//	  → writes the prompt to stdin and closes it
//	  → streams merged stdout/stderr line by line into the ProgressCache
//	  → kills the process group when the wall-clock budget runs out
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"mvdan.cc/sh/v3/syntax"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/infra/metrics"
)

// agentFlags are passed on every invocation: non-interactive print mode and
// permission bypass. They are not configurable.
var agentFlags = []string{"--print", "--dangerously-skip-permissions"}

const (
	DefaultAgentPath = "claude"
	DefaultTimeout   = 180 * time.Second

	// drainGrace bounds how long the reader may keep going after a kill.
	drainGrace = 5 * time.Second
)

// DefaultPreamble is prepended to every prompt unless disabled. %s is the
// workspace directory.
const DefaultPreamble = `# Workspace context

Working directory: %s

- Use the tools available in this workspace only when the task needs them.
- You may read and write files and run commands inside the working directory.
- Reply with the final result of the task.

---

# Task

`

// ExecutorConfig configures the agent invocation.
type ExecutorConfig struct {
	AgentPath    string
	WorkspaceDir string
	Timeout      time.Duration
	Preamble     string // overrides DefaultPreamble when non-empty
	NoPreamble   bool
}

// Executor spawns the agent for one task at a time per caller. It is safe
// for concurrent use by multiple workers.
type Executor struct {
	cfg ExecutorConfig
	log *slog.Logger
}

// NewExecutor fills defaults into cfg. A missing agent binary is not an error
// here; each run reports it as a spawn failure.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.AgentPath == "" {
		cfg.AgentPath = DefaultAgentPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.WorkspaceDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.WorkspaceDir = wd
		}
	}
	return &Executor{
		cfg: cfg,
		log: slog.Default().With("component", "executor"),
	}
}

// Config returns the effective configuration.
func (e *Executor) Config() ExecutorConfig { return e.cfg }

// BuildPrompt prepends the workspace context preamble to message.
func (e *Executor) BuildPrompt(message string) string {
	if e.cfg.NoPreamble {
		return message
	}
	if e.cfg.Preamble != "" {
		return e.cfg.Preamble + message
	}
	return fmt.Sprintf(DefaultPreamble, e.cfg.WorkspaceDir) + message
}

// CommandLine renders the invocation as a shell-quoted string for logs.
func (e *Executor) CommandLine() string {
	args := append([]string{e.cfg.AgentPath}, agentFlags...)
	quoted := make([]string, len(args))
	for i, a := range args {
		q, err := syntax.Quote(a, syntax.LangBash)
		if err != nil {
			q = a
		}
		quoted[i] = q
	}
	return strings.Join(quoted, " ")
}

// ResolveAgent locates the agent binary the way exec would.
func ResolveAgent(path string) (string, error) {
	if path == "" {
		path = DefaultAgentPath
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("agent CLI %q not found: %w", path, err)
	}
	return resolved, nil
}

// Run executes the agent with message as the task prompt. Every line of
// output is sent to sink as it arrives. Run never returns an error: failures
// are described by the Outcome.
func (e *Executor) Run(ctx context.Context, taskID, message string, sink domain.ProgressSink) domain.Outcome {
	start := time.Now()
	log := e.log.With("task_id", taskID)

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.cfg.AgentPath, agentFlags...)
	cmd.Dir = e.cfg.WorkspaceDir
	cmd.WaitDelay = drainGrace
	configureProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return e.spawnFailure(log, start, fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return e.spawnFailure(log, start, fmt.Errorf("stdout pipe: %w", err))
	}
	// Same *os.File for both streams: the child writes merged output to one pipe.
	cmd.Stderr = cmd.Stdout

	log.Info("starting agent", "cmd", e.CommandLine(), "dir", cmd.Dir, "timeout", e.cfg.Timeout)
	if err := cmd.Start(); err != nil {
		return e.spawnFailure(log, start, err)
	}

	prompt := e.BuildPrompt(message)
	go func() {
		defer stdin.Close()
		if _, err := io.WriteString(stdin, prompt); err != nil {
			log.Debug("prompt write interrupted", "error", err)
		}
	}()

	var (
		mu  sync.Mutex
		out strings.Builder
	)
	readDone := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			mu.Lock()
			out.WriteString(line)
			out.WriteByte('\n')
			mu.Unlock()
			if sink != nil {
				sink.Append(taskID, line)
			}
			metrics.AgentOutputLines.Inc()
		}
		err := sc.Err()
		if err != nil {
			// Keep the pipe drained so the child never blocks on a full buffer.
			_, _ = io.Copy(io.Discard, stdout)
		}
		readDone <- err
	}()

	var readErr error
	select {
	case readErr = <-readDone:
	case <-runCtx.Done():
		// The process group has been killed; flush what is already buffered.
		select {
		case readErr = <-readDone:
		case <-time.After(drainGrace):
			log.Warn("output pipe still open after kill, closing it")
			_ = stdout.Close()
			readErr = <-readDone
		}
	}
	waitErr := cmd.Wait()

	mu.Lock()
	output := out.String()
	mu.Unlock()

	outcome := domain.Outcome{
		Output:   output,
		Duration: time.Since(start),
		ExitCode: exitCode(cmd),
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		outcome.Err = &domain.ProcessError{Kind: domain.ErrProcessTimeout, Timeout: e.cfg.Timeout}
		metrics.AgentRuns.WithLabelValues("timeout").Inc()
		log.Error("agent timed out", "timeout", e.cfg.Timeout, "lines", strings.Count(output, "\n"))
	case ctx.Err() != nil:
		outcome.Err = &domain.ProcessError{Kind: domain.ErrProcessSpawn, Err: fmt.Errorf("run canceled: %w", ctx.Err())}
		metrics.AgentRuns.WithLabelValues("canceled").Inc()
		log.Warn("agent run canceled", "error", ctx.Err())
	case waitErr != nil && isExitError(waitErr):
		outcome.Err = &domain.ProcessError{Kind: domain.ErrProcessNonZeroExit, ExitCode: outcome.ExitCode}
		metrics.AgentRuns.WithLabelValues("exit_error").Inc()
		log.Error("agent exited with error", "exit_code", outcome.ExitCode)
	case waitErr != nil:
		outcome.Err = &domain.ProcessError{Kind: domain.ErrProcessSpawn, Err: fmt.Errorf("wait: %w", waitErr)}
		metrics.AgentRuns.WithLabelValues("spawn_error").Inc()
		log.Error("agent wait failed", "error", waitErr)
	case readErr != nil:
		outcome.Err = &domain.ProcessError{Kind: domain.ErrProcessSpawn, Err: fmt.Errorf("read output: %w", readErr)}
		metrics.AgentRuns.WithLabelValues("spawn_error").Inc()
		log.Error("reading agent output failed", "error", readErr)
	default:
		outcome.Success = true
		metrics.AgentRuns.WithLabelValues("success").Inc()
		log.Info("agent finished", "duration", outcome.Duration)
	}
	metrics.AgentDuration.Observe(outcome.Duration.Seconds())
	return outcome
}

func (e *Executor) spawnFailure(log *slog.Logger, start time.Time, err error) domain.Outcome {
	log.Error("agent spawn failed", "cmd", e.CommandLine(), "error", err)
	metrics.AgentRuns.WithLabelValues("spawn_error").Inc()
	return domain.Outcome{
		ExitCode: -1,
		Duration: time.Since(start),
		Err:      &domain.ProcessError{Kind: domain.ErrProcessSpawn, Err: err},
	}
}

func isExitError(err error) bool {
	var ee *exec.ExitError
	return errors.As(err, &ee)
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}
