// Package health provides periodic health checks with auto-recovery.
// Four checks run every minute: sqlite, workspace, agent_cli, exec_config.
package health

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/taskpilot/taskpilot/internal/infra/engine"
	"github.com/taskpilot/taskpilot/internal/infra/execconfig"
	"github.com/taskpilot/taskpilot/internal/infra/metrics"
	"github.com/taskpilot/taskpilot/internal/infra/sqlite"
)

// DefaultInterval is the period between check rounds.
const DefaultInterval = 60 * time.Second

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Options names what the standard checks inspect.
type Options struct {
	DB           *sqlite.DB
	WorkspaceDir string
	AgentPath    string
	ExecConfig   *execconfig.Store
	Interval     time.Duration
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	log      *slog.Logger
}

// NewChecker creates a health checker with the standard checks.
func NewChecker(opts Options) *Checker {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Checker{
		interval: interval,
		log:      slog.Default().With("component", "health"),
		checks: []Check{
			{
				Name: "sqlite",
				CheckFn: func(ctx context.Context) error {
					return opts.DB.PingContext(ctx)
				},
			},
			{
				Name: "workspace",
				CheckFn: func(ctx context.Context) error {
					return checkDir(opts.WorkspaceDir)
				},
				RecoverFn: func(ctx context.Context) error {
					return os.MkdirAll(opts.WorkspaceDir, 0o755)
				},
			},
			{
				Name: "agent_cli",
				CheckFn: func(ctx context.Context) error {
					_, err := engine.ResolveAgent(opts.AgentPath)
					return err
				},
			},
			{
				Name: "exec_config",
				CheckFn: func(ctx context.Context) error {
					_, err := opts.ExecConfig.Load()
					return err
				},
			},
		},
	}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	// Run immediately on start
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

// RunOnce runs every check now and returns the results.
func (c *Checker) RunOnce(ctx context.Context) []Status {
	c.runAll(ctx)
	return c.Statuses()
}

func (c *Checker) runAll(ctx context.Context) {
	log := c.log
	if log == nil {
		log = slog.Default()
	}
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Error = err.Error()
			log.Warn("health check failed", "check", check.Name, "error", err)
			if check.RecoverFn != nil {
				if rerr := check.RecoverFn(ctx); rerr != nil {
					metrics.HealthRecoveries.WithLabelValues(check.Name, "failure").Inc()
					log.Error("health recovery failed", "check", check.Name, "error", rerr)
				} else {
					metrics.HealthRecoveries.WithLabelValues(check.Name, "success").Inc()
				}
			}
		} else {
			s.Healthy = true
		}
		if s.Healthy {
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
		} else {
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("workspace %s does not exist", dir)
	}
	if err != nil {
		return fmt.Errorf("check workspace: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace %s is not a directory", dir)
	}
	return nil
}
