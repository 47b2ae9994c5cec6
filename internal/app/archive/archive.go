// Package archive snapshots finished tasks to object storage as YAML and
// moves them to Archived.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/infra/metrics"
	"github.com/taskpilot/taskpilot/internal/infra/sqlite"
	"github.com/taskpilot/taskpilot/internal/infra/storage"
)

// Config controls the background sweep.
type Config struct {
	After     time.Duration // finished tasks older than this are archived
	Interval  time.Duration // sweep period
	BatchSize int           // tasks per sweep
}

// DefaultConfig archives tasks a day after they finish, checking hourly.
func DefaultConfig() Config {
	return Config{
		After:     24 * time.Hour,
		Interval:  time.Hour,
		BatchSize: 50,
	}
}

// Snapshot is the YAML document written for each task.
type Snapshot struct {
	Task       domain.Task `yaml:"task"`
	ArchivedAt time.Time   `yaml:"archived_at"`
}

// Service archives tasks from the store into object storage.
type Service struct {
	db    *sqlite.DB
	store storage.Storage
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

// NewService creates an archive service.
func NewService(db *sqlite.DB, store storage.Storage, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.After < 0 {
		cfg.After = 0
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Service{
		db:    db,
		store: store,
		cfg:   cfg,
		log:   slog.Default().With("component", "archive"),
		now:   time.Now,
	}
}

// SnapshotPath is where a task's snapshot lives: tasks/YYYY/MM/<id>.yaml,
// bucketed by completion month.
func SnapshotPath(t domain.Task) string {
	ts := t.CompletedAt
	if ts.IsZero() {
		ts = t.CreatedAt
	}
	ts = ts.UTC()
	return fmt.Sprintf("tasks/%04d/%02d/%s.yaml", ts.Year(), int(ts.Month()), t.ID)
}

// Snapshot writes t to storage without changing its status.
func (s *Service) Snapshot(ctx context.Context, t domain.Task) (string, error) {
	data, err := yaml.Marshal(Snapshot{Task: t, ArchivedAt: s.now().UTC()})
	if err != nil {
		return "", fmt.Errorf("encode snapshot %s: %w", t.ID, err)
	}
	p := SnapshotPath(t)
	if err := s.store.Write(ctx, p, data); err != nil {
		return "", fmt.Errorf("store snapshot %s: %w", t.ID, err)
	}
	return p, nil
}

// Archive snapshots one Completed or Failed task and marks it Archived.
func (s *Service) Archive(ctx context.Context, id string) (string, error) {
	t, err := s.db.RequireTask(ctx, id)
	if err != nil {
		return "", err
	}
	if !t.Archivable() {
		return "", &domain.TransitionError{TaskID: id, From: t.Status, To: domain.TaskArchived}
	}
	p, err := s.Snapshot(ctx, *t)
	if err != nil {
		return "", err
	}
	if err := s.db.ArchiveTask(ctx, id); err != nil {
		return "", err
	}
	metrics.TasksArchived.Inc()
	s.log.InfoContext(ctx, "task archived", "task_id", id, "path", p)
	return p, nil
}

// Sweep archives up to BatchSize tasks that finished more than After ago.
// A task whose status changed underneath is skipped.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.After)
	tasks, err := s.db.ListFinished(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := s.Archive(ctx, t.ID); err != nil {
			if errors.Is(err, domain.ErrInvalidStateTransition) || errors.Is(err, domain.ErrTaskNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		s.log.InfoContext(ctx, "archive sweep", "archived", n, "cutoff", cutoff)
	}
	return n, nil
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("archive sweeper started", "after", s.cfg.After, "interval", s.cfg.Interval)
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("archive sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Export writes snapshots of every task in status without changing any of
// them. It returns the written paths.
func (s *Service) Export(ctx context.Context, status domain.TaskStatus) ([]string, error) {
	var paths []string
	for offset := 0; ; offset += sqlite.DefaultListLimit {
		tasks, err := s.db.ListTasks(ctx, domain.TaskFilter{Status: status, Limit: sqlite.DefaultListLimit, Offset: offset})
		if err != nil {
			return paths, err
		}
		for _, t := range tasks {
			p, err := s.Snapshot(ctx, t)
			if err != nil {
				return paths, err
			}
			paths = append(paths, p)
		}
		if len(tasks) < sqlite.DefaultListLimit {
			return paths, nil
		}
	}
}

// Load reads a snapshot back.
func (s *Service) Load(ctx context.Context, p string) (Snapshot, error) {
	data, err := s.store.Read(ctx, p)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", p, err)
	}
	return snap, nil
}
