// Package domain holds taskpilot's core types: tasks and their lifecycle,
// execution configuration, progress records and the error taxonomy.
// It has no infrastructure dependency.
package domain

import (
	"strings"
	"time"
)

// TaskStatus tracks task lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskArchived   TaskStatus = "archived"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TaskStatus{TaskPending, TaskProcessing, TaskCompleted, TaskFailed, TaskArchived}

// DefaultPriority is assigned when a task is created without one.
const DefaultPriority = "normal"

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (TaskStatus, bool) {
	st := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStatuses {
		if st == known {
			return st, true
		}
	}
	return "", false
}

// transitions is the complete set of legal lifecycle edges.
var transitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskProcessing},
	TaskProcessing: {TaskCompleted, TaskFailed},
	TaskCompleted:  {TaskArchived},
	TaskFailed:     {TaskArchived},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true once the execution outcome is known.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskArchived
}

// Task is one user-submitted unit of work.
type Task struct {
	ID          string     `json:"id" yaml:"id"`
	UserID      string     `json:"user_id" yaml:"user_id"`
	Message     string     `json:"message" yaml:"message"`
	Status      TaskStatus `json:"status" yaml:"status"`
	Priority    string     `json:"priority" yaml:"priority"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"updated_at"`
	StartedAt   time.Time  `json:"started_at,omitzero" yaml:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitzero" yaml:"completed_at,omitempty"`
	Result      string     `json:"result,omitempty" yaml:"result,omitempty"`
	Error       string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// Editable is true only while the task has not been picked up.
func (t *Task) Editable() bool { return t.Status == TaskPending }

// Archivable is true once execution finished either way.
func (t *Task) Archivable() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// Duration returns how long the task took to execute (0 if not started/completed).
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// TaskFilter selects tasks for listing. A zero Status lists every status.
type TaskFilter struct {
	Status TaskStatus
	Limit  int
	Offset int
}

// Truncate shortens s to max runes, appending "..." when cut.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
