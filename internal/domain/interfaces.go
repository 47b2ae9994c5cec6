package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; the scheduler and API depend on them.

// TaskStore is the durable task record. Implemented by infra/sqlite.DB.
type TaskStore interface {
	CreateTask(ctx context.Context, userID, message, priority string) (string, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	ListPending(ctx context.Context, priorityOrder []string, limit int) ([]Task, error)
	SetStatus(ctx context.Context, id string, status TaskStatus, result, errText string) error
	CountByStatus(ctx context.Context, status TaskStatus) (int, error)
}

// ProgressSink receives streamed output for a running task.
// Implemented by infra/engine.ProgressCache.
type ProgressSink interface {
	Append(taskID, line string)
}

// AgentRunner runs the external agent for one prompt.
// Implemented by infra/engine.Executor.
type AgentRunner interface {
	Run(ctx context.Context, taskID, prompt string, sink ProgressSink) Outcome
}

// Notification is delivered after each execution.
type Notification struct {
	TaskID  string  `json:"task_id"`
	Task    Task    `json:"task"`
	Outcome Outcome `json:"outcome"`
	Success bool    `json:"success"`
}

// Notifier reports execution outcomes to an external collaborator.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
