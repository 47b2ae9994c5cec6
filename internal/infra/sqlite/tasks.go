package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/taskpilot/taskpilot/internal/domain"
)

// EmptyResult is stored as the result of a task whose agent printed nothing,
// so a completed task always carries a non-empty result.
const EmptyResult = "(no output)"

// DefaultListLimit applies when a filter carries no limit.
const DefaultListLimit = 100

const taskColumns = `id, user_id, message, status, priority, created_at, updated_at,
	started_at, completed_at, result, error`

// ─── Task Repository ────────────────────────────────────────────────────────

// NewTaskID returns a fresh, never reused task id. ULIDs from one process are
// monotonic, so ids sort in creation order.
func NewTaskID() string {
	return "task_" + strings.ToLower(ulid.Make().String())
}

// CreateTask inserts a Pending task and returns its id.
func (d *DB) CreateTask(ctx context.Context, userID, message, priority string) (string, error) {
	if priority == "" {
		priority = domain.DefaultPriority
	}
	id := NewTaskID()
	now := d.stamp()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO tasks (id, user_id, message, status, priority, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, userID, message, string(domain.TaskPending), priority, now, now,
	)
	if err != nil {
		return "", d.persistErr("create task", err)
	}
	return id, nil
}

// GetTask retrieves a task by ID. Returns nil, nil when it does not exist.
func (d *DB) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, d.persistErr("get task", err)
	}
	return t, nil
}

// RequireTask is GetTask with ErrTaskNotFound for a missing id.
func (d *DB) RequireTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := d.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrTaskNotFound)
	}
	return t, nil
}

// ListTasks returns tasks newest first, optionally filtered by status.
func (d *DB) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	offset := max(f.Offset, 0)

	var (
		rows *sql.Rows
		err  error
	)
	if f.Status != "" {
		rows, err = d.db.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE status = ?
			 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
			string(f.Status), limit, offset)
	} else {
		rows, err = d.db.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks
			 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
			limit, offset)
	}
	if err != nil {
		return nil, d.persistErr("list tasks", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, d.persistErr("list tasks", err)
	}
	return tasks, nil
}

// ListPending returns up to limit Pending tasks in admission order: rank in
// priorityOrder (unlisted labels last), then oldest first, then id.
func (d *DB) ListPending(ctx context.Context, priorityOrder []string, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rank := strconv.Itoa(domain.UnknownPriorityRank)
	args := []any{string(domain.TaskPending)}
	if len(priorityOrder) > 0 {
		var b strings.Builder
		b.WriteString("CASE priority")
		for i, label := range priorityOrder {
			b.WriteString(" WHEN ? THEN " + strconv.Itoa(i))
			args = append(args, label)
		}
		b.WriteString(" ELSE " + rank + " END")
		rank = b.String()
	}
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ?
		 ORDER BY `+rank+`, created_at ASC, id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, d.persistErr("list pending", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, d.persistErr("list pending", err)
	}
	return tasks, nil
}

// ListFinished returns Completed and Failed tasks that finished at or before
// cutoff, oldest first.
func (d *DB) ListFinished(ctx context.Context, cutoff time.Time, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN (?, ?) AND completed_at <= ?
		 ORDER BY completed_at ASC, id ASC LIMIT ?`,
		string(domain.TaskCompleted), string(domain.TaskFailed), cutoff.UnixMicro(), limit)
	if err != nil {
		return nil, d.persistErr("list finished", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, d.persistErr("list finished", err)
	}
	return tasks, nil
}

// SetStatus moves a task along one legal lifecycle edge and stamps the
// matching timestamps. Completed stores result and clears error; Failed stores
// errText and clears result; Archived keeps both.
func (d *DB) SetStatus(ctx context.Context, id string, status domain.TaskStatus, result, errText string) error {
	return d.withTx(ctx, "set status", func(tx *sql.Tx) error {
		cur, err := currentStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		if !domain.CanTransition(cur, status) {
			return &domain.TransitionError{TaskID: id, From: cur, To: status}
		}

		now := d.stamp()
		var res sql.Result
		switch status {
		case domain.TaskProcessing:
			res, err = tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, started_at = COALESCE(started_at, ?),
				 updated_at = MAX(updated_at, ?) WHERE id = ? AND status = ?`,
				string(status), now, now, id, string(cur))
		case domain.TaskCompleted:
			if result == "" {
				result = EmptyResult
			}
			res, err = tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, result = ?, error = NULL,
				 completed_at = COALESCE(completed_at, ?), updated_at = MAX(updated_at, ?)
				 WHERE id = ? AND status = ?`,
				string(status), result, now, now, id, string(cur))
		case domain.TaskFailed:
			if errText == "" {
				errText = "unknown error"
			}
			res, err = tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, result = NULL, error = ?,
				 completed_at = COALESCE(completed_at, ?), updated_at = MAX(updated_at, ?)
				 WHERE id = ? AND status = ?`,
				string(status), errText, now, now, id, string(cur))
		default:
			res, err = tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, completed_at = COALESCE(completed_at, ?),
				 updated_at = MAX(updated_at, ?) WHERE id = ? AND status = ?`,
				string(status), now, now, id, string(cur))
		}
		if err != nil {
			return err
		}
		return expectOne(res, id, cur, status)
	})
}

// EditTask changes message and/or priority of a Pending task.
func (d *DB) EditTask(ctx context.Context, id string, message, priority *string) error {
	return d.withTx(ctx, "edit task", func(tx *sql.Tx) error {
		cur, err := currentStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur != domain.TaskPending {
			return &domain.TransitionError{TaskID: id, From: cur, To: domain.TaskPending}
		}

		sets := []string{"updated_at = MAX(updated_at, ?)"}
		args := []any{d.stamp()}
		if message != nil {
			sets = append(sets, "message = ?")
			args = append(args, *message)
		}
		if priority != nil {
			sets = append(sets, "priority = ?")
			args = append(args, *priority)
		}
		args = append(args, id)
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		return err
	})
}

// DeleteTask removes a Pending task.
func (d *DB) DeleteTask(ctx context.Context, id string) error {
	return d.withTx(ctx, "delete task", func(tx *sql.Tx) error {
		cur, err := currentStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur != domain.TaskPending {
			return &domain.TransitionError{TaskID: id, From: cur, To: "deleted"}
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND status = ?`,
			id, string(domain.TaskPending))
		return err
	})
}

// ArchiveTask moves a Completed or Failed task to Archived.
func (d *DB) ArchiveTask(ctx context.Context, id string) error {
	return d.SetStatus(ctx, id, domain.TaskArchived, "", "")
}

// CountByStatus returns how many tasks are in status.
func (d *DB) CountByStatus(ctx context.Context, status domain.TaskStatus) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, d.persistErr("count tasks", err)
	}
	return n, nil
}

// Stats returns the number of tasks per status. Every status is present.
func (d *DB) Stats(ctx context.Context) (map[domain.TaskStatus]int, error) {
	stats := make(map[domain.TaskStatus]int, len(domain.AllStatuses))
	for _, st := range domain.AllStatuses {
		stats[st] = 0
	}

	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, d.persistErr("task stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, d.persistErr("task stats", err)
		}
		stats[domain.TaskStatus(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, d.persistErr("task stats", err)
	}
	return stats, nil
}

// FailStale marks every Processing task as Failed with reason. Used at startup:
// a task can only be Processing there if the previous process died mid-run.
func (d *DB) FailStale(ctx context.Context, reason string) (int, error) {
	now := d.stamp()
	res, err := d.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = NULL, error = ?,
		 completed_at = COALESCE(completed_at, ?), updated_at = MAX(updated_at, ?)
		 WHERE status = ?`,
		string(domain.TaskFailed), reason, now, now, string(domain.TaskProcessing))
	if err != nil {
		return 0, d.persistErr("fail stale", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, d.persistErr("fail stale", err)
	}
	return int(n), nil
}

func currentStatus(ctx context.Context, tx *sql.Tx, id string) (domain.TaskStatus, error) {
	var st string
	err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&st)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%s: %w", id, domain.ErrTaskNotFound)
	}
	if err != nil {
		return "", err
	}
	return domain.TaskStatus(st), nil
}

func expectOne(res sql.Result, id string, from, to domain.TaskStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return &domain.TransitionError{TaskID: id, From: from, To: to}
	}
	return nil
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var createdAt, updatedAt int64
	var startedAt, completedAt sql.NullInt64
	var result, taskErr sql.NullString

	err := s.Scan(&t.ID, &t.UserID, &t.Message, &t.Status, &t.Priority,
		&createdAt, &updatedAt, &startedAt, &completedAt, &result, &taskErr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.CreatedAt = time.UnixMicro(createdAt)
	t.UpdatedAt = time.UnixMicro(updatedAt)
	t.StartedAt = fromMicro(startedAt)
	t.CompletedAt = fromMicro(completedAt)
	t.Result = result.String
	t.Error = taskErr.String
	return &t, nil
}
