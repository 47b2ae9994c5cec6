// Package sqlite provides the SQLite-backed task store for taskpilot.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/taskpilot/taskpilot/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, a 5-second busy timeout and immediate
// transactions so read-modify-write sequences take the write lock up front.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{
		db:  db,
		log: slog.Default().With("component", "sqlite"),
		now: time.Now,
	}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// PingContext checks database connectivity, honoring ctx.
func (d *DB) PingContext(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL DEFAULT '',
			message      TEXT NOT NULL,
			status       TEXT NOT NULL,
			priority     TEXT NOT NULL DEFAULT 'normal',
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			started_at   INTEGER,
			completed_at INTEGER,
			result       TEXT,
			error        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at DESC)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// withTx runs fn in one transaction. Domain errors returned by fn pass
// through untouched; database errors become persistence failures.
func (d *DB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return d.persistErr(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if isDomainErr(err) {
			return err
		}
		return d.persistErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return d.persistErr(op, err)
	}
	return nil
}

// persistErr logs err and wraps it as a persistence failure.
func (d *DB) persistErr(op string, err error) error {
	d.log.Error("store operation failed", "op", op, "error", err)
	return fmt.Errorf("%s: %w: %w", op, domain.ErrPersistence, err)
}

func isDomainErr(err error) bool {
	return errors.Is(err, domain.ErrTaskNotFound) ||
		errors.Is(err, domain.ErrInvalidStateTransition) ||
		errors.Is(err, domain.ErrPersistence)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (d *DB) stamp() int64 {
	return d.now().UnixMicro()
}

func fromMicro(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMicro(v.Int64)
}
