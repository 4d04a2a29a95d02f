// Package audit keeps a durable history of task lifecycle events in SQL.
// It backs GET /api/tasks/history and lets status lookups survive a
// registry restart or eviction.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/makeasinger/musicgen/internal/model"
)

// ErrNotFound is returned when no row exists for a task id.
var ErrNotFound = errors.New("task not found in audit log")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS musicgen_tasks (
    id          VARCHAR(64)  PRIMARY KEY,
    status      VARCHAR(32)  NOT NULL,
    progress    INTEGER      NOT NULL,
    message     TEXT         NOT NULL,
    files_json  TEXT         NOT NULL,
    created_at  BIGINT       NOT NULL,
    started_at  BIGINT       NULL,
    finished_at BIGINT       NULL,
    updated_at  BIGINT       NOT NULL
)`

const upsertSQL = `
INSERT INTO musicgen_tasks (id, status, progress, message, files_json, created_at, started_at, finished_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    status      = excluded.status,
    progress    = excluded.progress,
    message     = excluded.message,
    files_json  = excluded.files_json,
    started_at  = COALESCE(musicgen_tasks.started_at, excluded.started_at),
    finished_at = excluded.finished_at,
    updated_at  = excluded.updated_at
WHERE musicgen_tasks.status NOT IN ('completed', 'failed', 'cancelled')`

const selectColumns = `SELECT id, status, progress, message, files_json, created_at, started_at, finished_at FROM musicgen_tasks`

// SQLStore records task events. Safe for concurrent use.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects with the given driver and ensures the schema exists.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported audit driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer at a time keeps sqlite from returning SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	store := NewSQLStore(db, driver)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an existing handle.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// Migrate creates the table if missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders as $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

// Notify records ev. Rows of finished tasks are never rewritten.
func (s *SQLStore) Notify(ctx context.Context, ev *model.TaskEvent) error {
	files := ev.Files
	if files == nil {
		files = []model.Artifact{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return err
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var startedAt, finishedAt sql.NullInt64
	if ev.Status == model.TaskStatusProcessing {
		startedAt = sql.NullInt64{Int64: millis(ts), Valid: true}
	}
	if ev.Status.IsTerminal() {
		finishedAt = sql.NullInt64{Int64: millis(ts), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, s.rebind(upsertSQL),
		ev.TaskID, string(ev.Status), ev.Progress, ev.Message, string(filesJSON),
		millis(ts), startedAt, finishedAt, millis(ts))
	if err != nil {
		return fmt.Errorf("record task %s: %w", ev.TaskID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.Task, error) {
	var (
		t                     model.Task
		status, filesJSON     string
		createdAt             int64
		startedAt, finishedAt sql.NullInt64
	)
	if err := row.Scan(&t.ID, &status, &t.Progress, &t.Message, &filesJSON, &createdAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	if err := json.Unmarshal([]byte(filesJSON), &t.Files); err != nil {
		return nil, fmt.Errorf("decode files for %s: %w", t.ID, err)
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	if startedAt.Valid {
		v := time.UnixMilli(startedAt.Int64).UTC()
		t.StartedAt = &v
	}
	if finishedAt.Valid {
		v := time.UnixMilli(finishedAt.Int64).UTC()
		t.FinishedAt = &v
	}
	return &t, nil
}

// Get returns the last recorded state of a task.
func (s *SQLStore) Get(ctx context.Context, taskID string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectColumns+` WHERE id = ?`), taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return t, err
}

// List returns up to limit tasks, newest first.
func (s *SQLStore) List(ctx context.Context, limit int) ([]*model.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(selectColumns+` ORDER BY created_at DESC, id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
