// Package sqlite provides a single-file monitor.Store backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

const schema = `
CREATE TABLE IF NOT EXISTS monitor_tasks (
	id                 TEXT PRIMARY KEY,
	keyword            TEXT NOT NULL,
	target_sites       TEXT NOT NULL,
	notification_email TEXT NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL,
	last_checked_at    INTEGER
);
CREATE TABLE IF NOT EXISTS monitor_verdicts (
	task_id       TEXT NOT NULL,
	url           TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	availability  TEXT NOT NULL,
	price         REAL,
	detector      TEXT NOT NULL DEFAULT '',
	raw_signal    TEXT NOT NULL DEFAULT '',
	checked_at    INTEGER NOT NULL,
	first_seen_at INTEGER NOT NULL,
	PRIMARY KEY (task_id, url)
);`

// TaskStore persists tasks and verdicts in a local SQLite file.
type TaskStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTaskStore opens (creating if needed) the database at path.
func NewTaskStore(ctx context.Context, path string, logger *zap.Logger) (*TaskStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store.sqlite_path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	s := &TaskStore{db: db, logger: logger.Named("sqlite_store")}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, monitor.StoreError("migrate", err)
	}
	s.logger.Info("sqlite store ready", zap.String("path", path))
	return s, nil
}

// CreateTask inserts a task.
func (s *TaskStore) CreateTask(ctx context.Context, task monitor.Task) (string, error) {
	if task.ID == "" {
		return "", fmt.Errorf("create task: %w: missing id", monitor.ErrInvalidTask)
	}
	sites, err := json.Marshal(task.TargetSites)
	if err != nil {
		return "", fmt.Errorf("encode target sites: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_tasks (id, keyword, target_sites, notification_email, created_at) VALUES (?, ?, ?, ?, ?)`,
		task.ID, task.Keyword, string(sites), task.NotificationEmail, task.CreatedAt.UTC().UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", monitor.StoreError("create task", fmt.Errorf("task %s already exists: %w", task.ID, err))
		}
		return "", monitor.StoreError("create task", err)
	}
	return task.ID, nil
}

const taskColumns = `id, keyword, target_sites, notification_email, created_at, last_checked_at`

// ListTasks returns tasks in creation order.
func (s *TaskStore) ListTasks(ctx context.Context) ([]monitor.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM monitor_tasks ORDER BY created_at, rowid`)
	if err != nil {
		return nil, monitor.StoreError("list tasks", err)
	}
	defer func() { _ = rows.Close() }()

	var out []monitor.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, monitor.StoreError("list tasks", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, monitor.StoreError("list tasks", err)
	}
	return out, nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (monitor.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM monitor_tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Task{}, monitor.ErrTaskNotFound
	}
	if err != nil {
		return monitor.Task{}, monitor.StoreError("get task", err)
	}
	return task, nil
}

// DeleteTask removes a task and its verdicts in one transaction.
func (s *TaskStore) DeleteTask(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return monitor.StoreError("delete task", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM monitor_tasks WHERE id = ?`, taskID)
	if err != nil {
		return monitor.StoreError("delete task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return monitor.ErrTaskNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM monitor_verdicts WHERE task_id = ?`, taskID); err != nil {
		return monitor.StoreError("delete task", err)
	}
	if err := tx.Commit(); err != nil {
		return monitor.StoreError("delete task", err)
	}
	return nil
}

const verdictColumns = `url, title, availability, price, detector, raw_signal, checked_at`

// GetLastVerdict returns the stored verdict for (task, url) or nil.
func (s *TaskStore) GetLastVerdict(ctx context.Context, taskID, url string) (*monitor.Verdict, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+verdictColumns+` FROM monitor_verdicts WHERE task_id = ? AND url = ?`, taskID, url)
	v, err := scanVerdict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, monitor.StoreError("get verdict", err)
	}
	return &v, nil
}

// PutVerdict upserts the verdict for (task, url). The insert is conditional on
// the task still existing so a run racing a delete cannot recreate rows.
func (s *TaskStore) PutVerdict(ctx context.Context, taskID, url string, v monitor.Verdict) error {
	var price sql.NullFloat64
	if v.Price != nil {
		price = sql.NullFloat64{Float64: *v.Price, Valid: true}
	}
	checked := v.CheckedAt.UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO monitor_verdicts (task_id, url, title, availability, price, detector, raw_signal, checked_at, first_seen_at)
SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM monitor_tasks WHERE id = ?)
ON CONFLICT (task_id, url) DO UPDATE SET
	title = excluded.title,
	availability = excluded.availability,
	price = excluded.price,
	detector = excluded.detector,
	raw_signal = excluded.raw_signal,
	checked_at = excluded.checked_at`,
		taskID, url, v.Title, string(v.Availability), price, v.Detector, v.RawSignal, checked, checked, taskID)
	if err != nil {
		return monitor.StoreError("put verdict", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return monitor.ErrTaskNotFound
	}
	return nil
}

// ListVerdicts returns the latest verdict per URL in first-seen order.
func (s *TaskStore) ListVerdicts(ctx context.Context, taskID string) ([]monitor.Verdict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+verdictColumns+` FROM monitor_verdicts WHERE task_id = ? ORDER BY first_seen_at, rowid`, taskID)
	if err != nil {
		return nil, monitor.StoreError("list verdicts", err)
	}
	defer func() { _ = rows.Close() }()

	var out []monitor.Verdict
	for rows.Next() {
		v, err := scanVerdict(rows)
		if err != nil {
			return nil, monitor.StoreError("list verdicts", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, monitor.StoreError("list verdicts", err)
	}
	return out, nil
}

// MarkChecked records when a task's run last completed.
func (s *TaskStore) MarkChecked(ctx context.Context, taskID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE monitor_tasks SET last_checked_at = ? WHERE id = ?`,
		at.UTC().UnixNano(), taskID)
	if err != nil {
		return monitor.StoreError("mark checked", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return monitor.ErrTaskNotFound
	}
	return nil
}

// Ping checks that the database file is usable.
func (s *TaskStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return monitor.StoreError("ping", err)
	}
	return nil
}

// Close releases the database handle.
func (s *TaskStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (monitor.Task, error) {
	var (
		task        monitor.Task
		sites       string
		created     int64
		lastChecked sql.NullInt64
	)
	if err := row.Scan(&task.ID, &task.Keyword, &sites, &task.NotificationEmail, &created, &lastChecked); err != nil {
		return monitor.Task{}, err //nolint:wrapcheck // callers wrap with the operation
	}
	if err := json.Unmarshal([]byte(sites), &task.TargetSites); err != nil {
		return monitor.Task{}, fmt.Errorf("decode target sites for %s: %w", task.ID, err)
	}
	task.CreatedAt = time.Unix(0, created).UTC()
	if lastChecked.Valid {
		at := time.Unix(0, lastChecked.Int64).UTC()
		task.LastCheckedAt = &at
	}
	return task, nil
}

func scanVerdict(row scanner) (monitor.Verdict, error) {
	var (
		v            monitor.Verdict
		availability string
		price        sql.NullFloat64
		checked      int64
	)
	if err := row.Scan(&v.URL, &v.Title, &availability, &price, &v.Detector, &v.RawSignal, &checked); err != nil {
		return monitor.Verdict{}, err //nolint:wrapcheck // callers wrap with the operation
	}
	v.Availability = monitor.Availability(availability)
	if price.Valid {
		p := price.Float64
		v.Price = &p
	}
	v.CheckedAt = time.Unix(0, checked).UTC()
	return v, nil
}
