// Package postgres provides a Postgres-backed monitor.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

// Schema creates the monitor tables when they do not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS monitor_tasks (
	id                 TEXT PRIMARY KEY,
	keyword            TEXT NOT NULL,
	target_sites       TEXT[] NOT NULL,
	notification_email TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	last_checked_at    TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS monitor_verdicts (
	task_id       TEXT NOT NULL REFERENCES monitor_tasks(id) ON DELETE CASCADE,
	url           TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	availability  TEXT NOT NULL,
	price         DOUBLE PRECISION,
	detector      TEXT NOT NULL DEFAULT '',
	raw_signal    TEXT NOT NULL DEFAULT '',
	checked_at    TIMESTAMPTZ NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (task_id, url)
);`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// TaskStore persists tasks and verdicts in Postgres.
type TaskStore struct {
	pool pool
}

// NewTaskStore connects to Postgres and ensures the schema exists.
func NewTaskStore(ctx context.Context, cfg Config) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &TaskStore{pool: p}
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTaskStoreWithPool(p pool) (*TaskStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TaskStore{pool: p}, nil
}

// Migrate applies Schema.
func (s *TaskStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return monitor.StoreError("migrate", err)
	}
	return nil
}

// CreateTask inserts a task.
func (s *TaskStore) CreateTask(ctx context.Context, task monitor.Task) (string, error) {
	if task.ID == "" {
		return "", fmt.Errorf("create task: %w: missing id", monitor.ErrInvalidTask)
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO monitor_tasks (id, keyword, target_sites, notification_email, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		task.ID, task.Keyword, task.TargetSites, task.NotificationEmail, task.CreatedAt.UTC())
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return "", monitor.StoreError("create task", fmt.Errorf("task %s already exists: %w", task.ID, err))
		}
		return "", monitor.StoreError("create task", err)
	}
	return task.ID, nil
}

const taskColumns = `id, keyword, target_sites, notification_email, created_at, last_checked_at`

// ListTasks returns tasks in creation order.
func (s *TaskStore) ListTasks(ctx context.Context) ([]monitor.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM monitor_tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, monitor.StoreError("list tasks", err)
	}
	defer rows.Close()

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
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM monitor_tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Task{}, monitor.ErrTaskNotFound
	}
	if err != nil {
		return monitor.Task{}, monitor.StoreError("get task", err)
	}
	return task, nil
}

// DeleteTask removes a task; verdicts cascade.
func (s *TaskStore) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM monitor_tasks WHERE id = $1`, taskID)
	if err != nil {
		return monitor.StoreError("delete task", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrTaskNotFound
	}
	return nil
}

const verdictColumns = `url, title, availability, price, detector, raw_signal, checked_at`

// GetLastVerdict returns the stored verdict for (task, url) or nil.
func (s *TaskStore) GetLastVerdict(ctx context.Context, taskID, url string) (*monitor.Verdict, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+verdictColumns+` FROM monitor_verdicts WHERE task_id = $1 AND url = $2`, taskID, url)
	v, err := scanVerdict(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, monitor.StoreError("get verdict", err)
	}
	return &v, nil
}

// PutVerdict upserts the verdict for (task, url) in a single statement.
func (s *TaskStore) PutVerdict(ctx context.Context, taskID, url string, v monitor.Verdict) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO monitor_verdicts (task_id, url, title, availability, price, detector, raw_signal, checked_at, first_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
ON CONFLICT (task_id, url) DO UPDATE SET
	title = EXCLUDED.title,
	availability = EXCLUDED.availability,
	price = EXCLUDED.price,
	detector = EXCLUDED.detector,
	raw_signal = EXCLUDED.raw_signal,
	checked_at = EXCLUDED.checked_at`,
		taskID, url, v.Title, string(v.Availability), v.Price, v.Detector, v.RawSignal, v.CheckedAt.UTC())
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return monitor.ErrTaskNotFound
		}
		return monitor.StoreError("put verdict", err)
	}
	return nil
}

// ListVerdicts returns the latest verdict per URL in first-seen order.
func (s *TaskStore) ListVerdicts(ctx context.Context, taskID string) ([]monitor.Verdict, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+verdictColumns+` FROM monitor_verdicts WHERE task_id = $1 ORDER BY first_seen_at, url`, taskID)
	if err != nil {
		return nil, monitor.StoreError("list verdicts", err)
	}
	defer rows.Close()

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
	tag, err := s.pool.Exec(ctx, `UPDATE monitor_tasks SET last_checked_at = $2 WHERE id = $1`, taskID, at.UTC())
	if err != nil {
		return monitor.StoreError("mark checked", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrTaskNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (s *TaskStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return monitor.StoreError("ping", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func scanTask(row pgx.Row) (monitor.Task, error) {
	var (
		task        monitor.Task
		lastChecked *time.Time
	)
	if err := row.Scan(&task.ID, &task.Keyword, &task.TargetSites, &task.NotificationEmail,
		&task.CreatedAt, &lastChecked); err != nil {
		return monitor.Task{}, err //nolint:wrapcheck // callers wrap with the operation
	}
	task.CreatedAt = task.CreatedAt.UTC()
	if lastChecked != nil {
		at := lastChecked.UTC()
		task.LastCheckedAt = &at
	}
	return task, nil
}

func scanVerdict(row pgx.Row) (monitor.Verdict, error) {
	var (
		v            monitor.Verdict
		availability string
	)
	if err := row.Scan(&v.URL, &v.Title, &availability, &v.Price, &v.Detector, &v.RawSignal, &v.CheckedAt); err != nil {
		return monitor.Verdict{}, err //nolint:wrapcheck // callers wrap with the operation
	}
	v.Availability = monitor.Availability(availability)
	v.CheckedAt = v.CheckedAt.UTC()
	return v, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
