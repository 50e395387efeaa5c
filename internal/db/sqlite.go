package db

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLiteStore keeps scheduled tasks in an embedded SQLite database.
// Writes are serialized through a single connection, which makes the
// claim statement atomic.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" for
// a throwaway store.
func NewSQLiteStore(ctx context.Context, path string, logger *zap.SugaredLogger) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Infow("Opened SQLite task store", "path", path)
	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// WithClock overrides the time source used for due checks and timestamps
func (s *SQLiteStore) WithClock(now func() time.Time) *SQLiteStore {
	s.now = now
	return s
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (*ScheduledTask, error) {
	var (
		t                             ScheduledTask
		data                          string
		nextRun, createdAt, updatedAt int64
		ms                            sql.NullInt64
		lockedBy                      sql.NullString
	)
	if err := row.Scan(&t.ID, &t.HandlerName, &data, &nextRun, &ms, &t.Status, &lockedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.TaskData = json.RawMessage(data)
	t.NextRunAt = time.UnixMilli(nextRun)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	if ms.Valid {
		t.Interval = intervalFromMs(&ms.Int64)
	}
	if lockedBy.Valid {
		t.LockedBy = &lockedBy.String
	}
	return &t, nil
}

func collectSQLiteTasks(rows *sql.Rows) ([]*ScheduledTask, error) {
	defer rows.Close()
	var result []*ScheduledTask
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// CreateTask inserts a new pending task and returns its id
func (s *SQLiteStore) CreateTask(ctx context.Context, handlerName string, taskData json.RawMessage, nextRunAt time.Time, interval *time.Duration) (string, error) {
	id := uuid.New().String()
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, handler_name, task_data, next_run_at, interval_ms, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, handlerName, string(normalizeTaskData(taskData)), nextRunAt.UnixMilli(), intervalMs(interval), StatusPending, now, now)
	if err != nil {
		return "", fmt.Errorf("create scheduled task: %w", err)
	}
	return id, nil
}

// GetTask retrieves a task by ID
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get scheduled task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks ordered by next run time, optionally filtered by status
func (s *SQLiteStore) ListTasks(ctx context.Context, status string, limit int) ([]*ScheduledTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE ? = '' OR status = ?
		ORDER BY next_run_at ASC
		LIMIT ?
	`, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	return collectSQLiteTasks(rows)
}

// FindDueTasks returns up to limit pending tasks whose deadline has passed, earliest first
func (s *SQLiteStore) FindDueTasks(ctx context.Context, limit int) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE status = 'pending' AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?
	`, s.now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("find due tasks: %w", err)
	}
	return collectSQLiteTasks(rows)
}

// MarkRunning moves a task from pending to running, reporting whether this call won the claim
func (s *SQLiteStore) MarkRunning(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET status = 'running', updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, s.now().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("mark task running: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark task running: %w", err)
	}
	return n == 1, nil
}

// ClaimDueTasks atomically picks up to limit due tasks and locks them to workerID
func (s *SQLiteStore) ClaimDueTasks(ctx context.Context, workerID string, limit int) ([]*ScheduledTask, error) {
	now := s.now().UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE scheduled_tasks
		SET status = 'running', locked_by = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM scheduled_tasks
			WHERE status = 'pending' AND next_run_at <= ?
			ORDER BY next_run_at ASC
			LIMIT ?
		)
		RETURNING `+taskColumns, workerID, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	tasks, err := collectSQLiteTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	sortByDeadline(tasks)
	return tasks, nil
}

// MarkCompleted sets the terminal status of a task
func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string, failed bool) error {
	status := StatusCompleted
	if failed {
		status = StatusFailed
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET status = ?, locked_by = NULL, updated_at = ?
		WHERE id = ?
	`, status, s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark task completed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark task completed: %w", err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// UpdateNextRun returns a task to pending with a new deadline that never moves backwards
func (s *SQLiteStore) UpdateNextRun(ctx context.Context, id string, nextRunAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET next_run_at = MAX(next_run_at, ?), status = 'pending', locked_by = NULL, updated_at = ?
		WHERE id = ?
	`, nextRunAt.UnixMilli(), s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update next run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update next run: %w", err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// RescheduleIfRecurring completes one-shot tasks and re-arms recurring ones
func (s *SQLiteStore) RescheduleIfRecurring(ctx context.Context, task *ScheduledTask) error {
	return rescheduleIfRecurring(ctx, s, task, s.now())
}

// ResetStaleRunning returns RUNNING tasks untouched for longer than olderThan to pending
func (s *SQLiteStore) ResetStaleRunning(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = 'pending', locked_by = NULL, updated_at = ?
		WHERE status = 'running' AND updated_at < ?
	`, now.UnixMilli(), now.Add(-olderThan).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("reset stale tasks: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stale tasks: %w", err)
	}
	return int(n), nil
}

// DeleteAll removes every scheduled task
func (s *SQLiteStore) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks`); err != nil {
		return fmt.Errorf("delete scheduled tasks: %w", err)
	}
	return nil
}
