package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrTaskNotFound is returned when a task id does not exist
var ErrTaskNotFound = errors.New("scheduled task not found")

const taskColumns = `id, handler_name, task_data, next_run_at, interval_ms, status, locked_by, created_at, updated_at`

func scanTask(row pgx.Row) (*ScheduledTask, error) {
	var (
		t    ScheduledTask
		data []byte
		ms   *int64
	)
	err := row.Scan(&t.ID, &t.HandlerName, &data, &t.NextRunAt, &ms, &t.Status,
		&t.LockedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.TaskData = json.RawMessage(data)
	t.Interval = intervalFromMs(ms)
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*ScheduledTask, error) {
	defer rows.Close()
	var result []*ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// ─── ScheduledTask Queries ───

// CreateTask inserts a new pending task and returns its id
func (c *Client) CreateTask(ctx context.Context, handlerName string, taskData json.RawMessage, nextRunAt time.Time, interval *time.Duration) (string, error) {
	id := uuid.New().String()
	now := c.now()
	_, err := c.pool.Exec(ctx, `
		INSERT INTO scheduled_tasks (id, handler_name, task_data, next_run_at, interval_ms, status, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $7)
	`, id, handlerName, string(normalizeTaskData(taskData)), nextRunAt, intervalMs(interval), StatusPending, now)
	if err != nil {
		return "", fmt.Errorf("create scheduled task: %w", err)
	}
	return id, nil
}

// GetTask retrieves a task by ID
func (c *Client) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	t, err := scanTask(c.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get scheduled task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks ordered by next run time, optionally filtered by status
func (c *Client) ListTasks(ctx context.Context, status string, limit int) ([]*ScheduledTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE $1 = '' OR status = $1
		ORDER BY next_run_at ASC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	return collectTasks(rows)
}

// FindDueTasks returns up to limit pending tasks whose deadline has passed, earliest first
func (c *Client) FindDueTasks(ctx context.Context, limit int) ([]*ScheduledTask, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE status = 'pending' AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2
	`, c.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("find due tasks: %w", err)
	}
	return collectTasks(rows)
}

// MarkRunning moves a task from pending to running. It reports false when the
// task was no longer pending, i.e. another worker claimed it first.
func (c *Client) MarkRunning(ctx context.Context, id string) (bool, error) {
	result, err := c.pool.Exec(ctx, `
		UPDATE scheduled_tasks SET status = 'running', updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, c.now())
	if err != nil {
		return false, fmt.Errorf("mark task running: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ClaimDueTasks atomically picks up to limit due tasks and locks them to workerID
func (c *Client) ClaimDueTasks(ctx context.Context, workerID string, limit int) ([]*ScheduledTask, error) {
	now := c.now()
	rows, err := c.pool.Query(ctx, `
		UPDATE scheduled_tasks
		SET status = 'running', locked_by = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM scheduled_tasks
			WHERE status = 'pending' AND next_run_at <= $2
			ORDER BY next_run_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns+`
	`, workerID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	sortByDeadline(tasks)
	return tasks, nil
}

// MarkCompleted sets the terminal status of a task
func (c *Client) MarkCompleted(ctx context.Context, id string, failed bool) error {
	status := StatusCompleted
	if failed {
		status = StatusFailed
	}
	result, err := c.pool.Exec(ctx, `
		UPDATE scheduled_tasks SET status = $2, locked_by = NULL, updated_at = $3
		WHERE id = $1
	`, id, status, c.now())
	if err != nil {
		return fmt.Errorf("mark task completed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// UpdateNextRun returns a task to pending with a new deadline. The deadline
// never moves backwards.
func (c *Client) UpdateNextRun(ctx context.Context, id string, nextRunAt time.Time) error {
	result, err := c.pool.Exec(ctx, `
		UPDATE scheduled_tasks
		SET next_run_at = GREATEST(next_run_at, $2), status = 'pending', locked_by = NULL, updated_at = $3
		WHERE id = $1
	`, id, nextRunAt, c.now())
	if err != nil {
		return fmt.Errorf("update next run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// RescheduleIfRecurring completes one-shot tasks and re-arms recurring ones
func (c *Client) RescheduleIfRecurring(ctx context.Context, task *ScheduledTask) error {
	return rescheduleIfRecurring(ctx, c, task, c.now())
}

// ResetStaleRunning returns RUNNING tasks untouched for longer than olderThan to pending
func (c *Client) ResetStaleRunning(ctx context.Context, olderThan time.Duration) (int, error) {
	now := c.now()
	result, err := c.pool.Exec(ctx, `
		UPDATE scheduled_tasks
		SET status = 'pending', locked_by = NULL, updated_at = $1
		WHERE status = 'running' AND updated_at < $2
	`, now, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("reset stale tasks: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// DeleteAll removes every scheduled task
func (c *Client) DeleteAll(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, `DELETE FROM scheduled_tasks`); err != nil {
		return fmt.Errorf("delete scheduled tasks: %w", err)
	}
	return nil
}

func sortByDeadline(tasks []*ScheduledTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].NextRunAt.Before(tasks[j].NextRunAt)
	})
}
