package db

import (
	"context"
	"encoding/json"
	"time"
)

// ScheduledTask is a durable record of a deferred or recurring handler invocation
type ScheduledTask struct {
	ID          string          `json:"id"`
	HandlerName string          `json:"handler_name"`
	TaskData    json.RawMessage `json:"task_data"`
	NextRunAt   time.Time       `json:"next_run_at"`
	Interval    *time.Duration  `json:"interval,omitempty"` // nil = one-shot
	Status      string          `json:"status"`             // pending / running / completed / failed
	LockedBy    *string         `json:"locked_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Recurring reports whether the task reschedules itself after a run
func (t *ScheduledTask) Recurring() bool {
	return t.Interval != nil && *t.Interval > 0
}

// ScheduledTask status constants
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// TaskStore is the storage-agnostic contract over scheduled tasks.
// ClaimDueTasks and MarkRunning are atomic: a task is handed to at most one
// caller per pending→running transition.
type TaskStore interface {
	CreateTask(ctx context.Context, handlerName string, taskData json.RawMessage, nextRunAt time.Time, interval *time.Duration) (string, error)
	GetTask(ctx context.Context, id string) (*ScheduledTask, error)
	ListTasks(ctx context.Context, status string, limit int) ([]*ScheduledTask, error)
	FindDueTasks(ctx context.Context, limit int) ([]*ScheduledTask, error)
	MarkRunning(ctx context.Context, id string) (bool, error)
	ClaimDueTasks(ctx context.Context, workerID string, limit int) ([]*ScheduledTask, error)
	MarkCompleted(ctx context.Context, id string, failed bool) error
	UpdateNextRun(ctx context.Context, id string, nextRunAt time.Time) error
	RescheduleIfRecurring(ctx context.Context, task *ScheduledTask) error
	ResetStaleRunning(ctx context.Context, olderThan time.Duration) (int, error)
	DeleteAll(ctx context.Context) error
}

// rescheduleIfRecurring completes one-shot tasks and pushes recurring ones to
// completedAt + interval, so the gap is measured from completion rather than
// from the previous deadline
func rescheduleIfRecurring(ctx context.Context, s TaskStore, t *ScheduledTask, completedAt time.Time) error {
	if !t.Recurring() {
		return s.MarkCompleted(ctx, t.ID, false)
	}
	return s.UpdateNextRun(ctx, t.ID, completedAt.Add(*t.Interval))
}

func normalizeTaskData(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage(`{}`)
	}
	return data
}

func intervalMs(d *time.Duration) *int64 {
	if d == nil || *d <= 0 {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func intervalFromMs(ms *int64) *time.Duration {
	if ms == nil || *ms <= 0 {
		return nil
	}
	d := time.Duration(*ms) * time.Millisecond
	return &d
}
