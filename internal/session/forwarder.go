package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/z-korp/daydreams/dispatcher/internal/db"
	"github.com/z-korp/daydreams/dispatcher/internal/flow"
)

// TaskForwarder decorates FlowHooks so that tasks requested by the Processor
// are persisted in the task store. All other hooks pass through.
type TaskForwarder struct {
	flow.FlowHooks
	store  db.TaskStore
	logger *zap.SugaredLogger
}

// NewTaskForwarder wraps hooks with task persistence
func NewTaskForwarder(hooks flow.FlowHooks, store db.TaskStore, logger *zap.SugaredLogger) *TaskForwarder {
	return &TaskForwarder{FlowHooks: hooks, store: store, logger: logger}
}

// OnTasksScheduled creates one scheduled task per request, then notifies the
// wrapped hooks
func (f *TaskForwarder) OnTasksScheduled(ctx context.Context, userID string, tasks []flow.TaskRequest) error {
	for _, t := range tasks {
		if t.HandlerName == "" {
			return fmt.Errorf("schedule task: handler name is required")
		}
		id, err := f.store.CreateTask(ctx, t.HandlerName, t.Data, t.NextRunAt, t.Interval())
		if err != nil {
			return fmt.Errorf("create task %s: %w", t.HandlerName, err)
		}
		f.logger.Infow("Scheduled task",
			"task_id", id,
			"handler", t.HandlerName,
			"user_id", userID,
			"next_run_at", t.NextRunAt,
			"interval_ms", t.IntervalMs,
		)
	}
	return f.FlowHooks.OnTasksScheduled(ctx, userID, tasks)
}
