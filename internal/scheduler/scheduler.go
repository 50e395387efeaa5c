package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/z-korp/daydreams/dispatcher/internal/db"
	"github.com/z-korp/daydreams/dispatcher/internal/engine"
	"github.com/z-korp/daydreams/dispatcher/internal/event"
	"github.com/z-korp/daydreams/dispatcher/internal/flow"
	"github.com/z-korp/daydreams/dispatcher/internal/handler"
	"github.com/z-korp/daydreams/dispatcher/internal/metrics"
)

// Dispatcher runs produced content through the orchestrator
type Dispatcher interface {
	Run(ctx context.Context, items []flow.ContentItem, source string) ([]engine.OutputRecord, error)
}

// Config tunes the polling loop
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// TaskTimeout bounds one handler execution. 0 = no timeout.
	TaskTimeout time.Duration
	// StaleAfter is how long a task may sit in running before Start resets it
	StaleAfter time.Duration
}

// DefaultConfig returns the default polling settings
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		BatchSize:    10,
		TaskTimeout:  5 * time.Minute,
		StaleAfter:   10 * time.Minute,
	}
}

// Scheduler polls the task store for due tasks and executes them against the
// shared handler registry
type Scheduler struct {
	store      db.TaskStore
	registry   *handler.Registry
	dispatcher Dispatcher
	eventBus   *event.Bus
	logger     *zap.SugaredLogger
	cfg        Config
	workerID   string
}

// New creates a new scheduler
func New(
	store db.TaskStore,
	registry *handler.Registry,
	dispatcher Dispatcher,
	eventBus *event.Bus,
	logger *zap.SugaredLogger,
	cfg Config,
) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Scheduler{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		eventBus:   eventBus,
		logger:     logger,
		cfg:        cfg,
		workerID:   fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
	}
}

// WorkerID returns the id this scheduler claims tasks under
func (s *Scheduler) WorkerID() string {
	return s.workerID
}

// Start recovers tasks left running by dead workers and starts the polling loop
func (s *Scheduler) Start(ctx context.Context) error {
	// 1. Recovery: reset stale RUNNING tasks from dead workers
	if s.cfg.StaleAfter > 0 {
		count, err := s.store.ResetStaleRunning(ctx, s.cfg.StaleAfter)
		if err != nil {
			return fmt.Errorf("reset stale tasks: %w", err)
		}
		if count > 0 {
			s.logger.Infow("Recovered stale running tasks", "count", count)
		}
	}

	// 2. Start polling loop
	s.logger.Infow("Starting scheduler loop", "worker_id", s.workerID, "poll_interval", s.cfg.PollInterval)
	go s.run(ctx)

	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler loop stopped")
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Errorw("Failed to claim due tasks", "error", err)
			}
		}
	}
}

// Tick claims up to BatchSize due tasks and executes them in deadline order.
// It returns the number of tasks claimed. Per-task failures are recorded on
// the task and never returned.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	tasks, err := s.store.ClaimDueTasks(ctx, s.workerID, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due tasks: %w", err)
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			// Leave the rest running; recovery returns them to pending
			break
		}
		s.runTask(ctx, task)
	}
	return len(tasks), nil
}

func (s *Scheduler) runTask(ctx context.Context, task *db.ScheduledTask) {
	start := time.Now()
	s.logger.Infow("Acquired scheduled task",
		"task_id", task.ID,
		"handler", task.HandlerName,
		"recurring", task.Recurring(),
	)
	s.publishEvent(event.TypeTaskStarted, task, nil)

	err := s.execute(ctx, task)
	metrics.TaskRunDuration.WithLabelValues(task.HandlerName).Observe(time.Since(start).Seconds())
	if err != nil {
		s.handleTaskError(ctx, task, err)
		return
	}

	if err := s.store.RescheduleIfRecurring(ctx, task); err != nil {
		s.handleTaskError(ctx, task, fmt.Errorf("reschedule: %w", err))
		return
	}

	status := db.StatusCompleted
	if task.Recurring() {
		status = "rescheduled"
	}
	metrics.TaskRuns.WithLabelValues(task.HandlerName, status).Inc()
	s.publishEvent(event.TypeTaskFinished, task, map[string]any{"status": status})
}

// execute resolves and invokes the task's handler, then feeds any produced
// content back through the orchestrator
func (s *Scheduler) execute(ctx context.Context, task *db.ScheduledTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", task.HandlerName, r)
		}
	}()

	h, err := s.registry.Get(task.HandlerName)
	if err != nil {
		return err
	}

	tctx, cancel := s.taskContext(ctx)
	defer cancel()

	var items []flow.ContentItem
	switch v := h.(type) {
	case *handler.Action:
		res, err := v.Execute(tctx, task.TaskData)
		if err != nil {
			return fmt.Errorf("execute %s: %w", v.Name(), err)
		}
		if res != nil {
			items = res.Items
		}
	case *handler.Output:
		if err := v.Execute(tctx, task.TaskData); err != nil {
			return fmt.Errorf("execute %s: %w", v.Name(), err)
		}
	default:
		return fmt.Errorf("handler %s with role %s cannot run as a task", h.Name(), h.Role())
	}

	if len(items) > 0 {
		if _, err := s.dispatcher.Run(ctx, items, task.HandlerName); err != nil {
			return fmt.Errorf("dispatch task output: %w", err)
		}
	}
	return nil
}

// handleTaskError marks a task as failed and publishes error event
func (s *Scheduler) handleTaskError(ctx context.Context, task *db.ScheduledTask, execErr error) {
	errMsg := execErr.Error()
	s.logger.Errorw("Scheduled task failed",
		"task_id", task.ID,
		"handler", task.HandlerName,
		"error", errMsg,
	)
	if err := s.store.MarkCompleted(context.WithoutCancel(ctx), task.ID, true); err != nil {
		s.logger.Errorw("Failed to mark task failed", "task_id", task.ID, "error", err)
	}
	metrics.TaskRuns.WithLabelValues(task.HandlerName, db.StatusFailed).Inc()
	s.publishEvent(event.TypeTaskFailed, task, map[string]any{"error": errMsg})
}

func (s *Scheduler) taskContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.TaskTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.TaskTimeout)
}

// publishEvent is a helper to publish events through the event bus
func (s *Scheduler) publishEvent(eventType string, task *db.ScheduledTask, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["task_data"] = json.RawMessage(task.TaskData)
	s.eventBus.Publish(&event.Event{
		Type:    eventType,
		Source:  "scheduler",
		Handler: task.HandlerName,
		TaskID:  task.ID,
		Data:    data,
	})
}
