package db

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process TaskStore, used in tests and single-node setups
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*ScheduledTask
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory task store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*ScheduledTask),
		now:   time.Now,
	}
}

// WithClock overrides the time source used for due checks and timestamps
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func cloneTask(t *ScheduledTask) *ScheduledTask {
	c := *t
	c.TaskData = append(json.RawMessage(nil), t.TaskData...)
	if t.Interval != nil {
		d := *t.Interval
		c.Interval = &d
	}
	if t.LockedBy != nil {
		l := *t.LockedBy
		c.LockedBy = &l
	}
	return &c
}

// CreateTask inserts a new pending task and returns its id
func (s *MemoryStore) CreateTask(_ context.Context, handlerName string, taskData json.RawMessage, nextRunAt time.Time, interval *time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	t := &ScheduledTask{
		ID:          uuid.New().String(),
		HandlerName: handlerName,
		TaskData:    normalizeTaskData(taskData),
		NextRunAt:   nextRunAt,
		Interval:    intervalFromMs(intervalMs(interval)),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tasks[t.ID] = t
	return t.ID, nil
}

// GetTask retrieves a task by ID
func (s *MemoryStore) GetTask(_ context.Context, id string) (*ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// ListTasks returns tasks ordered by next run time, optionally filtered by status
func (s *MemoryStore) ListTasks(_ context.Context, status string, limit int) ([]*ScheduledTask, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectLocked(func(t *ScheduledTask) bool {
		return status == "" || t.Status == status
	}, limit), nil
}

// FindDueTasks returns up to limit pending tasks whose deadline has passed, earliest first
func (s *MemoryStore) FindDueTasks(_ context.Context, limit int) ([]*ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectLocked(s.dueLocked(), limit), nil
}

// MarkRunning moves a task from pending to running, reporting whether this call won the claim
func (s *MemoryStore) MarkRunning(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	if t.Status != StatusPending {
		return false, nil
	}
	t.Status = StatusRunning
	t.UpdatedAt = s.now()
	return true, nil
}

// ClaimDueTasks atomically picks up to limit due tasks and locks them to workerID
func (s *MemoryStore) ClaimDueTasks(_ context.Context, workerID string, limit int) ([]*ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := s.selectLocked(s.dueLocked(), limit)
	now := s.now()
	for _, c := range due {
		t := s.tasks[c.ID]
		t.Status = StatusRunning
		w := workerID
		t.LockedBy = &w
		t.UpdatedAt = now
		c.Status, c.LockedBy, c.UpdatedAt = t.Status, &w, now
	}
	return due, nil
}

// MarkCompleted sets the terminal status of a task
func (s *MemoryStore) MarkCompleted(_ context.Context, id string, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = StatusCompleted
	if failed {
		t.Status = StatusFailed
	}
	t.LockedBy = nil
	t.UpdatedAt = s.now()
	return nil
}

// UpdateNextRun returns a task to pending with a new deadline that never moves backwards
func (s *MemoryStore) UpdateNextRun(_ context.Context, id string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if nextRunAt.After(t.NextRunAt) {
		t.NextRunAt = nextRunAt
	}
	t.Status = StatusPending
	t.LockedBy = nil
	t.UpdatedAt = s.now()
	return nil
}

// RescheduleIfRecurring completes one-shot tasks and re-arms recurring ones
func (s *MemoryStore) RescheduleIfRecurring(ctx context.Context, task *ScheduledTask) error {
	return rescheduleIfRecurring(ctx, s, task, s.now())
}

// ResetStaleRunning returns RUNNING tasks untouched for longer than olderThan to pending
func (s *MemoryStore) ResetStaleRunning(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-olderThan)
	count := 0
	for _, t := range s.tasks {
		if t.Status == StatusRunning && t.UpdatedAt.Before(cutoff) {
			t.Status = StatusPending
			t.LockedBy = nil
			t.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// DeleteAll removes every scheduled task
func (s *MemoryStore) DeleteAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]*ScheduledTask)
	return nil
}

func (s *MemoryStore) dueLocked() func(*ScheduledTask) bool {
	now := s.now()
	return func(t *ScheduledTask) bool {
		return t.Status == StatusPending && !t.NextRunAt.After(now)
	}
}

// selectLocked returns clones of matching tasks, earliest deadline first
func (s *MemoryStore) selectLocked(match func(*ScheduledTask) bool, limit int) []*ScheduledTask {
	var out []*ScheduledTask
	for _, t := range s.tasks {
		if match(t) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRunAt.Equal(out[j].NextRunAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].NextRunAt.Before(out[j].NextRunAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
