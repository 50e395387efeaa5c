// Package ledger keeps an append-only record of reasoning and action steps.
//
// Steps are keyed by a unique id. Once an id has been added it can never be
// reused, even after the step is removed, until the ledger is cleared. A
// ledger built WithMaxSteps keeps only the most recently added ids: older
// steps are evicted and their ids released.
// Streaming increments (a growing thought, a partial tool result) are
// recorded as repeated updates of one step rather than as new entries.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrDuplicateStep is returned when a step id has already been used
	ErrDuplicateStep = errors.New("step id already exists")
	// ErrStepNotFound is returned when a step id is not present
	ErrStepNotFound = errors.New("step not found")
)

// StepType classifies a step
type StepType string

const (
	StepAction   StepType = "action"
	StepPlanning StepType = "planning"
	StepSystem   StepType = "system"
	StepTask     StepType = "task"
)

// ActionDetail describes a handler invocation
type ActionDetail struct {
	Handler string `json:"handler"`
	Input   any    `json:"input,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PlanningDetail describes a plan and the facts behind it
type PlanningDetail struct {
	Plan  string   `json:"plan"`
	Facts []string `json:"facts,omitempty"`
}

// SystemDetail carries system-level context such as a prompt or notice
type SystemDetail struct {
	Prompt string `json:"prompt,omitempty"`
	Source string `json:"source,omitempty"`
}

// TaskDetail ties a step to a scheduled task
type TaskDetail struct {
	TaskID      string `json:"task_id,omitempty"`
	HandlerName string `json:"handler_name"`
	Status      string `json:"status,omitempty"`
}

// Step is one ledger entry. Exactly one detail field is expected to be set,
// matching Type.
type Step struct {
	ID        string          `json:"id"`
	Type      StepType        `json:"type"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
	Tags      []string        `json:"tags,omitempty"`
	Action    *ActionDetail   `json:"action,omitempty"`
	Planning  *PlanningDetail `json:"planning,omitempty"`
	System    *SystemDetail   `json:"system,omitempty"`
	Task      *TaskDetail     `json:"task,omitempty"`
}

// Patch lists the fields UpdateStep may change. Nil fields are left alone.
// Type is accepted for symmetry with Step but is never applied, and a detail
// that does not match the step's type is ignored.
type Patch struct {
	Type     *StepType
	Content  *string
	Tags     []string
	Action   *ActionDetail
	Planning *PlanningDetail
	System   *SystemDetail
	Task     *TaskDetail
}

// Ledger is a concurrency-safe, insertion-ordered step store
type Ledger struct {
	mu    sync.RWMutex
	steps map[string]*Step
	order []string
	used  map[string]struct{}
	// ids in the order they were added, removed steps included
	usedOrder []string
	maxSteps  int
	now       func() time.Time
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{
		steps: make(map[string]*Step),
		used:  make(map[string]struct{}),
		now:   time.Now,
	}
}

// WithClock overrides the timestamp source
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// WithMaxSteps bounds the ledger to the n most recently added ids. Zero means
// unbounded.
func (l *Ledger) WithMaxSteps(n int) *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n < 0 {
		n = 0
	}
	l.maxSteps = n
	l.evictLocked()
	return l
}

// AddStep appends a step. A zero Timestamp is filled in.
func (l *Ledger) AddStep(step Step) error {
	if step.ID == "" {
		return fmt.Errorf("add step: id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.used[step.ID]; ok {
		return fmt.Errorf("add step %s: %w", step.ID, ErrDuplicateStep)
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = l.now()
	}
	s := step
	l.steps[s.ID] = &s
	l.used[s.ID] = struct{}{}
	l.usedOrder = append(l.usedOrder, s.ID)
	l.order = append(l.order, s.ID)
	l.evictLocked()
	return nil
}

// evictLocked drops the oldest ids past maxSteps. Live steps are a
// subsequence of usedOrder, so an evicted live step is always order[0].
func (l *Ledger) evictLocked() {
	if l.maxSteps == 0 {
		return
	}
	for len(l.usedOrder) > l.maxSteps {
		id := l.usedOrder[0]
		l.usedOrder = l.usedOrder[1:]
		delete(l.used, id)
		if _, ok := l.steps[id]; ok {
			delete(l.steps, id)
			l.order = l.order[1:]
		}
	}
}

// UpdateStep merges patch into the step, keeping its original type and
// refreshing its timestamp
func (l *Ledger) UpdateStep(id string, patch Patch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.steps[id]
	if !ok {
		return fmt.Errorf("update step %s: %w", id, ErrStepNotFound)
	}

	if patch.Content != nil {
		s.Content = *patch.Content
	}
	if patch.Tags != nil {
		s.Tags = append([]string(nil), patch.Tags...)
	}
	switch {
	case s.Type == StepAction && patch.Action != nil:
		s.Action = patch.Action
	case s.Type == StepPlanning && patch.Planning != nil:
		s.Planning = patch.Planning
	case s.Type == StepSystem && patch.System != nil:
		s.System = patch.System
	case s.Type == StepTask && patch.Task != nil:
		s.Task = patch.Task
	}
	s.Timestamp = l.now()
	return nil
}

// AppendContent extends a step's content with a streamed chunk
func (l *Ledger) AppendContent(id, chunk string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.steps[id]
	if !ok {
		return fmt.Errorf("append step %s: %w", id, ErrStepNotFound)
	}
	s.Content += chunk
	s.Timestamp = l.now()
	return nil
}

// RemoveStep deletes a step. Its id stays reserved.
func (l *Ledger) RemoveStep(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.steps[id]; !ok {
		return fmt.Errorf("remove step %s: %w", id, ErrStepNotFound)
	}
	delete(l.steps, id)
	for i, sid := range l.order {
		if sid == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return nil
}

// GetStepByID returns a copy of the step, if present
func (l *Ledger) GetStepByID(id string) (Step, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.steps[id]
	if !ok {
		return Step{}, false
	}
	return *s, true
}

// Steps returns copies of all steps in insertion order
func (l *Ledger) Steps() []Step {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Step, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.steps[id])
	}
	return out
}

// Len returns the number of steps currently held
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Clear resets all state, including reserved ids
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = make(map[string]*Step)
	l.used = make(map[string]struct{})
	l.usedOrder = nil
	l.order = nil
}
