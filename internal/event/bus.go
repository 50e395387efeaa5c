package event

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types published by the orchestrator and scheduler
const (
	TypeFlowInput      = "flow.input"
	TypeFlowOutput     = "flow.output"
	TypeFlowAction     = "flow.action"
	TypeFlowSkipped    = "flow.skipped"
	TypeHandlerMissing = "handler.missing"
	TypeTasksScheduled = "tasks.scheduled"
	TypeTaskStarted    = "task.started"
	TypeTaskFinished   = "task.finished"
	TypeTaskFailed     = "task.failed"
)

// Event represents an internal event
type Event struct {
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	ContentID string         `json:"content_id,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Handler   string         `json:"handler,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Subscriber is a function that receives events
type Subscriber func(event *Event)

// Bus is an in-memory event bus for publishing events to subscribers
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]Subscriber // channel → id → subscriber
	nextID      uint64
	logger      *zap.SugaredLogger
}

// NewBus creates a new event bus
func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subscribers: make(map[string]map[uint64]Subscriber),
		logger:      logger,
	}
}

// Subscribe registers a subscriber for a channel and returns a function that removes it.
// channel can be "*" for all events, or "thread:{id}" for a specific thread.
func (b *Bus) Subscribe(channel string, sub Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[uint64]Subscriber)
	}
	b.subscribers[channel][id] = sub

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers[channel], id)
		if len(b.subscribers[channel]) == 0 {
			delete(b.subscribers, channel)
		}
	}
}

// Publish sends an event to all matching subscribers
func (b *Bus) Publish(evt *Event) {
	if b == nil {
		return
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	b.logger.Debugw("Publishing event",
		"type", evt.Type,
		"source", evt.Source,
		"content_id", evt.ContentID,
	)

	for _, sub := range b.subscribers["*"] {
		sub(evt)
	}

	if evt.ThreadID != "" {
		for _, sub := range b.subscribers["thread:"+evt.ThreadID] {
			sub(evt)
		}
	}
}
