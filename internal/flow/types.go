package flow

import (
	"context"
	"encoding/json"
	"time"
)

// ContentItem is one unit of inbound or recursively produced content
type ContentItem struct {
	UserID     string          `json:"user_id"`
	PlatformID string          `json:"platform_id"`
	ThreadID   string          `json:"thread_id"`
	ContentID  string          `json:"content_id"`
	Data       json.RawMessage `json:"data"`
}

// SuggestedOutput names a handler and the payload to hand it
type SuggestedOutput struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// TaskRequest asks for a deferred or recurring handler invocation
type TaskRequest struct {
	HandlerName string          `json:"handler_name"`
	Data        json.RawMessage `json:"data"`
	NextRunAt   time.Time       `json:"next_run_at"`
	IntervalMs  int64           `json:"interval_ms,omitempty"`
}

// Interval returns the recurrence interval, or nil for one-shot tasks
func (t TaskRequest) Interval() *time.Duration {
	if t.IntervalMs <= 0 {
		return nil
	}
	d := time.Duration(t.IntervalMs) * time.Millisecond
	return &d
}

// ProcessedResult is the Processor's decision output for one ContentItem
type ProcessedResult struct {
	Content          json.RawMessage   `json:"content"`
	Metadata         json.RawMessage   `json:"metadata,omitempty"`
	EnrichedContext  json.RawMessage   `json:"enriched_context,omitempty"`
	SuggestedOutputs []SuggestedOutput `json:"suggested_outputs,omitempty"`
	UpdateTasks      []TaskRequest     `json:"update_tasks,omitempty"`
	AlreadyProcessed bool              `json:"already_processed,omitempty"`
}

// Available is the snapshot of handler names offered to the Processor
type Available struct {
	Outputs []string `json:"available_outputs"`
	Actions []string `json:"available_actions"`
}

// Processor is the opaque decision engine
type Processor interface {
	Process(ctx context.Context, item ContentItem, memories string, available Available) (*ProcessedResult, error)
}

// StepRole tags a flow step recorded through FlowHooks
type StepRole string

const (
	RoleInput  StepRole = "input"
	RoleOutput StepRole = "output"
	RoleAction StepRole = "action"
)

// Conversation is the minimal record returned by OnConversationCreated
type Conversation struct {
	ID string `json:"id"`
}

// Memory is one remembered turn of a conversation
type Memory struct {
	Content  json.RawMessage `json:"content"`
	Source   string          `json:"source"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// FlowHooks is the externally implemented persistence/session layer.
// The orchestrator calls these hooks but never implements them.
type FlowHooks interface {
	OnFlowStart(ctx context.Context, userID, platformID, threadID string, data json.RawMessage) (string, error)
	OnFlowStep(ctx context.Context, chatID string, role StepRole, source string, data json.RawMessage) error
	OnTasksScheduled(ctx context.Context, userID string, tasks []TaskRequest) error
	OnConversationCreated(ctx context.Context, userID, threadID, source string) (*Conversation, error)
	OnMemoriesRequested(ctx context.Context, conversationID string) ([]Memory, error)
	OnMemoryAdded(ctx context.Context, conversationID string, content json.RawMessage, source string, metadata json.RawMessage) error
	OnConversationUpdated(ctx context.Context, contentID, conversationID string, content json.RawMessage, source string, metadata json.RawMessage) error
}
