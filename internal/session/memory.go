package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/z-korp/daydreams/dispatcher/internal/flow"
)

// Step is one recorded flow step
type Step struct {
	Role   flow.StepRole   `json:"role"`
	Source string          `json:"source"`
	Data   json.RawMessage `json:"data"`
}

// ContentRecord is the latest processed result stored against a content id
type ContentRecord struct {
	ConversationID string          `json:"conversation_id"`
	Content        json.RawMessage `json:"content"`
	Source         string          `json:"source"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// MemoryHooks keeps chats, conversations and memories in process memory
type MemoryHooks struct {
	mu            sync.Mutex
	chats         map[string]string // user:platform:thread → chat id
	steps         map[string][]Step // chat id → steps
	conversations map[string]string // user:thread → conversation id
	memories      map[string][]flow.Memory
	contents      map[string]ContentRecord
	memoryLimit   int
}

// NewMemoryHooks creates empty in-memory hooks. memoryLimit caps how many of
// the most recent memories are returned per request; 0 returns all.
func NewMemoryHooks(memoryLimit int) *MemoryHooks {
	return &MemoryHooks{
		chats:         make(map[string]string),
		steps:         make(map[string][]Step),
		conversations: make(map[string]string),
		memories:      make(map[string][]flow.Memory),
		contents:      make(map[string]ContentRecord),
		memoryLimit:   memoryLimit,
	}
}

func chatKey(userID, platformID, threadID string) string {
	return userID + ":" + platformID + ":" + threadID
}

func conversationKey(userID, threadID string) string {
	return userID + ":" + threadID
}

// OnFlowStart returns the chat id for the user/platform/thread triple, creating it once
func (h *MemoryHooks) OnFlowStart(_ context.Context, userID, platformID, threadID string, _ json.RawMessage) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := chatKey(userID, platformID, threadID)
	if id, ok := h.chats[key]; ok {
		return id, nil
	}
	id := uuid.New().String()
	h.chats[key] = id
	return id, nil
}

func (h *MemoryHooks) OnFlowStep(_ context.Context, chatID string, role flow.StepRole, source string, data json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.steps[chatID] = append(h.steps[chatID], Step{Role: role, Source: source, Data: data})
	return nil
}

// OnTasksScheduled is a no-op; wrap with TaskForwarder to persist tasks
func (h *MemoryHooks) OnTasksScheduled(context.Context, string, []flow.TaskRequest) error {
	return nil
}

func (h *MemoryHooks) OnConversationCreated(_ context.Context, userID, threadID, _ string) (*flow.Conversation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := conversationKey(userID, threadID)
	id, ok := h.conversations[key]
	if !ok {
		id = uuid.New().String()
		h.conversations[key] = id
	}
	return &flow.Conversation{ID: id}, nil
}

func (h *MemoryHooks) OnMemoriesRequested(_ context.Context, conversationID string) ([]flow.Memory, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mems := h.memories[conversationID]
	if h.memoryLimit > 0 && len(mems) > h.memoryLimit {
		mems = mems[len(mems)-h.memoryLimit:]
	}
	return append([]flow.Memory{}, mems...), nil
}

func (h *MemoryHooks) OnMemoryAdded(_ context.Context, conversationID string, content json.RawMessage, source string, metadata json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.memories[conversationID] = append(h.memories[conversationID], flow.Memory{
		Content:  content,
		Source:   source,
		Metadata: metadata,
	})
	return nil
}

func (h *MemoryHooks) OnConversationUpdated(_ context.Context, contentID, conversationID string, content json.RawMessage, source string, metadata json.RawMessage) error {
	if contentID == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.contents[contentID] = ContentRecord{
		ConversationID: conversationID,
		Content:        content,
		Source:         source,
		Metadata:       metadata,
	}
	return nil
}

// Steps returns the steps recorded for a chat
func (h *MemoryHooks) Steps(chatID string) []Step {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Step{}, h.steps[chatID]...)
}

// Content returns the record stored for a content id
func (h *MemoryHooks) Content(contentID string) (ContentRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.contents[contentID]
	return rec, ok
}
