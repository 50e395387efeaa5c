package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/z-korp/daydreams/dispatcher/internal/flow"
)

const defaultDialTimeout = 5 * time.Second

// NewRedisClient creates a single-node Redis client from a URL and pings it
func NewRedisClient(ctx context.Context, redisURL string) (*goredis.Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = defaultDialTimeout
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisHooks keeps chats, conversations and memories in Redis so several
// dispatcher processes can share session state.
//
// Keys:
//
//	{prefix}:chat:{user}:{platform}:{thread}  → chat id
//	{prefix}:steps:{chat}                     → list of Step JSON
//	{prefix}:conv:{user}:{thread}             → conversation id
//	{prefix}:memories:{conv}                  → list of Memory JSON
//	{prefix}:content:{content}                → ContentRecord JSON
type RedisHooks struct {
	client      goredis.UniversalClient
	prefix      string
	memoryLimit int
	ttl         time.Duration
}

// NewRedisHooks creates Redis-backed hooks. ttl of 0 keeps keys forever.
func NewRedisHooks(client goredis.UniversalClient, prefix string, memoryLimit int, ttl time.Duration) *RedisHooks {
	if prefix == "" {
		prefix = "dispatcher"
	}
	return &RedisHooks{client: client, prefix: prefix, memoryLimit: memoryLimit, ttl: ttl}
}

func (h *RedisHooks) key(parts ...string) string {
	k := h.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// getOrCreateID returns the id stored at key, creating it with SETNX when absent
func (h *RedisHooks) getOrCreateID(ctx context.Context, key string) (string, error) {
	id := uuid.New().String()
	created, err := h.client.SetNX(ctx, key, id, h.ttl).Result()
	if err != nil {
		return "", err
	}
	if created {
		return id, nil
	}
	existing, err := h.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		// expired between SETNX and GET
		return h.getOrCreateID(ctx, key)
	}
	return existing, err
}

func (h *RedisHooks) push(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	pipe := h.client.TxPipeline()
	pipe.RPush(ctx, key, b)
	if h.ttl > 0 {
		pipe.Expire(ctx, key, h.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (h *RedisHooks) OnFlowStart(ctx context.Context, userID, platformID, threadID string, _ json.RawMessage) (string, error) {
	id, err := h.getOrCreateID(ctx, h.key("chat", userID, platformID, threadID))
	if err != nil {
		return "", fmt.Errorf("get chat id: %w", err)
	}
	return id, nil
}

func (h *RedisHooks) OnFlowStep(ctx context.Context, chatID string, role flow.StepRole, source string, data json.RawMessage) error {
	if err := h.push(ctx, h.key("steps", chatID), Step{Role: role, Source: source, Data: data}); err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	return nil
}

// OnTasksScheduled is a no-op; wrap with TaskForwarder to persist tasks
func (h *RedisHooks) OnTasksScheduled(context.Context, string, []flow.TaskRequest) error {
	return nil
}

func (h *RedisHooks) OnConversationCreated(ctx context.Context, userID, threadID, _ string) (*flow.Conversation, error) {
	id, err := h.getOrCreateID(ctx, h.key("conv", userID, threadID))
	if err != nil {
		return nil, fmt.Errorf("get conversation id: %w", err)
	}
	return &flow.Conversation{ID: id}, nil
}

func (h *RedisHooks) OnMemoriesRequested(ctx context.Context, conversationID string) ([]flow.Memory, error) {
	start := int64(0)
	if h.memoryLimit > 0 {
		start = -int64(h.memoryLimit)
	}
	raw, err := h.client.LRange(ctx, h.key("memories", conversationID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read memories: %w", err)
	}
	mems := make([]flow.Memory, 0, len(raw))
	for _, r := range raw {
		var m flow.Memory
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decode memory: %w", err)
		}
		mems = append(mems, m)
	}
	return mems, nil
}

func (h *RedisHooks) OnMemoryAdded(ctx context.Context, conversationID string, content json.RawMessage, source string, metadata json.RawMessage) error {
	mem := flow.Memory{Content: content, Source: source, Metadata: metadata}
	if err := h.push(ctx, h.key("memories", conversationID), mem); err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	return nil
}

func (h *RedisHooks) OnConversationUpdated(ctx context.Context, contentID, conversationID string, content json.RawMessage, source string, metadata json.RawMessage) error {
	if contentID == "" {
		return nil
	}
	b, err := json.Marshal(ContentRecord{
		ConversationID: conversationID,
		Content:        content,
		Source:         source,
		Metadata:       metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal content record: %w", err)
	}
	if err := h.client.Set(ctx, h.key("content", contentID), b, h.ttl).Err(); err != nil {
		return fmt.Errorf("store content record: %w", err)
	}
	return nil
}

// Steps returns the steps recorded for a chat
func (h *RedisHooks) Steps(ctx context.Context, chatID string) ([]Step, error) {
	raw, err := h.client.LRange(ctx, h.key("steps", chatID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read steps: %w", err)
	}
	steps := make([]Step, 0, len(raw))
	for _, r := range raw {
		var s Step
		if err := json.Unmarshal([]byte(r), &s); err != nil {
			return nil, fmt.Errorf("decode step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, nil
}
