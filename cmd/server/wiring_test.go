package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/z-korp/daydreams/dispatcher/internal/config"
	"github.com/z-korp/daydreams/dispatcher/internal/db"
	"github.com/z-korp/daydreams/dispatcher/internal/handler"
)

func TestBuildRegistry_FromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{Name: "notify", URL: "http://localhost/hook"}}
	cfg.Polls = []config.PollConfig{{Name: "feed", URL: "http://localhost/feed", Interval: time.Minute}}

	logger := zap.NewNop().Sugar()
	registry, err := buildRegistry(cfg, newHTTPClient(cfg.Retry, logger), nil, logger)
	require.NoError(t, err)

	assert.Equal(t, []string{"notify"}, registry.Names(handler.RoleOutput))
	assert.Equal(t, []string{"feed"}, registry.Names(handler.RoleInput))
	assert.Equal(t, []string{"fetch"}, registry.Names(handler.RoleAction))
}

func TestBuildRegistry_DuplicateNamesFail(t *testing.T) {
	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{Name: "fetch", URL: "http://localhost/hook"}}

	logger := zap.NewNop().Sugar()
	_, err := buildRegistry(cfg, newHTTPClient(cfg.Retry, logger), nil, logger)
	var dup *handler.DuplicateError
	assert.ErrorAs(t, err, &dup)
}

func TestOpenStore_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	store, release, err := openStore(context.Background(), config.StoreConfig{Driver: config.StoreSQLite, SQLitePath: path}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer release()

	_, err = store.CreateTask(context.Background(), "h", nil, time.Now(), nil)
	require.NoError(t, err)
	tasks, err := store.ListTasks(context.Background(), db.StatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestOpenHooks_ForwardsTasks(t *testing.T) {
	store := db.NewMemoryStore()
	hooks, release, err := openHooks(context.Background(), config.Default().Session, store, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer release()

	chat, err := hooks.OnFlowStart(context.Background(), "u", "p", "t", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, chat)
}

func TestTasksReset_RequiresConfirmation(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"tasks", "reset"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
}
