package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/z-korp/daydreams/dispatcher/internal/flow"
	"github.com/z-korp/daydreams/dispatcher/internal/httpclient"
)

func newClient() *httpclient.Client {
	return httpclient.New(zap.NewNop().Sugar(), httpclient.WithRetryOptions(httpclient.RetryOptions{MaxRetries: 0}))
}

func TestHTTPProcessor_PostsRequestAndDecodesResult(t *testing.T) {
	var got Request
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"content": {"text": "hi"},
			"suggested_outputs": [{"name": "echo", "data": {"text": "hi"}}],
			"update_tasks": [{"handler_name": "remind", "interval_ms": 1000}]
		}`))
	}))
	defer server.Close()

	p := NewHTTPProcessor(newClient(), server.URL, map[string]string{"Authorization": "Bearer k"}, zap.NewNop().Sugar())
	item := flow.ContentItem{UserID: "u", ThreadID: "t", ContentID: "c", Data: json.RawMessage(`{"text":"hi"}`)}
	result, err := p.Process(context.Background(), item, `[{"content":"old","source":"cli"}]`, flow.Available{Outputs: []string{"echo"}})
	require.NoError(t, err)

	assert.Equal(t, "Bearer k", auth)
	assert.Equal(t, "c", got.Item.ContentID)
	assert.JSONEq(t, `[{"content":"old","source":"cli"}]`, string(got.Memories))
	assert.Equal(t, []string{"echo"}, got.AvailableOutputs)
	assert.Equal(t, []string{}, got.AvailableActions)

	require.Len(t, result.SuggestedOutputs, 1)
	assert.Equal(t, "echo", result.SuggestedOutputs[0].Name)
	require.Len(t, result.UpdateTasks, 1)
	assert.Equal(t, int64(1000), result.UpdateTasks[0].IntervalMs)
}

func TestHTTPProcessor_OmitsEmptyMemories(t *testing.T) {
	var raw map[string]json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	p := NewHTTPProcessor(newClient(), server.URL, nil, zap.NewNop().Sugar())
	_, err := p.Process(context.Background(), flow.ContentItem{}, "", flow.Available{})
	require.NoError(t, err)
	_, present := raw["memories"]
	assert.False(t, present)
}

func TestHTTPProcessor_SurfacesRequestError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer server.Close()

	p := NewHTTPProcessor(newClient(), server.URL, nil, zap.NewNop().Sugar())
	_, err := p.Process(context.Background(), flow.ContentItem{}, "", flow.Available{})
	var reqErr *httpclient.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusBadRequest, reqErr.StatusCode)
}
