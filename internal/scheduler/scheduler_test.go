package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/z-korp/daydreams/dispatcher/internal/db"
	"github.com/z-korp/daydreams/dispatcher/internal/engine"
	"github.com/z-korp/daydreams/dispatcher/internal/event"
	"github.com/z-korp/daydreams/dispatcher/internal/flow"
	"github.com/z-korp/daydreams/dispatcher/internal/handler"
)

type runCall struct {
	items  []flow.ContentItem
	source string
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []runCall
	err   error
}

func (d *fakeDispatcher) Run(_ context.Context, items []flow.ContentItem, source string) ([]engine.OutputRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, runCall{items: items, source: source})
	return nil, d.err
}

type fixture struct {
	store      *db.MemoryStore
	registry   *handler.Registry
	dispatcher *fakeDispatcher
	bus        *event.Bus
	scheduler  *Scheduler
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry:   handler.NewRegistry(),
		dispatcher: &fakeDispatcher{},
		bus:        event.NewBus(zap.NewNop().Sugar()),
		now:        time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store = db.NewMemoryStore().WithClock(func() time.Time { return f.now })
	f.scheduler = New(f.store, f.registry, f.dispatcher, f.bus, zap.NewNop().Sugar(), Config{
		PollInterval: 5 * time.Millisecond,
		BatchSize:    10,
		TaskTimeout:  time.Second,
		StaleAfter:   time.Minute,
	})
	return f
}

func (f *fixture) createDue(t *testing.T, handlerName string, interval *time.Duration) string {
	t.Helper()
	id, err := f.store.CreateTask(context.Background(), handlerName, json.RawMessage(`{"n":1}`), f.now, interval)
	require.NoError(t, err)
	return id
}

func (f *fixture) status(t *testing.T, id string) string {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func TestTick_RunsActionAndDispatchesItems(t *testing.T) {
	f := newFixture(t)
	var got string
	f.registry.MustRegister(&handler.Action{
		HandlerName: "remind",
		Execute: func(_ context.Context, data json.RawMessage) (*handler.ActionResult, error) {
			got = string(data)
			return &handler.ActionResult{Items: []flow.ContentItem{{ContentID: "reminder"}}}, nil
		},
	})
	id := f.createDue(t, "remind", nil)

	n, err := f.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.JSONEq(t, `{"n":1}`, got)

	require.Len(t, f.dispatcher.calls, 1)
	assert.Equal(t, "remind", f.dispatcher.calls[0].source)
	assert.Equal(t, "reminder", f.dispatcher.calls[0].items[0].ContentID)
	assert.Equal(t, db.StatusCompleted, f.status(t, id))
}

func TestTick_RecurringTaskIsRearmed(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(&handler.Output{
		HandlerName: "ping",
		Execute:     func(context.Context, json.RawMessage) error { return nil },
	})
	interval := time.Hour
	id := f.createDue(t, "ping", &interval)

	_, err := f.scheduler.Tick(context.Background())
	require.NoError(t, err)

	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, task.Status)
	assert.Equal(t, f.now.Add(time.Hour), task.NextRunAt)
	assert.Empty(t, f.dispatcher.calls, "outputs produce no items")
}

func TestTick_FailuresAreIsolatedPerTask(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(
		&handler.Action{
			HandlerName: "broken",
			Execute: func(context.Context, json.RawMessage) (*handler.ActionResult, error) {
				return nil, errors.New("nope")
			},
		},
		&handler.Action{
			HandlerName: "panics",
			Execute: func(context.Context, json.RawMessage) (*handler.ActionResult, error) {
				panic("kaboom")
			},
		},
		&handler.Input{
			HandlerName: "feed",
			Subscribe:   func(context.Context, handler.EmitFunc) (func(), error) { return nil, nil },
		},
		&handler.Output{
			HandlerName: "ok",
			Execute:     func(context.Context, json.RawMessage) error { return nil },
		},
	)
	broken := f.createDue(t, "broken", nil)
	panics := f.createDue(t, "panics", nil)
	input := f.createDue(t, "feed", nil)
	unknown := f.createDue(t, "missing", nil)
	ok := f.createDue(t, "ok", nil)

	var failed []string
	f.bus.Subscribe("*", func(evt *event.Event) {
		if evt.Type == event.TypeTaskFailed {
			failed = append(failed, evt.TaskID)
		}
	})

	n, err := f.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for _, id := range []string{broken, panics, input, unknown} {
		assert.Equal(t, db.StatusFailed, f.status(t, id))
	}
	assert.Equal(t, db.StatusCompleted, f.status(t, ok))
	assert.ElementsMatch(t, []string{broken, panics, input, unknown}, failed)
}

func TestTick_DispatchErrorFailsTask(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.err = errors.New("processor down")
	f.registry.MustRegister(&handler.Action{
		HandlerName: "fanout",
		Execute: func(context.Context, json.RawMessage) (*handler.ActionResult, error) {
			return &handler.ActionResult{Items: []flow.ContentItem{{ContentID: "x"}}}, nil
		},
	})
	interval := time.Minute
	id := f.createDue(t, "fanout", &interval)

	_, err := f.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, f.status(t, id), "failed recurring tasks are not rearmed")
}

func TestTick_TaskTimeoutFailsTask(t *testing.T) {
	f := newFixture(t)
	f.scheduler.cfg.TaskTimeout = 10 * time.Millisecond
	f.registry.MustRegister(&handler.Output{
		HandlerName: "slow",
		Execute: func(ctx context.Context, _ json.RawMessage) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	id := f.createDue(t, "slow", nil)

	_, err := f.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, f.status(t, id))
}

func TestTick_SkipsTasksNotYetDue(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.CreateTask(context.Background(), "later", nil, f.now.Add(time.Minute), nil)
	require.NoError(t, err)

	n, err := f.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStart_RecoversStaleTasksAndPolls(t *testing.T) {
	f := newFixture(t)
	done := make(chan struct{}, 1)
	f.registry.MustRegister(&handler.Output{
		HandlerName: "job",
		Execute: func(context.Context, json.RawMessage) error {
			done <- struct{}{}
			return nil
		},
	})
	id := f.createDue(t, "job", nil)
	ok, err := f.store.MarkRunning(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	// the worker that claimed it died two minutes ago
	f.now = f.now.Add(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.scheduler.Start(ctx))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recovered task was never executed")
	}
	assert.Eventually(t, func() bool {
		task, err := f.store.GetTask(context.Background(), id)
		return err == nil && task.Status == db.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}
