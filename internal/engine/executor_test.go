package engine

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

	"github.com/z-korp/daydreams/dispatcher/internal/event"
	"github.com/z-korp/daydreams/dispatcher/internal/flow"
	"github.com/z-korp/daydreams/dispatcher/internal/handler"
)

// ─── Fakes ───

type stepCall struct {
	role   flow.StepRole
	source string
	data   string
}

type recordingHooks struct {
	mu             sync.Mutex
	flowStarts     int
	steps          []stepCall
	conversations  int
	memoryRequests int
	memoriesAdded  []string
	updates        int
	scheduled      [][]flow.TaskRequest
	memories       []flow.Memory
}

func (h *recordingHooks) OnFlowStart(_ context.Context, userID, _, _ string, _ json.RawMessage) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flowStarts++
	return "chat-" + userID, nil
}

func (h *recordingHooks) OnFlowStep(_ context.Context, _ string, role flow.StepRole, source string, data json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.steps = append(h.steps, stepCall{role: role, source: source, data: string(data)})
	return nil
}

func (h *recordingHooks) OnTasksScheduled(_ context.Context, _ string, tasks []flow.TaskRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scheduled = append(h.scheduled, tasks)
	return nil
}

func (h *recordingHooks) OnConversationCreated(_ context.Context, _, threadID, _ string) (*flow.Conversation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conversations++
	return &flow.Conversation{ID: "conv-" + threadID}, nil
}

func (h *recordingHooks) OnMemoriesRequested(context.Context, string) ([]flow.Memory, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.memoryRequests++
	return h.memories, nil
}

func (h *recordingHooks) OnMemoryAdded(_ context.Context, _ string, content json.RawMessage, _ string, _ json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.memoriesAdded = append(h.memoriesAdded, string(content))
	return nil
}

func (h *recordingHooks) OnConversationUpdated(context.Context, string, string, json.RawMessage, string, json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates++
	return nil
}

func (h *recordingHooks) stepsWithRole(role flow.StepRole) []stepCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []stepCall
	for _, s := range h.steps {
		if s.role == role {
			out = append(out, s)
		}
	}
	return out
}

type processorFunc func(ctx context.Context, item flow.ContentItem, memories string, available flow.Available) (*flow.ProcessedResult, error)

func (f processorFunc) Process(ctx context.Context, item flow.ContentItem, memories string, available flow.Available) (*flow.ProcessedResult, error) {
	return f(ctx, item, memories, available)
}

// echoProcessor suggests the "echo" output with the item's own data
func echoProcessor() processorFunc {
	return func(_ context.Context, item flow.ContentItem, _ string, _ flow.Available) (*flow.ProcessedResult, error) {
		return &flow.ProcessedResult{
			Content:          item.Data,
			SuggestedOutputs: []flow.SuggestedOutput{{Name: "echo", Data: item.Data}},
		}, nil
	}
}

func echoOutput(received *[]string) *handler.Output {
	return &handler.Output{
		HandlerName: "echo",
		Execute: func(_ context.Context, data json.RawMessage) error {
			*received = append(*received, string(data))
			return nil
		},
	}
}

func newTestOrchestrator(reg *handler.Registry, p flow.Processor, hooks flow.FlowHooks, bus *event.Bus, cfg Config) *Orchestrator {
	return NewOrchestrator(reg, p, hooks, bus, zap.NewNop().Sugar(), cfg)
}

func item(id string, data string) flow.ContentItem {
	return flow.ContentItem{
		UserID:     "u1",
		PlatformID: "test",
		ThreadID:   "t1",
		ContentID:  id,
		Data:       json.RawMessage(data),
	}
}

// ─── Run ───

func TestRun_EchoEndToEnd(t *testing.T) {
	var received []string
	reg := handler.NewRegistry()
	reg.MustRegister(echoOutput(&received))
	hooks := &recordingHooks{}

	o := newTestOrchestrator(reg, echoProcessor(), hooks, nil, Config{})
	outputs, err := o.Run(context.Background(), []flow.ContentItem{item("c1", `{"text":"hi"}`)}, "cli")
	require.NoError(t, err)

	require.Len(t, outputs, 1)
	assert.Equal(t, "echo", outputs[0].Name)
	assert.JSONEq(t, `{"text":"hi"}`, string(outputs[0].Data))
	assert.Equal(t, []string{`{"text":"hi"}`}, received)
	assert.Len(t, hooks.memoriesAdded, 1)
}

func TestRun_BookkeepingPerItem(t *testing.T) {
	reg := handler.NewRegistry()
	hooks := &recordingHooks{}
	p := processorFunc(func(_ context.Context, item flow.ContentItem, _ string, _ flow.Available) (*flow.ProcessedResult, error) {
		return &flow.ProcessedResult{Content: item.Data}, nil
	})

	o := newTestOrchestrator(reg, p, hooks, nil, Config{})
	items := []flow.ContentItem{item("a", `1`), item("b", `2`), item("c", `3`)}
	outputs, err := o.Run(context.Background(), items, "batch")
	require.NoError(t, err)
	assert.Empty(t, outputs)

	assert.Equal(t, 3, hooks.flowStarts)
	assert.Equal(t, 3, hooks.conversations)
	assert.Equal(t, 3, hooks.memoryRequests)
	assert.Len(t, hooks.memoriesAdded, 3)
	assert.Equal(t, 3, hooks.updates)

	inputs := hooks.stepsWithRole(flow.RoleInput)
	require.Len(t, inputs, 3)
	for _, s := range inputs {
		assert.Equal(t, "batch", s.source)
	}
}

func TestRun_MemoriesOnlyForAttributedContent(t *testing.T) {
	hooks := &recordingHooks{memories: []flow.Memory{{Content: json.RawMessage(`"earlier"`), Source: "cli"}}}
	var seen []string
	p := processorFunc(func(_ context.Context, _ flow.ContentItem, memories string, _ flow.Available) (*flow.ProcessedResult, error) {
		seen = append(seen, memories)
		return &flow.ProcessedResult{}, nil
	})
	o := newTestOrchestrator(handler.NewRegistry(), p, hooks, nil, Config{})

	anonymous := item("a", `{}`)
	anonymous.UserID = ""
	_, err := o.Run(context.Background(), []flow.ContentItem{anonymous, item("b", `{}`)}, "cli")
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, "", seen[0])
	assert.JSONEq(t, `[{"content":"earlier","source":"cli"}]`, seen[1])
	assert.Equal(t, 1, hooks.memoryRequests)
}

func TestRun_PassesAvailableHandlers(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister(
		&handler.Output{HandlerName: "reply", Execute: func(context.Context, json.RawMessage) error { return nil }},
		&handler.Action{HandlerName: "search", Execute: func(context.Context, json.RawMessage) (*handler.ActionResult, error) { return nil, nil }},
		&handler.Input{HandlerName: "feed", Subscribe: func(context.Context, handler.EmitFunc) (func(), error) { return nil, nil }},
	)
	var got flow.Available
	p := processorFunc(func(_ context.Context, _ flow.ContentItem, _ string, available flow.Available) (*flow.ProcessedResult, error) {
		got = available
		return &flow.ProcessedResult{}, nil
	})

	o := newTestOrchestrator(reg, p, &recordingHooks{}, nil, Config{})
	_, err := o.Run(context.Background(), []flow.ContentItem{item("a", `{}`)}, "cli")
	require.NoError(t, err)
	assert.Equal(t, []string{"reply"}, got.Outputs)
	assert.Equal(t, []string{"search"}, got.Actions)
}

func TestRun_AlreadyProcessedSkipsDispatch(t *testing.T) {
	var received []string
	reg := handler.NewRegistry()
	reg.MustRegister(echoOutput(&received))
	hooks := &recordingHooks{}
	p := processorFunc(func(_ context.Context, item flow.ContentItem, _ string, _ flow.Available) (*flow.ProcessedResult, error) {
		return &flow.ProcessedResult{
			Content:          item.Data,
			AlreadyProcessed: true,
			SuggestedOutputs: []flow.SuggestedOutput{{Name: "echo", Data: item.Data}},
			UpdateTasks:      []flow.TaskRequest{{HandlerName: "later"}},
		}, nil
	})

	bus := event.NewBus(zap.NewNop().Sugar())
	var types []string
	bus.Subscribe("*", func(evt *event.Event) { types = append(types, evt.Type) })

	o := newTestOrchestrator(reg, p, hooks, bus, Config{})
	outputs, err := o.Run(context.Background(), []flow.ContentItem{item("a", `"x"`)}, "cli")
	require.NoError(t, err)

	assert.Empty(t, outputs)
	assert.Empty(t, received)
	assert.Empty(t, hooks.scheduled)
	assert.Len(t, hooks.memoriesAdded, 1, "memory is still recorded")
	assert.Equal(t, 1, hooks.updates)
	assert.Equal(t, []string{event.TypeFlowInput, event.TypeFlowSkipped}, types)
}

func TestRun_UnknownHandlerIsSkipped(t *testing.T) {
	var received []string
	reg := handler.NewRegistry()
	reg.MustRegister(echoOutput(&received))
	p := processorFunc(func(_ context.Context, item flow.ContentItem, _ string, _ flow.Available) (*flow.ProcessedResult, error) {
		return &flow.ProcessedResult{SuggestedOutputs: []flow.SuggestedOutput{
			{Name: "nope", Data: json.RawMessage(`1`)},
			{Name: "echo", Data: json.RawMessage(`2`)},
		}}, nil
	})

	bus := event.NewBus(zap.NewNop().Sugar())
	var missing []string
	bus.Subscribe("*", func(evt *event.Event) {
		if evt.Type == event.TypeHandlerMissing {
			missing = append(missing, evt.Handler)
		}
	})

	o := newTestOrchestrator(reg, p, &recordingHooks{}, bus, Config{})
	outputs, err := o.Run(context.Background(), []flow.ContentItem{item("a", `{}`)}, "cli")
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "echo", outputs[0].Name)
	assert.Equal(t, []string{"2"}, received)
	assert.Equal(t, []string{"nope"}, missing)
}

func TestRun_ActionFanOutUsesActionNameAsSource(t *testing.T) {
	var received []string
	reg := handler.NewRegistry()
	reg.MustRegister(
		echoOutput(&received),
		&handler.Action{
			HandlerName: "expand",
			Execute: func(_ context.Context, data json.RawMessage) (*handler.ActionResult, error) {
				return &handler.ActionResult{
					Data:  json.RawMessage(`{"ok":true}`),
					Items: []flow.ContentItem{item("child", `"from-action"`)},
				}, nil
			},
		},
	)
	hooks := &recordingHooks{}
	p := processorFunc(func(_ context.Context, it flow.ContentItem, _ string, _ flow.Available) (*flow.ProcessedResult, error) {
		if it.ContentID == "root" {
			return &flow.ProcessedResult{SuggestedOutputs: []flow.SuggestedOutput{{Name: "expand", Data: json.RawMessage(`{"q":1}`)}}}, nil
		}
		return &flow.ProcessedResult{SuggestedOutputs: []flow.SuggestedOutput{{Name: "echo", Data: it.Data}}}, nil
	})

	o := newTestOrchestrator(reg, p, hooks, nil, Config{})
	outputs, err := o.Run(context.Background(), []flow.ContentItem{item("root", `{}`)}, "cli")
	require.NoError(t, err)

	require.Len(t, outputs, 1)
	assert.JSONEq(t, `"from-action"`, string(outputs[0].Data))

	inputs := hooks.stepsWithRole(flow.RoleInput)
	require.Len(t, inputs, 2)
	assert.Equal(t, "cli", inputs[0].source)
	assert.Equal(t, "expand", inputs[1].source)

	actions := hooks.stepsWithRole(flow.RoleAction)
	require.Len(t, actions, 1)
	assert.JSONEq(t, `{"input":{"q":1},"result":{"data":{"ok":true},"items":[{"user_id":"u1","platform_id":"test","thread_id":"t1","content_id":"child","data":"from-action"}]}}`, actions[0].data)
}

// loopingAction produces one new item every time it runs
func loopingAction() *handler.Action {
	return &handler.Action{
		HandlerName: "loop",
		Execute: func(context.Context, json.RawMessage) (*handler.ActionResult, error) {
			return &handler.ActionResult{Items: []flow.ContentItem{item("again", `{}`)}}, nil
		},
	}
}

func alwaysSuggest(name string) processorFunc {
	return func(context.Context, flow.ContentItem, string, flow.Available) (*flow.ProcessedResult, error) {
		return &flow.ProcessedResult{SuggestedOutputs: []flow.SuggestedOutput{{Name: name, Data: json.RawMessage(`{}`)}}}, nil
	}
}

func TestRun_MaxDepthStopsRunawayFanOut(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister(loopingAction())
	hooks := &recordingHooks{}

	o := newTestOrchestrator(reg, alwaysSuggest("loop"), hooks, nil, Config{MaxDepth: 3})
	_, err := o.Run(context.Background(), []flow.ContentItem{item("seed", `{}`)}, "cli")
	require.ErrorIs(t, err, ErrFanOutLimit)
	assert.Equal(t, 4, hooks.flowStarts, "seed plus three hops")
}

func TestRun_MaxItemsStopsRunawayFanOut(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister(loopingAction())
	hooks := &recordingHooks{}

	o := newTestOrchestrator(reg, alwaysSuggest("loop"), hooks, nil, Config{MaxItems: 5})
	_, err := o.Run(context.Background(), []flow.ContentItem{item("seed", `{}`)}, "cli")
	require.ErrorIs(t, err, ErrFanOutLimit)
	assert.Equal(t, 5, hooks.flowStarts)

	_, err = o.Run(context.Background(), make([]flow.ContentItem, 6), "cli")
	assert.ErrorIs(t, err, ErrFanOutLimit)
}

func TestRun_ProcessorErrorAbortsRun(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	p := processorFunc(func(context.Context, flow.ContentItem, string, flow.Available) (*flow.ProcessedResult, error) {
		calls++
		return nil, boom
	})
	o := newTestOrchestrator(handler.NewRegistry(), p, &recordingHooks{}, nil, Config{})

	_, err := o.Run(context.Background(), []flow.ContentItem{item("a", `{}`), item("b", `{}`)}, "cli")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `"a"`)
	assert.Equal(t, 1, calls)
}

func TestRun_HandlerErrorAbortsRun(t *testing.T) {
	boom := errors.New("sink down")
	reg := handler.NewRegistry()
	reg.MustRegister(&handler.Output{
		HandlerName: "echo",
		Execute:     func(context.Context, json.RawMessage) error { return boom },
	})
	o := newTestOrchestrator(reg, echoProcessor(), &recordingHooks{}, nil, Config{})

	_, err := o.Run(context.Background(), []flow.ContentItem{item("a", `{}`)}, "cli")
	assert.ErrorIs(t, err, boom)
}

func TestRun_HandlerTimeoutIsFatal(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister(&handler.Output{
		HandlerName: "echo",
		Execute: func(ctx context.Context, _ json.RawMessage) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	o := newTestOrchestrator(reg, echoProcessor(), &recordingHooks{}, nil, Config{HandlerTimeout: 10 * time.Millisecond})

	_, err := o.Run(context.Background(), []flow.ContentItem{item("a", `{}`)}, "cli")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hooks := &recordingHooks{}
	p := processorFunc(func(context.Context, flow.ContentItem, string, flow.Available) (*flow.ProcessedResult, error) {
		cancel()
		return &flow.ProcessedResult{}, nil
	})
	o := newTestOrchestrator(handler.NewRegistry(), p, hooks, nil, Config{})

	_, err := o.Run(ctx, []flow.ContentItem{item("a", `{}`), item("b", `{}`)}, "cli")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, hooks.flowStarts)
}

func TestRun_DelaysBetweenBatchItems(t *testing.T) {
	hooks := &recordingHooks{}
	p := processorFunc(func(context.Context, flow.ContentItem, string, flow.Available) (*flow.ProcessedResult, error) {
		return &flow.ProcessedResult{}, nil
	})
	o := newTestOrchestrator(handler.NewRegistry(), p, hooks, nil, Config{ItemDelay: 20 * time.Millisecond})

	start := time.Now()
	_, err := o.Run(context.Background(), []flow.ContentItem{item("a", `{}`), item("b", `{}`), item("c", `{}`)}, "cli")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	start = time.Now()
	_, err = o.Run(context.Background(), []flow.ContentItem{item("solo", `{}`)}, "cli")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 20*time.Millisecond, "single items are not delayed")
}

func TestRun_ForwardsUpdateTasks(t *testing.T) {
	hooks := &recordingHooks{}
	tasks := []flow.TaskRequest{{HandlerName: "remind", Data: json.RawMessage(`{}`), IntervalMs: 60000}}
	p := processorFunc(func(context.Context, flow.ContentItem, string, flow.Available) (*flow.ProcessedResult, error) {
		return &flow.ProcessedResult{UpdateTasks: tasks}, nil
	})
	o := newTestOrchestrator(handler.NewRegistry(), p, hooks, nil, Config{})

	_, err := o.Run(context.Background(), []flow.ContentItem{item("a", `{}`)}, "cli")
	require.NoError(t, err)
	require.Len(t, hooks.scheduled, 1)
	assert.Equal(t, tasks, hooks.scheduled[0])
}

// ─── Inputs ───

func TestStartInputs_DispatchesEmittedItems(t *testing.T) {
	var received []string
	var emit handler.EmitFunc
	stopped := false

	reg := handler.NewRegistry()
	reg.MustRegister(
		echoOutput(&received),
		&handler.Input{
			HandlerName: "feed",
			Subscribe: func(_ context.Context, e handler.EmitFunc) (func(), error) {
				emit = e
				return func() { stopped = true }, nil
			},
		},
	)
	hooks := &recordingHooks{}
	o := newTestOrchestrator(reg, echoProcessor(), hooks, nil, Config{})

	stop, err := o.StartInputs(context.Background())
	require.NoError(t, err)
	require.NotNil(t, emit)

	emit(item("a", `"hello"`))
	assert.Equal(t, []string{`"hello"`}, received)
	inputs := hooks.stepsWithRole(flow.RoleInput)
	require.Len(t, inputs, 1)
	assert.Equal(t, "feed", inputs[0].source)

	stop()
	assert.True(t, stopped)
}

func TestStartInputs_FailedRunDoesNotPanic(t *testing.T) {
	var emit handler.EmitFunc
	reg := handler.NewRegistry()
	reg.MustRegister(&handler.Input{
		HandlerName: "feed",
		Subscribe: func(_ context.Context, e handler.EmitFunc) (func(), error) {
			emit = e
			return nil, nil
		},
	})
	p := processorFunc(func(context.Context, flow.ContentItem, string, flow.Available) (*flow.ProcessedResult, error) {
		return nil, errors.New("down")
	})
	o := newTestOrchestrator(reg, p, &recordingHooks{}, nil, Config{})

	stop, err := o.StartInputs(context.Background())
	require.NoError(t, err)
	defer stop()
	assert.NotPanics(t, func() { emit(item("a", `{}`)) })
}

func TestStartInputs_SubscribeErrorUnwinds(t *testing.T) {
	stopped := 0
	reg := handler.NewRegistry()
	reg.MustRegister(
		&handler.Input{
			HandlerName: "a",
			Subscribe: func(context.Context, handler.EmitFunc) (func(), error) {
				return func() { stopped++ }, nil
			},
		},
		&handler.Input{
			HandlerName: "b",
			Subscribe: func(context.Context, handler.EmitFunc) (func(), error) {
				return nil, errors.New("refused")
			},
		},
	)
	o := newTestOrchestrator(reg, echoProcessor(), &recordingHooks{}, nil, Config{})

	_, err := o.StartInputs(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, stopped)
}
