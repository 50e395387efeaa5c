package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/z-korp/daydreams/dispatcher/internal/event"
	"github.com/z-korp/daydreams/dispatcher/internal/flow"
	"github.com/z-korp/daydreams/dispatcher/internal/handler"
	"github.com/z-korp/daydreams/dispatcher/internal/metrics"
)

// fanOut is a batch of items produced by one action invocation
type fanOut struct {
	source string
	items  []flow.ContentItem
}

// processItem runs one queue entry through bookkeeping, the Processor and
// the suggested handlers
func (o *Orchestrator) processItem(ctx context.Context, q queued) ([]fanOut, []OutputRecord, error) {
	item := q.item
	metrics.ItemsProcessed.WithLabelValues(q.source).Inc()

	// 1. Session bookkeeping
	chatID, err := o.hooks.OnFlowStart(ctx, item.UserID, item.PlatformID, item.ThreadID, item.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("flow start: %w", err)
	}
	if err := o.hooks.OnFlowStep(ctx, chatID, flow.RoleInput, q.source, item.Data); err != nil {
		return nil, nil, fmt.Errorf("record input step: %w", err)
	}
	o.publishEvent(event.TypeFlowInput, item, q.source, "", map[string]any{"depth": q.depth})

	conversation, err := o.hooks.OnConversationCreated(ctx, item.UserID, item.ThreadID, q.source)
	if err != nil {
		return nil, nil, fmt.Errorf("create conversation: %w", err)
	}
	if conversation == nil {
		return nil, nil, fmt.Errorf("create conversation: no conversation returned")
	}

	// 2. Prior memories, only for fully attributed content
	memories := ""
	if item.ThreadID != "" && item.UserID != "" {
		mems, err := o.hooks.OnMemoriesRequested(ctx, conversation.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("request memories: %w", err)
		}
		b, err := json.Marshal(mems)
		if err != nil {
			return nil, nil, fmt.Errorf("serialize memories: %w", err)
		}
		memories = string(b)
	}

	// 3. Decide
	available := flow.Available{
		Outputs: o.registry.Names(handler.RoleOutput),
		Actions: o.registry.Names(handler.RoleAction),
	}
	result, err := o.process(ctx, item, memories, available)
	if err != nil {
		return nil, nil, err
	}

	// 4. Every processed turn is recorded, whether or not anything is dispatched
	if err := o.hooks.OnMemoryAdded(ctx, conversation.ID, result.Content, q.source, result.Metadata); err != nil {
		return nil, nil, fmt.Errorf("add memory: %w", err)
	}
	if err := o.hooks.OnConversationUpdated(ctx, item.ContentID, conversation.ID, result.Content, q.source, result.Metadata); err != nil {
		return nil, nil, fmt.Errorf("update conversation: %w", err)
	}

	if result.AlreadyProcessed {
		o.logger.Debugw("Content already processed, skipping dispatch", "content_id", item.ContentID, "source", q.source)
		o.publishEvent(event.TypeFlowSkipped, item, q.source, "", nil)
		return nil, nil, nil
	}

	// 5. Dispatch suggestions in order
	var (
		produced []fanOut
		outputs  []OutputRecord
	)
	for _, suggestion := range result.SuggestedOutputs {
		h, err := o.registry.Get(suggestion.Name)
		if err != nil {
			var notFound *handler.NotFoundError
			if errors.As(err, &notFound) {
				o.logger.Warnw("No handler found for suggested output", "handler", suggestion.Name, "content_id", item.ContentID)
				metrics.HandlersMissing.WithLabelValues(suggestion.Name).Inc()
				o.publishEvent(event.TypeHandlerMissing, item, q.source, suggestion.Name, nil)
				continue
			}
			return produced, outputs, err
		}

		switch v := h.(type) {
		case *handler.Output:
			if err := o.hooks.OnFlowStep(ctx, chatID, flow.RoleOutput, v.Name(), suggestion.Data); err != nil {
				return produced, outputs, fmt.Errorf("record output step: %w", err)
			}
			if err := o.invokeOutput(ctx, v, suggestion.Data); err != nil {
				return produced, outputs, err
			}
			outputs = append(outputs, OutputRecord{Name: v.Name(), Data: suggestion.Data})
			o.publishEvent(event.TypeFlowOutput, item, q.source, v.Name(), map[string]any{"input": suggestion.Data})

		case *handler.Action:
			res, err := o.invokeAction(ctx, v, suggestion.Data)
			if err != nil {
				return produced, outputs, err
			}
			stepData, err := json.Marshal(map[string]any{"input": suggestion.Data, "result": res})
			if err != nil {
				return produced, outputs, fmt.Errorf("encode action step: %w", err)
			}
			if err := o.hooks.OnFlowStep(ctx, chatID, flow.RoleAction, v.Name(), stepData); err != nil {
				return produced, outputs, fmt.Errorf("record action step: %w", err)
			}
			o.publishEvent(event.TypeFlowAction, item, q.source, v.Name(), map[string]any{"input": suggestion.Data, "result": res})
			if res != nil && len(res.Items) > 0 {
				produced = append(produced, fanOut{source: v.Name(), items: res.Items})
			}

		default:
			o.logger.Warnw("Suggested handler cannot be dispatched", "handler", h.Name(), "role", h.Role())
		}
	}

	// 6. Deferred work
	if len(result.UpdateTasks) > 0 {
		if err := o.hooks.OnTasksScheduled(ctx, item.UserID, result.UpdateTasks); err != nil {
			return produced, outputs, fmt.Errorf("schedule tasks: %w", err)
		}
		o.publishEvent(event.TypeTasksScheduled, item, q.source, "", map[string]any{"count": len(result.UpdateTasks)})
	}

	return produced, outputs, nil
}

func (o *Orchestrator) process(ctx context.Context, item flow.ContentItem, memories string, available flow.Available) (*flow.ProcessedResult, error) {
	pctx, cancel := withTimeout(ctx, o.cfg.ProcessorTimeout)
	defer cancel()

	result, err := o.processor.Process(pctx, item, memories, available)
	if err != nil {
		return nil, fmt.Errorf("processor: %w", err)
	}
	if result == nil {
		return nil, fmt.Errorf("processor: no result returned")
	}
	return result, nil
}

func (o *Orchestrator) invokeOutput(ctx context.Context, h *handler.Output, data json.RawMessage) error {
	hctx, cancel := withTimeout(ctx, o.cfg.HandlerTimeout)
	defer cancel()

	if err := h.Execute(hctx, data); err != nil {
		metrics.HandlerInvocations.WithLabelValues(h.Name(), string(h.Role()), "error").Inc()
		return fmt.Errorf("output %s: %w", h.Name(), err)
	}
	metrics.HandlerInvocations.WithLabelValues(h.Name(), string(h.Role()), "ok").Inc()
	return nil
}

func (o *Orchestrator) invokeAction(ctx context.Context, h *handler.Action, data json.RawMessage) (*handler.ActionResult, error) {
	hctx, cancel := withTimeout(ctx, o.cfg.HandlerTimeout)
	defer cancel()

	res, err := h.Execute(hctx, data)
	if err != nil {
		metrics.HandlerInvocations.WithLabelValues(h.Name(), string(h.Role()), "error").Inc()
		return nil, fmt.Errorf("action %s: %w", h.Name(), err)
	}
	metrics.HandlerInvocations.WithLabelValues(h.Name(), string(h.Role()), "ok").Inc()
	return res, nil
}
