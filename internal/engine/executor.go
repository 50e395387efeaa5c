package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/z-korp/daydreams/dispatcher/internal/event"
	"github.com/z-korp/daydreams/dispatcher/internal/flow"
	"github.com/z-korp/daydreams/dispatcher/internal/handler"
	"github.com/z-korp/daydreams/dispatcher/internal/metrics"
)

// ErrFanOutLimit is returned when recursive fan-out exceeds the configured depth or item budget
var ErrFanOutLimit = errors.New("fan-out limit exceeded")

// Config tunes the drain loop
type Config struct {
	// ItemDelay is waited before each item of a multi-item batch except the first
	ItemDelay time.Duration
	// MaxDepth bounds how many action hops may separate an item from its seed. 0 = unbounded.
	MaxDepth int
	// MaxItems bounds the number of items a single Run may process. 0 = unbounded.
	MaxItems int
	// ProcessorTimeout bounds each Processor call. 0 = no timeout.
	ProcessorTimeout time.Duration
	// HandlerTimeout bounds each output or action call. 0 = no timeout.
	HandlerTimeout time.Duration
}

// DefaultConfig returns the default drain settings
func DefaultConfig() Config {
	return Config{
		ItemDelay:        5 * time.Second,
		ProcessorTimeout: 2 * time.Minute,
		HandlerTimeout:   time.Minute,
	}
}

// OutputRecord is one output dispatched during a Run
type OutputRecord struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// Orchestrator drains content items through the Processor and fans the
// resulting outputs and actions out to registered handlers
type Orchestrator struct {
	registry  *handler.Registry
	processor flow.Processor
	hooks     flow.FlowHooks
	eventBus  *event.Bus
	logger    *zap.SugaredLogger
	cfg       Config
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(
	registry *handler.Registry,
	processor flow.Processor,
	hooks flow.FlowHooks,
	eventBus *event.Bus,
	logger *zap.SugaredLogger,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		processor: processor,
		hooks:     hooks,
		eventBus:  eventBus,
		logger:    logger,
		cfg:       cfg,
	}
}

// queued is one entry of the drain queue
type queued struct {
	item       flow.ContentItem
	source     string
	depth      int
	batchSize  int
	batchIndex int
}

func enqueue(items []flow.ContentItem, source string, depth int) []queued {
	out := make([]queued, 0, len(items))
	for i, item := range items {
		out = append(out, queued{
			item:       item,
			source:     source,
			depth:      depth,
			batchSize:  len(items),
			batchIndex: i,
		})
	}
	return out
}

// Run drains items strictly one at a time. Items produced by actions are
// pushed onto the same queue, tagged with the action's name as their source,
// and processed before Run returns. Processor and handler errors abort the
// run; unknown handler names are skipped.
func (o *Orchestrator) Run(ctx context.Context, items []flow.ContentItem, source string) ([]OutputRecord, error) {
	outputs, err := o.drain(ctx, items, source)
	if err != nil {
		metrics.RunFailures.WithLabelValues(source).Inc()
		o.logger.Errorw("Dispatch run failed", "source", source, "error", err)
		return outputs, err
	}
	return outputs, nil
}

func (o *Orchestrator) drain(ctx context.Context, items []flow.ContentItem, source string) ([]OutputRecord, error) {
	if o.cfg.MaxItems > 0 && len(items) > o.cfg.MaxItems {
		return nil, fmt.Errorf("%w: %d items exceeds max %d", ErrFanOutLimit, len(items), o.cfg.MaxItems)
	}

	queue := enqueue(items, source, 0)
	total := len(items)
	outputs := []OutputRecord{}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return outputs, err
		}

		next := queue[0]
		queue = queue[1:]

		if next.batchSize > 1 && next.batchIndex > 0 {
			if err := sleep(ctx, o.cfg.ItemDelay); err != nil {
				return outputs, err
			}
		}

		produced, dispatched, err := o.processItem(ctx, next)
		outputs = append(outputs, dispatched...)
		if err != nil {
			return outputs, fmt.Errorf("process content %q from %s: %w", next.item.ContentID, next.source, err)
		}

		for _, batch := range produced {
			depth := next.depth + 1
			if o.cfg.MaxDepth > 0 && depth > o.cfg.MaxDepth {
				return outputs, fmt.Errorf("%w: action %s at depth %d exceeds max %d", ErrFanOutLimit, batch.source, depth, o.cfg.MaxDepth)
			}
			total += len(batch.items)
			if o.cfg.MaxItems > 0 && total > o.cfg.MaxItems {
				return outputs, fmt.Errorf("%w: %d items exceeds max %d", ErrFanOutLimit, total, o.cfg.MaxItems)
			}
			queue = append(queue, enqueue(batch.items, batch.source, depth)...)
		}
	}

	return outputs, nil
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withTimeout bounds ctx by d when d is positive
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// publishEvent is a helper to publish events through the event bus
func (o *Orchestrator) publishEvent(eventType string, item flow.ContentItem, source, handlerName string, data map[string]any) {
	o.eventBus.Publish(&event.Event{
		Type:      eventType,
		Source:    source,
		ContentID: item.ContentID,
		ThreadID:  item.ThreadID,
		Handler:   handlerName,
		Data:      data,
	})
}
