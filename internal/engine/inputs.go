package engine

import (
	"context"
	"fmt"

	"github.com/z-korp/daydreams/dispatcher/internal/flow"
	"github.com/z-korp/daydreams/dispatcher/internal/handler"
)

// StartInputs subscribes every registered input handler. Each emitted item is
// dispatched as its own run, sourced from the input's name. A failed run is
// logged and never tears down the subscription. The returned stop function
// unsubscribes all inputs.
func (o *Orchestrator) StartInputs(ctx context.Context) (stop func(), err error) {
	var unsubscribers []func()
	stop = func() {
		for _, unsub := range unsubscribers {
			unsub()
		}
	}

	for _, input := range o.registry.Inputs() {
		unsub, err := input.Subscribe(ctx, o.emitter(ctx, input))
		if err != nil {
			stop()
			return func() {}, fmt.Errorf("subscribe input %s: %w", input.Name(), err)
		}
		if unsub != nil {
			unsubscribers = append(unsubscribers, unsub)
		}
		o.logger.Infow("Subscribed input handler", "handler", input.Name())
	}

	return stop, nil
}

func (o *Orchestrator) emitter(ctx context.Context, input *handler.Input) handler.EmitFunc {
	return func(item flow.ContentItem) {
		if _, err := o.Run(ctx, []flow.ContentItem{item}, input.Name()); err != nil {
			o.logger.Errorw("Failed to process message",
				"handler", input.Name(),
				"content_id", item.ContentID,
				"error", err,
			)
		}
	}
}
