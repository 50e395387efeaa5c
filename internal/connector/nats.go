package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/z-korp/daydreams/dispatcher/internal/flow"
	"github.com/z-korp/daydreams/dispatcher/internal/handler"
)

// Conn is the subset of a NATS connection the connectors use
type Conn interface {
	Publish(subject string, data []byte) error
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// ConnectNATS dials url with reconnect settings suited to a long-running server
func ConnectNATS(url, name string, logger *zap.SugaredLogger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infow("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// NewNATSInput returns an input handler fed by messages on subject. Each
// message body is a JSON content item. A non-empty queue load-balances
// messages across dispatcher instances.
func NewNATSInput(name string, conn Conn, subject, queue string, logger *zap.SugaredLogger) *handler.Input {
	return &handler.Input{
		HandlerName: name,
		Subscribe: func(ctx context.Context, emit handler.EmitFunc) (func(), error) {
			sub, err := conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
				if ctx.Err() != nil {
					return
				}
				item, err := decodeItem(msg.Data)
				if err != nil {
					logger.Warnw("Dropping malformed message", "handler", name, "subject", msg.Subject, "error", err)
					return
				}
				emit(item)
			})
			if err != nil {
				return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
			}
			return func() {
				if sub != nil {
					_ = sub.Unsubscribe()
				}
			}, nil
		},
	}
}

// NewNATSOutput returns an output handler that publishes its data to subject
func NewNATSOutput(name string, conn Conn, subject string) *handler.Output {
	return &handler.Output{
		HandlerName: name,
		Execute: func(ctx context.Context, data json.RawMessage) error {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("context cancelled before publish: %w", err)
			}
			if err := conn.Publish(subject, data); err != nil {
				return fmt.Errorf("publish to %s: %w", subject, err)
			}
			return nil
		},
	}
}

func decodeItem(data []byte) (flow.ContentItem, error) {
	var item flow.ContentItem
	if err := json.Unmarshal(data, &item); err != nil {
		return item, err
	}
	if len(item.Data) == 0 {
		return item, fmt.Errorf("content item has no data")
	}
	return item, nil
}
