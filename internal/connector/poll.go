package connector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/z-korp/daydreams/dispatcher/internal/flow"
	"github.com/z-korp/daydreams/dispatcher/internal/handler"
	"github.com/z-korp/daydreams/dispatcher/internal/httpclient"
)

// maxSeen bounds the content ids remembered for de-duplication
const maxSeen = 1024

// NewPollInput returns an input handler that GETs url every interval. The
// endpoint answers with a JSON array of content items; items whose content
// id was already emitted are dropped.
func NewPollInput(name, url string, interval time.Duration, client *httpclient.Client, logger *zap.SugaredLogger) *handler.Input {
	return &handler.Input{
		HandlerName: name,
		Subscribe: func(ctx context.Context, emit handler.EmitFunc) (func(), error) {
			ctx, cancel := context.WithCancel(ctx)
			done := make(chan struct{})
			p := &poller{name: name, url: url, client: client, logger: logger, seen: newSeenSet(maxSeen)}

			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				p.poll(ctx, emit)
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						p.poll(ctx, emit)
					}
				}
			}()

			return func() {
				cancel()
				<-done
			}, nil
		},
	}
}

type poller struct {
	name   string
	url    string
	client *httpclient.Client
	logger *zap.SugaredLogger
	seen   *seenSet
}

func (p *poller) poll(ctx context.Context, emit handler.EmitFunc) {
	var items []flow.ContentItem
	if err := p.client.GetJSON(ctx, p.url, httpclient.RequestOptions{}, &items); err != nil {
		if ctx.Err() == nil {
			p.logger.Warnw("Poll failed", "handler", p.name, "error", err)
		}
		return
	}
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if item.ContentID != "" && !p.seen.add(item.ContentID) {
			continue
		}
		emit(item)
	}
}

// seenSet is a FIFO-evicting set of ids
type seenSet struct {
	ids   map[string]struct{}
	order []string
	max   int
}

func newSeenSet(max int) *seenSet {
	return &seenSet{ids: make(map[string]struct{}), max: max}
}

// add records id and reports whether it was new
func (s *seenSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.max {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	return true
}
