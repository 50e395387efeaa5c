package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/z-korp/daydreams/dispatcher/internal/flow"
	"github.com/z-korp/daydreams/dispatcher/internal/httpclient"
)

// Request is the body posted to the remote decision engine
type Request struct {
	Item             flow.ContentItem `json:"item"`
	Memories         json.RawMessage  `json:"memories,omitempty"`
	AvailableOutputs []string         `json:"available_outputs"`
	AvailableActions []string         `json:"available_actions"`
}

// HTTPProcessor delegates decisions to a remote engine over HTTP. The engine
// receives a Request and answers with a flow.ProcessedResult.
type HTTPProcessor struct {
	client  *httpclient.Client
	url     string
	headers map[string]string
	logger  *zap.SugaredLogger
}

// NewHTTPProcessor creates a processor posting to url
func NewHTTPProcessor(client *httpclient.Client, url string, headers map[string]string, logger *zap.SugaredLogger) *HTTPProcessor {
	return &HTTPProcessor{client: client, url: url, headers: headers, logger: logger}
}

// Process implements flow.Processor
func (p *HTTPProcessor) Process(ctx context.Context, item flow.ContentItem, memories string, available flow.Available) (*flow.ProcessedResult, error) {
	req := Request{
		Item:             item,
		AvailableOutputs: nonNil(available.Outputs),
		AvailableActions: nonNil(available.Actions),
	}
	if memories != "" {
		req.Memories = json.RawMessage(memories)
	}

	var result flow.ProcessedResult
	if err := p.client.PostJSON(ctx, p.url, req, httpclient.RequestOptions{Headers: p.headers}, &result); err != nil {
		return nil, fmt.Errorf("call processor: %w", err)
	}

	p.logger.Debugw("Processor decided",
		"content_id", item.ContentID,
		"suggested_outputs", len(result.SuggestedOutputs),
		"update_tasks", len(result.UpdateTasks),
		"already_processed", result.AlreadyProcessed,
	)
	return &result, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
