package connector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/z-korp/daydreams/dispatcher/internal/flow"
	"github.com/z-korp/daydreams/dispatcher/internal/handler"
	"github.com/z-korp/daydreams/dispatcher/internal/httpclient"
)

// FetchRequest is the payload accepted by the fetch action
type FetchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	// Emit, when set, re-enters the response as new content. Its Data is
	// replaced by the response body.
	Emit *flow.ContentItem `json:"emit,omitempty"`
}

// FetchResult is the action result data
type FetchResult struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

// NewFetchAction returns an action handler that performs an HTTP request
// described by its data and returns the response body
func NewFetchAction(name string, client *httpclient.Client) *handler.Action {
	return &handler.Action{
		HandlerName: name,
		Execute: func(ctx context.Context, data json.RawMessage) (*handler.ActionResult, error) {
			var req FetchRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, fmt.Errorf("decode fetch request: %w", err)
			}
			if req.URL == "" {
				return nil, fmt.Errorf("fetch request: url is required")
			}

			opts := httpclient.RequestOptions{
				Method:  req.Method,
				Headers: req.Headers,
				Params:  req.Params,
			}
			if len(req.Body) > 0 {
				opts.Body = req.Body
			}
			resp, err := client.Request(ctx, req.URL, opts)
			if err != nil {
				return nil, err
			}

			body := json.RawMessage(resp.Body)
			if !json.Valid(body) {
				b, _ := json.Marshal(string(resp.Body))
				body = b
			}
			out, err := json.Marshal(FetchResult{StatusCode: resp.StatusCode, Body: body})
			if err != nil {
				return nil, fmt.Errorf("encode fetch result: %w", err)
			}

			result := &handler.ActionResult{Data: out}
			if req.Emit != nil {
				item := *req.Emit
				item.Data = body
				result.Items = []flow.ContentItem{item}
			}
			return result, nil
		},
	}
}
