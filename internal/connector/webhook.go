package connector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/z-korp/daydreams/dispatcher/internal/handler"
	"github.com/z-korp/daydreams/dispatcher/internal/httpclient"
)

// NewWebhookOutput returns an output handler that POSTs its data to url
// as-is. Failures after the client's retry budget abort the dispatch run.
func NewWebhookOutput(name, url string, client *httpclient.Client, headers map[string]string) *handler.Output {
	return &handler.Output{
		HandlerName: name,
		Execute: func(ctx context.Context, data json.RawMessage) error {
			if len(data) == 0 {
				data = json.RawMessage("null")
			}
			if _, err := client.Post(ctx, url, data, httpclient.RequestOptions{Headers: headers}); err != nil {
				return fmt.Errorf("webhook %s: %w", name, err)
			}
			return nil
		},
	}
}
