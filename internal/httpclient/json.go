package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
)

// JSON performs a request and decodes the JSON response into out
func (c *Client) JSON(ctx context.Context, rawURL string, opts RequestOptions, out any) error {
	headers := make(map[string]string, len(opts.Headers)+1)
	headers["Accept"] = "application/json"
	for k, v := range opts.Headers {
		headers[k] = v
	}
	opts.Headers = headers
	resp, err := c.Request(ctx, rawURL, opts)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Get performs a GET request
func (c *Client) Get(ctx context.Context, rawURL string, opts RequestOptions) (*Response, error) {
	opts.Method = http.MethodGet
	return c.Request(ctx, rawURL, opts)
}

// GetJSON performs a GET request and decodes the JSON response
func (c *Client) GetJSON(ctx context.Context, rawURL string, opts RequestOptions, out any) error {
	opts.Method = http.MethodGet
	return c.JSON(ctx, rawURL, opts, out)
}

// Post performs a POST request with the given body
func (c *Client) Post(ctx context.Context, rawURL string, body any, opts RequestOptions) (*Response, error) {
	opts.Method = http.MethodPost
	opts.Body = body
	return c.Request(ctx, rawURL, opts)
}

// PostJSON performs a POST request and decodes the JSON response
func (c *Client) PostJSON(ctx context.Context, rawURL string, body any, opts RequestOptions, out any) error {
	opts.Method = http.MethodPost
	opts.Body = body
	return c.JSON(ctx, rawURL, opts, out)
}

// ─── JSON-RPC ───

var rpcID atomic.Int64

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is a JSON-RPC error object returned by the server
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// JSONRPC calls a JSON-RPC 2.0 method and decodes its result into out
func (c *Client) JSONRPC(ctx context.Context, rawURL, method string, params any, out any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      rpcID.Add(1),
		Method:  method,
		Params:  params,
	}

	var resp rpcResponse
	if err := c.PostJSON(ctx, rawURL, req, RequestOptions{}, &resp); err != nil {
		return fmt.Errorf("jsonrpc %s: %w", method, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("jsonrpc %s: decode result: %w", method, err)
	}
	return nil
}

// ─── GraphQL ───

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage      `json:"data"`
	Errors []GraphQLErrorDetail `json:"errors"`
}

// GraphQLErrorDetail is one entry of a GraphQL errors array
type GraphQLErrorDetail struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

// GraphQLError aggregates the errors returned by a GraphQL server
type GraphQLError struct {
	Errors []GraphQLErrorDetail
}

func (e *GraphQLError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, d := range e.Errors {
		msgs = append(msgs, d.Message)
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

// GraphQL posts a query and decodes the data field into out
func (c *Client) GraphQL(ctx context.Context, rawURL, query string, variables map[string]any, out any) error {
	var resp graphqlResponse
	if err := c.PostJSON(ctx, rawURL, graphqlRequest{Query: query, Variables: variables}, RequestOptions{}, &resp); err != nil {
		return fmt.Errorf("graphql: %w", err)
	}
	if len(resp.Errors) > 0 {
		return &GraphQLError{Errors: resp.Errors}
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("graphql: decode data: %w", err)
	}
	return nil
}
