// Package httpclient wraps outbound HTTP calls in an exponential-backoff
// retry core, with JSON, JSON-RPC and GraphQL conveniences layered on top.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"go.uber.org/zap"
)

// RequestOptions describes one outbound call
type RequestOptions struct {
	Method  string
	Headers map[string]string
	// Params are appended to the URL query string
	Params map[string]string
	// Body is sent as-is when []byte or string, otherwise JSON-encoded
	Body any
	// Retry overrides the client's default retry options
	Retry *RetryOptions
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body as JSON
func (r *Response) Decode(out any) error {
	if out == nil || len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// RequestError is returned for non-2xx responses
type RequestError struct {
	Method     string
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// Client performs HTTP requests with retries
type Client struct {
	http   *http.Client
	retry  RetryOptions
	logger *zap.SugaredLogger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetryOptions sets the default retry options
func WithRetryOptions(o RetryOptions) Option {
	return func(c *Client) { c.retry = o }
}

// WithTimeout sets a per-attempt timeout on the underlying client
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New creates a new client with default retry options and a 30s per-attempt timeout
func New(logger *zap.SugaredLogger, opts ...Option) *Client {
	c := &Client{
		http:   &http.Client{Timeout: 30 * time.Second},
		retry:  DefaultRetryOptions(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request performs a request, retrying transport failures and retryable
// statuses. Non-2xx responses that are not retried, or that remain after the
// retry budget is spent, are returned as *RequestError.
func (c *Client) Request(ctx context.Context, rawURL string, opts RequestOptions) (*Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	u, err := buildURL(rawURL, opts.Params)
	if err != nil {
		return nil, err
	}

	body, contentType, err := encodeBody(opts.Body)
	if err != nil {
		return nil, err
	}

	retry := c.retry
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	retry = normalizeRetryOptions(retry)

	policy := newRetryPolicy(retry, u.Host, c.logger)
	resp, err := failsafe.With(policy).WithContext(ctx).Get(func() (*Response, error) {
		return c.do(ctx, method, u.String(), body, contentType, opts.Headers)
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u.Redacted(), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, &RequestError{
			Method:     method,
			URL:        u.Redacted(),
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       resp.Body,
		}
	}
	return resp, nil
}

// do runs a single attempt and reads the whole body
func (c *Client) do(ctx context.Context, method, target string, body []byte, contentType string, headers map[string]string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func buildURL(rawURL string, params map[string]string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return b, "", nil
	case string:
		return []byte(b), "", nil
	case json.RawMessage:
		return b, "application/json", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode body: %w", err)
		}
		return data, "application/json", nil
	}
}
