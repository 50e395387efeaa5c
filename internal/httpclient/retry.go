package httpclient

import (
	"math"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"

	"github.com/z-korp/daydreams/dispatcher/internal/metrics"
)

// RetryOptions configures retry behavior for one request
type RetryOptions struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffFactor     float64
	RetryableStatuses []int
}

// DefaultRetryOptions returns the default retry budget
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:    3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		RetryableStatuses: []int{
			http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// Delay returns the wait before the given retry attempt (1-based):
// min(InitialDelay * BackoffFactor^(attempt-1), MaxDelay). No jitter is applied.
func (o RetryOptions) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(o.InitialDelay) * math.Pow(o.BackoffFactor, float64(attempt-1))
	if d > float64(o.MaxDelay) || math.IsInf(d, 0) {
		return o.MaxDelay
	}
	return time.Duration(d)
}

// Retryable reports whether a response status should be retried
func (o RetryOptions) Retryable(status int) bool {
	for _, s := range o.RetryableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func normalizeRetryOptions(o RetryOptions) RetryOptions {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialDelay < 0 {
		o.InitialDelay = 0
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = o.InitialDelay
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = 1
	}
	if o.RetryableStatuses == nil {
		o.RetryableStatuses = DefaultRetryOptions().RetryableStatuses
	}
	return o
}

// newRetryPolicy builds the failsafe policy for one request. Transport errors
// (network, timeout, abort) and retryable statuses are handled; the last
// failure is returned once the budget is spent.
func newRetryPolicy(o RetryOptions, host string, logger *zap.SugaredLogger) retrypolicy.RetryPolicy[*Response] {
	builder := retrypolicy.NewBuilder[*Response]().
		WithMaxRetries(o.MaxRetries).
		ReturnLastFailure().
		HandleIf(func(resp *Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && o.Retryable(resp.StatusCode)
		}).
		OnRetry(func(e failsafe.ExecutionEvent[*Response]) {
			metrics.HTTPRetries.WithLabelValues(host).Inc()
			logger.Debugw("Retrying HTTP request",
				"host", host,
				"attempt", e.Attempts(),
				"error", e.LastError(),
			)
		})

	switch {
	case o.InitialDelay == 0:
		// retry immediately
	case o.BackoffFactor == 1 || o.MaxDelay == o.InitialDelay:
		builder = builder.WithDelay(o.InitialDelay)
	default:
		builder = builder.WithBackoffFactor(o.InitialDelay, o.MaxDelay, o.BackoffFactor)
	}

	return builder.Build()
}
