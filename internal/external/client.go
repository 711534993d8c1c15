// Package external is the boundary to the provisioning panel. Every outbound
// call goes through BaseClient, which owns the circuit breaker, the bounded
// retry on gateway errors, and the mapping of failures to AppErrors.
package external

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"creditpanel/internal/types"
)

// RetryPolicy is a fixed-delay retry budget. Attempts counts the first try.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy makes three attempts two seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 2 * time.Second}
}

// retryable reports whether a status is a transient gateway failure. Other
// 5xx responses are returned to the caller untouched.
func retryable(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// BaseClient wraps an http.Client with a circuit breaker and retries.
// Service clients embed it and call DoWithRetry.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	retry     RetryPolicy
	userAgent string
	sleepFn   func(time.Duration)
}

// BaseClientOption configures a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc replaces time.Sleep between retries; tests pass a no-op.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) { c.sleepFn = fn }
}

// WithBreaker shares or customizes the circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) { c.breaker = cb }
}

// NewBreaker trips after five consecutive gateway or network failures and
// probes again after 30s.
func NewBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// NewBaseClient creates a BaseClient with its own breaker unless WithBreaker
// supplies a shared one.
func NewBaseClient(httpClient *http.Client, breakerName string, retry RetryPolicy, userAgent string, opts ...BaseClientOption) *BaseClient {
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	bc := &BaseClient{
		client:    httpClient,
		breaker:   NewBreaker(breakerName),
		retry:     retry,
		userAgent: userAgent,
		sleepFn:   time.Sleep,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// Do sends req, retrying 502/503/504 with a fixed delay. Any other response
// is returned as is and the caller closes its body. Exhausted retries yield
// upstream_transient; an open breaker yields upstream_unavailable.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if id := types.GetRequestID(req.Context()); id != "" {
		req.Header.Set("X-Request-Id", id)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var body []byte
	if req.Body != nil {
		var err error
		if body, err = io.ReadAll(req.Body); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to buffer request body", err)
		}
		req.Body.Close()
	}

	var (
		lastStatus int
		lastErr    error
	)
	for attempt := 1; attempt <= c.retry.Attempts; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, err := c.client.Do(req)
			if err != nil {
				return nil, err
			}
			if retryable(r.StatusCode) {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable,
				"circuit breaker open; provisioning API unavailable", err)
		}
		if resp == nil {
			// Transport failure. The request may or may not have reached the
			// panel, so it is not replayed.
			return nil, types.NewAppError(types.ErrCodeUpstreamTransient, "provisioning request failed", err)
		}

		lastStatus, lastErr = resp.StatusCode, err
		resp.Body.Close()

		if attempt == c.retry.Attempts {
			break
		}
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamTransient, "request cancelled between retries", ctxErr)
		}
		c.sleepFn(c.retry.Delay)
	}

	return nil, types.NewAppError(types.ErrCodeUpstreamTransient,
		fmt.Sprintf("upstream returned %d after %d attempts", lastStatus, c.retry.Attempts), lastErr).
		WithDetails(map[string]any{"status_code": lastStatus, "attempts": c.retry.Attempts})
}
