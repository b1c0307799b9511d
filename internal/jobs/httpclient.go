package jobs

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"invtasks/internal/task/engine"
)

const userAgent = "invtasks"

// HTTPClient is the outbound client of the jobs. Calls go through a circuit
// breaker that counts transport errors, 5xx and 429 responses as failures.
type HTTPClient struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

func NewHTTPClient(name string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewHTTPClientWith(&http.Client{Timeout: timeout}, name)
}

// NewHTTPClientWith wraps an existing client (tests pass httptest clients).
func NewHTTPClientWith(c *http.Client, name string) *HTTPClient {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &HTTPClient{client: c, breaker: cb}
}

// Get returns the response for every status below 500 except 429; the caller
// closes the body. A 429 with Retry-After becomes an engine retry hint.
func (c *HTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, engine.NoRetry(err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return r, fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		return r, nil
	})
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests {
				if after := retryAfter(resp.Header.Get("Retry-After")); after > 0 {
					return nil, engine.RetryAfter(err, after)
				}
			}
		}
		return nil, err
	}
	return resp, nil
}

func (c *HTTPClient) State() gobreaker.State { return c.breaker.State() }

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
