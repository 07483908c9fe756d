// Package awc talks to the Aviation Weather Center: the bulk cache files used
// by ingestion and the per-identifier data API used by retrieval fallback.
package awc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// maxBodyBytes caps any single response read into memory.
var maxBodyBytes int64 = 256 << 20

var (
	errRateLimited  = errors.New("rate limited")
	errServerError  = errors.New("server error")
	errUnexpected   = errors.New("unexpected status code")
	errBodyTooLarge = errors.New("response body too large")

	// ErrCircuitOpen is returned without contacting the upstream while the
	// breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// backoff controls retry spacing: start at initial, double each retry, cap at max.
type backoff struct {
	retries int
	initial time.Duration
	max     time.Duration
}

var defaultBackoff = backoff{retries: 3, initial: 200 * time.Millisecond, max: 5 * time.Second}

// statusError carries a non-retryable HTTP status.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v: %d", errUnexpected, e.code)
}

func (e *statusError) Unwrap() error { return errUnexpected }

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		// 4xx answers mean the upstream is healthy.
		IsSuccessful: func(err error) bool {
			var se *statusError
			return err == nil || errors.As(err, &se)
		},
	})
}

// breakers holds one circuit breaker per upstream source, so one failing feed
// or product leaves the others reachable.
type breakers struct {
	prefix string
	mu     sync.Mutex
	byName map[string]*gobreaker.CircuitBreaker
}

func newBreakers(prefix string) *breakers {
	return &breakers{prefix: prefix, byName: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *breakers) get(source string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byName[source]
	if !ok {
		cb = newBreaker(b.prefix + ":" + source)
		b.byName[source] = cb
	}
	return cb
}

// sourceOf names a bulk file by host and path, ignoring the query.
func sourceOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host + u.Path
}

// fetch GETs url and returns the body, retrying transport errors, 429 and 5xx
// with exponential backoff behind a circuit breaker. Other non-2xx statuses
// return a *statusError immediately.
func fetch(ctx context.Context, client *http.Client, cb *gobreaker.CircuitBreaker, b backoff, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "wx-cache-service")

	delay := b.initial
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return get(client, req)
		})
		if err == nil {
			return result.([]byte), nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		var se *statusError
		if errors.As(err, &se) || errors.Is(err, errBodyTooLarge) || attempt >= b.retries {
			return nil, err
		}

		if !sleepWithContext(ctx, delay) {
			return nil, ctx.Err()
		}
		delay = nextBackoff(delay, b.max)
	}
}

func get(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errRateLimited
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %d", errServerError, resp.StatusCode)
	case resp.StatusCode == http.StatusNoContent:
		return []byte{}, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &statusError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > maxBodyBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", errBodyTooLarge, maxBodyBytes)
	}
	return body, nil
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
