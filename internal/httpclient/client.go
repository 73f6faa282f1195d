package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/circlemind-ai/smooth-go/internal/logging"
)

type breakerRoundTripper struct {
	base    http.RoundTripper
	breaker *Breaker
}

// New builds an HTTP client with the given timeout and a circuit breaker
// guarding its transport.
func New(timeout time.Duration, logger logging.Logger, name string) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: WrapWithBreaker(nil, name, DefaultBreakerConfig(), logger),
	}
}

// WrapWithBreaker wraps a transport with circuit breaker protection.
func WrapWithBreaker(base http.RoundTripper, name string, config BreakerConfig, logger logging.Logger) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if name == "" {
		name = "http-client"
	}
	return &breakerRoundTripper{
		base:    base,
		breaker: NewBreaker(name, config, logger),
	}
}

func (t *breakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			t.breaker.Mark(nil)
			return nil, err
		}
		t.breaker.Mark(err)
		return nil, err
	}
	if isBreakerFailureStatus(resp.StatusCode) {
		t.breaker.Mark(fmt.Errorf("http status %d", resp.StatusCode))
	} else {
		t.breaker.Mark(nil)
	}
	return resp, nil
}

// 429 and 5xx count as breaker failures; 4xx are the caller's problem.
func isBreakerFailureStatus(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}

// BodyTooLargeError reports a response body that exceeded the read limit.
type BodyTooLargeError struct {
	Limit int64
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("response body larger than %d bytes", e.Limit)
}

// ReadAllWithLimit drains r, failing with a BodyTooLargeError once more
// than limit bytes arrive. A limit <= 0 means unlimited. The API never
// sends bodies anywhere near the limit, so exceeding it signals a broken
// or hostile endpoint rather than a large result.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, &BodyTooLargeError{Limit: limit}
	}
	return data, nil
}
