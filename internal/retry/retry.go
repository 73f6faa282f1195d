package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/circlemind-ai/smooth-go/internal/logging"
)

// Config controls the backoff schedule.
type Config struct {
	MaxAttempts  int           // total attempts, including the first
	BaseDelay    time.Duration // delay before the second attempt
	MaxDelay     time.Duration // backoff ceiling
	JitterFactor float64       // randomization as a fraction of the delay
}

// DefaultConfig mirrors the service client defaults: up to 4 attempts,
// 500ms doubling to a 10s ceiling.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.25,
	}
}

// WithAttempts returns the config with the attempt count replaced.
// Values below 1 are clamped to 1 (no retries).
func (c Config) WithAttempts(attempts int) Config {
	if attempts < 1 {
		attempts = 1
	}
	c.MaxAttempts = attempts
	return c
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempt budget is exhausted.
func Do(ctx context.Context, cfg Config, logger logging.Logger, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, cfg, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult runs fn with the same policy as Do and returns its value.
func DoWithResult[T any](ctx context.Context, cfg Config, logger logging.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	logger = logging.OrNop(logger)
	var zero T
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("retry succeeded on attempt %d/%d", attempt, cfg.MaxAttempts)
			}
			return result, nil
		}

		lastErr = err
		if !IsTransient(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoff(attempt-1, cfg)
		logger.Debug("attempt %d/%d failed (%v), retrying in %v", attempt, cfg.MaxAttempts, err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}
	return zero, lastErr
}

// backoff computes the delay after a given zero-based failed attempt:
// BaseDelay * 2^attempt, capped at MaxDelay, with +/-JitterFactor applied.
func backoff(attempt int, cfg Config) time.Duration {
	delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.JitterFactor > 0 {
		jitter := (rand.Float64()*2 - 1) * cfg.JitterFactor * float64(delay)
		delay = time.Duration(float64(delay) + jitter)
		if delay < 0 {
			delay = cfg.BaseDelay
		}
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return delay
}
