// Package retry executes functions with capped exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config controls the retry behaviour of Do.
type Config struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// ShouldRetry classifies errors. A nil predicate retries everything.
	ShouldRetry func(error) bool

	// OnRetry is invoked before each retry with the attempt number
	// (1-based) and the error that triggered it.
	OnRetry func(attempt int, err error)
}

// DefaultConfig is the retry policy used when callers pass a zero Config.
var DefaultConfig = Config{
	MaxRetries:    3,
	BaseDelay:     time.Second,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
}

// Do runs fn until it succeeds, the retry budget is exhausted, the error
// is classified permanent, or ctx is cancelled. The context deadline wins
// over the backoff schedule.
func Do(ctx context.Context, cfg Config, fn func(context.Context) (any, error)) (any, error) {
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 2.0
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if attempt >= cfg.MaxRetries {
			break
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			return nil, err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(Delay(attempt, cfg)):
		}
	}

	return nil, fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// Delay returns the backoff before retrying after the given zero-based
// attempt, capped at MaxDelay.
func Delay(attempt int, cfg Config) time.Duration {
	d := time.Duration(float64(cfg.BaseDelay) * math.Pow(cfg.BackoffFactor, float64(attempt)))
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}
