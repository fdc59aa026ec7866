// Package retry implements a context-aware retry loop with exponential
// backoff, used by the bootstrap package to dial peers whose
// listener may not be up yet.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

type Operation func(ctx context.Context) error

type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	OnRetry      func(attempt int, err error, nextDelay time.Duration)
}

type Option func(*Config)

func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

func WithMaxAttempts(n int) Option           { return func(c *Config) { c.MaxAttempts = n } }
func WithInitialDelay(d time.Duration) Option { return func(c *Config) { c.InitialDelay = d } }
func WithMaxDelay(d time.Duration) Option     { return func(c *Config) { c.MaxDelay = d } }
func WithOnRetry(f func(int, error, time.Duration)) Option {
	return func(c *Config) { c.OnRetry = f }
}

// Do runs op, retrying with backoff until it succeeds, the context is
// cancelled, or attempts are exhausted (in which case the last error is
// returned).
func Do(ctx context.Context, op Operation, opts ...Option) error {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry: context cancelled before attempt %d: %w", attempt, err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := calculateDelay(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry: context cancelled during backoff (attempt %d): %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry: exhausted %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func calculateDelay(attempt int, cfg *Config) time.Duration {
	delay := math.Min(
		float64(cfg.MaxDelay),
		float64(cfg.InitialDelay)*math.Pow(cfg.Multiplier, float64(attempt-1)),
	)
	return time.Duration(delay)
}
