package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/c360/espflow/errors"
)

// NonRetryableError marks an error that ends Do immediately.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps err so Do returns it without another attempt.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err was wrapped with NonRetryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return stderrors.As(err, &nre)
}

// Config controls attempts and backoff.
type Config struct {
	MaxAttempts  int           // total attempts, at least 1
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration
	Multiplier   float64
	AddJitter    bool // up to 25% extra per delay

	// Retryable decides whether an error gets another attempt. Nil retries
	// everything not wrapped with NonRetryable.
	Retryable func(error) bool
}

// DefaultConfig returns 3 attempts from 100ms up to 5s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Transient returns DefaultConfig retrying only errors the errors package
// classifies as transient.
func Transient() Config {
	cfg := DefaultConfig()
	cfg.Retryable = errors.IsTransient
	return cfg
}

func (c Config) normalized() (Config, error) {
	if c.InitialDelay < 0 || c.MaxDelay < 0 || c.Multiplier < 0 {
		return c, errors.Invalidf("retry", "Do", "negative delay or multiplier in %+v", c)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	c.Multiplier = min(c.Multiplier, 1000)
	if c.MaxDelay < c.InitialDelay {
		return c, errors.Invalidf("retry", "Do", "max delay %s below initial delay %s", c.MaxDelay, c.InitialDelay)
	}
	return c, nil
}

// delay returns the sleep after the given 1-based attempt.
func (c Config) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= c.Multiplier
		if d >= float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
			break
		}
	}
	out := time.Duration(d)
	if c.AddJitter && out >= 4 {
		out += time.Duration(rand.Int64N(int64(out / 4)))
	}
	return out
}

// Do runs fn until it succeeds, returns a non-retryable error, runs out of
// attempts, or ctx ends. A NonRetryable error is returned unwrapped.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.normalized()
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var nre *NonRetryableError
		if stderrors.As(err, &nre) {
			return nre.Err
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(cfg.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult is Do for operations that return a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
