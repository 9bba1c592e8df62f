// Package resilience provides the bounded retry and polling primitives used
// by the coordination layer. Every loop here is cancellable via context;
// nothing sleeps unconditionally.
package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/danubecloud/que/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry executes a function with retry logic
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		// Check context
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Try the function
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		// Don't sleep after the last attempt
		if attempt == config.MaxAttempts {
			break
		}

		// Calculate next delay with exponential backoff
		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		// Add jitter if enabled to prevent synchronized retries
		// across multiple clients (thundering herd mitigation)
		if config.JitterEnabled {
			jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
			delay += jitter
		}

		// Sleep with context cancellation
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}

// RetryForever executes fn until it succeeds or ctx is cancelled. The delay
// grows by BackoffFactor up to MaxDelay and stays there. Used by submission
// paths that must never silently drop work. onRetry, if non-nil, is invoked
// before each sleep with the attempt number and last error.
func RetryForever(ctx context.Context, config *RetryConfig, fn func() error, onRetry func(attempt int, err error)) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	delay := config.InitialDelay

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		if onRetry != nil {
			onRetry(attempt, err)
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// PollConfig configures a bounded condition poll.
type PollConfig struct {
	// InitialDelay is the first poll interval. Default: 500ms.
	InitialDelay time.Duration

	// MaxDelay caps the interval as it doubles. Default: 8s.
	MaxDelay time.Duration

	// Factor is the interval multiplier. Default: 2.0.
	Factor float64

	// MaxWait bounds the total wait. Default: 30s.
	MaxWait time.Duration
}

// DefaultPollConfig provides the default bounded-poll parameters.
func DefaultPollConfig() *PollConfig {
	return &PollConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Factor:       2.0,
		MaxWait:      30 * time.Second,
	}
}

// WaitFor polls cond until it reports true, the total wait exceeds MaxWait,
// or ctx is cancelled. The condition is checked once immediately before any
// sleep. A condition error aborts the poll. Returns core.ErrTimeout when
// the bound elapses with the condition still false.
func WaitFor(ctx context.Context, config *PollConfig, cond func(ctx context.Context) (bool, error)) error {
	if config == nil {
		config = DefaultPollConfig()
	}
	delay := config.InitialDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	factor := config.Factor
	if factor < 1.0 {
		factor = 2.0
	}
	maxDelay := config.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}
	maxWait := config.MaxWait
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}

	deadline := time.Now().Add(maxWait)

	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if remaining := time.Until(deadline); remaining <= 0 {
			return core.ErrTimeout
		} else if delay > remaining {
			delay = remaining
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * factor)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
