// Package retry provides an explicit, bounded retry policy for transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/notegrade/notegrade/internal/pkg/logger"
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration
	// Multiplier grows the delay after each failed attempt.
	Multiplier float64
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
	// Jitter adds up to this fraction of the delay at random, in [0,1].
	Jitter float64
}

// DefaultPolicy returns the policy used for speaker-metric transactions.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   20 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    time.Second,
		Jitter:      0.2,
	}
}

// Validate checks that the policy has usable values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if p.BaseDelay < 0 {
		return errors.New("base delay cannot be negative")
	}
	if p.Multiplier < 1 {
		return errors.New("multiplier must be at least 1")
	}
	if p.MaxDelay < 0 {
		return errors.New("max delay cannot be negative")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return errors.New("jitter must be within [0,1]")
	}
	return nil
}

// Delay returns the wait after the given failed attempt (1-based), before jitter.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Retrier applies a Policy and reports each retry.
type Retrier struct {
	policy  Policy
	log     *logger.Logger
	onRetry func(operation string, attempt int, err error)
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Retrier.
func New(policy Policy, log *logger.Logger) *Retrier {
	return &Retrier{
		policy: policy,
		log:    log,
		sleep:  sleepContext,
	}
}

// OnRetry registers a hook called before every retry.
func (r *Retrier) OnRetry(fn func(operation string, attempt int, err error)) *Retrier {
	r.onRetry = fn
	return r
}

// Policy returns the configured policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do runs fn until it succeeds, fails with a non-retryable error, the policy is
// exhausted, or ctx is done. fn receives the 1-based attempt number.
func Do[T any](ctx context.Context, r *Retrier, operation string, isRetryable func(error) bool, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result, lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return result, nil
		}
		if !isRetryable(lastErr) {
			return result, lastErr
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.policy.Delay(attempt)
		if r.policy.Jitter > 0 && delay > 0 {
			delay += time.Duration(rand.Float64() * r.policy.Jitter * float64(delay))
		}

		if r.onRetry != nil {
			r.onRetry(operation, attempt, lastErr)
		}
		r.log.WithContext(ctx).Warn("Transient failure, retrying",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", r.policy.MaxAttempts,
			"backoff", delay,
			"error", lastErr.Error(),
		)

		if err := r.sleep(ctx, delay); err != nil {
			return result, err
		}
	}

	return result, &ExhaustedError{Operation: operation, Attempts: r.policy.MaxAttempts, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
