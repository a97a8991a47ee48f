package util

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds configuration for retry with exponential backoff
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries, -1 = until ctx is done)
	MaxRetries int
	// BaseDelay is the initial delay between retries
	BaseDelay time.Duration
	// MaxDelay caps the delay between retries
	MaxDelay time.Duration
	// Multiplier is the factor by which delay increases (default: 2.0)
	Multiplier float64
	// Jitter adds randomness to delays (0.0 - 1.0)
	Jitter float64
	// RetryIf decides whether an error is worth another attempt
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the defaults used for short network operations
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
		RetryIf:    DefaultRetryIf(),
	}
}

// UntilDeadline returns a config that keeps retrying until the context
// passed to Retry expires, starting at base and doubling up to max.
func UntilDeadline(base, max time.Duration) *RetryConfig {
	return &RetryConfig{
		MaxRetries: -1,
		BaseDelay:  base,
		MaxDelay:   max,
		Multiplier: 2.0,
		Jitter:     0.2,
		RetryIf:    DefaultRetryIf(),
	}
}

// RetryResult contains the result of a retry operation
type RetryResult struct {
	Attempts  int
	LastError error
	Duration  time.Duration
}

// Err returns LastError, so callers can write `if err := Retry(...).Err(); err != nil`.
func (r *RetryResult) Err() error {
	return r.LastError
}

// ErrMaxRetriesExceeded is returned when max retries is exceeded
var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

// ErrContextCanceled is returned when context is canceled during retry
var ErrContextCanceled = errors.New("context canceled during retry")

// Retry executes fn with exponential backoff until it succeeds, the error is
// not retryable, the retry budget is spent, or ctx is done.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) *RetryResult {
	_, res := RetryWithValue(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return res
}

// RetryWithValue is Retry for functions returning a value
func RetryWithValue[T any](ctx context.Context, config *RetryConfig, fn func() (T, error)) (T, *RetryResult) {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var zero T
	res := &RetryResult{}
	start := time.Now()

	for {
		res.Attempts++

		val, err := fn()
		if err == nil {
			res.LastError = nil
			res.Duration = time.Since(start)
			return val, res
		}
		res.LastError = err

		if config.RetryIf != nil && !config.RetryIf(err) {
			res.Duration = time.Since(start)
			return zero, res
		}

		if config.MaxRetries >= 0 && res.Attempts > config.MaxRetries {
			res.LastError = errors.Join(ErrMaxRetriesExceeded, err)
			res.Duration = time.Since(start)
			return zero, res
		}

		timer := time.NewTimer(calculateDelay(config, res.Attempts))
		select {
		case <-ctx.Done():
			timer.Stop()
			res.LastError = errors.Join(ErrContextCanceled, ctx.Err(), err)
			res.Duration = time.Since(start)
			return zero, res
		case <-timer.C:
		}
	}
}

// calculateDelay returns baseDelay * multiplier^(attempt-1), jittered and clamped
func calculateDelay(config *RetryConfig, attempt int) time.Duration {
	multiplier := config.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(config.BaseDelay) * math.Pow(multiplier, float64(attempt-1))

	if config.Jitter > 0 {
		jitterRange := delay * config.Jitter
		delay = delay - jitterRange + (rand.Float64() * 2 * jitterRange)
	}

	if config.MaxDelay > 0 && time.Duration(delay) > config.MaxDelay {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}

// ErrWaitTimeout is returned by WaitUntil when the condition never held
var ErrWaitTimeout = errors.New("condition not met before deadline")

// WaitUntil polls cond every interval until it returns true or ctx is done.
func WaitUntil(ctx context.Context, interval time.Duration, cond func() bool) error {
	if cond() {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.Join(ErrWaitTimeout, ctx.Err())
		case <-ticker.C:
			if cond() {
				return nil
			}
		}
	}
}

// RetryableError wraps an error and marks it as retryable
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable checks if an error is marked as retryable
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}

// MarkRetryable marks an error as retryable
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// NonRetryableError wraps an error and marks it as non-retryable
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nonRetryable *NonRetryableError
	return errors.As(err, &nonRetryable)
}

// MarkNonRetryable marks an error as non-retryable
func MarkNonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// DefaultRetryIf retries all errors except non-retryable ones
func DefaultRetryIf() func(error) bool {
	return func(err error) bool {
		return !IsNonRetryable(err)
	}
}

// RetryIfMarked only retries errors wrapped with MarkRetryable
func RetryIfMarked() func(error) bool {
	return IsRetryable
}
