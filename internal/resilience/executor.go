package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig configures retry behaviour for calls made through an Executor.
type RetryConfig struct {
	// MaxAttempts bounds the total number of attempts, first call included.
	MaxAttempts int
	// InitialBackoff is the backoff before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the computed backoff.
	MaxBackoff time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// Jitter adds randomness to backoff (0.0 to 1.0).
	Jitter float64
	// CallTimeout bounds each individual attempt. Timed-out attempts count
	// as failures for breaker accounting.
	CallTimeout time.Duration
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
		CallTimeout:    10 * time.Second,
	}
}

// Permanent wraps an error that must not be retried (the call failed for a
// reason more attempts cannot fix).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Executor runs operations against named endpoints through a process-wide
// breaker per endpoint, retrying transient failures with backoff and jitter.
type Executor struct {
	retry   RetryConfig
	breaker BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewExecutor builds an executor with the given retry and breaker settings.
func NewExecutor(retry RetryConfig, breaker BreakerConfig) *Executor {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = DefaultRetryConfig().InitialBackoff
	}
	if retry.MaxBackoff <= 0 {
		retry.MaxBackoff = DefaultRetryConfig().MaxBackoff
	}
	if retry.Multiplier <= 1 {
		retry.Multiplier = DefaultRetryConfig().Multiplier
	}
	if retry.CallTimeout <= 0 {
		retry.CallTimeout = DefaultRetryConfig().CallTimeout
	}
	return &Executor{
		retry:    retry,
		breaker:  breaker,
		breakers: make(map[string]*Breaker),
	}
}

// BreakerFor returns the process-wide breaker for the endpoint, creating it on
// first use.
func (e *Executor) BreakerFor(endpoint string) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[endpoint]
	if !ok {
		b = NewBreaker(e.breaker)
		e.breakers[endpoint] = b
	}
	return b
}

// Do runs op against the endpoint. The breaker is consulted once per attempt;
// an open breaker fails fast with ErrServiceUnavailable. Each attempt runs
// under the configured call timeout.
func (e *Executor) Do(ctx context.Context, endpoint string, op func(ctx context.Context) error) error {
	breaker := e.BreakerFor(endpoint)

	var lastErr error
	for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := e.backoffFor(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := breaker.Allow(); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.retry.CallTimeout)
		err := op(attemptCtx)
		cancel()

		if err == nil {
			breaker.RecordSuccess()
			return nil
		}

		breaker.RecordFailure(err)
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
	}
	return lastErr
}

func (e *Executor) backoffFor(attempt int) time.Duration {
	backoff := float64(e.retry.InitialBackoff) * math.Pow(e.retry.Multiplier, float64(attempt-1))
	if backoff > float64(e.retry.MaxBackoff) {
		backoff = float64(e.retry.MaxBackoff)
	}
	if e.retry.Jitter > 0 {
		jitter := backoff * e.retry.Jitter * (rand.Float64()*2 - 1)
		backoff += jitter
	}
	return time.Duration(backoff)
}
