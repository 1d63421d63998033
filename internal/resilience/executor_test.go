package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
		CallTimeout:    time.Second,
	}
}

func TestExecutor_RetriesTransientFailures(t *testing.T) {
	exec := NewExecutor(fastRetry(3), BreakerConfig{FailureThreshold: 10})

	calls := 0
	err := exec.Do(context.Background(), "paynet", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestExecutor_PermanentStopsRetries(t *testing.T) {
	exec := NewExecutor(fastRetry(5), BreakerConfig{FailureThreshold: 10})

	calls := 0
	cause := errors.New("rejected")
	err := exec.Do(context.Background(), "paynet", func(ctx context.Context) error {
		calls++
		return Permanent(cause)
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected the underlying cause, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error must not be retried, got %d attempts", calls)
	}
}

func TestExecutor_ExhaustedAttemptsReturnLastError(t *testing.T) {
	exec := NewExecutor(fastRetry(3), BreakerConfig{FailureThreshold: 10})

	calls := 0
	err := exec.Do(context.Background(), "paynet", func(ctx context.Context) error {
		calls++
		return errors.New("still failing")
	})
	if err == nil || err.Error() != "still failing" {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestExecutor_OpenBreakerFailsFast(t *testing.T) {
	exec := NewExecutor(fastRetry(1), BreakerConfig{FailureThreshold: 2, Window: time.Minute, Cooldown: time.Hour})

	boom := func(ctx context.Context) error { return errors.New("boom") }
	for i := 0; i < 2; i++ {
		if err := exec.Do(context.Background(), "paynet", boom); err == nil {
			t.Fatalf("call %d should fail", i)
		}
	}

	calls := 0
	err := exec.Do(context.Background(), "paynet", func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected fast failure, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("operation must not run while the breaker is open")
	}
}

func TestExecutor_BreakersAreIsolatedPerEndpoint(t *testing.T) {
	exec := NewExecutor(fastRetry(1), BreakerConfig{FailureThreshold: 1, Window: time.Minute, Cooldown: time.Hour})

	_ = exec.Do(context.Background(), "broken", func(ctx context.Context) error {
		return errors.New("boom")
	})
	if exec.BreakerFor("broken").State() != StateOpen {
		t.Fatalf("broken endpoint should be open")
	}

	if err := exec.Do(context.Background(), "healthy", func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("healthy endpoint: %v", err)
	}
}
