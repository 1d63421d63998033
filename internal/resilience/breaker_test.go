package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Minute})

	for i := 0; i < 2; i++ {
		b.RecordFailure(errors.New("boom"))
	}
	if b.State() != StateClosed {
		t.Fatalf("breaker opened early: %s", b.State())
	}

	b.RecordFailure(errors.New("boom"))
	if b.State() != StateOpen {
		t.Fatalf("breaker should be open: %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("open breaker should fail fast, got %v", err)
	}
}

func TestBreaker_WindowResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Minute})

	current := time.Now()
	b.now = func() time.Time { return current }

	b.RecordFailure(errors.New("boom"))
	b.RecordFailure(errors.New("boom"))

	// Old failures fall out of the rolling window.
	current = current.Add(2 * time.Minute)
	b.RecordFailure(errors.New("boom"))
	if b.State() != StateClosed {
		t.Fatalf("stale failures should not open the breaker: %s", b.State())
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Window: time.Minute, Cooldown: 10 * time.Second})

	current := time.Now()
	b.now = func() time.Time { return current }

	b.RecordFailure(errors.New("boom"))
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	current = current.Add(11 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("cooldown elapsed, probe should be admitted: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}

	// Only one probe at a time.
	if err := b.Allow(); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("second probe should be rejected, got %v", err)
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("successful probe should close the breaker: %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Window: time.Minute, Cooldown: 10 * time.Second})

	current := time.Now()
	b.now = func() time.Time { return current }

	b.RecordFailure(errors.New("boom"))
	current = current.Add(11 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe admission: %v", err)
	}

	b.RecordFailure(errors.New("still down"))
	if b.State() != StateOpen {
		t.Fatalf("failed probe should reopen: %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("reopened breaker should fail fast, got %v", err)
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		Window:           time.Minute,
		Cooldown:         time.Minute,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	b.RecordFailure(errors.New("boom"))
	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
}
