// Package resilience wraps calls to externally-owned services with a
// per-endpoint circuit breaker and bounded exponential-backoff retries.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrServiceUnavailable is returned without calling the endpoint while its
// breaker is open.
var ErrServiceUnavailable = errors.New("service unavailable: circuit breaker open")

// BreakerConfig configures circuit breaker behaviour.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within Window before opening.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes required to close.
	SuccessThreshold int
	// Window is the rolling window in which failures are counted.
	Window time.Duration
	// Cooldown is how long the circuit stays open before allowing a probe.
	Cooldown time.Duration
	// OnStateChange is called when the circuit state changes.
	OnStateChange func(from, to State)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern for one endpoint.
type Breaker struct {
	mu sync.Mutex

	config BreakerConfig
	state  State

	failures      int
	windowStart   time.Time
	successes     int
	probeInFlight bool
	lastError     error
	openedAt      time.Time
	now           func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Window <= 0 {
		config.Window = DefaultBreakerConfig().Window
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Breaker{config: config, state: StateClosed, now: time.Now}
}

// Allow reports whether a call may proceed. While half-open only a single
// probe call is admitted; concurrent callers fail fast until it resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.config.Cooldown {
			b.transitionTo(StateHalfOpen)
			b.probeInFlight = true
			return nil
		}
		return ErrServiceUnavailable
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrServiceUnavailable
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probeInFlight = false
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed call. Timeouts count as failures.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastError = err

	switch b.state {
	case StateClosed:
		now := b.now()
		if b.failures == 0 || now.Sub(b.windowStart) > b.config.Window {
			b.windowStart = now
			b.failures = 0
		}
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.transitionTo(StateOpen)
	}
}

func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	b.state = newState

	switch newState {
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.probeInFlight = false
	case StateOpen:
		b.openedAt = b.now()
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(oldState, newState)
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastError returns the last recorded error.
func (b *Breaker) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}
