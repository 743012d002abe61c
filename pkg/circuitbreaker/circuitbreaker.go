package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the state of the circuit breaker.
type State int

const (
	// Closed is the initial state where requests are allowed.
	Closed State = iota
	// Open state is when the circuit has tripped and requests are blocked.
	Open
	// HalfOpen allows a single trial request to test whether the dependency recovered.
	HalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "Half-Open"
	default:
		return "Unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is in the Open state.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold uint32        // consecutive failures that trip the circuit
	SuccessThreshold uint32        // consecutive half-open successes that close it again
	Timeout          time.Duration // how long the circuit stays open
	// IsFailure decides which errors count against the circuit. Nil counts every error
	// except context cancellation by the caller.
	IsFailure func(error) bool
	Now       func() time.Time
}

// Breaker guards calls to a flaky dependency.
type Breaker struct {
	cfg Config

	mu                   sync.Mutex
	state                State
	consecutiveFailures  uint32
	consecutiveSuccesses uint32
	openedAt             time.Time
	trialInFlight        bool
}

// New creates a Breaker. Zero thresholds default to 5 failures, 1 success and 30s.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// State returns the current state of the circuit breaker.
func (cb *Breaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// Do runs fn unless the circuit is open.
func (cb *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.after(err)
	return err
}

func (cb *Breaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	switch cb.state {
	case Open:
		return ErrCircuitOpen
	case HalfOpen:
		if cb.trialInFlight {
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
	}
	return nil
}

func (cb *Breaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	wasTrial := cb.state == HalfOpen
	if wasTrial {
		cb.trialInFlight = false
	}

	if err != nil && cb.cfg.IsFailure(err) {
		if wasTrial {
			cb.trip()
			return
		}
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.trip()
		}
		return
	}

	if wasTrial {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.reset()
		}
		return
	}
	cb.consecutiveFailures = 0
}

// maybeHalfOpen moves Open to HalfOpen once the timeout elapsed. Caller holds mu.
func (cb *Breaker) maybeHalfOpen() {
	if cb.state == Open && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.Timeout {
		cb.state = HalfOpen
		cb.consecutiveSuccesses = 0
		cb.trialInFlight = false
	}
}

// trip opens the circuit.
func (cb *Breaker) trip() {
	cb.state = Open
	cb.openedAt = cb.cfg.Now()
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
}

// reset closes the circuit and resets all counters.
func (cb *Breaker) reset() {
	cb.state = Closed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
}
