// Package resilience guards calls into the analysis engine so that a dead
// engine channel fails the remaining work fast instead of one call at a time.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker position.
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
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithTripFilter limits which errors count as failures. Errors for which
// trips returns false are passed through and count as a successful call:
// the protected dependency answered, the caller's input was bad.
func WithTripFilter(trips func(error) bool) Option {
	return func(b *Breaker) { b.trips = trips }
}

// WithStateChange registers a callback invoked on every transition. It is
// called with the breaker lock held and must not call back into the breaker.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker implements a circuit breaker. It tracks consecutive failures and
// opens when a threshold is reached, rejecting calls until a timeout elapses.
// Once half-open, a single trial call decides whether it closes again.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	inTrial     bool
	trips       func(error) bool
	onChange    func(from, to State)
	now         func() time.Time // for testing
}

// NewBreaker creates a circuit breaker that opens after maxFailures consecutive
// failures and stays open for the given timeout before transitioning to half-open.
func NewBreaker(maxFailures int, timeout time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		maxFailures: max(maxFailures, 1),
		timeout:     timeout,
		trips:       func(error) bool { return true },
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn if the circuit allows it.
// Returns ErrCircuitOpen if the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	return b.ExecuteContext(context.Background(), func(context.Context) error { return fn() })
}

// ExecuteContext runs fn with ctx if the circuit allows it. A cancelled
// context is reported to the caller without counting against the circuit.
func (b *Breaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	trial, ok := b.allowRequest()
	if !ok {
		return ErrCircuitOpen
	}

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.inTrial = false
	}

	switch {
	case err == nil:
		b.onSuccess()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// caller gave up; says nothing about the dependency
	case b.trips(err):
		b.onFailure()
	default:
		b.onSuccess()
	}
	return err
}

// State returns the current breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allowRequest reports whether a call may proceed and whether it is the half-open trial.
func (b *Breaker) allowRequest() (trial, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			return false, false
		}
		b.setState(StateHalfOpen)
		b.inTrial = true
		return true, true
	case StateHalfOpen:
		if b.inTrial {
			return false, false
		}
		b.inTrial = true
		return true, true
	}
	return false, false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.openedAt = b.now()
		b.setState(StateOpen)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.setState(StateClosed)
}

// setState must be called with b.mu held.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
