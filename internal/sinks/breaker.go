package sinks

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned while the breaker is rejecting calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the state of a circuit breaker
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// CircuitBreaker stops calling a failing backend for a cool-down period.
// After the cool-down a single trial call decides whether to close again.
type CircuitBreaker struct {
	state           atomic.Int32
	failures        atomic.Int32
	lastFailure     atomic.Int64 // unix nanos
	trialInFlight   atomic.Bool
	threshold       int32
	recoveryTimeout time.Duration
	now             func() time.Time
}

func NewCircuitBreaker(threshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &CircuitBreaker{
		threshold:       int32(threshold),
		recoveryTimeout: recoveryTimeout,
		now:             time.Now,
	}
}

// Call runs fn unless the breaker is open
func (cb *CircuitBreaker) Call(fn func() error) error {
	switch BreakerState(cb.state.Load()) {
	case BreakerOpen:
		since := cb.now().Sub(time.Unix(0, cb.lastFailure.Load()))
		if since < cb.recoveryTimeout {
			return ErrCircuitOpen
		}
		cb.state.CompareAndSwap(int32(BreakerOpen), int32(BreakerHalfOpen))
		fallthrough
	case BreakerHalfOpen:
		if !cb.trialInFlight.CompareAndSwap(false, true) {
			return ErrCircuitOpen
		}
		defer cb.trialInFlight.Store(false)
	}

	err := fn()
	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
	return err
}

func (cb *CircuitBreaker) recordFailure() {
	failures := cb.failures.Add(1)
	cb.lastFailure.Store(cb.now().UnixNano())

	state := BreakerState(cb.state.Load())
	if state == BreakerHalfOpen || (state == BreakerClosed && failures >= cb.threshold) {
		cb.state.Store(int32(BreakerOpen))
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(BreakerClosed))
}

// State returns the current state
func (cb *CircuitBreaker) State() BreakerState {
	return BreakerState(cb.state.Load())
}
