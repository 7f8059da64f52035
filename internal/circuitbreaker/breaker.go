// Package circuitbreaker implements a failure-rate circuit breaker backed
// by a ring-bit-buffer metrics window, plus the bulkhead and timeout
// decorators that compose with it.
package circuitbreaker

import "time"

// State names one of the five breaker states.
type State int

const (
	StateClosed     State = iota // normal operation; outcomes update metrics
	StateOpen                    // rejecting all calls until the wait timer elapses
	StateHalfOpen                // probing; a bounded number of calls are admitted
	StateDisabled                // admits all, records nothing, never transitions
	StateForcedOpen              // rejects all, never transitions
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	case StateDisabled:
		return "disabled"
	case StateForcedOpen:
		return "forced-open"
	default:
		return "unknown"
	}
}

// Breaker is the common interface implemented by CircuitBreaker and the
// decorators (BulkheadBreaker, TimeoutBreaker) that wrap it. Method names
// follow the admission/report vocabulary (IsCallPermitted/OnSuccess/OnError)
// rather than the looser Allow/Record naming.
type Breaker interface {
	// IsCallPermitted reports whether a call may proceed.
	IsCallPermitted() bool

	// OnSuccess records a successful call with its latency.
	OnSuccess(duration time.Duration)

	// OnError records a failed call with its latency.
	OnError(duration time.Duration, err error)

	// State returns the current breaker state.
	State() State

	// Reset forces the breaker back to closed state.
	Reset()
}
