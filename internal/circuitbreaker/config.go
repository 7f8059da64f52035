package circuitbreaker

import (
	"fmt"
	"time"
)

// RecordFailureFunc classifies a reported error: true means it counts
// against the failure-rate window, false means it is ignored entirely
// (no metrics impact, an IgnoredError event is emitted instead).
type RecordFailureFunc func(err error) bool

// Config is the immutable configuration of a CircuitBreaker.
type Config struct {
	// Name identifies the breaker in events, logs, and metrics labels.
	Name string

	// FailureRateThreshold is the percentage (0, 100] at or above which a
	// full window trips the breaker to open.
	FailureRateThreshold float64

	// WaitDurationInOpenState is how long the breaker stays open before a
	// permit check is allowed to move it to half-open.
	WaitDurationInOpenState time.Duration

	// RingBufferSizeInClosedState is the window capacity while closed.
	RingBufferSizeInClosedState int

	// RingBufferSizeInHalfOpenState is the window capacity, and the
	// concurrent probe-call limit, while half-open.
	RingBufferSizeInHalfOpenState int

	// RecordFailure classifies a reported error. When nil, every error
	// reported through OnError counts as a failure.
	RecordFailure RecordFailureFunc
}

// DefaultConfig returns a reasonable set of defaults for production use.
func DefaultConfig() Config {
	return Config{
		FailureRateThreshold:          50,
		WaitDurationInOpenState:       60 * time.Second,
		RingBufferSizeInClosedState:   100,
		RingBufferSizeInHalfOpenState: 10,
	}
}

// Validate fails fast on out-of-range configuration.
func (c Config) Validate() error {
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 100 {
		return fmt.Errorf("circuitbreaker: failure rate threshold must be in (0, 100], got %v", c.FailureRateThreshold)
	}
	if c.WaitDurationInOpenState < time.Millisecond {
		return fmt.Errorf("circuitbreaker: wait duration in open state must be >= 1ms, got %v", c.WaitDurationInOpenState)
	}
	if c.RingBufferSizeInClosedState < 1 {
		return fmt.Errorf("circuitbreaker: ring buffer size in closed state must be >= 1, got %d", c.RingBufferSizeInClosedState)
	}
	if c.RingBufferSizeInHalfOpenState < 1 {
		return fmt.Errorf("circuitbreaker: ring buffer size in half-open state must be >= 1, got %d", c.RingBufferSizeInHalfOpenState)
	}
	return nil
}

// recordFailure applies the configured predicate, defaulting to "every
// error counts".
func (c Config) recordFailure(err error) bool {
	if c.RecordFailure == nil {
		return true
	}
	return c.RecordFailure(err)
}
