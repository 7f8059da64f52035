package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("circuitbreaker: test failure")

// newTestBreaker builds a CircuitBreaker with an all-errors-count policy,
// failing the test immediately if the configuration is invalid.
func newTestBreaker(t *testing.T, ringSize int, thresholdPercent float64, waitDuration time.Duration, halfOpenSize int) *CircuitBreaker {
	t.Helper()
	cb, err := New(Config{
		Name:                          "test",
		FailureRateThreshold:          thresholdPercent * 100,
		WaitDurationInOpenState:       waitDuration,
		RingBufferSizeInClosedState:   ringSize,
		RingBufferSizeInHalfOpenState: halfOpenSize,
	}, nil)
	if err != nil {
		t.Fatalf("newTestBreaker: %v", err)
	}
	return cb
}
