package circuitbreaker

import (
	"errors"
	"time"
)

// ErrSlowCall is the cause recorded against the inner breaker when
// TimeoutBreaker converts an over-threshold success into a failure.
var ErrSlowCall = errors.New("circuitbreaker: call exceeded slow threshold")

// TimeoutBreaker wraps another Breaker and treats slow responses as
// failures: if a call completes successfully but its latency exceeds
// slowThreshold, it is reported to the inner breaker as an error instead
// of a success.
type TimeoutBreaker struct {
	inner         Breaker
	slowThreshold time.Duration
}

// NewTimeoutBreaker wraps inner and converts successes slower than
// threshold into failures.
func NewTimeoutBreaker(inner Breaker, slowThreshold time.Duration) *TimeoutBreaker {
	return &TimeoutBreaker{inner: inner, slowThreshold: slowThreshold}
}

func (t *TimeoutBreaker) IsCallPermitted() bool {
	return t.inner.IsCallPermitted()
}

func (t *TimeoutBreaker) OnSuccess(duration time.Duration) {
	if duration > t.slowThreshold {
		t.inner.OnError(duration, ErrSlowCall)
		return
	}
	t.inner.OnSuccess(duration)
}

func (t *TimeoutBreaker) OnError(duration time.Duration, err error) {
	t.inner.OnError(duration, err)
}

func (t *TimeoutBreaker) State() State {
	return t.inner.State()
}

func (t *TimeoutBreaker) Reset() {
	t.inner.Reset()
}
