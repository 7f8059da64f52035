// Package decorator provides thin generic wrappers that guard an arbitrary
// call with a circuit breaker and/or a rate limiter. There is no
// inheritance hierarchy here, no chaining DSL: each wrapper is a handful of
// lines composing the isCallPermitted/onSuccess/onError contract.
package decorator

import (
	"context"
	"time"

	"github.com/dskow/resiliency-core/internal/circuitbreaker"
	"github.com/dskow/resiliency-core/internal/ratelimit"
)

// Call guards fn with cb: if the breaker does not permit the call, Call
// returns a *circuitbreaker.CircuitBreakerOpenError without invoking fn.
// Otherwise it invokes fn, timing it, and reports the outcome back to cb.
func Call[T any](cb circuitbreaker.Breaker, name string, fn func() (T, error)) (T, error) {
	var zero T
	if !cb.IsCallPermitted() {
		return zero, &circuitbreaker.CircuitBreakerOpenError{Name: name}
	}

	start := time.Now()
	result, err := fn()
	duration := time.Since(start)

	if err != nil {
		cb.OnError(duration, err)
		return zero, err
	}
	cb.OnSuccess(duration)
	return result, nil
}

// Run is Call specialized to calls with no result value.
func Run(cb circuitbreaker.Breaker, name string, fn func() error) error {
	_, err := Call(cb, name, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Guard reserves a permit from rl before invoking fn. If the permit is not
// granted before ctx or the limiter's configured timeout elapses, Guard
// returns a *ratelimit.RequestNotPermittedError without invoking fn.
func Guard[T any](ctx context.Context, rl *ratelimit.AtomicRateLimiter, name string, fn func() (T, error)) (T, error) {
	var zero T
	if !rl.GetPermission(ctx, rl.Config().TimeoutDuration) {
		return zero, &ratelimit.RequestNotPermittedError{Name: name}
	}
	return fn()
}

// GuardRun is Guard specialized to calls with no result value.
func GuardRun(ctx context.Context, rl *ratelimit.AtomicRateLimiter, name string, fn func() error) error {
	_, err := Guard(ctx, rl, name, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
