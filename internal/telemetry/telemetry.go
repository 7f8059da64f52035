// Package telemetry wires circuit breaker and rate limiter event buses to
// Prometheus collectors. Nothing in internal/circuitbreaker or
// internal/ratelimit imports this package — they only publish events; this
// package is the one place that turns those events into metrics.
package telemetry

import (
	"github.com/dskow/resiliency-core/internal/circuitbreaker"
	"github.com/dskow/resiliency-core/internal/event"
	"github.com/dskow/resiliency-core/internal/metrics"
	"github.com/dskow/resiliency-core/internal/ratelimit"
)

// ObserveBreaker subscribes to cb's event bus and keeps the circuit
// breaker collectors in internal/metrics up to date. Returns the
// subscription so the caller can unsubscribe on shutdown.
func ObserveBreaker(cb *circuitbreaker.CircuitBreaker) event.Subscription {
	return cb.Subscribe(func(e circuitbreaker.Event) {
		if e.Kind != circuitbreaker.EventStateTransition {
			return
		}
		metrics.CircuitBreakerStateChanges.WithLabelValues(e.Name, e.To.String()).Inc()
		metrics.CircuitBreakerState.WithLabelValues(e.Name).Set(float64(e.To))
	})
}

// ObserveRateLimiter subscribes to rl's event bus and keeps the rate
// limiter collectors in internal/metrics up to date. The waiting-threads
// gauge is set at subscription and refreshed on every permit event.
func ObserveRateLimiter(rl *ratelimit.AtomicRateLimiter) event.Subscription {
	sub := rl.Subscribe(func(e ratelimit.Event) {
		metrics.RateLimiterPermits.WithLabelValues(e.Name, e.Kind.String()).Inc()
		metrics.RateLimiterWaitingThreads.WithLabelValues(rl.Name()).Set(float64(rl.NumberOfWaitingThreads()))
	})

	metrics.RateLimiterWaitingThreads.WithLabelValues(rl.Name()).Set(float64(rl.NumberOfWaitingThreads()))
	return sub
}
