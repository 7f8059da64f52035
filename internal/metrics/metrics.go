// Package metrics provides Prometheus instrumentation for the API gateway.
// All metric collectors are registered on init via the Init function and
// exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total requests by route, method, and HTTP status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration observes request latency in seconds by route and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// ActiveConnections tracks the number of in-flight requests.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// RateLimitHits counts rate limit rejections by route.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"route"},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// BackendErrors counts backend error responses by route, backend, and status.
	BackendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_backend_errors_total",
			Help: "Total backend error responses (5xx)",
		},
		[]string{"route", "backend", "status"},
	)

	// RetryTotal counts retry attempts by route and backend.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"route", "backend"},
	)

	// BulkheadInFlight tracks the number of in-flight calls admitted by a
	// BulkheadBreaker, by backend name.
	BulkheadInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_bulkhead_in_flight",
			Help: "In-flight calls currently occupying a bulkhead slot",
		},
		[]string{"backend"},
	)

	// BulkheadRejections counts calls rejected because a bulkhead was at
	// its concurrency limit.
	BulkheadRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_bulkhead_rejections_total",
			Help: "Total calls rejected at the bulkhead concurrency limit",
		},
		[]string{"backend"},
	)

	// CircuitBreakerStateChanges counts every circuit breaker state
	// transition, by breaker name and resulting state.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "to_state"},
	)

	// CircuitBreakerState reports each circuit breaker's current state as
	// an integer (see circuitbreaker.State for the ordering).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed,1=open,2=half-open,3=disabled,4=forced-open)",
		},
		[]string{"name"},
	)

	// RateLimiterPermits counts rate limiter reservation outcomes, by
	// limiter name and outcome.
	RateLimiterPermits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limiter_permits_total",
			Help: "Total rate limiter reservation outcomes",
		},
		[]string{"name", "outcome"},
	)

	// RateLimiterWaitingThreads reports how many goroutines are currently
	// parked inside a rate limiter's AcquirePermission.
	RateLimiterWaitingThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_rate_limiter_waiting_threads",
			Help: "Goroutines currently parked waiting for a rate limiter permit",
		},
		[]string{"name"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActiveConnections,
		RateLimitHits,
		AuthFailures,
		BackendErrors,
		RetryTotal,
		BulkheadInFlight,
		BulkheadRejections,
		CircuitBreakerStateChanges,
		CircuitBreakerState,
		RateLimiterPermits,
		RateLimiterWaitingThreads,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
