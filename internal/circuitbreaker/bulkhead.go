package circuitbreaker

import (
	"time"

	"github.com/dskow/resiliency-core/internal/metrics"
)

// BulkheadBreaker limits the number of concurrent in-flight calls guarded
// by an inner Breaker, rejecting calls once the concurrency limit is
// reached. It composes a concurrency limit on top of a Breaker from
// outside, rather than being part of the core state machine itself.
type BulkheadBreaker struct {
	inner   Breaker
	sem     chan struct{}
	backend string
}

// NewBulkheadBreaker creates a concurrency-limiting wrapper that allows at
// most maxConcurrent in-flight calls before rejecting.
func NewBulkheadBreaker(inner Breaker, maxConcurrent int, backend string) *BulkheadBreaker {
	return &BulkheadBreaker{
		inner:   inner,
		sem:     make(chan struct{}, maxConcurrent),
		backend: backend,
	}
}

// IsCallPermitted tries to acquire a concurrency slot and then checks the
// inner breaker. If the concurrency limit is reached, returns false
// without blocking. If it returns true, the caller MUST call Release when
// the call completes.
func (b *BulkheadBreaker) IsCallPermitted() bool {
	select {
	case b.sem <- struct{}{}:
		metrics.BulkheadInFlight.WithLabelValues(b.backend).Set(float64(len(b.sem)))
		if !b.inner.IsCallPermitted() {
			<-b.sem
			metrics.BulkheadInFlight.WithLabelValues(b.backend).Set(float64(len(b.sem)))
			return false
		}
		return true
	default:
		metrics.BulkheadRejections.WithLabelValues(b.backend).Inc()
		return false
	}
}

// Release frees a concurrency slot after a call completes. Must be called
// exactly once for every IsCallPermitted() that returned true.
func (b *BulkheadBreaker) Release() {
	<-b.sem
	metrics.BulkheadInFlight.WithLabelValues(b.backend).Set(float64(len(b.sem)))
}

func (b *BulkheadBreaker) OnSuccess(duration time.Duration) {
	b.inner.OnSuccess(duration)
}

func (b *BulkheadBreaker) OnError(duration time.Duration, err error) {
	b.inner.OnError(duration, err)
}

func (b *BulkheadBreaker) State() State {
	return b.inner.State()
}

func (b *BulkheadBreaker) Reset() {
	b.inner.Reset()
}
