package circuitbreaker

// RateUnknown is returned by Rate when the ring buffer has not yet been
// filled at least once. The breaker never transitions on rate alone while
// the window reports RateUnknown.
const RateUnknown = -1.0

// BreakerMetrics is a thin adapter over a RingBitBuffer: it carries no
// independent state of its own beyond the buffer it wraps.
type BreakerMetrics struct {
	buf *RingBitBuffer
}

// NewBreakerMetrics creates metrics backed by a fresh ring buffer of the
// given size.
func NewBreakerMetrics(ringSize int) *BreakerMetrics {
	return &BreakerMetrics{buf: NewRingBitBuffer(ringSize)}
}

// OnSuccess records a success and returns the resulting failure rate.
func (m *BreakerMetrics) OnSuccess() float64 {
	m.buf.SetNextBit(0)
	return m.Rate()
}

// OnError records a failure and returns the resulting failure rate.
func (m *BreakerMetrics) OnError() float64 {
	m.buf.SetNextBit(1)
	return m.Rate()
}

// Rate returns 100 * failures / capacity once the window has been filled at
// least once, or RateUnknown while it is still filling.
func (m *BreakerMetrics) Rate() float64 {
	if m.buf.Length() < m.buf.Capacity() {
		return RateUnknown
	}
	return 100 * float64(m.buf.Cardinality()) / float64(m.buf.Capacity())
}

// Buffered returns ℓ, the number of outcomes recorded in the window.
func (m *BreakerMetrics) Buffered() int {
	return m.buf.Length()
}

// Failed returns the number of failures currently in the window.
func (m *BreakerMetrics) Failed() int {
	return m.buf.Cardinality()
}

// Successful returns the number of successes currently in the window.
func (m *BreakerMetrics) Successful() int {
	return m.buf.Length() - m.buf.Cardinality()
}
