package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/resiliency-core/internal/event"
)

// CircuitBreaker aggregates a RingBitBuffer (via BreakerMetrics), the
// state-machine transition logic, and an event bus behind the
// admission/report contract. No logic beyond that composition lives here.
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger
	bus    *event.Bus[Event]

	state    State
	openedAt time.Time
	metrics  *BreakerMetrics

	// halfOpenAvailable is the counting semaphore for the number of probe
	// calls that may currently be in flight while half-open.
	halfOpenAvailable int
}

// New creates a CircuitBreaker starting in the closed state. Returns an
// error if cfg fails validation — a breaker is never constructible with
// invalid configuration.
func New(cfg Config, logger *slog.Logger) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	bus := event.NewBus[Event]()
	bus.OnDropped(func(dropped Event) {
		logger.Warn("circuit breaker event dropped: subscriber mailbox full",
			"breaker", cfg.Name, "kind", dropped.Kind.String())
	})
	return &CircuitBreaker{
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
		state:   StateClosed,
		metrics: NewBreakerMetrics(cfg.RingBufferSizeInClosedState),
	}, nil
}

// IsCallPermitted is the admission check. In OPEN it performs the lazy
// OPEN -> HALF_OPEN transition once the wait timer has elapsed, admitting
// the caller that drove the transition.
func (cb *CircuitBreaker) IsCallPermitted() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateDisabled:
		return true
	case StateForcedOpen:
		return false
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cfg.WaitDurationInOpenState {
			return false
		}
		cb.transitionTo(StateHalfOpen, "wait duration elapsed")
		return cb.acquireHalfOpenPermit()
	case StateHalfOpen:
		return cb.acquireHalfOpenPermit()
	default:
		return false
	}
}

func (cb *CircuitBreaker) acquireHalfOpenPermit() bool {
	if cb.halfOpenAvailable > 0 {
		cb.halfOpenAvailable--
		return true
	}
	return false
}

// OnSuccess records a successful call. duration is the elapsed time of the
// guarded call, carried on the emitted event.
func (cb *CircuitBreaker) OnSuccess(duration time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		rate := cb.metrics.OnSuccess()
		cb.evaluateClosedWindow(rate)
	case StateHalfOpen:
		rate := cb.metrics.OnSuccess()
		cb.releaseHalfOpenPermit()
		cb.evaluateHalfOpenWindow(rate)
	case StateDisabled:
		// records no outcomes.
	default:
		// Open/ForcedOpen shouldn't report outcomes; ignore defensively.
	}

	cb.publish(Event{Kind: EventSuccess, Name: cb.cfg.Name, At: time.Now(), Duration: duration})
}

// OnError records a reported error. The configured RecordFailure predicate
// classifies it; a false verdict leaves all metrics and the state
// untouched and emits IgnoredError instead of Error.
func (cb *CircuitBreaker) OnError(duration time.Duration, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.cfg.recordFailure(err) {
		cb.logger.Debug("circuit breaker ignored error", "name", cb.cfg.Name, "error", err)
		cb.publish(Event{Kind: EventIgnoredError, Name: cb.cfg.Name, At: time.Now(), Duration: duration, Cause: err})
		return
	}

	switch cb.state {
	case StateClosed:
		rate := cb.metrics.OnError()
		cb.evaluateClosedWindow(rate)
	case StateHalfOpen:
		rate := cb.metrics.OnError()
		cb.releaseHalfOpenPermit()
		cb.evaluateHalfOpenWindow(rate)
	case StateDisabled:
		// records no outcomes.
	default:
		// Open/ForcedOpen shouldn't report outcomes; ignore defensively.
	}

	cb.publish(Event{Kind: EventError, Name: cb.cfg.Name, At: time.Now(), Duration: duration, Cause: err})
}

func (cb *CircuitBreaker) releaseHalfOpenPermit() {
	if cb.halfOpenAvailable < cb.cfg.RingBufferSizeInHalfOpenState {
		cb.halfOpenAvailable++
	}
}

// evaluateClosedWindow trips to OPEN once the closed-state window fills and
// reports a rate at or above the threshold. Must be called with mu held.
func (cb *CircuitBreaker) evaluateClosedWindow(rate float64) {
	if rate == RateUnknown {
		return
	}
	if rate >= cb.cfg.FailureRateThreshold {
		cb.transitionTo(StateOpen, "failure rate threshold reached")
	}
}

// evaluateHalfOpenWindow decides recovery or relapse once the half-open
// probe window fills. Until it fills, a trickle of probes may keep the
// breaker in HALF_OPEN indefinitely — preserved intentionally, not a bug.
func (cb *CircuitBreaker) evaluateHalfOpenWindow(rate float64) {
	if rate == RateUnknown {
		return
	}
	if rate >= cb.cfg.FailureRateThreshold {
		cb.transitionTo(StateOpen, "half-open probes failed")
	} else {
		cb.transitionTo(StateClosed, "half-open probes succeeded")
	}
}

// transitionTo moves the breaker to newState, replacing the metrics window
// on entry to CLOSED or HALF_OPEN, and records openedAt on entry to OPEN.
// Must be called with mu held.
func (cb *CircuitBreaker) transitionTo(newState State, reason string) {
	from := cb.state
	cb.state = newState

	switch newState {
	case StateClosed:
		cb.metrics = NewBreakerMetrics(cb.cfg.RingBufferSizeInClosedState)
		cb.halfOpenAvailable = 0
	case StateHalfOpen:
		cb.metrics = NewBreakerMetrics(cb.cfg.RingBufferSizeInHalfOpenState)
		cb.halfOpenAvailable = cb.cfg.RingBufferSizeInHalfOpenState
	case StateOpen:
		cb.openedAt = time.Now()
		cb.halfOpenAvailable = 0
		// metrics is intentionally left as-is: only replaced on entry to
		// CLOSED or HALF_OPEN.
	}

	cb.logger.Info("circuit breaker state change",
		"name", cb.cfg.Name, "from", from.String(), "to", newState.String(), "reason", reason)

	cb.publish(Event{Kind: EventStateTransition, Name: cb.cfg.Name, At: time.Now(), From: from, To: newState})
}

// TransitionToDisabled forces the breaker into DISABLED, admitting all
// calls and performing no further transitions until explicitly moved out.
func (cb *CircuitBreaker) TransitionToDisabled() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = cb.adminTransition(StateDisabled, "administrative: disabled")
}

// TransitionToForcedOpen forces the breaker into FORCED_OPEN, rejecting all
// calls until explicitly moved out.
func (cb *CircuitBreaker) TransitionToForcedOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = cb.adminTransition(StateForcedOpen, "administrative: forced open")
}

// adminTransition performs an administrative state change, which always
// succeeds, logs it with a distinguishing reason, and emits a
// StateTransition. Must be called with mu held; returns the new state to
// keep callers terse.
func (cb *CircuitBreaker) adminTransition(newState State, reason string) State {
	from := cb.state
	cb.halfOpenAvailable = 0
	cb.logger.Info("circuit breaker administrative transition",
		"name", cb.cfg.Name, "from", from.String(), "to", newState.String(), "reason", reason)
	cb.publish(Event{Kind: EventStateTransition, Name: cb.cfg.Name, At: time.Now(), From: from, To: newState})
	return newState
}

// Reset forces the breaker back to CLOSED with a fresh metrics window. It
// emits a Reset event and, when the breaker was not already CLOSED, a
// StateTransition to CLOSED after it. Idempotent: calling Reset twice in a
// row is equivalent to calling it once.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	from := cb.state
	cb.state = StateClosed
	cb.metrics = NewBreakerMetrics(cb.cfg.RingBufferSizeInClosedState)
	cb.halfOpenAvailable = 0
	cb.openedAt = time.Time{}

	cb.publish(Event{Kind: EventReset, Name: cb.cfg.Name, At: time.Now()})
	if from != StateClosed {
		cb.logger.Info("circuit breaker administrative transition",
			"name", cb.cfg.Name, "from", from.String(), "to", StateClosed.String(), "reason", "administrative: reset")
		cb.publish(Event{Kind: EventStateTransition, Name: cb.cfg.Name, At: time.Now(), From: from, To: StateClosed})
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics returns a snapshot of the current metrics window. The returned
// value is frozen metadata about the buffer at call time, not a live view.
func (cb *CircuitBreaker) Metrics() BreakerMetricsSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerMetricsSnapshot{
		Rate:       cb.metrics.Rate(),
		Buffered:   cb.metrics.Buffered(),
		Failed:     cb.metrics.Failed(),
		Successful: cb.metrics.Successful(),
	}
}

// Name returns the breaker's configured name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Subscribe registers fn to receive subsequent events from this breaker.
func (cb *CircuitBreaker) Subscribe(fn func(Event)) event.Subscription {
	return cb.bus.Subscribe(fn)
}

// publish hands an event to the bus. Every call site above holds mu while
// calling it; this is safe because event.Bus.Publish never blocks and only
// enqueues the event for per-subscriber goroutines, so no subscriber code
// runs while mu is held.
func (cb *CircuitBreaker) publish(e Event) {
	cb.bus.Publish(e)
}

// BreakerMetricsSnapshot is a point-in-time, read-only view of a breaker's
// metrics window.
type BreakerMetricsSnapshot struct {
	Rate       float64
	Buffered   int
	Failed     int
	Successful int
}
