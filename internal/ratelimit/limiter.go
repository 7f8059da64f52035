// Package ratelimit implements a lock-free rate limiter: permits are
// granted by a compare-and-swap loop over an immutable RateLimiterState,
// with parking (not spinning) for callers who must wait, and a generic
// event bus alongside a per-client-IP HTTP middleware built on top of it.
package ratelimit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dskow/resiliency-core/internal/event"
)

// AtomicRateLimiter grants permits for a named resource at a configured
// rate, without ever blocking inside a lock: admission is decided by a
// CAS loop over RateLimiterState, and callers that must wait park on a
// timer bounded by Config.TimeoutDuration.
type AtomicRateLimiter struct {
	name  string
	cfg   atomic.Pointer[Config]
	state atomic.Pointer[RateLimiterState]
	start time.Time
	bus   *event.Bus[Event]

	waiting atomic.Int64
}

// New creates an AtomicRateLimiter starting with a full bucket of
// permits. Returns an error if cfg fails validation. logger may be nil,
// in which case slog.Default() is used.
func New(name string, cfg Config, logger *slog.Logger) (*AtomicRateLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	bus := event.NewBus[Event]()
	bus.OnDropped(func(dropped Event) {
		logger.Warn("rate limiter event dropped: subscriber mailbox full",
			"limiter", name, "kind", dropped.Kind.String())
	})
	rl := &AtomicRateLimiter{
		name:  name,
		start: time.Now(),
		bus:   bus,
	}
	rl.cfg.Store(&cfg)
	rl.state.Store(&RateLimiterState{
		cycle:   0,
		permits: int64(cfg.LimitForPeriod),
	})
	return rl, nil
}

// GetPermission is equivalent to AcquirePermission(ctx, 1, timeout).
// timeout overrides Config.TimeoutDuration for this call only; it does not
// change the limiter's configured default.
func (rl *AtomicRateLimiter) GetPermission(ctx context.Context, timeout time.Duration) bool {
	return rl.AcquirePermission(ctx, 1, timeout)
}

// AcquirePermission reserves n permits, parking the caller if necessary
// up to timeout (further bounded by ctx). It returns true once the
// reservation's wait has elapsed, false if the wait would have exceeded
// the timeout or ctx was done first — in both rejection cases the
// reservation was never honored and the permits are left available to
// other callers via cycle rollover.
func (rl *AtomicRateLimiter) AcquirePermission(ctx context.Context, n int64, timeout time.Duration) bool {
	timeoutNanos := timeout.Nanoseconds()

	next := rl.reserve(n, timeoutNanos)

	granted := rl.park(ctx, next.waitNanos, timeoutNanos)

	rl.publish(Event{
		Kind:      eventKindFor(granted),
		Name:      rl.name,
		At:        time.Now(),
		Permits:   n,
		WaitedFor: time.Duration(next.waitNanos),
	})
	return granted
}

func eventKindFor(granted bool) EventKind {
	if granted {
		return EventPermitted
	}
	return EventRejected
}

// reserve runs the CAS loop: compute the state a request of n permits
// would produce against the currently published state, and retry until
// the swap succeeds. refreshNanos and limitForPeriod are read fresh from
// the config pointer on every attempt, so a concurrent config change is
// picked up mid-loop rather than only on the next call.
func (rl *AtomicRateLimiter) reserve(n, timeoutNanos int64) RateLimiterState {
	for {
		cfg := rl.cfg.Load()
		prev := rl.state.Load()
		currentNanos := time.Since(rl.start).Nanoseconds()

		next := nextState(*prev, n, timeoutNanos, currentNanos,
			cfg.LimitRefreshPeriod.Nanoseconds(), int64(cfg.LimitForPeriod))

		if rl.state.CompareAndSwap(prev, &next) {
			return next
		}
	}
}

// park waits out waitNanos, bounded by timeoutNanos and ctx, returning
// true if the full wait elapsed (the reservation is now valid) and false
// if the caller gave up first.
func (rl *AtomicRateLimiter) park(ctx context.Context, waitNanos, timeoutNanos int64) bool {
	if waitNanos <= 0 {
		return true
	}
	if waitNanos > timeoutNanos {
		return false
	}

	rl.waiting.Add(1)
	defer rl.waiting.Add(-1)

	timer := time.NewTimer(time.Duration(waitNanos))
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ChangeLimitForPeriod hot-updates the number of permits granted per
// cycle. Takes effect on the next reservation; in-flight reservations are
// unaffected.
func (rl *AtomicRateLimiter) ChangeLimitForPeriod(limitForPeriod int) {
	next := *rl.cfg.Load()
	next.LimitForPeriod = limitForPeriod
	rl.cfg.Store(&next)
}

// ChangeTimeoutDuration hot-updates how long GetPermission will wait.
func (rl *AtomicRateLimiter) ChangeTimeoutDuration(timeout time.Duration) {
	next := *rl.cfg.Load()
	next.TimeoutDuration = timeout
	rl.cfg.Store(&next)
}

// NumberOfWaitingThreads returns how many goroutines are currently parked
// inside AcquirePermission.
func (rl *AtomicRateLimiter) NumberOfWaitingThreads() int64 {
	return rl.waiting.Load()
}

// AvailablePermissions returns the number of permits currently available
// without reserving any, as of the most recently published state. It can
// be negative if the balance is over-reserved.
func (rl *AtomicRateLimiter) AvailablePermissions() int64 {
	return rl.state.Load().permits
}

// Name returns the limiter's configured name.
func (rl *AtomicRateLimiter) Name() string {
	return rl.name
}

// Config returns the limiter's current configuration.
func (rl *AtomicRateLimiter) Config() Config {
	return *rl.cfg.Load()
}

// Subscribe registers fn to receive subsequent events from this limiter.
func (rl *AtomicRateLimiter) Subscribe(fn func(Event)) event.Subscription {
	return rl.bus.Subscribe(fn)
}

func (rl *AtomicRateLimiter) publish(e Event) {
	rl.bus.Publish(e)
}
