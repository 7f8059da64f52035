package ratelimit

// RateLimiterState is the immutable triple an AtomicRateLimiter publishes
// via compare-and-swap on an atomic pointer. A call never mutates a
// RateLimiterState in place; it computes a new value from the one it read
// and attempts to install it, retrying on CAS failure.
type RateLimiterState struct {
	// cycle is the refresh-period index this state was computed for,
	// counted in units of Config.LimitRefreshPeriod since the limiter
	// was created.
	cycle int64

	// permits is the number of permits remaining in cycle. It can go
	// negative: a negative value is a reservation made against permits
	// that a future cycle has not yet granted. The next cycle rollover
	// discards it and resets permits to the per-period limit.
	permits int64

	// waitNanos is how long the call that produced this state must park
	// before its reservation becomes valid. Zero means the permit was
	// granted immediately.
	waitNanos int64
}

// nextState computes the state that should replace prev for a request of
// n permits arriving at currentNanos (nanoseconds since the limiter's
// creation), given a refresh period and per-period permit grant of
// refreshNanos and limitForPeriod. timeoutNanos is the calling goroutine's
// budget for waiting: the request's permits are only reserved against the
// balance when the computed wait fits inside that budget, so a caller that
// is about to give up does not steal a reservation it will never use.
//
// This mirrors the three-step shape of the original algorithm: roll
// forward to the current cycle, resetting permits to limitForPeriod;
// compute how long a shortfall would take to clear; reserve the
// request's permits against the (possibly still negative) balance only
// if the wait is within the caller's timeout.
func nextState(prev RateLimiterState, n, timeoutNanos, currentNanos, refreshNanos, limitForPeriod int64) RateLimiterState {
	currentCycle := currentNanos / refreshNanos

	cycle := prev.cycle
	permits := prev.permits
	if cycle != currentCycle {
		// A cycle boundary forgives any outstanding reservation in full,
		// no matter how many cycles elapsed or how deep the backlog: the
		// callers that ran the balance negative have already been
		// scheduled to wake at the cycle they reserved.
		cycle = currentCycle
		permits = limitForPeriod
	}

	waitNanos := nanosToWait(n, permits, currentNanos, currentCycle, refreshNanos, limitForPeriod)

	if timeoutNanos >= waitNanos {
		permits -= n
	}

	return RateLimiterState{
		cycle:     cycle,
		permits:   permits,
		waitNanos: waitNanos,
	}
}

// nanosToWait returns how long a caller requesting n permits must wait
// given available permits currently sitting in currentCycle. Zero means
// the request can be satisfied immediately (available may still go
// negative — it is a reservation, not a rejection).
func nanosToWait(n, available, currentNanos, currentCycle, refreshNanos, limitForPeriod int64) int64 {
	if available >= n {
		return 0
	}

	nextCycleStart := (currentCycle + 1) * refreshNanos
	nanosToNextCycle := nextCycleStart - currentNanos

	shortfall := n - (available + limitForPeriod)
	if shortfall <= 0 {
		return nanosToNextCycle
	}

	fullCyclesToWait := (shortfall + limitForPeriod - 1) / limitForPeriod
	return fullCyclesToWait*refreshNanos + nanosToNextCycle
}
