package ratelimit

import (
	"fmt"
	"time"
)

// Config is the immutable configuration of an AtomicRateLimiter.
type Config struct {
	// Name identifies the limiter in events, logs, and metrics labels.
	Name string

	// LimitForPeriod is the number of permits granted at the start of
	// every refresh period.
	LimitForPeriod int

	// LimitRefreshPeriod is the duration of one cycle. At the start of
	// every cycle the available permits are reset to LimitForPeriod.
	LimitRefreshPeriod time.Duration

	// TimeoutDuration bounds how long GetPermission will park a caller
	// waiting for a reservation before giving up.
	TimeoutDuration time.Duration
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() Config {
	return Config{
		LimitForPeriod:     50,
		LimitRefreshPeriod: 500 * time.Nanosecond,
		TimeoutDuration:    5 * time.Second,
	}
}

// Validate fails fast on out-of-range configuration; a limiter is never
// constructible with invalid configuration.
func (c Config) Validate() error {
	if c.LimitForPeriod < 1 {
		return fmt.Errorf("ratelimit: limit for period must be >= 1, got %d", c.LimitForPeriod)
	}
	if c.LimitRefreshPeriod < time.Nanosecond {
		return fmt.Errorf("ratelimit: limit refresh period must be positive, got %v", c.LimitRefreshPeriod)
	}
	if c.TimeoutDuration < 0 {
		return fmt.Errorf("ratelimit: timeout duration must be >= 0, got %v", c.TimeoutDuration)
	}
	return nil
}
