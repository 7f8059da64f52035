package registry

import (
	"log/slog"

	"github.com/dskow/resiliency-core/internal/ratelimit"
)

// RateLimiterRegistry is a Registry of named rate limiters, built from a
// shared ratelimit.Config template.
type RateLimiterRegistry struct {
	*Registry[ratelimit.Config, *ratelimit.AtomicRateLimiter]
	logger *slog.Logger
}

// NewRateLimiterRegistry creates a RateLimiterRegistry using defaultCfg as
// the template for any name without an explicit override.
func NewRateLimiterRegistry(defaultCfg ratelimit.Config, logger *slog.Logger) *RateLimiterRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	rr := &RateLimiterRegistry{logger: logger}
	rr.Registry = New(defaultCfg, rr.build)
	return rr
}

func (rr *RateLimiterRegistry) build(name string, cfg ratelimit.Config) (*ratelimit.AtomicRateLimiter, error) {
	cfg.Name = name
	return ratelimit.New(name, cfg, rr.logger)
}

// Limiter is shorthand for GetOrCreate, named to read naturally at call
// sites: registry.Limiter("payments-backend").
func (rr *RateLimiterRegistry) Limiter(name string) (*ratelimit.AtomicRateLimiter, error) {
	return rr.GetOrCreate(name)
}
