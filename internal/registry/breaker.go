package registry

import (
	"log/slog"

	"github.com/dskow/resiliency-core/internal/circuitbreaker"
)

// BreakerRegistry is a Registry of named circuit breakers, built from a
// shared circuitbreaker.Config template (Name is overwritten per entry).
type BreakerRegistry struct {
	*Registry[circuitbreaker.Config, *circuitbreaker.CircuitBreaker]
	logger *slog.Logger
}

// NewBreakerRegistry creates a BreakerRegistry using defaultCfg as the
// template for any name without an explicit override.
func NewBreakerRegistry(defaultCfg circuitbreaker.Config, logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	br := &BreakerRegistry{logger: logger}
	br.Registry = New(defaultCfg, br.build)
	return br
}

func (br *BreakerRegistry) build(name string, cfg circuitbreaker.Config) (*circuitbreaker.CircuitBreaker, error) {
	cfg.Name = name
	return circuitbreaker.New(cfg, br.logger)
}

// Breaker is shorthand for GetOrCreate, named to read naturally at call
// sites: registry.Breaker("payments-backend").
func (br *BreakerRegistry) Breaker(name string) (*circuitbreaker.CircuitBreaker, error) {
	return br.GetOrCreate(name)
}
