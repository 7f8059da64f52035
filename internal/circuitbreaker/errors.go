package circuitbreaker

import "fmt"

// CircuitBreakerOpenError is returned when a call is rejected because the
// breaker is open (or forced open). It is value-identified so callers can
// distinguish admission failures from arbitrary user errors at the
// decorator boundary.
type CircuitBreakerOpenError struct {
	Name string
}

func (e *CircuitBreakerOpenError) Error() string {
	if e.Name == "" {
		return "circuit breaker is open"
	}
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}
