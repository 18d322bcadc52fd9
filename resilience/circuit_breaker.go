// Package resilience provides the soft, best-effort circuit breaker the
// query router uses when its reads keep failing. It is
// deliberately narrow — no half-open state, no timed reset — just a
// single failure counter that trips at a threshold and resets
// completely on any success.
package resilience

import (
	"sync"

	"github.com/developer-mesh/query-router/observability"
)

// CircuitBreaker tracks consecutive failures and reports whether the
// caller should fall back to the primary instead. It keeps a single
// counter; the router uses one breaker for all of its reads, whatever
// backend served them.
type CircuitBreaker struct {
	name      string
	threshold int

	mu       sync.Mutex
	failures int
	tripped  bool

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewCircuitBreaker creates a breaker that trips after `threshold`
// consecutive failures. A threshold <= 0 disables tripping (every call
// reports healthy).
func NewCircuitBreaker(name string, threshold int, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreaker {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		logger:    logger,
		metrics:   metrics,
	}
}

// Allow reports whether the backend this breaker guards is currently
// considered healthy enough to use.
func (cb *CircuitBreaker) Allow() bool {
	if cb.threshold <= 0 {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures < cb.threshold
}

// RecordSuccess resets the failure counter to zero. Any success, not a
// streak of successes, is enough to fully re-close the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	had := cb.failures
	cb.failures = 0
	cb.tripped = false
	cb.mu.Unlock()

	if had > 0 {
		cb.logger.Info("circuit breaker reset after success", map[string]interface{}{
			"name": cb.name,
		})
	}
	cb.metrics.RecordGauge("circuit_breaker_failure_count", 0, map[string]string{"name": cb.name})
}

// RecordFailure increments the failure counter and reports whether the
// caller should fall back to primary. Once the counter has reached
// threshold, every subsequent failure keeps reporting tripped=true —
// a single failed fallback attempt must not leave the breaker stuck
// reporting healthy for the rest of the process — but the trip log and
// metric only fire once, on the threshold crossing itself.
func (cb *CircuitBreaker) RecordFailure() (tripped bool) {
	cb.mu.Lock()
	cb.failures++
	failures := cb.failures
	tripped = cb.threshold > 0 && failures >= cb.threshold
	justTripped := tripped && !cb.tripped
	cb.tripped = tripped
	cb.mu.Unlock()

	cb.metrics.RecordGauge("circuit_breaker_failure_count", float64(failures), map[string]string{"name": cb.name})
	if justTripped {
		cb.metrics.IncrementCounter("circuit_breaker_trips_total", 1, map[string]string{"name": cb.name})
		cb.logger.Error("circuit breaker tripped, falling back to primary", map[string]interface{}{
			"name":     cb.name,
			"failures": failures,
		})
	}
	return tripped
}

// Failures returns the current consecutive-failure count, mainly for tests.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
