package resilience

import (
	"testing"

	"github.com/developer-mesh/query-router/observability"
	"github.com/stretchr/testify/assert"
)

func newTestBreaker(threshold int) *CircuitBreaker {
	return NewCircuitBreaker("replica-0", threshold, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestCircuitBreaker_TripsAtThreshold(t *testing.T) {
	cb := newTestBreaker(3)

	assert.True(t, cb.Allow())
	assert.False(t, cb.RecordFailure())
	assert.False(t, cb.RecordFailure())
	assert.True(t, cb.Allow())
	assert.True(t, cb.RecordFailure())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_AnySuccessFullyResets(t *testing.T) {
	cb := newTestBreaker(3)

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, 2, cb.Failures())

	cb.RecordSuccess()
	assert.Equal(t, 0, cb.Failures())
	assert.True(t, cb.Allow())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_ZeroThresholdNeverTrips(t *testing.T) {
	cb := newTestBreaker(0)

	for i := 0; i < 100; i++ {
		cb.RecordFailure()
	}
	assert.True(t, cb.Allow())
}

// TestCircuitBreaker_KeepsTrippingAfterFailedFallback guards against a
// failed fallback-to-primary attempt (which never calls RecordSuccess)
// permanently wedging the breaker: every failure from then on must
// still report tripped, not just the one that first crossed threshold.
func TestCircuitBreaker_KeepsTrippingAfterFailedFallback(t *testing.T) {
	cb := newTestBreaker(3)

	assert.False(t, cb.RecordFailure())
	assert.False(t, cb.RecordFailure())
	assert.True(t, cb.RecordFailure()) // crosses threshold, fallback attempted

	// Fallback itself failed: nothing calls RecordSuccess, so the next
	// ordinary failure must still report tripped instead of going quiet.
	assert.True(t, cb.RecordFailure())
	assert.True(t, cb.RecordFailure())
	assert.Equal(t, 5, cb.Failures())
}
