package observability

import "testing"

func TestNoopMetricsClient(t *testing.T) {
	m := NewNoopMetricsClient()
	m.IncrementCounter("x", 1, nil)
	m.RecordGauge("y", 1, nil)
	m.RecordHistogram("z", 1, nil)
	stop := m.StartTimer("t", nil)
	stop()
	if err := m.Close(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestPrometheusMetricsClient(t *testing.T) {
	c := NewPrometheusMetricsClient("query_router_test_metrics", "test", map[string]string{"env": "test"})

	c.IncrementCounter("queries_routed_total", 1, map[string]string{"consistency": "strong", "source": "primary"})
	c.RecordGauge("replica_lag_ms", 42, map[string]string{"replica": "replica-0"})
	c.RecordHistogram("query_duration_seconds", 0.01, map[string]string{"consistency": "strong", "source": "primary"})

	stop := c.StartTimer("query_duration_seconds", map[string]string{"consistency": "strong", "source": "primary"})
	stop()

	if err := c.Close(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
