package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient using the Prometheus
// client library. Collectors are created lazily per metric name and
// cached, so callers never need to pre-declare them.
type PrometheusMetricsClient struct {
	namespace string
	subsystem string

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	mu sync.RWMutex

	commonLabels prometheus.Labels
}

// NewPrometheusMetricsClient creates a new Prometheus-backed metrics client
// and pre-registers a fixed set of collectors. A metric recorded under
// any other name gets its collector on first use. commonLabels are
// attached to every collector as constant labels.
func NewPrometheusMetricsClient(namespace, subsystem string, commonLabels map[string]string) *PrometheusMetricsClient {
	labels := prometheus.Labels{}
	for k, v := range commonLabels {
		labels[k] = v
	}

	c := &PrometheusMetricsClient{
		namespace:    namespace,
		subsystem:    subsystem,
		counters:     make(map[string]*prometheus.CounterVec),
		gauges:       make(map[string]*prometheus.GaugeVec),
		histograms:   make(map[string]*prometheus.HistogramVec),
		commonLabels: labels,
	}

	c.registerDefaultMetrics()
	return c
}

func (c *PrometheusMetricsClient) registerDefaultMetrics() {
	c.getOrCreateCounter("queries_routed_total", "Total queries routed", []string{"consistency", "source"})
	c.getOrCreateHistogram("query_duration_seconds", "Query execution duration", []string{"consistency", "source"}, prometheus.DefBuckets)
	c.getOrCreateCounter("circuit_breaker_trips_total", "Total circuit breaker trips falling back to primary", []string{"name"})
	c.getOrCreateGauge("replica_lag_ms", "Most recently observed replica lag in milliseconds", []string{"replica"})
	c.getOrCreateCounter("cache_operations_total", "Total cache operations", []string{"result"})
	c.getOrCreateCounter("telemetry_rows_ingested_total", "Total telemetry rows ingested via COPY", nil)
	c.getOrCreateHistogram("drain_batch_size", "Rows flushed per drain cycle", nil, prometheus.ExponentialBuckets(1, 4, 10))
	c.getOrCreateGauge("pool_in_use_connections", "Connections currently checked out of a pool", []string{"endpoint"})
	c.getOrCreateGauge("pool_idle_connections", "Idle connections available in a pool", []string{"endpoint"})
}

// IncrementCounter increments a counter metric by value, creating it on first use.
func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64, labels map[string]string) {
	counter := c.getOrCreateCounter(name, fmt.Sprintf("Counter for %s", name), c.labelNames(labels))
	counter.With(c.mergeLabels(labels)).Add(value)
}

// RecordGauge sets a gauge metric, creating it on first use.
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	gauge := c.getOrCreateGauge(name, fmt.Sprintf("Gauge for %s", name), c.labelNames(labels))
	gauge.With(c.mergeLabels(labels)).Set(value)
}

// RecordHistogram observes a histogram metric, creating it on first use.
func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	histogram := c.getOrCreateHistogram(name, fmt.Sprintf("Histogram for %s", name), c.labelNames(labels), prometheus.DefBuckets)
	histogram.With(c.mergeLabels(labels)).Observe(value)
}

// StartTimer starts a timer and returns a function that records the elapsed
// duration against a histogram when called.
func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordHistogram(name, time.Since(start).Seconds(), labels)
	}
}

// Close is a no-op; Prometheus collectors live for the process lifetime.
func (c *PrometheusMetricsClient) Close() error { return nil }

func (c *PrometheusMetricsClient) getOrCreateCounter(name, help string, labels []string) *prometheus.CounterVec {
	c.mu.RLock()
	if counter, ok := c.counters[name]; ok {
		c.mu.RUnlock()
		return counter
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if counter, ok := c.counters[name]; ok {
		return counter
	}

	counter := promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   c.namespace,
		Subsystem:   c.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.commonLabels,
	}, labels)
	c.counters[name] = counter
	return counter
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name, help string, labels []string) *prometheus.GaugeVec {
	c.mu.RLock()
	if gauge, ok := c.gauges[name]; ok {
		c.mu.RUnlock()
		return gauge
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if gauge, ok := c.gauges[name]; ok {
		return gauge
	}

	gauge := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   c.namespace,
		Subsystem:   c.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.commonLabels,
	}, labels)
	c.gauges[name] = gauge
	return gauge
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	c.mu.RLock()
	if histogram, ok := c.histograms[name]; ok {
		c.mu.RUnlock()
		return histogram
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if histogram, ok := c.histograms[name]; ok {
		return histogram
	}

	histogram := promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   c.namespace,
		Subsystem:   c.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.commonLabels,
		Buckets:     buckets,
	}, labels)
	c.histograms[name] = histogram
	return histogram
}

func (c *PrometheusMetricsClient) labelNames(labels map[string]string) []string {
	if labels == nil {
		return []string{}
	}
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	return names
}

func (c *PrometheusMetricsClient) mergeLabels(labels map[string]string) prometheus.Labels {
	merged := prometheus.Labels{}
	for k, v := range labels {
		merged[k] = v
	}
	return merged
}
