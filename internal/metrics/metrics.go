// Package metrics defines the Collector capability the forest coordinator
// and compaction pipeline emit through, and a Prometheus-backed
// implementation of it.
package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures counters, gauges and histograms — unchanged shape
// from the teacher's pkg/metrics.Collector, kept name-for-name so call
// sites read the same way.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

const (
	MetricBarActiveCount    = "forest_bar_active_count"
	MetricBeatActiveCount   = "forest_beat_active_count"
	MetricBeatAcquiredCount = "forest_beat_acquired_count"
	MetricCompactionsTotal  = "forest_compactions_total"
	MetricPutsTotal         = "forest_puts_total"
	MetricBlipLatencyMs     = "forest_blip_latency_ms"
	MetricFlushLatencyMs    = "forest_flush_latency_ms"
)

// PromCollector is a Collector backed by client_golang. Every metric name
// it will ever see is registered up front in NewPromCollector, since
// prometheus vectors fix their label schema at registration time — an
// unknown name is logged and dropped rather than panicking the caller.
type PromCollector struct {
	registry *prometheus.Registry

	gauges     map[string]*prometheus.GaugeVec
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPromCollector builds a PromCollector with the forest/pipeline's fixed
// metric set pre-registered (spec.md §8's bar_active/beat_active bitset
// counts, and blip/flush latency).
func NewPromCollector() *PromCollector {
	c := &PromCollector{
		registry:   prometheus.NewRegistry(),
		gauges:     make(map[string]*prometheus.GaugeVec),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	c.registerGauge(MetricBarActiveCount, []string{"scope"})
	c.registerGauge(MetricBeatActiveCount, []string{"scope"})
	c.registerGauge(MetricBeatAcquiredCount, []string{"scope"})
	c.registerCounter(MetricCompactionsTotal, []string{"tree_id", "level"})
	c.registerCounter(MetricPutsTotal, []string{"tree_id"})
	c.registerHistogram(MetricBlipLatencyMs, []string{"stage"}, prometheus.DefBuckets)
	c.registerHistogram(MetricFlushLatencyMs, []string{"tree_id"}, prometheus.DefBuckets)

	return c
}

func (c *PromCollector) registerGauge(name string, labelNames []string) {
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelNames)
	c.registry.MustRegister(gv)
	c.gauges[name] = gv
}

func (c *PromCollector) registerCounter(name string, labelNames []string) {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelNames)
	c.registry.MustRegister(cv)
	c.counters[name] = cv
}

func (c *PromCollector) registerHistogram(name string, labelNames []string, buckets []float64) {
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Buckets: buckets}, labelNames)
	c.registry.MustRegister(hv)
	c.histograms[name] = hv
}

func (c *PromCollector) IncCounter(name string, labels map[string]string, delta float64) {
	cv, ok := c.counters[name]
	if !ok {
		slog.Warn("metrics: unknown counter", "name", name)
		return
	}
	cv.With(labels).Add(delta)
}

func (c *PromCollector) SetGauge(name string, labels map[string]string, value float64) {
	gv, ok := c.gauges[name]
	if !ok {
		slog.Warn("metrics: unknown gauge", "name", name)
		return
	}
	gv.With(labels).Set(value)
}

func (c *PromCollector) ObserveHistogram(name string, labels map[string]string, value float64) {
	hv, ok := c.histograms[name]
	if !ok {
		slog.Warn("metrics: unknown histogram", "name", name)
		return
	}
	hv.With(labels).Observe(value)
}

// Registry exposes the underlying prometheus.Registry so internal/httpapi
// can serve it through promhttp.
func (c *PromCollector) Registry() *prometheus.Registry {
	return c.registry
}

// NoopCollector discards everything; used where Options.Metrics is left
// unset (tests, or a forestd run with metrics off).
type NoopCollector struct{}

func (NoopCollector) IncCounter(string, map[string]string, float64)       {}
func (NoopCollector) SetGauge(string, map[string]string, float64)        {}
func (NoopCollector) ObserveHistogram(string, map[string]string, float64) {}
