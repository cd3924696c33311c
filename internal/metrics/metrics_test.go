package metrics

import "testing"

func TestPromCollectorRecordsKnownMetrics(t *testing.T) {
	c := NewPromCollector()

	c.SetGauge(MetricBarActiveCount, map[string]string{"scope": "bar"}, 3)
	c.IncCounter(MetricPutsTotal, map[string]string{"tree_id": "1"}, 1)
	c.ObserveHistogram(MetricFlushLatencyMs, map[string]string{"tree_id": "1"}, 12.5)

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestPromCollectorIgnoresUnknownNames(t *testing.T) {
	c := NewPromCollector()
	// Must not panic for a name that was never registered.
	c.SetGauge("not_a_real_metric", nil, 1)
	c.IncCounter("also_not_real", nil, 1)
	c.ObserveHistogram("still_not_real", nil, 1)
}

func TestNoopCollectorDiscardsEverything(t *testing.T) {
	var c Collector = NoopCollector{}
	c.SetGauge("x", nil, 1)
	c.IncCounter("y", nil, 1)
	c.ObserveHistogram("z", nil, 1)
}
