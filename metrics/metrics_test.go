package metrics

import "testing"

func TestRegistryRegistersDistinctMetrics(t *testing.T) {
	r := NewRegistry()
	c := r.NewCounter("omnitak_test_counter", "a test counter")
	g := r.NewGauge("omnitak_test_gauge", "a test gauge")
	h := r.NewHistogram("omnitak_test_histogram", "a test histogram", LatencyBuckets)

	c.Inc()
	c.Add(2)
	g.Set(5)
	g.Inc()
	h.Observe(0.01)

	families, err := r.Prometheus().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 3 {
		t.Fatalf("gathered %d metric families, want 3", len(families))
	}
}

func TestFormatThroughput(t *testing.T) {
	s := FormatThroughput(1500, 250)
	if s == "" {
		t.Fatal("FormatThroughput returned an empty string")
	}
}
