// Package metrics defines the counter/gauge/histogram contracts every
// component records against. The contracts are part of the interface layer
// (spec §12 Non-goals: "Define counters, gauges, and histograms as part of
// the interface, not the implementation; exporters are external
// collaborators") — this package supplies a prometheus-backed
// implementation but deliberately stops short of running an HTTP exporter.
package metrics

import (
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

// Counter is a monotonically increasing value.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Gauge is a value that can move in either direction.
type Gauge interface {
	Set(v float64)
	Inc()
	Dec()
}

// Histogram observes a distribution of values (e.g. latencies, batch sizes).
type Histogram interface {
	Observe(v float64)
}

// Registry is the process-wide collector of every counter/gauge/histogram
// OmniTAK records against. It wraps a prometheus.Registry without exposing
// an HTTP handler: scraping/exporting is explicitly out of scope.
type Registry struct {
	prom *prometheus.Registry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{prom: prometheus.NewRegistry()}
}

// Prometheus exposes the underlying collector registry for callers that do
// need to wire an exporter themselves (e.g. an operator-supplied adminapi
// extension); not used internally.
func (r *Registry) Prometheus() *prometheus.Registry { return r.prom }

// NewCounter registers and returns a new named counter.
func (r *Registry) NewCounter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	r.prom.MustRegister(c)
	return c
}

// NewGauge registers and returns a new named gauge.
func (r *Registry) NewGauge(name, help string) Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	r.prom.MustRegister(g)
	return g
}

// NewHistogram registers and returns a new named histogram with buckets.
func (r *Registry) NewHistogram(name, help string, buckets []float64) Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
	r.prom.MustRegister(h)
	return h
}

// LatencyBuckets are the default histogram buckets for distribution/ingress
// latency measurements, in seconds.
var LatencyBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}

// BatchSizeBuckets are the default histogram buckets for distributor batch
// sizes.
var BatchSizeBuckets = prometheus.LinearBuckets(1, 10, 11)

// FormatThroughput renders a byte count and a duration-normalized rate as a
// human-readable string for log lines, e.g. "1.2 MB (340 kB/s)".
func FormatThroughput(totalBytes uint64, bytesPerSecond float64) string {
	return humanize.Bytes(totalBytes) + " (" + humanize.Bytes(uint64(bytesPerSecond)) + "/s)"
}
