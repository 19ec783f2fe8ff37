// Package metrics exposes the Prometheus counters, gauges, and histograms
// backing GET /metrics, grounded on the promauto/Namespace
// pattern used throughout the example pack's metrics packages.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lemonade-sdk/lemonade-router/pkg/options"
)

const namespace = "lemonade_router"

// RequestsTotal counts completed requests per model and outcome.
var RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "requests_total",
	Help:      "Total requests routed to a backend, by model and outcome.",
}, []string{"model", "outcome"})

// RequestLatency tracks end-to-end request duration per model.
var RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "request_latency_seconds",
	Help:      "Request duration in seconds, by model.",
	Buckets:   prometheus.DefBuckets,
}, []string{"model"})

// LoadsTotal counts backend loads per model and outcome.
var LoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "loads_total",
	Help:      "Total backend load attempts, by model and outcome.",
}, []string{"model", "outcome"})

// LoadLatency tracks spawn-to-ready duration per model.
var LoadLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "load_latency_seconds",
	Help:      "Time from spawn to ready, by model.",
	Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
}, []string{"model"})

// EvictionsTotal counts LRU evictions per model.
var EvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "evictions_total",
	Help:      "Total slot evictions, by model.",
}, []string{"model"})

// SlotsActive tracks the number of live slots per class.
var SlotsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "slots_active",
	Help:      "Number of live backend slots, by model class.",
}, []string{"class"})

// Recorder adapts the package-level collectors to pkg/pool.Recorder and
// pkg/router's per-request bookkeeping, so neither package imports
// promauto types directly.
type Recorder struct{}

// NewRecorder constructs a Recorder bound to the package-level collectors.
func NewRecorder() Recorder { return Recorder{} }

// ObserveLoad records a load attempt's outcome and duration. Satisfies
// pool.Recorder.
func (Recorder) ObserveLoad(name string, recipe options.Recipe, duration time.Duration, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	LoadsTotal.WithLabelValues(name, outcome).Inc()
	if ok {
		LoadLatency.WithLabelValues(name).Observe(duration.Seconds())
	}
}

// ObserveEviction records an eviction. Satisfies pool.Recorder.
func (Recorder) ObserveEviction(name string) {
	EvictionsTotal.WithLabelValues(name).Inc()
}

// ObserveRequest records a completed request's outcome and latency, for
// Router to call after each forward.
func (Recorder) ObserveRequest(model, outcome string, duration time.Duration) {
	RequestsTotal.WithLabelValues(model, outcome).Inc()
	RequestLatency.WithLabelValues(model).Observe(duration.Seconds())
}

// SetSlotsActive updates the active-slot gauge for a class.
func (Recorder) SetSlotsActive(class string, n int) {
	SlotsActive.WithLabelValues(class).Set(float64(n))
}
