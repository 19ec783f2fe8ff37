package router

import (
	"sync"
	"time"

	"github.com/lemonade-sdk/lemonade-router/pkg/metrics"
	"github.com/lemonade-sdk/lemonade-router/pkg/options"
)

// Stats is the GET /stats snapshot, grounded on the original source's
// handle_stats: per-model request/load/eviction counts plus a latency
// average (the full histogram detail lives in GET /metrics instead).
type Stats struct {
	RequestsTotal  map[string]int64   `json:"requests_total"`
	LoadsTotal     map[string]int64   `json:"loads_total"`
	EvictionsTotal map[string]int64   `json:"evictions_total"`
	AvgLatencyMS   map[string]float64 `json:"avg_latency_ms"`
}

// Tracker is the pool.Recorder implementation that backs both the
// Prometheus collectors in pkg/metrics and the GET /stats JSON snapshot.
type Tracker struct {
	mu             sync.Mutex
	requests       map[string]int64
	loads          map[string]int64
	evictions      map[string]int64
	latencySumSecs map[string]float64

	forward metrics.Recorder
}

// NewTracker constructs a Tracker forwarding every event to the given
// metrics.Recorder in addition to its own per-model bookkeeping.
func NewTracker(forward metrics.Recorder) *Tracker {
	return &Tracker{
		requests:       make(map[string]int64),
		loads:          make(map[string]int64),
		evictions:      make(map[string]int64),
		latencySumSecs: make(map[string]float64),
		forward:        forward,
	}
}

// ObserveLoad satisfies pool.Recorder.
func (t *Tracker) ObserveLoad(name string, recipe options.Recipe, duration time.Duration, ok bool) {
	t.forward.ObserveLoad(name, recipe, duration, ok)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loads[name]++
}

// ObserveEviction satisfies pool.Recorder.
func (t *Tracker) ObserveEviction(name string) {
	t.forward.ObserveEviction(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictions[name]++
}

// recordRequest is called by Router after every forwarded request.
func (t *Tracker) recordRequest(model string, duration time.Duration, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	t.forward.ObserveRequest(model, outcome, duration)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests[model]++
	t.latencySumSecs[model] += duration.Seconds()
}

func (t *Tracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		RequestsTotal:  make(map[string]int64, len(t.requests)),
		LoadsTotal:     make(map[string]int64, len(t.loads)),
		EvictionsTotal: make(map[string]int64, len(t.evictions)),
		AvgLatencyMS:   make(map[string]float64, len(t.requests)),
	}
	for k, v := range t.requests {
		s.RequestsTotal[k] = v
	}
	for k, v := range t.loads {
		s.LoadsTotal[k] = v
	}
	for k, v := range t.evictions {
		s.EvictionsTotal[k] = v
	}
	for model, sum := range t.latencySumSecs {
		if n := t.requests[model]; n > 0 {
			s.AvgLatencyMS[model] = (sum / float64(n)) * 1000
		}
	}
	return s
}
