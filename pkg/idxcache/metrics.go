package idxcache

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the index-map cache's prometheus instrumentation (§2.2 of
// SPEC_FULL.md). A nil *Metrics is valid and turns every call into a no-op,
// so tests that don't care about metrics can pass nil.
type Metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	windows   prometheus.Gauge
}

// NewMetrics registers the cache's counters against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btidx_cache_hits_total",
			Help: "Index-map cache window lookups served without a new mmap.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btidx_cache_misses_total",
			Help: "Index-map cache window lookups that required a new mmap.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btidx_cache_evictions_total",
			Help: "Index-map cache windows unmapped, on last release or by the CLOCK-approximate evictor.",
		}),
		windows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "btidx_cache_windows",
			Help: "Currently mapped index-map cache windows.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.evictions, m.windows)
	}
	return m
}

func (m *Metrics) hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *Metrics) evict() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *Metrics) setWindows(n int) {
	if m != nil {
		m.windows.Set(float64(n))
	}
}
