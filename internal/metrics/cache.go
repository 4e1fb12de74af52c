package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheMetrics counts query cache activity. It implements cache.Recorder.
type CacheMetrics struct {
	HitsTotal          prometheus.Counter
	MissesTotal        prometheus.Counter
	InvalidationsTotal prometheus.Counter
	CancellationsTotal prometheus.Counter
}

func NewCacheMetricsWithRegistry(reg prometheus.Registerer) *CacheMetrics {
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      name,
			Help:      help,
		})
	}
	return &CacheMetrics{
		HitsTotal:          counter("hits_total", "Fetches served from a fresh entry."),
		MissesTotal:        counter("misses_total", "Fetches that started a load."),
		InvalidationsTotal: counter("invalidations_total", "Entries and in-flight fetches marked stale."),
		CancellationsTotal: counter("cancellations_total", "In-flight fetches cancelled before completion."),
	}
}

func (m *CacheMetrics) RecordHit()  { m.HitsTotal.Inc() }
func (m *CacheMetrics) RecordMiss() { m.MissesTotal.Inc() }

func (m *CacheMetrics) RecordInvalidations(n int) {
	m.InvalidationsTotal.Add(float64(n))
}

func (m *CacheMetrics) RecordCancellations(n int) {
	m.CancellationsTotal.Add(float64(n))
}
