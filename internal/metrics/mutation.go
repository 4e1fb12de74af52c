package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MutationMetrics tracks optimistic mutation outcomes. It implements
// optimistic.Recorder.
type MutationMetrics struct {
	// Labels: mutation (reorder, edit_value, create), outcome (committed, rolled_back, discarded)
	Total           *prometheus.CounterVec
	CommitHistogram *prometheus.HistogramVec
}

func NewMutationMetricsWithRegistry(reg prometheus.Registerer) *MutationMetrics {
	f := promauto.With(reg)
	return &MutationMetrics{
		Total: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "mutation",
				Name:      "total",
				Help:      "Optimistic mutations by kind and final outcome.",
			},
			[]string{"mutation", "outcome"},
		),
		CommitHistogram: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "mutation",
				Name:      "commit_seconds",
				Help:      "Time from start of commit to final outcome.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"mutation"},
		),
	}
}

func (m *MutationMetrics) RecordMutation(name, outcome string, d time.Duration) {
	m.Total.WithLabelValues(name, outcome).Inc()
	m.CommitHistogram.WithLabelValues(name).Observe(d.Seconds())
}
