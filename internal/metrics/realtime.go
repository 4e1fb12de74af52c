package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RealtimeMetrics counts change events and the cache commands they produce.
type RealtimeMetrics struct {
	// Labels: table, kind
	EventsTotal *prometheus.CounterVec
	// Labels: kind (invalidate, cancel)
	CommandsTotal *prometheus.CounterVec
}

func NewRealtimeMetricsWithRegistry(reg prometheus.Registerer) *RealtimeMetrics {
	f := promauto.With(reg)
	return &RealtimeMetrics{
		EventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "realtime",
				Name:      "events_total",
				Help:      "Change events received, by table and kind.",
			},
			[]string{"table", "kind"},
		),
		CommandsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "realtime",
				Name:      "commands_total",
				Help:      "Cache commands emitted, by kind.",
			},
			[]string{"kind"},
		),
	}
}

func (m *RealtimeMetrics) RecordEvent(table, kind string) {
	m.EventsTotal.WithLabelValues(table, kind).Inc()
}

func (m *RealtimeMetrics) RecordCommand(kind string) {
	m.CommandsTotal.WithLabelValues(kind).Inc()
}
