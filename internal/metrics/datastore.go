package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DatastoreMetrics holds metrics for data service operations.
type DatastoreMetrics struct {
	// LatencyHistogram tracks operation latencies.
	// Labels: operation (get, put, delete, list, txn, notifications), status (success, failure)
	LatencyHistogram *prometheus.HistogramVec

	RequestsTotal *prometheus.CounterVec
}

// DefaultDatastoreLatencyBuckets are latency buckets for key-value operations,
// which are typically sub-millisecond to tens of milliseconds.
var DefaultDatastoreLatencyBuckets = []float64{
	0.0001, // 0.1ms
	0.0005, // 0.5ms
	0.001,  // 1ms
	0.002,  // 2ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.025,  // 25ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.25,   // 250ms
	0.5,    // 500ms
	1.0,    // 1s
	2.5,    // 2.5s
	5.0,    // 5s
}

func NewDatastoreMetricsWithRegistry(reg prometheus.Registerer) *DatastoreMetrics {
	f := promauto.With(reg)
	return &DatastoreMetrics{
		LatencyHistogram: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "datastore",
				Name:      "operation_latency_seconds",
				Help:      "Datastore operation latency in seconds, broken down by operation type and status.",
				Buckets:   DefaultDatastoreLatencyBuckets,
			},
			[]string{"operation", "status"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "datastore",
				Name:      "operations_total",
				Help:      "Total number of datastore operations, broken down by operation type and status.",
			},
			[]string{"operation", "status"},
		),
	}
}

// RecordOperation implements datastore.MetricsRecorder.
func (m *DatastoreMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	s := status(success)
	m.LatencyHistogram.WithLabelValues(operation, s).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, s).Inc()
}
