package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ObjectStoreMetrics holds metrics related to object store operations.
type ObjectStoreMetrics struct {
	// Labels: operation (put, get, head, delete, list), status (success, failure).
	// A conditional put that finds the archive already written and a head of
	// a missing object both count as success.
	LatencyHistogram *prometheus.HistogramVec
	RequestsTotal    *prometheus.CounterVec

	// BytesTotal tracks bytes transferred.
	// Labels: direction (read, write)
	BytesTotal *prometheus.CounterVec
}

const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

// DefaultObjectStoreLatencyBuckets cover blob operations from tens of
// milliseconds to a minute.
var DefaultObjectStoreLatencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0,
}

func NewObjectStoreMetricsWithRegistry(reg prometheus.Registerer) *ObjectStoreMetrics {
	f := promauto.With(reg)
	return &ObjectStoreMetrics{
		LatencyHistogram: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "objectstore",
				Name:      "operation_latency_seconds",
				Help:      "Object store operation latency in seconds, broken down by operation and status.",
				Buckets:   DefaultObjectStoreLatencyBuckets,
			},
			[]string{"operation", "status"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "objectstore",
				Name:      "operations_total",
				Help:      "Total number of object store operations, broken down by operation and status.",
			},
			[]string{"operation", "status"},
		),
		BytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "objectstore",
				Name:      "bytes_total",
				Help:      "Total bytes transferred by direction (read/write).",
			},
			[]string{"direction"},
		),
	}
}

// RecordOperation implements objectstore.MetricsRecorder.
func (m *ObjectStoreMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	s := status(success)
	m.LatencyHistogram.WithLabelValues(operation, s).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, s).Inc()
}

// RecordBytes counts archive bytes written or read.
func (m *ObjectStoreMetrics) RecordBytes(direction string, n int64) {
	if n > 0 {
		m.BytesTotal.WithLabelValues(direction).Add(float64(n))
	}
}
