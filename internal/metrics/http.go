package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics tracks API request latency.
type HTTPMetrics struct {
	// Labels: method, route, code
	LatencyHistogram *prometheus.HistogramVec
}

func NewHTTPMetricsWithRegistry(reg prometheus.Registerer) *HTTPMetrics {
	return &HTTPMetrics{
		LatencyHistogram: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "API request latency in seconds by method, route and status code.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "code"},
		),
	}
}

// RecordRequest observes one request. route is the route pattern, not the
// raw path, to bound label cardinality.
func (m *HTTPMetrics) RecordRequest(method, route string, code int, d time.Duration) {
	m.LatencyHistogram.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}
