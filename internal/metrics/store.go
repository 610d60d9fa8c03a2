package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreMetrics holds metrics related to cluster metadata store operations.
type StoreMetrics struct {
	// LatencyHistogram tracks store operation latencies broken down by operation type and status.
	// Labels: operation (get, put_ephemeral, delete, list, watch), status (success, failure)
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal tracks total store operations by operation type and status.
	RequestsTotal *prometheus.CounterVec
}

// Store operation type label values.
const (
	OpGet          = "get"
	OpPutEphemeral = "put_ephemeral"
	OpDelete       = "delete"
	OpList         = "list"
	OpWatch        = "watch"
)

// DefaultStoreLatencyBuckets are latency buckets for metadata operations,
// which are typically fast (sub-ms to tens of ms).
var DefaultStoreLatencyBuckets = []float64{
	0.0001, // 0.1ms
	0.0005, // 0.5ms
	0.001,  // 1ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.025,  // 25ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.5,    // 500ms
	1.0,    // 1s
	5.0,    // 5s
}

// NewStoreMetrics creates store metrics registered with the default registry.
func NewStoreMetrics() *StoreMetrics {
	return NewStoreMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewStoreMetricsWithRegistry creates store metrics registered with a custom registry.
func NewStoreMetricsWithRegistry(reg prometheus.Registerer) *StoreMetrics {
	f := promauto.With(reg)
	return &StoreMetrics{
		LatencyHistogram: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "operation_latency_seconds",
			Help:      "Metadata store operation latency in seconds, broken down by operation type and status.",
			Buckets:   DefaultStoreLatencyBuckets,
		}, []string{"operation", "status"}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of metadata store operations, broken down by operation type and status.",
		}, []string{"operation", "status"}),
	}
}

// RecordOperation records an operation latency and increments the request counter.
func (m *StoreMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	status := statusLabel(success)
	m.LatencyHistogram.WithLabelValues(operation, status).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
}
