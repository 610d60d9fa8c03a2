package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch outcome label values.
const (
	OutcomeRouted     = "routed"
	OutcomeSticky     = "sticky"
	OutcomeEndpoint   = "endpoint"
	OutcomeUpstream   = "upstream"
	OutcomeNotFound   = "not_found"
	OutcomeDenied     = "denied"
	OutcomeNoEndpoint = "endpoint_not_found"
	OutcomeNoMetadata = "metadata_missing"
)

// DispatchMetrics holds metrics related to call resolution and forwarding.
type DispatchMetrics struct {
	// ResolutionsTotal tracks destination resolutions.
	// Labels: service (gsv), outcome
	ResolutionsTotal *prometheus.CounterVec

	// LatencyHistogram tracks forwarded call latency.
	// Labels: service, status
	LatencyHistogram *prometheus.HistogramVec

	// InFlight tracks calls currently forwarded to a provider.
	InFlight prometheus.Gauge
}

// NewDispatchMetrics creates dispatch metrics registered with the default registry.
func NewDispatchMetrics() *DispatchMetrics {
	return NewDispatchMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewDispatchMetricsWithRegistry creates dispatch metrics registered with a custom registry.
func NewDispatchMetricsWithRegistry(reg prometheus.Registerer) *DispatchMetrics {
	f := promauto.With(reg)
	return &DispatchMetrics{
		ResolutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "resolutions_total",
			Help:      "Total number of call destination resolutions, broken down by service and outcome.",
		}, []string{"service", "outcome"}),
		LatencyHistogram: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "latency_seconds",
			Help:      "Forwarded call latency in seconds, broken down by service and status.",
			Buckets:   DefaultLatencyBuckets,
		}, []string{"service", "status"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "in_flight",
			Help:      "Calls currently forwarded to a provider.",
		}),
	}
}

// RecordResolution records how a call for service was resolved.
func (m *DispatchMetrics) RecordResolution(service, outcome string) {
	m.ResolutionsTotal.WithLabelValues(service, outcome).Inc()
}

// CallStarted marks a call as in flight.
func (m *DispatchMetrics) CallStarted() {
	m.InFlight.Inc()
}

// CallFinished records the latency of a completed call.
func (m *DispatchMetrics) CallFinished(service string, durationSeconds float64, success bool) {
	m.InFlight.Dec()
	m.LatencyHistogram.WithLabelValues(service, statusLabel(success)).Observe(durationSeconds)
}
