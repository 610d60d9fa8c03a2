package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BroadcastMetrics counts topology notifications pushed to instances.
type BroadcastMetrics struct {
	// NotificationsTotal tracks notifications sent.
	// Labels: kind (cluster_changed, instance_status, services_changed), audience (publisher, mixed, consumer, subscriber)
	NotificationsTotal *prometheus.CounterVec

	// FailuresTotal tracks notifications that could not be written.
	// Labels: kind
	FailuresTotal *prometheus.CounterVec
}

// NewBroadcastMetrics creates broadcast metrics registered with the default registry.
func NewBroadcastMetrics() *BroadcastMetrics {
	return NewBroadcastMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewBroadcastMetricsWithRegistry creates broadcast metrics registered with a custom registry.
func NewBroadcastMetricsWithRegistry(reg prometheus.Registerer) *BroadcastMetrics {
	f := promauto.With(reg)
	return &BroadcastMetrics{
		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "broadcast",
			Name:      "notifications_total",
			Help:      "Total number of topology notifications sent, broken down by kind and audience.",
		}, []string{"kind", "audience"}),
		FailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "broadcast",
			Name:      "failures_total",
			Help:      "Total number of topology notifications that could not be delivered.",
		}, []string{"kind"}),
	}
}

// RecordSent records one delivered notification.
func (m *BroadcastMetrics) RecordSent(kind, audience string) {
	m.NotificationsTotal.WithLabelValues(kind, audience).Inc()
}

// RecordFailure records one undeliverable notification.
func (m *BroadcastMetrics) RecordFailure(kind string) {
	m.FailuresTotal.WithLabelValues(kind).Inc()
}
