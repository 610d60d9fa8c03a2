package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ConnectionMetrics holds metrics related to instance connections and the
// frames they send.
type ConnectionMetrics struct {
	// ActiveConnections tracks the current number of accepted instance connections.
	ActiveConnections prometheus.Gauge

	// SetupsTotal tracks handshake outcomes.
	// Labels: result (accepted, invalid_credentials, duplicate, invalid_setup)
	SetupsTotal *prometheus.CounterVec

	// RequestsTotal tracks inbound calls by interaction type and status.
	// Labels: interaction (request_response, fire_and_forget, request_stream), status
	RequestsTotal *prometheus.CounterVec

	// ErrorsTotal tracks calls answered with an error frame.
	// Labels: interaction, error_code
	ErrorsTotal *prometheus.CounterVec
}

// NewConnectionMetrics creates connection metrics registered with the default registry.
func NewConnectionMetrics() *ConnectionMetrics {
	return NewConnectionMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewConnectionMetricsWithRegistry creates connection metrics registered with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewConnectionMetricsWithRegistry(reg prometheus.Registerer) *ConnectionMetrics {
	f := promauto.With(reg)
	return &ConnectionMetrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "active_connections",
			Help:      "Current number of accepted instance connections.",
		}),
		SetupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "setups_total",
			Help:      "Total number of connection setups, broken down by result.",
		}, []string{"result"}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Total number of inbound calls, broken down by interaction type and status.",
		}, []string{"interaction", "status"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "errors_total",
			Help:      "Total number of calls answered with an error, broken down by interaction type and error code.",
		}, []string{"interaction", "error_code"}),
	}
}

// ConnectionOpened increments the active connections gauge.
func (m *ConnectionMetrics) ConnectionOpened() {
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (m *ConnectionMetrics) ConnectionClosed() {
	m.ActiveConnections.Dec()
}

// RecordSetup records a handshake outcome.
func (m *ConnectionMetrics) RecordSetup(result string) {
	m.SetupsTotal.WithLabelValues(result).Inc()
}

// RecordRequest records an inbound call by interaction type.
func (m *ConnectionMetrics) RecordRequest(interaction string, success bool) {
	m.RequestsTotal.WithLabelValues(interaction, statusLabel(success)).Inc()
}

// RecordError records a call answered with errorCode.
func (m *ConnectionMetrics) RecordError(interaction, errorCode string) {
	m.ErrorsTotal.WithLabelValues(interaction, errorCode).Inc()
}
