package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RegistryMetrics tracks the size of the service registry.
type RegistryMetrics struct {
	// Services is the number of services with at least one provider.
	Services prometheus.Gauge

	// Instances is the number of connected instances.
	Instances prometheus.Gauge

	// MutationsTotal counts registry mutations.
	// Labels: op (register, unregister, add_instance, remove_instance)
	MutationsTotal *prometheus.CounterVec
}

// Registry mutation label values.
const (
	OpRegister       = "register"
	OpUnregister     = "unregister"
	OpAddInstance    = "add_instance"
	OpRemoveInstance = "remove_instance"
)

// NewRegistryMetrics creates registry metrics registered with the default registry.
func NewRegistryMetrics() *RegistryMetrics {
	return NewRegistryMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewRegistryMetricsWithRegistry creates registry metrics registered with a custom registry.
func NewRegistryMetricsWithRegistry(reg prometheus.Registerer) *RegistryMetrics {
	f := promauto.With(reg)
	return &RegistryMetrics{
		Services: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "services",
			Help:      "Number of services with at least one registered provider.",
		}),
		Instances: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "instances",
			Help:      "Number of connected instances.",
		}),
		MutationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "mutations_total",
			Help:      "Total number of registry mutations, broken down by operation.",
		}, []string{"op"}),
	}
}

// Observe records a mutation and the registry size after it.
func (m *RegistryMetrics) Observe(op string, services, instances int) {
	m.MutationsTotal.WithLabelValues(op).Inc()
	m.Services.Set(float64(services))
	m.Instances.Set(float64(instances))
}
