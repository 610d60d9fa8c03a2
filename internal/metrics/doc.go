// Package metrics holds the broker's Prometheus collectors: instance
// connections and setups, call resolution and forwarding latency, registry
// size, topology notifications and cluster store latency.
//
// Each family has a New*Metrics constructor on the default registerer and a
// New*MetricsWithRegistry variant; the broker passes its own registry to the
// latter and hands the same registry to NewServer:
//
//	reg := prometheus.NewRegistry()
//	dm := metrics.NewDispatchMetricsWithRegistry(reg)
//	srv := metrics.NewServer(":9090", reg, logger)
//	err := srv.Start()
package metrics

// Namespace prefixes every metric name.
const Namespace = "broker"

// StatusSuccess is the status label value for successful operations.
const StatusSuccess = "success"

// StatusFailure is the status label value for failed operations.
const StatusFailure = "failure"

func statusLabel(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}

// DefaultLatencyBuckets span 0.1ms to 10s for forwarded calls.
var DefaultLatencyBuckets = []float64{
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
	10.0,   // 10s
}
