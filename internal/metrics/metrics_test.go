package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := g.Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.Gauge.GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := c.Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func TestConnectionMetrics_ActiveConnections(t *testing.T) {
	m := NewConnectionMetricsWithRegistry(prometheus.NewRegistry())

	if got := gaugeValue(t, m.ActiveConnections); got != 0 {
		t.Errorf("initial active connections = %f, want 0", got)
	}

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	if got := gaugeValue(t, m.ActiveConnections); got != 2 {
		t.Errorf("active connections = %f, want 2", got)
	}
}

func TestConnectionMetrics_Requests(t *testing.T) {
	m := NewConnectionMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordRequest("request_response", true)
	m.RecordRequest("request_response", true)
	m.RecordRequest("request_response", false)
	m.RecordError("request_response", "SERVICE_NOT_FOUND")
	m.RecordSetup("duplicate")

	if got := counterValue(t, m.RequestsTotal.WithLabelValues("request_response", StatusSuccess)); got != 2 {
		t.Errorf("success count = %f, want 2", got)
	}
	if got := counterValue(t, m.RequestsTotal.WithLabelValues("request_response", StatusFailure)); got != 1 {
		t.Errorf("failure count = %f, want 1", got)
	}
	if got := counterValue(t, m.ErrorsTotal.WithLabelValues("request_response", "SERVICE_NOT_FOUND")); got != 1 {
		t.Errorf("error count = %f, want 1", got)
	}
	if got := counterValue(t, m.SetupsTotal.WithLabelValues("duplicate")); got != 1 {
		t.Errorf("setup count = %f, want 1", got)
	}
}

func TestDispatchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDispatchMetricsWithRegistry(reg)

	m.RecordResolution("Echo:1.0", OutcomeRouted)
	m.RecordResolution("Echo:1.0", OutcomeRouted)
	m.RecordResolution("Echo:1.0", OutcomeDenied)

	m.CallStarted()
	m.CallStarted()
	m.CallFinished("Echo:1.0", 0.004, true)

	if got := counterValue(t, m.ResolutionsTotal.WithLabelValues("Echo:1.0", OutcomeRouted)); got != 2 {
		t.Errorf("routed = %f, want 2", got)
	}
	if got := gaugeValue(t, m.InFlight); got != 1 {
		t.Errorf("in flight = %f, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "broker_dispatch_latency_seconds" {
			found = true
			if c := mf.GetMetric()[0].GetHistogram().GetSampleCount(); c != 1 {
				t.Errorf("sample count = %d, want 1", c)
			}
		}
	}
	if !found {
		t.Error("latency histogram not gathered")
	}
}

func TestRegistryMetrics_Observe(t *testing.T) {
	m := NewRegistryMetricsWithRegistry(prometheus.NewRegistry())

	m.Observe(OpAddInstance, 0, 1)
	m.Observe(OpRegister, 3, 1)

	if got := gaugeValue(t, m.Services); got != 3 {
		t.Errorf("services = %f, want 3", got)
	}
	if got := gaugeValue(t, m.Instances); got != 1 {
		t.Errorf("instances = %f, want 1", got)
	}
	if got := counterValue(t, m.MutationsTotal.WithLabelValues(OpRegister)); got != 1 {
		t.Errorf("register mutations = %f, want 1", got)
	}
}

func TestBroadcastMetrics(t *testing.T) {
	m := NewBroadcastMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordSent("cluster_changed", "consumer")
	m.RecordFailure("cluster_changed")

	if got := counterValue(t, m.NotificationsTotal.WithLabelValues("cluster_changed", "consumer")); got != 1 {
		t.Errorf("sent = %f, want 1", got)
	}
	if got := counterValue(t, m.FailuresTotal.WithLabelValues("cluster_changed")); got != 1 {
		t.Errorf("failures = %f, want 1", got)
	}
}

func TestStoreMetrics_RecordOperation(t *testing.T) {
	m := NewStoreMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordOperation(OpPutEphemeral, 0.002, true)
	m.RecordOperation(OpGet, 0.001, false)

	if got := counterValue(t, m.RequestsTotal.WithLabelValues(OpPutEphemeral, StatusSuccess)); got != 1 {
		t.Errorf("put_ephemeral = %f, want 1", got)
	}
	if got := counterValue(t, m.RequestsTotal.WithLabelValues(OpGet, StatusFailure)); got != 1 {
		t.Errorf("get failures = %f, want 1", got)
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRegistryMetricsWithRegistry(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewRegistryMetricsWithRegistry(reg)
}
