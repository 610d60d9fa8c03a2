package metrics

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
)

func startServer(t *testing.T, reg prometheus.Gatherer) *Server {
	t.Helper()
	s := NewServer("127.0.0.1:0", reg, logging.NewNop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func scrape(t *testing.T, s *Server) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get("http://" + s.Addr() + ScrapePath)
	if err != nil {
		t.Fatalf("GET %s failed: %v", ScrapePath, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp, string(body)
}

func TestServerAddrBeforeAndAfterStart(t *testing.T) {
	s := NewServer("127.0.0.1:0", prometheus.NewRegistry(), nil)
	if got := s.Addr(); got != "127.0.0.1:0" {
		t.Errorf("Addr() before Start = %q", got)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Close()
	if got := s.Addr(); got == "127.0.0.1:0" || !strings.HasPrefix(got, "127.0.0.1:") {
		t.Errorf("Addr() after Start = %q, want bound port", got)
	}
}

func TestServerExposesDispatchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDispatchMetricsWithRegistry(reg)
	m.CallStarted()
	m.CallFinished("Echo", 0.005, true)
	m.CallStarted()
	m.CallFinished("Echo", 0.050, false)
	m.RecordResolution("Echo", OutcomeRouted)

	resp, body := scrape(t, startServer(t, reg))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	for _, want := range []string{
		"broker_dispatch_latency_seconds",
		"broker_dispatch_in_flight",
		`status="success"`,
		`status="failure"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in metrics output", want)
		}
	}
}

func TestServerServesOnlyItsGatherer(t *testing.T) {
	mine := prometheus.NewRegistry()
	NewStoreMetricsWithRegistry(mine).RecordOperation("put", 0.001, true)
	other := prometheus.NewRegistry()
	NewBroadcastMetricsWithRegistry(other).RecordSent("brokers", "all")

	_, body := scrape(t, startServer(t, mine))
	if !strings.Contains(body, "broker_store_") {
		t.Error("expected store metrics in output")
	}
	if strings.Contains(body, "broker_broadcast_") {
		t.Error("metrics from another registry leaked into output")
	}
}

func TestServerTextContentType(t *testing.T) {
	resp, _ := scrape(t, startServer(t, prometheus.NewRegistry()))
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("Content-Type = %q, expected text/plain", ct)
	}
}

func TestServerClose(t *testing.T) {
	s := NewServer("127.0.0.1:0", prometheus.NewRegistry(), logging.NewNop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	addr := s.Addr()
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := http.Get("http://" + addr + ScrapePath); err == nil {
		t.Error("expected error after server close")
	}
}

func TestServerCloseWithoutStart(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, nil)
	if err := s.Close(); err != nil {
		t.Errorf("Close on unstarted server returned error: %v", err)
	}
}

func TestServerStartBindError(t *testing.T) {
	s := startServer(t, prometheus.NewRegistry())
	dup := NewServer(s.Addr(), prometheus.NewRegistry(), logging.NewNop())
	if err := dup.Start(); err == nil {
		_ = dup.Close()
		t.Fatal("expected bind error on a port already in use")
	}
}
