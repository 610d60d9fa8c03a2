package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/client"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/cluster"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/config"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/metadata"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/protocol"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/registry"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/server"
)

var echo = registry.NewServiceLocator("demo", "echo.Service", "1.0")

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Broker.ListenAddr = "127.0.0.1:0"
	cfg.Broker.WSListenAddr = "127.0.0.1:0"
	cfg.Observability.HealthAddr = "127.0.0.1:0"
	cfg.Observability.MetricsAddr = "127.0.0.1:0"
	return cfg
}

func testOptions(id string, cfg *config.Config) BrokerOptions {
	return BrokerOptions{
		Config:       cfg,
		Logger:       logging.NewNop(),
		BrokerID:     id,
		Version:      "test",
		DrainTimeout: 100 * time.Millisecond,
	}
}

// startBroker starts b and waits until it accepts connections.
func startBroker(t *testing.T, opts BrokerOptions) *Broker {
	t.Helper()
	b, err := NewBroker(opts)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Start(context.Background())
	}()
	select {
	case <-b.Ready():
	case err := <-errCh:
		t.Fatalf("broker failed to start: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for broker to start")
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func dialBroker(t *testing.T, addr string, cfg client.Config) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	cfg.Logger = logging.NewNop()
	c, err := client.Dial(ctx, addr, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func echoProvider(prefix string) client.Config {
	return client.Config{
		Setup: protocol.SetupPayload{Name: "echo-app"},
		Handlers: map[registry.ServiceLocator]client.Handler{
			echo: client.HandlerFunc(func(_ context.Context, data []byte) ([]byte, error) {
				return append([]byte(prefix), data...), nil
			}),
		},
	}
}

func echoInfo() *protocol.RoutingInfo {
	return &protocol.RoutingInfo{Group: echo.Group, Service: echo.Service, Version: echo.Version}
}

func httpGet(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestBrokerStartAndShutdown(t *testing.T) {
	b, err := NewBroker(testOptions("test-broker", testConfig()))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Start(context.Background())
	}()
	select {
	case <-b.Ready():
	case err := <-errCh:
		t.Fatalf("broker failed to start: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for broker to start")
	}

	provider := dialBroker(t, b.Addr(), echoProvider("echo:"))
	assert.Equal(t, "test-broker", provider.BrokerID())
	consumer := dialBroker(t, "ws://"+b.wsServer.Addr().String()+"/", client.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := consumer.Call(ctx, echoInfo(), []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(resp))

	require.Eventually(t, func() bool { return len(b.Brokers()) == 1 }, 2*time.Second, 10*time.Millisecond)
	healthURL := "http://" + b.healthServer.Addr()
	status, body := httpGet(t, healthURL+"/admin/counts")
	require.Equal(t, http.StatusOK, status)
	var counts server.Counts
	require.NoError(t, json.Unmarshal(body, &counts))
	assert.Equal(t, 1, counts.Services)
	assert.Equal(t, 2, counts.Instances)
	assert.Equal(t, []string{b.Addr()}, counts.Brokers)

	assert.Eventually(t, func() bool {
		status, _ := httpGet(t, healthURL+"/readyz")
		return status == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	status, body = httpGet(t, "http://"+b.metricsServer.Addr()+"/metrics")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "broker_")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, b.Shutdown(shutdownCtx))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
	select {
	case <-provider.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("provider connection not closed")
	}
	assert.Eventually(t, func() bool { return len(b.registry.Instances()) == 0 }, 2*time.Second, 10*time.Millisecond)

	// a second shutdown is a no-op
	assert.NoError(t, b.Shutdown(shutdownCtx))
}

func TestBrokerStartTwice(t *testing.T) {
	b := startBroker(t, testOptions("twice", testConfig()))
	assert.Error(t, b.Start(context.Background()))
}

func TestBrokerStaticPeers(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.AdvertisedAddr = "broker-a:9999"
	cfg.Cluster.Peers = []string{"broker-b:9999", "broker-a:9999"}
	b := startBroker(t, testOptions("a", cfg))

	want := []string{"broker-a:9999", "broker-b:9999"}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, b.Brokers())
	}, 2*time.Second, 10*time.Millisecond)

	c := dialBroker(t, b.tcpServer.Addr().String(), client.Config{})
	assert.Equal(t, want, c.Brokers())
}

func TestBrokerClusterOverSharedStore(t *testing.T) {
	shared := metadata.NewShared()

	optsA := testOptions("a", testConfig())
	optsA.Store = shared.Session()
	a := startBroker(t, optsA)

	optsB := testOptions("b", testConfig())
	optsB.Store = shared.Session()
	b := startBroker(t, optsB)

	want := []string{a.Addr(), b.Addr()}
	sort.Strings(want)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, a.Brokers()) && assert.ObjectsAreEqual(want, b.Brokers())
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{a.Addr()}, a.Brokers())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBrokerIDTaken(t *testing.T) {
	shared := metadata.NewShared()

	opts := testOptions("dup", testConfig())
	opts.Store = shared.Session()
	startBroker(t, opts)

	opts = testOptions("dup", testConfig())
	opts.Store = shared.Session()
	second, err := NewBroker(opts)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- second.Start(context.Background())
	}()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, cluster.ErrBrokerIDTaken)
	case <-time.After(5 * time.Second):
		t.Fatal("second broker with the same id kept running")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = second.Shutdown(ctx)
}

func TestBrokerUpstreamFallback(t *testing.T) {
	up := startBroker(t, testOptions("upstream", testConfig()))
	dialBroker(t, up.Addr(), echoProvider("upstream:"))

	cfg := testConfig()
	cfg.Broker.UpstreamAddrs = []string{up.Addr()}
	edge := startBroker(t, testOptions("edge", cfg))
	consumer := dialBroker(t, edge.Addr(), client.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := consumer.Call(ctx, echoInfo(), []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "upstream:hi", string(resp))
	assert.Len(t, up.registry.InstancesByName("broker:edge"), 1)
}

func TestBrokerMeshAuthorization(t *testing.T) {
	dir := t.TempDir()
	creds := filepath.Join(dir, "credentials.yaml")
	require.NoError(t, os.WriteFile(creds, []byte(`accounts:
  - subject: echo-app
    secret: p1
    organizations: [acme]
  - subject: frontend
    secret: f1
    organizations: [acme]
  - subject: intruder
    secret: i1
    organizations: [acme]
`), 0o600))

	cfg := testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.CredentialsFile = creds
	cfg.Auth.MeshEnabled = true
	cfg.Auth.Grants = []config.GrantConfig{
		{Requester: "frontend", Responder: "echo-app", Service: echo.GSV()},
	}
	b := startBroker(t, testOptions("mesh", cfg))

	providerCfg := echoProvider("echo:")
	providerCfg.Setup.Credential = "echo-app:p1"
	dialBroker(t, b.Addr(), providerCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	allowed := dialBroker(t, b.Addr(), client.Config{Setup: protocol.SetupPayload{Credential: "frontend:f1"}})
	resp, err := allowed.Call(ctx, echoInfo(), []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(resp))

	denied := dialBroker(t, b.Addr(), client.Config{Setup: protocol.SetupPayload{Credential: "intruder:i1"}})
	_, err = denied.Call(ctx, echoInfo(), []byte("hi"))
	require.Error(t, err)

	_, err = client.Dial(ctx, b.Addr(), client.Config{
		Setup:  protocol.SetupPayload{Credential: "frontend:wrong"},
		Logger: logging.NewNop(),
	})
	assert.Error(t, err)
}

func TestNewBrokerRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Strategy = "fastest"
	_, err := NewBroker(testOptions("bad", cfg))
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.CredentialsFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = NewBroker(testOptions("bad", cfg))
	assert.Error(t, err)

	_, err = NewBroker(BrokerOptions{})
	assert.Error(t, err)
}

func TestGrants(t *testing.T) {
	got := grants([]config.GrantConfig{
		{Requester: "web", Responder: "echo-app", Service: "demo:echo.Service:1.0"},
		{Requester: "web", Responder: "billing"},
	})
	require.Len(t, got, 2)
	assert.Equal(t, echo.ID(), got[0].ServiceID)
	assert.Zero(t, got[1].ServiceID)
	assert.Equal(t, "billing", got[1].Responder)
}

func TestCallCommand(t *testing.T) {
	b := startBroker(t, testOptions("cli", testConfig()))
	dialBroker(t, b.Addr(), echoProvider("echo:"))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{
		"call",
		"--broker", b.Addr(),
		"--group", echo.Group,
		"--service", echo.Service,
		"--version", echo.Version,
		"--data", "hi",
		"--timeout", "3s",
	})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "echo:hi\n", out.String())
}

func TestCallCommandServiceNotFound(t *testing.T) {
	b := startBroker(t, testOptions("cli", testConfig()))

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"call", "--broker", b.Addr(), "--service", "missing.Service", "--timeout", "3s"})
	assert.Error(t, cmd.Execute())
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "brokerd version dev"))
}

func TestBrokerFlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`broker:
  listenAddr: ":7000"
  strategy: random
`), 0o600))

	cfg, err := brokerFlags{
		configPath: path,
		listenAddr: "127.0.0.1:0",
		strategy:   "consistent_hash",
		clusterID:  "east",
	}.load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", cfg.Broker.ListenAddr)
	assert.Equal(t, "consistent_hash", cfg.Broker.Strategy)
	assert.Equal(t, "east", cfg.Broker.ClusterID)

	_, err = brokerFlags{configPath: path, strategy: "fastest"}.load()
	assert.Error(t, err)
}
