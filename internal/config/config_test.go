package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Broker.ListenAddr != ":9999" {
		t.Errorf("expected default listen addr :9999, got %s", cfg.Broker.ListenAddr)
	}
	if cfg.Broker.Strategy != "round_robin" {
		t.Errorf("expected default strategy round_robin, got %s", cfg.Broker.Strategy)
	}
	if cfg.Broadcast.MixedDelayMs != 15000 || cfg.Broadcast.ConsumerDelayMs != 30000 {
		t.Errorf("unexpected broadcast delays: %+v", cfg.Broadcast)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
broker:
  listenAddr: ":7000"
  strategy: consistent_hash
  upstreamAddrs: ["up-1:9999", "up-2:9999"]
auth:
  meshEnabled: true
  grants:
    - requester: billing
      responder: ledger
      service: com.example.Ledger
cluster:
  discovery: static
  peers: ["10.0.0.2:9999"]
`))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Broker.ListenAddr)
	assert.Equal(t, "consistent_hash", cfg.Broker.Strategy)
	assert.Equal(t, []string{"up-1:9999", "up-2:9999"}, cfg.Broker.UpstreamAddrs)
	assert.True(t, cfg.Auth.MeshEnabled)
	require.Len(t, cfg.Auth.Grants, 1)
	assert.Equal(t, "ledger", cfg.Auth.Grants[0].Responder)
	// untouched sections keep their defaults
	assert.Equal(t, "json", cfg.Observability.LogFormat)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BROKER_STRATEGY", "weighted_random")
	t.Setenv("BROKER_AUTH_MESH_ENABLED", "true")
	t.Setenv("BROKER_SETUP_TIMEOUT_MS", "2500")
	t.Setenv("BROKER_CLUSTER_PEERS", "a:1,b:2")

	cfg, err := Parse([]byte("broker:\n  strategy: random\n"))
	require.NoError(t, err)

	assert.Equal(t, "weighted_random", cfg.Broker.Strategy)
	assert.True(t, cfg.Auth.MeshEnabled)
	assert.Equal(t, int64(2500), cfg.Broker.SetupTimeoutMs)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Cluster.Peers)
}

func TestEnvOverrideInvalidBool(t *testing.T) {
	t.Setenv("BROKER_AUTH_ENABLED", "maybe")
	_, err := Parse(nil)
	assert.ErrorContains(t, err, "config env")
}

func TestEnvOverrideInvalidInt(t *testing.T) {
	t.Setenv("BROKER_MAX_FRAME_SIZE", "big")
	_, err := Parse(nil)
	assert.ErrorContains(t, err, "config env")
}

func TestEnvOverridesOnlySetVariables(t *testing.T) {
	t.Setenv("BROKER_OXIA_NAMESPACE", "edge")

	cfg, err := Parse([]byte("cluster:\n  peers: [\"x:1\"]\n  sessionTimeoutMs: 9000\nbroadcast:\n  mixedDelayMs: 40\n"))
	require.NoError(t, err)

	assert.Equal(t, "edge", cfg.Cluster.Namespace)
	assert.Equal(t, []string{"x:1"}, cfg.Cluster.Peers)
	assert.Equal(t, int64(9000), cfg.Cluster.SessionTimeoutMs)
	assert.Equal(t, int64(40), cfg.Broadcast.MixedDelayMs)
	assert.Equal(t, Default().Broker.ListenAddr, cfg.Broker.ListenAddr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown strategy", func(c *Config) { c.Broker.Strategy = "fastest" }},
		{"no listeners", func(c *Config) { c.Broker.ListenAddr = "" }},
		{"bad discovery", func(c *Config) { c.Cluster.Discovery = "dns" }},
		{"oxia without endpoint", func(c *Config) {
			c.Cluster.Discovery = "oxia"
			c.Cluster.OxiaEndpoint = ""
		}},
		{"tls without files", func(c *Config) { c.Broker.TLS.Enabled = true }},
		{"auth without credentials", func(c *Config) { c.Auth.Enabled = true }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("observability:\n  logLevel: debug\n"), 0o600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)

	_, err = LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
