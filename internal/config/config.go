// Package config provides configuration loading and validation for the broker.
// Supports YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is read by Load when BROKER_CONFIG is not set.
const DefaultConfigPath = "/etc/brokerd/config.yaml"

// Config holds all configuration for a broker.
type Config struct {
	Broker        BrokerConfig        `yaml:"broker"`
	Auth          AuthConfig          `yaml:"auth"`
	Cluster       ClusterConfig       `yaml:"cluster"`
	Broadcast     BroadcastConfig     `yaml:"broadcast"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type BrokerConfig struct {
	ListenAddr   string    `yaml:"listenAddr" env:"BROKER_LISTEN_ADDR"`
	WSListenAddr string    `yaml:"wsListenAddr" env:"BROKER_WS_LISTEN_ADDR"`
	ClusterID    string    `yaml:"clusterId" env:"BROKER_CLUSTER_ID"`
	Strategy     string    `yaml:"strategy" env:"BROKER_STRATEGY"`
	TLS          TLSConfig `yaml:"tls"`

	// AdvertisedAddr is announced to instances and peers. Defaults to the
	// bound TCP address with the hostname filled in.
	AdvertisedAddr string `yaml:"advertisedAddr" env:"BROKER_ADVERTISED_ADDR"`

	// StickyEnabled honors the sticky flag carried in routing metadata.
	StickyEnabled bool `yaml:"stickyEnabled" env:"BROKER_STICKY_ENABLED"`

	// UpstreamAddrs lists brokers that receive calls this broker cannot resolve.
	UpstreamAddrs      []string `yaml:"upstreamAddrs" env:"BROKER_UPSTREAM_ADDRS"`
	UpstreamCredential string   `yaml:"upstreamCredential" env:"BROKER_UPSTREAM_CREDENTIAL"`

	MaxFrameSize     int   `yaml:"maxFrameSize" env:"BROKER_MAX_FRAME_SIZE"`
	SetupTimeoutMs   int64 `yaml:"setupTimeoutMs" env:"BROKER_SETUP_TIMEOUT_MS"`
	RequestTimeoutMs int64 `yaml:"requestTimeoutMs" env:"BROKER_REQUEST_TIMEOUT_MS"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"BROKER_TLS_ENABLED"`
	CertFile string `yaml:"certFile" env:"BROKER_TLS_CERT_FILE"`
	KeyFile  string `yaml:"keyFile" env:"BROKER_TLS_KEY_FILE"`
}

type AuthConfig struct {
	// Enabled requires a valid credential in every setup.
	Enabled         bool   `yaml:"enabled" env:"BROKER_AUTH_ENABLED"`
	CredentialsFile string `yaml:"credentialsFile" env:"BROKER_AUTH_CREDENTIALS_FILE"`

	// MeshEnabled turns on requester/responder authorization for calls.
	MeshEnabled bool          `yaml:"meshEnabled" env:"BROKER_AUTH_MESH_ENABLED"`
	Grants      []GrantConfig `yaml:"grants"`
}

// GrantConfig explicitly allows requester to call responder. An empty Service
// allows every service of the responder.
type GrantConfig struct {
	Requester string `yaml:"requester"`
	Responder string `yaml:"responder"`
	Service   string `yaml:"service"`
}

type ClusterConfig struct {
	// Discovery is "static" (peers from config) or "oxia".
	Discovery        string   `yaml:"discovery" env:"BROKER_CLUSTER_DISCOVERY"`
	OxiaEndpoint     string   `yaml:"oxiaEndpoint" env:"BROKER_OXIA_ENDPOINT"`
	Namespace        string   `yaml:"namespace" env:"BROKER_OXIA_NAMESPACE"`
	SessionTimeoutMs int64    `yaml:"sessionTimeoutMs" env:"BROKER_OXIA_SESSION_TIMEOUT_MS"`
	Peers            []string `yaml:"peers" env:"BROKER_CLUSTER_PEERS"`
}

type BroadcastConfig struct {
	MixedDelayMs    int64 `yaml:"mixedDelayMs" env:"BROKER_BROADCAST_MIXED_DELAY_MS"`
	ConsumerDelayMs int64 `yaml:"consumerDelayMs" env:"BROKER_BROADCAST_CONSUMER_DELAY_MS"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"BROKER_METRICS_ADDR"`
	HealthAddr  string `yaml:"healthAddr" env:"BROKER_HEALTH_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"BROKER_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"BROKER_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			ListenAddr:       ":9999",
			ClusterID:        "default",
			Strategy:         "round_robin",
			StickyEnabled:    true,
			MaxFrameSize:     16 * 1024 * 1024, // 16MB
			SetupTimeoutMs:   10000,
			RequestTimeoutMs: 30000,
		},
		Cluster: ClusterConfig{
			Discovery:        "static",
			OxiaEndpoint:     "localhost:6648",
			Namespace:        "broker",
			SessionTimeoutMs: 15000,
		},
		Broadcast: BroadcastConfig{
			MixedDelayMs:    15000,
			ConsumerDelayMs: 30000,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			HealthAddr:  ":9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Strategies lists the routing strategy names accepted in broker.strategy.
var Strategies = []string{
	"random",
	"weighted_random",
	"round_robin",
	"weighted_round_robin",
	"consistent_hash",
	"weighted_latency",
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if c.Broker.ListenAddr == "" && c.Broker.WSListenAddr == "" {
		errs = append(errs, errors.New("broker.listenAddr or broker.wsListenAddr is required"))
	}
	known := false
	for _, s := range Strategies {
		if s == c.Broker.Strategy {
			known = true
			break
		}
	}
	if !known {
		errs = append(errs, fmt.Errorf("broker.strategy %q is not one of %s", c.Broker.Strategy, strings.Join(Strategies, ", ")))
	}
	switch c.Cluster.Discovery {
	case "static":
	case "oxia":
		if c.Cluster.OxiaEndpoint == "" {
			errs = append(errs, errors.New("cluster.oxiaEndpoint is required for oxia discovery"))
		}
	default:
		errs = append(errs, fmt.Errorf("cluster.discovery %q must be static or oxia", c.Cluster.Discovery))
	}
	if c.Broker.TLS.Enabled && (c.Broker.TLS.CertFile == "" || c.Broker.TLS.KeyFile == "") {
		errs = append(errs, errors.New("broker.tls requires certFile and keyFile"))
	}
	if c.Auth.Enabled && c.Auth.CredentialsFile == "" {
		errs = append(errs, errors.New("auth.credentialsFile is required when auth is enabled"))
	}
	return errors.Join(errs...)
}

// SetupTimeout returns the setup timeout as a duration.
func (c *Config) SetupTimeout() time.Duration {
	return time.Duration(c.Broker.SetupTimeoutMs) * time.Millisecond
}

// RequestTimeout returns the per-call timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Broker.RequestTimeoutMs) * time.Millisecond
}

// Load reads the file named by BROKER_CONFIG (or DefaultConfigPath when it
// exists), then applies environment overrides. Without any file it returns
// defaults with overrides.
func Load() (*Config, error) {
	path := os.Getenv("BROKER_CONFIG")
	if path == "" {
		if _, err := os.Stat(DefaultConfigPath); err == nil {
			path = DefaultConfigPath
		}
	}
	if path == "" {
		cfg := Default()
		if err := env.Parse(cfg); err != nil {
			return nil, fmt.Errorf("config env: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath reads a YAML config file over the defaults and applies
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and applies environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
