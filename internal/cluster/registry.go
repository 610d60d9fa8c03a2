// Package cluster tracks the brokers that form one cluster. Each broker
// registers itself under an ephemeral key in a metadata.Store and watches
// the others; a Notifier turns the resulting peer lists into cluster-changed
// announcements for connected instances.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/metadata"
)

// ErrBrokerIDTaken is returned by Register when another live broker holds
// the same id.
var ErrBrokerIDTaken = errors.New("cluster: broker id already registered")

// BrokerInfo describes one registered broker.
type BrokerInfo struct {
	BrokerID string `json:"brokerId"`

	// Addr is the host:port instances connect to.
	Addr string `json:"addr"`

	// StartedAt is the Unix time in milliseconds the broker started.
	StartedAt int64  `json:"startedAt"`
	Version   string `json:"version,omitempty"`
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	ClusterID string
	BrokerID  string
	Addr      string
	Version   string
	Logger    *logging.Logger
}

// Registry registers this broker with an ephemeral key and discovers its
// peers. The key disappears when the store session ends, so a crashed
// broker leaves the cluster without explicit cleanup.
type Registry struct {
	store  metadata.Store
	config RegistryConfig
	logger *logging.Logger

	mu         sync.RWMutex
	registered bool
	startedAt  int64
}

// NewRegistry creates a registry over store.
func NewRegistry(store metadata.Store, config RegistryConfig) *Registry {
	logger := config.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Registry{
		store:     store,
		config:    config,
		logger:    logger.With(map[string]any{"component": "cluster"}),
		startedAt: time.Now().UnixMilli(),
	}
}

func (r *Registry) prefix() string {
	return "/broker/v1/clusters/" + r.config.ClusterID + "/brokers/"
}

func (r *Registry) key(brokerID string) string {
	return r.prefix() + brokerID
}

// Register writes this broker's key.
func (r *Registry) Register(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(r.info())
	if err != nil {
		return fmt.Errorf("failed to marshal broker info: %w", err)
	}
	key := r.key(r.config.BrokerID)
	if _, err := r.store.PutEphemeral(ctx, key, data, metadata.IfAbsent); err != nil {
		if errors.Is(err, metadata.ErrKeyExists) {
			return fmt.Errorf("%w: %s", ErrBrokerIDTaken, r.config.BrokerID)
		}
		return fmt.Errorf("failed to register broker: %w", err)
	}

	r.registered = true
	r.logger.Infof("broker registered", map[string]any{
		"brokerId": r.config.BrokerID,
		"addr":     r.config.Addr,
		"key":      key,
	})
	return nil
}

// Deregister removes this broker's key. Closing the store has the same
// effect; Deregister lets peers notice a graceful shutdown immediately.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.registered {
		return nil
	}
	r.registered = false
	if err := r.store.Delete(ctx, r.key(r.config.BrokerID)); err != nil {
		return fmt.Errorf("failed to deregister broker: %w", err)
	}
	r.logger.Infof("broker deregistered", map[string]any{"brokerId": r.config.BrokerID})
	return nil
}

// ListBrokers returns every registered broker ordered by id.
func (r *Registry) ListBrokers(ctx context.Context) ([]BrokerInfo, error) {
	kvs, err := r.store.List(ctx, r.prefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list brokers: %w", err)
	}

	brokers := make([]BrokerInfo, 0, len(kvs))
	for _, kv := range kvs {
		var info BrokerInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			r.logger.Warnf("failed to unmarshal broker info", map[string]any{
				"key":   kv.Key,
				"error": err.Error(),
			})
			continue
		}
		brokers = append(brokers, info)
	}
	return brokers, nil
}

// GetBroker returns one broker's registration.
func (r *Registry) GetBroker(ctx context.Context, brokerID string) (BrokerInfo, bool, error) {
	result, err := r.store.Get(ctx, r.key(brokerID))
	if err != nil {
		return BrokerInfo{}, false, fmt.Errorf("failed to get broker: %w", err)
	}
	if !result.Exists {
		return BrokerInfo{}, false, nil
	}
	var info BrokerInfo
	if err := json.Unmarshal(result.Value, &info); err != nil {
		return BrokerInfo{}, false, fmt.Errorf("failed to unmarshal broker info: %w", err)
	}
	return info, true, nil
}

// IsRegistered reports whether this broker's key is believed to exist.
func (r *Registry) IsRegistered() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registered
}

// BrokerInfo returns this broker's registration.
func (r *Registry) BrokerInfo() BrokerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info()
}

func (r *Registry) info() BrokerInfo {
	return BrokerInfo{
		BrokerID:  r.config.BrokerID,
		Addr:      r.config.Addr,
		StartedAt: r.startedAt,
		Version:   r.config.Version,
	}
}

// Run registers this broker, reports the current peers to fn and reports
// them again after every change under the cluster prefix. If this broker's
// own key is deleted while registered, Run writes it back. Run returns nil
// when ctx ends.
func (r *Registry) Run(ctx context.Context, fn func([]BrokerInfo)) error {
	stream, err := r.store.Notifications(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch brokers: %w", err)
	}
	defer stream.Close()

	if err := r.Register(ctx); err != nil {
		return err
	}
	if err := r.report(ctx, fn); err != nil {
		return err
	}

	prefix, own := r.prefix(), r.key(r.config.BrokerID)
	for {
		n, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("broker watch: %w", err)
		}
		if !strings.HasPrefix(n.Key, prefix) {
			continue
		}
		if n.Key == own && n.Deleted && r.IsRegistered() {
			r.mu.Lock()
			r.registered = false
			r.mu.Unlock()
			r.logger.Warnf("broker registration lost, registering again", map[string]any{"key": own})
			if err := r.Register(ctx); err != nil && !errors.Is(err, ErrBrokerIDTaken) {
				r.logger.Errorf("failed to register again", map[string]any{"error": err.Error()})
			}
		}
		if err := r.report(ctx, fn); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warnf("failed to list brokers", map[string]any{"error": err.Error()})
		}
	}
}

func (r *Registry) report(ctx context.Context, fn func([]BrokerInfo)) error {
	brokers, err := r.ListBrokers(ctx)
	if err != nil {
		return err
	}
	fn(brokers)
	return nil
}
