package oxia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/metadata"
)

// Config configures the Oxia store.
type Config struct {
	// ServiceAddress is the Oxia service endpoint, e.g. "localhost:6648".
	ServiceAddress string

	// Namespace scopes every key. Brokers of one cluster share it.
	Namespace string

	// RequestTimeout bounds individual requests. Default: 30 seconds.
	RequestTimeout time.Duration

	// SessionTimeout is how long ephemeral keys outlive a silent client.
	// Oxia requires at least 5 seconds. Default: 15 seconds.
	SessionTimeout time.Duration
}

// Store is one Oxia client session. Its ephemeral keys live as long as the
// session does.
type Store struct {
	client oxiaclient.SyncClient

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// New opens a client session on cfg.Namespace.
func New(_ context.Context, cfg Config) (*Store, error) {
	if cfg.ServiceAddress == "" {
		return nil, errors.New("oxia: service address is required")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("oxia: namespace is required")
	}

	opts := []oxiaclient.ClientOption{
		oxiaclient.WithNamespace(cfg.Namespace),
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, oxiaclient.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, oxiaclient.WithSessionTimeout(cfg.SessionTimeout))
	}

	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("oxia: client for %s: %w", cfg.ServiceAddress, err)
	}
	return &Store{client: client, done: make(chan struct{})}, nil
}

// Oxia counts versions from 0, which metadata.Version reserves for absent.
func toVersion(v int64) metadata.Version {
	return metadata.Version(v + 1)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return metadata.ErrStoreClosed
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (metadata.GetResult, error) {
	if err := s.checkOpen(); err != nil {
		return metadata.GetResult{}, err
	}
	_, value, version, err := s.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			return metadata.GetResult{}, nil
		}
		return metadata.GetResult{}, fmt.Errorf("oxia: get %s: %w", key, err)
	}
	return metadata.GetResult{
		Value:   value,
		Version: toVersion(version.VersionId),
		Exists:  true,
	}, nil
}

// PutEphemeral writes key bound to this client's session.
func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte, mode metadata.PutMode) (metadata.Version, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	opts := []oxiaclient.PutOption{oxiaclient.Ephemeral()}
	if mode == metadata.IfAbsent {
		opts = append(opts, oxiaclient.ExpectedRecordNotExists())
	}
	_, version, err := s.client.Put(ctx, key, value, opts...)
	switch {
	case errors.Is(err, oxiaclient.ErrUnexpectedVersionId):
		return 0, metadata.ErrKeyExists
	case err != nil:
		return 0, fmt.Errorf("oxia: put %s: %w", key, err)
	}
	return toVersion(version.VersionId), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.client.Delete(ctx, key); err != nil && !errors.Is(err, oxiaclient.ErrKeyNotFound) {
		return fmt.Errorf("oxia: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]metadata.KV, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	// Oxia sorts '/' specially: a trailing-slash prefix scans its direct
	// children up to prefix+"/".
	end := prefixEnd(prefix)
	if len(prefix) > 0 && prefix[len(prefix)-1] == '/' {
		end = prefix + "/"
	}

	var kvs []metadata.KV
	for result := range s.client.RangeScan(ctx, prefix, end) {
		if result.Err != nil {
			return nil, fmt.Errorf("oxia: list %s: %w", prefix, result.Err)
		}
		kvs = append(kvs, metadata.KV{
			Key:     result.Key,
			Value:   result.Value,
			Version: toVersion(result.Version.VersionId),
		})
	}
	return kvs, nil
}

func (s *Store) Notifications(_ context.Context) (metadata.NotificationStream, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	n, err := s.client.GetNotifications()
	if err != nil {
		return nil, fmt.Errorf("oxia: watch: %w", err)
	}
	return &watch{src: n, storeDone: s.done}, nil
}

// Close ends the Oxia session, which removes this store's ephemeral keys.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.client.Close()
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

var _ metadata.Store = (*Store)(nil)
