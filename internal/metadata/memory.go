package metadata

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Shared is the state behind one or more MemoryStore sessions. Sessions over
// the same Shared see each other's keys, as brokers sharing an Oxia namespace
// do.
type Shared struct {
	mu      sync.Mutex
	data    map[string]memEntry
	nextVer Version
	watches map[*memStream]struct{}
}

type memEntry struct {
	kv    KV
	owner *MemoryStore
}

// NewShared creates empty shared state.
func NewShared() *Shared {
	return &Shared{
		data:    make(map[string]memEntry),
		nextVer: 1,
		watches: make(map[*memStream]struct{}),
	}
}

// Session opens a new store session over s.
func (s *Shared) Session() *MemoryStore {
	return &MemoryStore{shared: s}
}

// notify must be called with s.mu held.
func (s *Shared) notify(n Notification) {
	for w := range s.watches {
		w.push(n)
	}
}

// MemoryStore is an in-process session. Its keys disappear when it is
// closed.
type MemoryStore struct {
	shared *Shared
	closed bool // guarded by shared.mu
}

// NewMemoryStore creates a session over fresh shared state.
func NewMemoryStore() *MemoryStore {
	return NewShared().Session()
}

func (m *MemoryStore) Get(_ context.Context, key string) (GetResult, error) {
	s := m.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.closed {
		return GetResult{}, ErrStoreClosed
	}
	e, ok := s.data[key]
	if !ok {
		return GetResult{}, nil
	}
	return GetResult{Value: e.kv.Value, Version: e.kv.Version, Exists: true}, nil
}

// write must be called with shared.mu held.
func (m *MemoryStore) write(key string, value []byte) Version {
	s := m.shared
	ver := s.nextVer
	s.nextVer++
	v := append([]byte(nil), value...)
	s.data[key] = memEntry{kv: KV{Key: key, Value: v, Version: ver}, owner: m}
	s.notify(Notification{Key: key, Value: v, Version: ver})
	return ver
}

// remove must be called with shared.mu held.
func (m *MemoryStore) remove(key string) {
	s := m.shared
	e, ok := s.data[key]
	if !ok {
		return
	}
	delete(s.data, key)
	s.notify(Notification{Key: key, Version: e.kv.Version, Deleted: true})
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	s := m.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.remove(key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]KV, error) {
	s := m.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]KV, len(keys))
	for i, k := range keys {
		out[i] = s.data[k].kv
	}
	return out, nil
}

// PutEphemeral makes m the owner of key, taking it over from another
// session in Overwrite mode.
func (m *MemoryStore) PutEphemeral(_ context.Context, key string, value []byte, mode PutMode) (Version, error) {
	s := m.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	if _, exists := s.data[key]; exists && mode == IfAbsent {
		return 0, ErrKeyExists
	}
	return m.write(key, value), nil
}

func (m *MemoryStore) Notifications(ctx context.Context) (NotificationStream, error) {
	s := m.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	w := &memStream{shared: s, wake: make(chan struct{}, 1), done: make(chan struct{})}
	s.watches[w] = struct{}{}
	return w, nil
}

// Close ends the session and deletes its ephemeral keys.
func (m *MemoryStore) Close() error {
	s := m.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for k, e := range s.data {
		if e.owner == m {
			m.remove(k)
		}
	}
	return nil
}

// memStream buffers notifications without bound so writers never block.
type memStream struct {
	shared *Shared

	mu      sync.Mutex
	pending []Notification
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (w *memStream) push(n Notification) {
	w.mu.Lock()
	w.pending = append(w.pending, n)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *memStream) Next(ctx context.Context) (Notification, error) {
	for {
		w.mu.Lock()
		if len(w.pending) > 0 {
			n := w.pending[0]
			w.pending = w.pending[1:]
			w.mu.Unlock()
			return n, nil
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		case <-w.done:
			return Notification{}, ErrStoreClosed
		case <-w.wake:
		}
	}
}

func (w *memStream) Close() error {
	w.once.Do(func() {
		w.shared.mu.Lock()
		delete(w.shared.watches, w)
		w.shared.mu.Unlock()
		close(w.done)
	})
	return nil
}

var _ Store = (*MemoryStore)(nil)
