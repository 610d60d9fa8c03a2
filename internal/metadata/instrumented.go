package metadata

import (
	"context"
	"time"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/metrics"
)

// Recorder receives the outcome and latency of every store call.
type Recorder interface {
	RecordOperation(operation string, durationSeconds float64, success bool)
}

// InstrumentedStore times each call to the Store it wraps.
type InstrumentedStore struct {
	Store
	rec Recorder
}

// NewInstrumentedStore wraps store. With a nil recorder nothing is recorded.
func NewInstrumentedStore(store Store, rec Recorder) *InstrumentedStore {
	return &InstrumentedStore{Store: store, rec: rec}
}

func timed[T any](s *InstrumentedStore, op string, call func() (T, error)) (T, error) {
	start := time.Now()
	v, err := call()
	if s.rec != nil {
		s.rec.RecordOperation(op, time.Since(start).Seconds(), err == nil)
	}
	return v, err
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (GetResult, error) {
	return timed(s, metrics.OpGet, func() (GetResult, error) { return s.Store.Get(ctx, key) })
}

func (s *InstrumentedStore) PutEphemeral(ctx context.Context, key string, value []byte, mode PutMode) (Version, error) {
	return timed(s, metrics.OpPutEphemeral, func() (Version, error) {
		return s.Store.PutEphemeral(ctx, key, value, mode)
	})
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	_, err := timed(s, metrics.OpDelete, func() (struct{}, error) { return struct{}{}, s.Store.Delete(ctx, key) })
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]KV, error) {
	return timed(s, metrics.OpList, func() ([]KV, error) { return s.Store.List(ctx, prefix) })
}

// Notifications times opening the watch only.
func (s *InstrumentedStore) Notifications(ctx context.Context) (NotificationStream, error) {
	return timed(s, metrics.OpWatch, func() (NotificationStream, error) { return s.Store.Notifications(ctx) })
}

var _ Store = (*InstrumentedStore)(nil)
