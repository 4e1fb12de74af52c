package datastore

import (
	"context"
	"time"
)

// MetricsRecorder receives one observation per datastore operation.
// The metrics package provides the Prometheus implementation.
type MetricsRecorder interface {
	RecordOperation(op string, durationSeconds float64, success bool)
}

// Operation names passed to MetricsRecorder.
const (
	OpGet           = "get"
	OpPut           = "put"
	OpDelete        = "delete"
	OpList          = "list"
	OpTxn           = "txn"
	OpNotifications = "notifications"
)

// InstrumentedStore wraps a Store and records latency and outcome per operation.
type InstrumentedStore struct {
	store   Store
	metrics MetricsRecorder
}

// NewInstrumentedStore wraps store. A nil recorder makes the wrapper a passthrough.
func NewInstrumentedStore(store Store, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: metrics}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordOperation(op, time.Since(start).Seconds(), err == nil)
	}
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (GetResult, error) {
	start := time.Now()
	result, err := s.store.Get(ctx, key)
	s.observe(OpGet, start, err)
	return result, err
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	start := time.Now()
	v, err := s.store.Put(ctx, key, value, opts...)
	s.observe(OpPut, start, err)
	return v, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string, opts ...DeleteOption) error {
	start := time.Now()
	err := s.store.Delete(ctx, key, opts...)
	s.observe(OpDelete, start, err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error) {
	start := time.Now()
	kvs, err := s.store.List(ctx, startKey, endKey, limit)
	s.observe(OpList, start, err)
	return kvs, err
}

func (s *InstrumentedStore) Txn(ctx context.Context, scopeKey string, fn func(Txn) error) error {
	start := time.Now()
	err := s.store.Txn(ctx, scopeKey, fn)
	s.observe(OpTxn, start, err)
	return err
}

// Notifications records only whether the stream could be opened.
func (s *InstrumentedStore) Notifications(ctx context.Context) (NotificationStream, error) {
	start := time.Now()
	stream, err := s.store.Notifications(ctx)
	s.observe(OpNotifications, start, err)
	return stream, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

var _ Store = (*InstrumentedStore)(nil)
