package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// MetricsRecorder receives one observation per object store call, plus the
// bytes moved by archive writes and reads.
type MetricsRecorder interface {
	RecordOperation(op string, durationSeconds float64, success bool)
	RecordBytes(direction string, n int64)
}

// Operation names passed to MetricsRecorder.
const (
	OpPut    = "put"
	OpGet    = "get"
	OpHead   = "head"
	OpDelete = "delete"
	OpList   = "list"
)

const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

// InstrumentedStore wraps a Store and records every call. A missing object
// on Head and an existing archive on a conditional Put are answers, not
// failures, so they count as successful calls.
type InstrumentedStore struct {
	store   Store
	metrics MetricsRecorder
}

// NewInstrumentedStore wraps store. A nil recorder makes the wrapper a passthrough.
func NewInstrumentedStore(store Store, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: metrics}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error, expected ...error) {
	if s.metrics == nil {
		return
	}
	ok := err == nil
	for _, e := range expected {
		ok = ok || errors.Is(err, e)
	}
	s.metrics.RecordOperation(op, time.Since(start).Seconds(), ok)
}

func (s *InstrumentedStore) written(err error, size int64) {
	if s.metrics != nil && err == nil && size > 0 {
		s.metrics.RecordBytes(DirectionWrite, size)
	}
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	start := time.Now()
	err := s.store.Put(ctx, key, reader, size, contentType)
	s.observe(OpPut, start, err)
	s.written(err, size)
	return err
}

func (s *InstrumentedStore) PutWithOptions(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error {
	start := time.Now()
	err := s.store.PutWithOptions(ctx, key, reader, size, contentType, opts)
	if opts.IfNoneMatch != "" {
		s.observe(OpPut, start, err, ErrPreconditionFailed)
	} else {
		s.observe(OpPut, start, err)
	}
	s.written(err, size)
	return err
}

// Get records the call once the returned reader is closed, so the latency
// and byte count cover the whole download.
func (s *InstrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.store.Get(ctx, key)
	if err != nil || s.metrics == nil {
		s.observe(OpGet, start, err)
		return rc, err
	}
	return &countingReader{ReadCloser: rc, done: func(n int64, readErr error) {
		s.observe(OpGet, start, readErr)
		if readErr == nil && n > 0 {
			s.metrics.RecordBytes(DirectionRead, n)
		}
	}}, nil
}

func (s *InstrumentedStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	start := time.Now()
	meta, err := s.store.Head(ctx, key)
	s.observe(OpHead, start, err, ErrNotFound)
	return meta, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.store.Delete(ctx, key)
	s.observe(OpDelete, start, err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	start := time.Now()
	objects, err := s.store.List(ctx, prefix)
	s.observe(OpList, start, err)
	return objects, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

// countingReader reports the bytes read and the first read or close error
// to done, once.
type countingReader struct {
	io.ReadCloser
	n    int64
	err  error
	done func(n int64, err error)
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += int64(n)
	if err != nil && !errors.Is(err, io.EOF) && r.err == nil {
		r.err = err
	}
	return n, err
}

func (r *countingReader) Close() error {
	err := r.ReadCloser.Close()
	if r.done != nil {
		if r.err == nil {
			r.err = err
		}
		r.done(r.n, r.err)
		r.done = nil
	}
	return err
}

var _ Store = (*InstrumentedStore)(nil)
