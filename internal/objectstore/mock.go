package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory implementation of the Store interface for testing.
type MockStore struct {
	mu      sync.RWMutex
	objects map[string]mockObject
	closed  bool
	failPut error
}

type mockObject struct {
	data []byte
	meta ObjectMeta
}

func NewMockStore() *MockStore {
	return &MockStore{
		objects: make(map[string]mockObject),
	}
}

// FailPuts makes every later Put return err. A nil err clears the fault.
func (s *MockStore) FailPuts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = err
}

func (s *MockStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	return s.PutWithOptions(ctx, key, reader, size, contentType, PutOptions{})
}

func (s *MockStore) PutWithOptions(_ context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.failPut != nil {
		return &ObjectError{Op: "Put", Key: key, Err: s.failPut}
	}
	if opts.IfNoneMatch == "*" {
		if _, exists := s.objects[key]; exists {
			return &ObjectError{Op: "Put", Key: key, Err: ErrPreconditionFailed}
		}
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return &ObjectError{Op: "Put", Key: key, Err: fmt.Errorf("size mismatch: declared %d, read %d", size, len(data))}
	}

	s.objects[key] = mockObject{
		data: data,
		meta: ObjectMeta{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  contentType,
			LastModified: time.Now().UnixMilli(),
			Metadata:     opts.Metadata,
		},
	}
	return nil
}

func (s *MockStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	obj, exists := s.objects[key]
	if !exists {
		return nil, &ObjectError{Op: "Get", Key: key, Err: ErrNotFound}
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MockStore) Head(_ context.Context, key string) (ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ObjectMeta{}, ErrClosed
	}
	obj, exists := s.objects[key]
	if !exists {
		return ObjectMeta{}, &ObjectError{Op: "Head", Key: key, Err: ErrNotFound}
	}
	return obj.meta, nil
}

func (s *MockStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	delete(s.objects, key)
	return nil
}

func (s *MockStore) List(_ context.Context, prefix string) ([]ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	var result []ObjectMeta
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			result = append(result, obj.meta)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result, nil
}

// Len returns the number of stored objects.
func (s *MockStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func (s *MockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MockStore)(nil)
