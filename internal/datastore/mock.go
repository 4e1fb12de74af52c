package datastore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// MockStore is an in-memory Store. It backs tests and the single-node "memory"
// backend. Every committed write is broadcast to open notification streams.
type MockStore struct {
	mu       sync.RWMutex
	data     map[string]KV
	closed   bool
	nextVer  Version
	txnCalls int
	streams  map[*mockNotificationStream]struct{}
	faults   []fault
}

type fault struct {
	op   string
	key  string
	err  error
	left int
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		data:    make(map[string]KV),
		nextVer: 1,
		streams: make(map[*mockNotificationStream]struct{}),
	}
}

// FailNext makes the next n calls of op ("get", "put", "delete", "list",
// "txn", "notifications") on keys with the given prefix return err. An empty
// prefix matches every key. For "txn" the prefix is matched against the scope key.
func (m *MockStore) FailNext(op, keyPrefix string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, fault{op: op, key: keyPrefix, err: err, left: n})
}

// ClearFaults removes all pending injected failures.
func (m *MockStore) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = nil
}

// injected must be called with m.mu held for writing.
func (m *MockStore) injected(op, key string) error {
	for i := range m.faults {
		f := &m.faults[i]
		if f.left <= 0 || f.op != op || !strings.HasPrefix(key, f.key) {
			continue
		}
		f.left--
		return f.err
	}
	return nil
}

func (m *MockStore) Get(_ context.Context, key string) (GetResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return GetResult{}, ErrStoreClosed
	}
	if err := m.injected("get", key); err != nil {
		return GetResult{}, err
	}
	kv, ok := m.data[key]
	if !ok {
		return GetResult{Exists: false}, nil
	}
	return GetResult{Value: kv.Value, Version: kv.Version, Exists: true}, nil
}

func (m *MockStore) Put(_ context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	if err := m.injected("put", key); err != nil {
		return 0, err
	}
	if ev := ExtractExpectedVersion(opts); ev != nil && !m.versionMatches(key, *ev) {
		return 0, ErrVersionMismatch
	}
	return m.apply(key, value), nil
}

func (m *MockStore) Delete(_ context.Context, key string, opts ...DeleteOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if err := m.injected("delete", key); err != nil {
		return err
	}
	existing, ok := m.data[key]
	if !ok {
		return nil
	}
	if ev := ExtractDeleteExpectedVersion(opts); ev != nil && existing.Version != *ev {
		return ErrVersionMismatch
	}
	m.remove(key)
	return nil
}

func (m *MockStore) List(_ context.Context, startKey, endKey string, limit int) ([]KV, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	if err := m.injected("list", startKey); err != nil {
		return nil, err
	}

	var keys []string
	for k := range m.data {
		if endKey == "" {
			// Direct children only, matching the hierarchical listing of the
			// oxia backend.
			if strings.HasPrefix(k, startKey) && !strings.Contains(k[len(startKey):], "/") {
				keys = append(keys, k)
			}
		} else if k >= startKey && k < endKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	result := make([]KV, len(keys))
	for i, k := range keys {
		result[i] = m.data[k]
	}
	return result, nil
}

func (m *MockStore) Txn(_ context.Context, scopeKey string, fn func(Txn) error) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStoreClosed
	}
	m.txnCalls++
	if err := m.injected("txn", scopeKey); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	// The callback runs unlocked so it may read through txn.Get.
	txn := &mockTxn{store: m, pending: make(map[string]txnOp)}
	if err := fn(txn); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	for _, key := range txn.order {
		op := txn.pending[key]
		if op.expectedVersion != nil && !m.versionMatches(key, *op.expectedVersion) {
			return ErrTxnConflict
		}
		// Reads taken inside the transaction act as implicit preconditions.
		if read, ok := txn.reads[key]; ok && !m.versionMatches(key, read) {
			return ErrTxnConflict
		}
	}

	for _, key := range txn.order {
		op := txn.pending[key]
		if op.delete {
			if _, ok := m.data[key]; ok {
				m.remove(key)
			}
			continue
		}
		m.apply(key, op.value)
	}
	return nil
}

func (m *MockStore) Notifications(ctx context.Context) (NotificationStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	if err := m.injected("notifications", ""); err != nil {
		return nil, err
	}
	s := &mockNotificationStream{
		store: m,
		ch:    make(chan Notification, 256),
		done:  make(chan struct{}),
	}
	m.streams[s] = struct{}{}
	return s, nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for s := range m.streams {
		s.terminate()
	}
	m.streams = nil
	return nil
}

// DisconnectStreams terminates every open notification stream with an error,
// simulating a lost connection. New streams can still be opened.
func (m *MockStore) DisconnectStreams() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.streams {
		s.terminate()
		delete(m.streams, s)
	}
}

// StreamCount returns the number of open notification streams.
func (m *MockStore) StreamCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// TxnCallCount returns the number of times Txn was called.
func (m *MockStore) TxnCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.txnCalls
}

// Len returns the number of stored keys.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MockStore) versionMatches(key string, expected Version) bool {
	existing, ok := m.data[key]
	if !ok {
		return expected == 0
	}
	return existing.Version == expected
}

func (m *MockStore) apply(key string, value []byte) Version {
	_, existed := m.data[key]
	ver := m.nextVer
	m.nextVer++
	m.data[key] = KV{Key: key, Value: append([]byte(nil), value...), Version: ver}

	typ := KeyModified
	if !existed {
		typ = KeyCreated
	}
	m.broadcast(Notification{Key: key, Version: ver, Type: typ})
	return ver
}

func (m *MockStore) remove(key string) {
	delete(m.data, key)
	m.broadcast(Notification{Key: key, Type: KeyDeleted})
}

func (m *MockStore) broadcast(n Notification) {
	for s := range m.streams {
		select {
		case s.ch <- n:
		default:
			// Slow consumer: drop the stream so it reconnects and reloads.
			s.terminate()
			delete(m.streams, s)
		}
	}
}

type txnOp struct {
	value           []byte
	delete          bool
	expectedVersion *Version
}

type mockTxn struct {
	store   *MockStore
	pending map[string]txnOp
	order   []string
	reads   map[string]Version
}

func (t *mockTxn) Get(key string) ([]byte, Version, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	if t.reads == nil {
		t.reads = make(map[string]Version)
	}
	kv, ok := t.store.data[key]
	if !ok {
		t.reads[key] = 0
		return nil, 0, ErrKeyNotFound
	}
	t.reads[key] = kv.Version
	return kv.Value, kv.Version, nil
}

func (t *mockTxn) record(key string, op txnOp) {
	if _, ok := t.pending[key]; !ok {
		t.order = append(t.order, key)
	}
	t.pending[key] = op
}

func (t *mockTxn) Put(key string, value []byte) {
	t.record(key, txnOp{value: value})
}

func (t *mockTxn) PutWithVersion(key string, value []byte, expectedVersion Version) {
	t.record(key, txnOp{value: value, expectedVersion: &expectedVersion})
}

func (t *mockTxn) Delete(key string) {
	t.record(key, txnOp{delete: true})
}

func (t *mockTxn) DeleteWithVersion(key string, expectedVersion Version) {
	t.record(key, txnOp{delete: true, expectedVersion: &expectedVersion})
}

var errStreamClosed = errors.New("datastore: notification stream closed")

type mockNotificationStream struct {
	store *MockStore
	ch    chan Notification
	done  chan struct{}
	once  sync.Once
}

func (s *mockNotificationStream) terminate() {
	s.once.Do(func() { close(s.done) })
}

func (s *mockNotificationStream) Next(ctx context.Context) (Notification, error) {
	// Deliver buffered notifications before reporting termination.
	select {
	case n := <-s.ch:
		return n, nil
	default:
	}
	select {
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	case n := <-s.ch:
		return n, nil
	case <-s.done:
		return Notification{}, errStreamClosed
	}
}

func (s *mockNotificationStream) Close() error {
	s.store.mu.Lock()
	if s.store.streams != nil {
		delete(s.store.streams, s)
	}
	s.store.mu.Unlock()
	s.terminate()
	return nil
}

var _ Store = (*MockStore)(nil)
