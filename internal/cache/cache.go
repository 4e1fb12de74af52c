// Package cache is the keyed query cache shared by readers, the optimistic
// mutation coordinator and the realtime listener.
//
// A Cache is constructed explicitly and passed to the components that need
// it. Values are treated as immutable: writers replace a value, they never
// modify one in place.
//
// Three primitives carry the synchronization protocol:
//   - Set and Get by key; Set supersedes a fetch of the same key
//   - InvalidatePrefix marks matching entries stale so the next Fetch reloads
//   - Cancel aborts an in-flight fetch so its result is never written
package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by Fetch after Close.
	ErrClosed = errors.New("cache: closed")

	// ErrFetchCancelled is returned to fetch waiters when the fetch was
	// cancelled and the key holds no value.
	ErrFetchCancelled = errors.New("cache: fetch cancelled")
)

// Fetcher loads the value for one key.
type Fetcher func(ctx context.Context) (any, error)

// Recorder observes cache activity.
type Recorder interface {
	RecordHit()
	RecordMiss()
	RecordInvalidations(n int)
	RecordCancellations(n int)
}

type entry struct {
	key       Key
	value     any
	stale     bool
	updatedAt time.Time
}

type flight struct {
	key    Key
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	value any
	err   error

	cancelled   bool
	invalidated bool
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	flights  map[string]*flight
	closed   bool
	recorder Recorder
	now      func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

func WithRecorder(r Recorder) Option {
	return func(c *Cache) { c.recorder = r }
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		flights: make(map[string]*flight),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key, stale or not.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.id()]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// IsStale reports whether key holds a value that has been invalidated.
func (c *Cache) IsStale(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.id()]
	return ok && e.stale
}

// Set stores a fresh value for key. A fetch of key still in flight is
// cancelled under the same lock, so its result can never replace value.
func (c *Cache) Set(key Key, value any) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	id := key.id()
	superseded := c.supersede(id)
	c.entries[id] = &entry{key: key.clone(), value: value, updatedAt: c.now()}
	c.mu.Unlock()

	if superseded {
		c.record(func(r Recorder) { r.RecordCancellations(1) })
	}
}

// supersede cancels the flight of id. c.mu must be held.
func (c *Cache) supersede(id string) bool {
	f, ok := c.flights[id]
	if !ok {
		return false
	}
	f.cancelled = true
	f.cancel()
	delete(c.flights, id)
	return true
}

// Delete removes key.
func (c *Cache) Delete(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key.id())
}

// Fetch returns the fresh cached value for key, or loads it with fetch.
// Concurrent fetches of one key share a single load. The load runs on a
// context that callers leaving early do not cancel; only Cancel and Close end
// it early.
//
// A load that completes after an invalidation of its key is written as stale.
// A load that was cancelled is not written at all; its waiters receive the
// key's current value, or ErrFetchCancelled when there is none.
func (c *Cache) Fetch(ctx context.Context, key Key, fetch Fetcher) (any, error) {
	id := key.id()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := c.entries[id]; ok && !e.stale {
		c.mu.Unlock()
		c.record(func(r Recorder) { r.RecordHit() })
		return e.value, nil
	}
	f, joined := c.flights[id]
	if !joined {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{key: key.clone(), ctx: fctx, cancel: cancel, done: make(chan struct{})}
		c.flights[id] = f
	}
	c.mu.Unlock()

	if !joined {
		c.record(func(r Recorder) { r.RecordMiss() })
		go c.load(id, f, fetch)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if f.cancelled {
		if e, ok := c.entries[id]; ok {
			return e.value, nil
		}
		return nil, ErrFetchCancelled
	}
	return f.value, f.err
}

func (c *Cache) load(id string, f *flight, fetch Fetcher) {
	v, err := fetch(f.ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer close(f.done)
	defer f.cancel()

	if c.flights[id] == f {
		delete(c.flights, id)
	}
	f.value, f.err = v, err
	if err != nil && f.ctx.Err() != nil {
		f.cancelled = true
	}
	if f.cancelled || err != nil || c.closed {
		return
	}
	c.entries[id] = &entry{key: f.key, value: v, stale: f.invalidated, updatedAt: c.now()}
}

// Invalidate marks key stale. It reports whether an entry or a fetch was
// affected.
func (c *Cache) Invalidate(key Key) bool {
	return c.invalidate(func(k Key) bool { return k.Equal(key) }) > 0
}

// InvalidatePrefix marks every key starting with prefix stale and returns how
// many entries and fetches were affected.
func (c *Cache) InvalidatePrefix(prefix Key) int {
	return c.invalidate(func(k Key) bool { return k.HasPrefix(prefix) })
}

func (c *Cache) invalidate(match func(Key) bool) int {
	c.mu.Lock()
	n := 0
	for _, e := range c.entries {
		if match(e.key) {
			e.stale = true
			n++
		}
	}
	for _, f := range c.flights {
		if match(f.key) {
			f.invalidated = true
			n++
		}
	}
	c.mu.Unlock()

	c.record(func(r Recorder) { r.RecordInvalidations(n) })
	return n
}

// Cancel aborts the in-flight fetch of key, if any. The fetch result is
// discarded. It reports whether a fetch was cancelled.
func (c *Cache) Cancel(key Key) bool {
	return c.cancel(func(k Key) bool { return k.Equal(key) }) > 0
}

// CancelPrefix aborts every in-flight fetch whose key starts with prefix.
func (c *Cache) CancelPrefix(prefix Key) int {
	return c.cancel(func(k Key) bool { return k.HasPrefix(prefix) })
}

func (c *Cache) cancel(match func(Key) bool) int {
	c.mu.Lock()
	n := 0
	for id, f := range c.flights {
		if match(f.key) && c.supersede(id) {
			n++
		}
	}
	c.mu.Unlock()

	if n > 0 {
		c.record(func(r Recorder) { r.RecordCancellations(n) })
	}
	return n
}

// Snapshot captures the state of one key for a later Restore.
type Snapshot struct {
	Key     Key
	Value   any
	Present bool
	Stale   bool
}

func (c *Cache) Snapshot(key Key) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{Key: key.clone()}
	if e, ok := c.entries[key.id()]; ok {
		s.Value, s.Present, s.Stale = e.value, true, e.stale
	}
	return s
}

// Restore puts a key back exactly as captured, removing it if it was absent.
// Like Set, it cancels a fetch of the key still in flight.
func (c *Cache) Restore(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	id := s.Key.id()
	c.supersede(id)
	if !s.Present {
		delete(c.entries, id)
		return
	}
	c.entries[id] = &entry{key: s.Key.clone(), value: s.Value, stale: s.Stale, updatedAt: c.now()}
}

// Keys returns every cached key.
func (c *Cache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Key, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.key.clone())
	}
	return out
}

// InFlight reports whether key is being fetched.
func (c *Cache) InFlight(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.flights[key.id()]
	return ok
}

// Close cancels every fetch and drops all entries. Later writes are ignored.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id, f := range c.flights {
		f.cancelled = true
		f.cancel()
		delete(c.flights, id)
	}
	c.entries = make(map[string]*entry)
	return nil
}

func (c *Cache) record(fn func(Recorder)) {
	if c.recorder != nil {
		fn(c.recorder)
	}
}

// FetchAs is Fetch with a typed loader.
func FetchAs[T any](ctx context.Context, c *Cache, key Key, fetch func(context.Context) (T, error)) (T, error) {
	v, err := c.Fetch(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// GetAs is Get with a type assertion. A value of another type reads as absent.
func GetAs[T any](c *Cache, key Key) (T, bool) {
	v, ok := c.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	out, ok := v.(T)
	return out, ok
}
