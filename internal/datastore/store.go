// Package datastore defines the key-value data service the dashboard persists to.
//
// Keys are hierarchical strings (see the keys subpackage). Values are opaque
// bytes; the domain stores encode rows as JSON.
//
// Every key carries a monotonically increasing Version. Version 0 means the key
// does not exist, which lets WithExpectedVersion(0) express "create only".
//
// Usage:
//
//	res, err := store.Get(ctx, keys.MetricKey(id))
//	if err != nil {
//	    return err
//	}
//	if !res.Exists {
//	    return metric.ErrNotFoundOrForbidden
//	}
//
//	err = store.Txn(ctx, keys.MetricKey(id), func(txn datastore.Txn) error {
//	    _, ver, err := txn.Get(keys.MetricKey(id))
//	    if err != nil {
//	        return err
//	    }
//	    txn.PutWithVersion(keys.MetricKey(id), updated, ver)
//	    txn.Put(keys.HistoryKey(id, nowMs, entryID), entry)
//	    return nil
//	})
package datastore

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned by Txn.Get when the key is absent.
	ErrKeyNotFound = errors.New("datastore: key not found")

	// ErrVersionMismatch is returned when an expected version does not match.
	ErrVersionMismatch = errors.New("datastore: version mismatch")

	// ErrTxnConflict is returned when a transaction could not be applied
	// because a concurrent writer changed one of its keys.
	ErrTxnConflict = errors.New("datastore: transaction conflict")

	// ErrUnavailable wraps transport failures (backend unreachable, timeouts).
	ErrUnavailable = errors.New("datastore: unavailable")

	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("datastore: store closed")
)

// Version is a per-key version number. 0 means "does not exist".
type Version int64

// KV is a key, value, and version triple returned by List.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is returned by Get.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

// NotificationType describes what happened to a key.
type NotificationType int

const (
	KeyCreated NotificationType = iota
	KeyModified
	KeyDeleted
)

func (t NotificationType) String() string {
	switch t {
	case KeyCreated:
		return "created"
	case KeyModified:
		return "modified"
	case KeyDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Notification describes a change to a single key.
type Notification struct {
	Key     string
	Version Version
	Type    NotificationType
}

// NotificationStream delivers change notifications in commit order.
type NotificationStream interface {
	// Next blocks until a notification arrives, ctx is done, or the stream fails.
	Next(ctx context.Context) (Notification, error)

	Close() error
}

type PutOption func(*putOptions)

type putOptions struct {
	expectedVersion *Version
}

// WithExpectedVersion makes Put conditional. Version 0 requires the key to be absent.
func WithExpectedVersion(v Version) PutOption {
	return func(o *putOptions) {
		o.expectedVersion = &v
	}
}

type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	expectedVersion *Version
}

// WithDeleteExpectedVersion makes Delete conditional.
func WithDeleteExpectedVersion(v Version) DeleteOption {
	return func(o *deleteOptions) {
		o.expectedVersion = &v
	}
}

// ExtractExpectedVersion returns the expected version carried by opts, if any.
func ExtractExpectedVersion(opts []PutOption) *Version {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectedVersion
}

// ExtractDeleteExpectedVersion returns the expected version carried by opts, if any.
func ExtractDeleteExpectedVersion(opts []DeleteOption) *Version {
	var o deleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectedVersion
}

// Txn buffers writes that commit together. Reads observe committed state only.
type Txn interface {
	Get(key string) (value []byte, version Version, err error)

	Put(key string, value []byte)

	PutWithVersion(key string, value []byte, expectedVersion Version)

	Delete(key string)

	DeleteWithVersion(key string, expectedVersion Version)
}

// Store is the data service.
type Store interface {
	Get(ctx context.Context, key string) (GetResult, error)

	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete is idempotent; deleting a missing key succeeds.
	Delete(ctx context.Context, key string, opts ...DeleteOption) error

	// List returns keys in [startKey, endKey) in lexicographic order. An empty
	// endKey lists the direct children of startKey, which must end in "/".
	// limit <= 0 means no limit.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// Txn runs fn and commits its buffered writes atomically. scopeKey selects
	// the shard; all keys written by fn must share that shard's partition key.
	// fn returning an error aborts without writing.
	Txn(ctx context.Context, scopeKey string, fn func(Txn) error) error

	// Notifications opens a stream of changes committed after the call.
	Notifications(ctx context.Context) (NotificationStream, error)

	Close() error
}
