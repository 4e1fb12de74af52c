// Package objectstore defines the object storage used for history archives.
//
// Archives are written once and read whole, so the interface is limited to
// single-shot puts and full reads:
//
//	err := store.Put(ctx, "history/<metricId>/1767225600000.parquet.zstd", r, size, archive.ContentType)
//	rc, err := store.Get(ctx, key)
//	if errors.Is(err, objectstore.ErrNotFound) {
//	    // no archive yet
//	}
//	defer rc.Close()
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrPreconditionFailed is returned when a conditional write fails.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrBucketNotFound is returned when the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrAccessDenied is returned when the credentials lack permission for the operation.
	ErrAccessDenied = errors.New("access denied")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("objectstore: store closed")
)

// ObjectError wraps an error with the object key for context.
type ObjectError struct {
	Op  string // Operation that failed (e.g., "Put", "Get", "Delete")
	Key string
	Err error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("objectstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// ObjectMeta contains metadata about an object.
type ObjectMeta struct {
	Key  string
	Size int64

	ContentType string

	// LastModified is the Unix timestamp (milliseconds) when the object was last modified.
	LastModified int64

	// Metadata contains user-defined key-value metadata.
	Metadata map[string]string
}

// PutOptions configures a Put operation.
type PutOptions struct {
	// Metadata is optional user-defined key-value pairs stored with the object.
	Metadata map[string]string

	// IfNoneMatch when set to "*" causes the Put to fail with
	// ErrPreconditionFailed if an object already exists at the key.
	IfNoneMatch string
}

// Store is the interface for object storage operations. Implementations must
// be safe for concurrent use.
type Store interface {
	// Put stores an object. The size parameter must match the number of
	// bytes reader yields.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	PutWithOptions(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error

	// Get retrieves an entire object. The caller must close the returned
	// ReadCloser.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	Head(ctx context.Context, key string) (ObjectMeta, error)

	// Delete is idempotent: deleting a non-existent object succeeds.
	Delete(ctx context.Context, key string) error

	// List returns objects whose key starts with prefix, in lexicographic
	// order.
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)

	Close() error
}
