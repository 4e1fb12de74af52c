package objectstore

import (
	"context"
	"io"
	"strings"
)

// NormalizeKey strips an s3://bucket/ prefix to return a bucket-relative key.
// Non-S3 paths are returned unchanged.
func NormalizeKey(path string) string {
	if strings.HasPrefix(path, "s3://") {
		trimmed := strings.TrimPrefix(path, "s3://")
		parts := strings.SplitN(trimmed, "/", 2)
		if len(parts) == 2 {
			return parts[1]
		}
	}
	return path
}

// PrefixedStore scopes every key of an underlying store below a fixed prefix,
// so several deployments can share one bucket.
type PrefixedStore struct {
	Store
	prefix string
}

// WithPrefix returns store unchanged for an empty prefix.
func WithPrefix(store Store, prefix string) Store {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return store
	}
	return &PrefixedStore{Store: store, prefix: prefix + "/"}
}

func (s *PrefixedStore) full(key string) string {
	return s.prefix + NormalizeKey(key)
}

func (s *PrefixedStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	return s.Store.Put(ctx, s.full(key), reader, size, contentType)
}

func (s *PrefixedStore) PutWithOptions(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error {
	return s.Store.PutWithOptions(ctx, s.full(key), reader, size, contentType, opts)
}

func (s *PrefixedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.Store.Get(ctx, s.full(key))
}

func (s *PrefixedStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	meta, err := s.Store.Head(ctx, s.full(key))
	meta.Key = strings.TrimPrefix(meta.Key, s.prefix)
	return meta, err
}

func (s *PrefixedStore) Delete(ctx context.Context, key string) error {
	return s.Store.Delete(ctx, s.full(key))
}

// List returns keys relative to the prefix.
func (s *PrefixedStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	metas, err := s.Store.List(ctx, s.full(prefix))
	if err != nil {
		return nil, err
	}
	for i := range metas {
		metas[i].Key = strings.TrimPrefix(metas[i].Key, s.prefix)
	}
	return metas, nil
}
