package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectErrorFormat(t *testing.T) {
	tests := []struct {
		name     string
		err      *ObjectError
		expected string
	}{
		{
			name:     "get not found",
			err:      &ObjectError{Op: "Get", Key: "history/m1/1767225600000.parquet", Err: ErrNotFound},
			expected: `objectstore: Get "history/m1/1767225600000.parquet": object not found`,
		},
		{
			name:     "put access denied",
			err:      &ObjectError{Op: "Put", Key: "history/m2/1.parquet.zstd", Err: ErrAccessDenied},
			expected: `objectstore: Put "history/m2/1.parquet.zstd": access denied`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("ObjectError.Error() = %q, want %q", got, tt.expected)
			}
			if !errors.Is(tt.err, tt.err.Err) {
				t.Errorf("ObjectError does not unwrap to %v", tt.err.Err)
			}
		})
	}
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "history/m1/1.parquet", NormalizeKey("s3://bucket/history/m1/1.parquet"))
	assert.Equal(t, "history/m1/1.parquet", NormalizeKey("history/m1/1.parquet"))
	assert.Equal(t, "s3://bucket", NormalizeKey("s3://bucket"))
}

func put(t *testing.T, s Store, key, body string) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), key, strings.NewReader(body), int64(len(body)), "text/plain"))
}

func read(t *testing.T, s Store, key string) string {
	t.Helper()
	rc, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestMockStore(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()

	put(t, s, "history/b/2", "two")
	put(t, s, "history/a/1", "one")
	put(t, s, "other/x", "x")
	assert.Equal(t, "one", read(t, s, "history/a/1"))

	err := s.Put(ctx, "bad", strings.NewReader("abc"), 2, "text/plain")
	assert.Error(t, err)

	err = s.PutWithOptions(ctx, "history/a/1", strings.NewReader("z"), 1, "text/plain", PutOptions{IfNoneMatch: "*"})
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	list, err := s.List(ctx, "history/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "history/a/1", list[0].Key)

	meta, err := s.Head(ctx, "history/b/2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.Size)

	require.NoError(t, s.Delete(ctx, "history/b/2"))
	require.NoError(t, s.Delete(ctx, "history/b/2"))
	_, err = s.Get(ctx, "history/b/2")
	assert.ErrorIs(t, err, ErrNotFound)

	boom := errors.New("boom")
	s.FailPuts(boom)
	assert.ErrorIs(t, s.Put(ctx, "k", bytes.NewReader(nil), 0, ""), boom)
	s.FailPuts(nil)

	require.NoError(t, s.Close())
	_, err = s.List(ctx, "")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPrefixedStore(t *testing.T) {
	ctx := context.Background()
	inner := NewMockStore()
	assert.Same(t, Store(inner), WithPrefix(inner, "/"))

	s := WithPrefix(inner, "/prod/")
	put(t, s, "history/m1/1.parquet", "data")

	_, err := inner.Head(ctx, "prod/history/m1/1.parquet")
	require.NoError(t, err)
	assert.Equal(t, "data", read(t, s, "s3://bucket/history/m1/1.parquet"))

	meta, err := s.Head(ctx, "history/m1/1.parquet")
	require.NoError(t, err)
	assert.Equal(t, "history/m1/1.parquet", meta.Key)

	list, err := s.List(ctx, "history/")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "history/m1/1.parquet", list[0].Key)

	require.NoError(t, s.Delete(ctx, "history/m1/1.parquet"))
	assert.Equal(t, 0, inner.Len())
}

type recordedCall struct {
	op      string
	success bool
}

type fakeRecorder struct {
	calls []recordedCall
	bytes map[string]int64
}

func (r *fakeRecorder) RecordOperation(op string, _ float64, success bool) {
	r.calls = append(r.calls, recordedCall{op, success})
}

func (r *fakeRecorder) RecordBytes(direction string, n int64) {
	if r.bytes == nil {
		r.bytes = make(map[string]int64)
	}
	r.bytes[direction] += n
}

func TestInstrumentedStore(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	s := NewInstrumentedStore(NewMockStore(), rec)

	put(t, s, "a", "hello")
	assert.Equal(t, "hello", read(t, s, "a"))
	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Head(ctx, "a")
	require.NoError(t, err)
	_, err = s.Head(ctx, "health-check")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.List(ctx, "")
	require.NoError(t, err)

	err = s.PutWithOptions(ctx, "a", strings.NewReader("again"), 5, "text/plain", PutOptions{IfNoneMatch: "*"})
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	require.NoError(t, s.Delete(ctx, "a"))

	assert.Equal(t, []recordedCall{
		{OpPut, true},
		{OpGet, true},
		{OpGet, false},
		{OpHead, true},
		{OpHead, true},
		{OpList, true},
		{OpPut, true},
		{OpDelete, true},
	}, rec.calls)
	assert.Equal(t, map[string]int64{DirectionWrite: 5, DirectionRead: 5}, rec.bytes)
}

func TestInstrumentedGetRecordsOnClose(t *testing.T) {
	rec := &fakeRecorder{}
	s := NewInstrumentedStore(NewMockStore(), rec)
	put(t, s, "a", "hello")
	rec.calls = nil

	rc, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Empty(t, rec.calls)
	buf := make([]byte, 2)
	_, err = io.ReadFull(rc, buf)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())

	assert.Equal(t, []recordedCall{{OpGet, true}}, rec.calls)
	assert.Equal(t, int64(2), rec.bytes[DirectionRead])
}

func TestInstrumentedStoreWithoutRecorder(t *testing.T) {
	s := NewInstrumentedStore(NewMockStore(), nil)
	put(t, s, "a", "x")
	assert.Equal(t, "x", read(t, s, "a"))
}
