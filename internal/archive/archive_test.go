package archive

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tally-io/tally/internal/metric"
	"github.com/tally-io/tally/internal/objectstore"
)

type fakeSource struct {
	metrics []metric.Metric
	history map[string][]metric.HistoryEntry
	err     error
}

func (s *fakeSource) ListMetrics(context.Context) ([]metric.Metric, error) {
	return s.metrics, s.err
}

func (s *fakeSource) AllHistory(_ context.Context, id string) ([]metric.HistoryEntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.history[id], nil
}

var exportedAt = time.UnixMilli(1767225600000).UTC()

func entries(metricID string, values ...float64) []metric.HistoryEntry {
	out := make([]metric.HistoryEntry, len(values))
	base := time.UnixMilli(1767000000000).UTC()
	for i, v := range values {
		out[i] = metric.HistoryEntry{
			ID:        fmt.Sprintf("%s-h%d", metricID, i),
			MetricID:  metricID,
			Value:     v,
			CreatedBy: "alice",
			CreatedAt: base.Add(time.Duration(i) * 1500 * time.Millisecond),
		}
	}
	return out
}

func fixedClock() time.Time { return exportedAt }

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, CodecNone, c)

	c, err = ParseCodec("zstd")
	require.NoError(t, err)
	assert.Equal(t, CodecZstd, c)

	_, err = ParseCodec("brotli")
	assert.EqualError(t, err, `archive: unknown codec "brotli"`)
}

func TestCodecsRoundTrip(t *testing.T) {
	data, err := Encode(entries("m1", 1, 2, 3))
	require.NoError(t, err)

	for _, c := range []Codec{CodecNone, CodecSnappy, CodecLZ4, CodecZstd, CodecGzip} {
		t.Run(string(c), func(t *testing.T) {
			packed, err := c.compress(data)
			require.NoError(t, err)
			unpacked, err := c.decompress(packed)
			require.NoError(t, err)
			assert.Equal(t, data, unpacked)
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	in := entries("m1", 10, -2.5, 9007199254740991)
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = Encode(nil)
	assert.Error(t, err)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "history/m1/1767225600000.parquet", ObjectKey("m1", exportedAt, CodecNone))
	assert.Equal(t, "history/m1/1767225600000.parquet.zstd", ObjectKey("m1", exportedAt, CodecZstd))

	id, at, codec, err := ParseKey("history/m1/1767225600000.parquet.lz4")
	require.NoError(t, err)
	assert.Equal(t, "m1", id)
	assert.True(t, exportedAt.Equal(at))
	assert.Equal(t, CodecLZ4, codec)

	for _, bad := range []string{
		"metrics/m1/1.parquet",
		"history/m1",
		"history//1.parquet",
		"history/m1/x/1.parquet",
		"history/m1/abc.parquet",
		"history/m1/1.csv",
		"history/m1/1.parquet.none",
		"history/m1/1.parquet.brotli",
		"history/m1/1.parquetzstd",
	} {
		_, _, _, err := ParseKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestExportAndRead(t *testing.T) {
	src := &fakeSource{history: map[string][]metric.HistoryEntry{"m1": entries("m1", 1, 2, 3, 4)}}
	objects := objectstore.NewMockStore()
	e := NewExporter(src, objects, WithCodec(CodecZstd), WithClock(fixedClock))

	res, err := e.Export(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "history/m1/1767225600000.parquet.zstd", res.Key)
	assert.Equal(t, 4, res.Rows)

	meta, err := objects.Head(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, ContentType, meta.ContentType)
	assert.Equal(t, res.Size, meta.Size)
	assert.Equal(t, "4", meta.Metadata["rows"])
	assert.Equal(t, "zstd", meta.Metadata["codec"])

	got, err := Read(context.Background(), objects, res.Key)
	require.NoError(t, err)
	assert.Equal(t, src.history["m1"], got)

	keys, err := List(context.Background(), objects, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{res.Key}, keys)
}

func TestExportNeverOverwrites(t *testing.T) {
	src := &fakeSource{history: map[string][]metric.HistoryEntry{"m1": entries("m1", 1)}}
	objects := objectstore.NewMockStore()
	e := NewExporter(src, objects, WithClock(fixedClock))

	_, err := e.Export(context.Background(), "m1")
	require.NoError(t, err)
	_, err = e.Export(context.Background(), "m1")
	assert.ErrorIs(t, err, objectstore.ErrPreconditionFailed)
	assert.Equal(t, 1, objects.Len())
}

func TestExportErrors(t *testing.T) {
	objects := objectstore.NewMockStore()

	e := NewExporter(&fakeSource{}, objects, WithClock(fixedClock))
	_, err := e.Export(context.Background(), "empty")
	assert.ErrorIs(t, err, ErrNoHistory)

	boom := errors.New("boom")
	e = NewExporter(&fakeSource{err: boom}, objects)
	_, err = e.Export(context.Background(), "m1")
	assert.ErrorIs(t, err, boom)

	objects.FailPuts(objectstore.ErrAccessDenied)
	e = NewExporter(&fakeSource{history: map[string][]metric.HistoryEntry{"m1": entries("m1", 1)}}, objects)
	_, err = e.Export(context.Background(), "m1")
	assert.ErrorIs(t, err, objectstore.ErrAccessDenied)
	assert.Equal(t, 0, objects.Len())
}

func TestExportAll(t *testing.T) {
	src := &fakeSource{
		metrics: []metric.Metric{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}},
		history: map[string][]metric.HistoryEntry{
			"m1": entries("m1", 1, 2),
			"m3": entries("m3", 7),
		},
	}
	objects := objectstore.NewMockStore()
	e := NewExporter(src, objects, WithCodec(CodecSnappy), WithClock(fixedClock), WithConcurrency(2))

	results, err := e.ExportAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "m1", results[0].MetricID)
	assert.Equal(t, 2, results[0].Rows)
	assert.Equal(t, "m3", results[1].MetricID)
	assert.Equal(t, 2, objects.Len())

	got, err := Read(context.Background(), objects, results[1].Key)
	require.NoError(t, err)
	assert.Equal(t, src.history["m3"], got)
}

func TestReadErrors(t *testing.T) {
	objects := objectstore.NewMockStore()

	_, err := Read(context.Background(), objects, "not-an-archive")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = Read(context.Background(), objects, "history/m1/1.parquet")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestDecodeCorrupt(t *testing.T) {
	_, err := Decode([]byte("not parquet"))
	assert.Error(t, err)
}
