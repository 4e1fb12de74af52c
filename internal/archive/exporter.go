// Package archive exports metric history to the object store as parquet
// files and reads them back.
//
// Objects are keyed history/<metric_id>/<unix_ms>.parquet, with a codec
// suffix when compressed (history/m1/1767225600000.parquet.zstd).
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tally-io/tally/internal/logging"
	"github.com/tally-io/tally/internal/metric"
	"github.com/tally-io/tally/internal/objectstore"
)

// ContentType is set on every archive object.
const ContentType = "application/vnd.apache.parquet"

const (
	keyRoot       = "history/"
	parquetSuffix = ".parquet"

	defaultConcurrency = 4
)

var (
	// ErrNoHistory is returned by Export for a metric without history.
	ErrNoHistory = errors.New("archive: metric has no history")

	// ErrInvalidKey is returned for object keys outside the archive layout.
	ErrInvalidKey = errors.New("archive: invalid object key")
)

// HistorySource supplies the rows to archive.
type HistorySource interface {
	ListMetrics(ctx context.Context) ([]metric.Metric, error)
	AllHistory(ctx context.Context, metricID string) ([]metric.HistoryEntry, error)
}

// Result describes one written archive.
type Result struct {
	Key      string
	MetricID string
	Rows     int
	Size     int64
}

// Exporter writes history archives.
type Exporter struct {
	source      HistorySource
	objects     objectstore.Store
	codec       Codec
	concurrency int
	now         func() time.Time
	logger      *logging.Logger
}

// Option configures an Exporter.
type Option func(*Exporter)

func WithCodec(c Codec) Option {
	return func(e *Exporter) { e.codec = c }
}

// WithConcurrency bounds parallel exports in ExportAll.
func WithConcurrency(n int) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

func NewExporter(source HistorySource, objects objectstore.Store, opts ...Option) *Exporter {
	e := &Exporter{
		source:      source,
		objects:     objects,
		codec:       CodecNone,
		concurrency: defaultConcurrency,
		now:         time.Now,
		logger:      logging.Global().With(map[string]any{"component": "archive"}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ObjectKey returns the archive key for a metric exported at at.
func ObjectKey(metricID string, at time.Time, codec Codec) string {
	return keyRoot + metricID + "/" + strconv.FormatInt(at.UnixMilli(), 10) + parquetSuffix + codec.extension()
}

// ParseKey splits an archive key into its metric id, export time and codec.
func ParseKey(key string) (string, time.Time, Codec, error) {
	rest, ok := strings.CutPrefix(key, keyRoot)
	if !ok {
		return "", time.Time{}, "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	metricID, file, ok := strings.Cut(rest, "/")
	if !ok || metricID == "" || strings.Contains(file, "/") {
		return "", time.Time{}, "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	stamp, suffix, ok := strings.Cut(file, parquetSuffix)
	if !ok {
		return "", time.Time{}, "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	ms, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	codec := CodecNone
	if suffix != "" {
		name, ok := strings.CutPrefix(suffix, ".")
		if !ok {
			return "", time.Time{}, "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
		if codec, err = ParseCodec(name); err != nil || codec == CodecNone {
			return "", time.Time{}, "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return metricID, time.UnixMilli(ms).UTC(), codec, nil
}

// Export writes the full history of one metric. Existing objects are never
// overwritten.
func (e *Exporter) Export(ctx context.Context, metricID string) (Result, error) {
	entries, err := e.source.AllHistory(ctx, metricID)
	if err != nil {
		return Result{}, fmt.Errorf("archive: read history: %w", err)
	}
	if len(entries) == 0 {
		return Result{}, ErrNoHistory
	}

	data, err := Encode(entries)
	if err != nil {
		return Result{}, fmt.Errorf("archive: %w", err)
	}
	data, err = e.codec.compress(data)
	if err != nil {
		return Result{}, fmt.Errorf("archive: %w", err)
	}

	key := ObjectKey(metricID, e.now(), e.codec)
	err = e.objects.PutWithOptions(ctx, key, bytes.NewReader(data), int64(len(data)), ContentType, objectstore.PutOptions{
		IfNoneMatch: "*",
		Metadata: map[string]string{
			"metric-id": metricID,
			"rows":      strconv.Itoa(len(entries)),
			"codec":     string(e.codec),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("archive: write %s: %w", key, err)
	}

	e.logger.Infof("history archived", map[string]any{
		"metricId": metricID,
		"key":      key,
		"rows":     len(entries),
		"bytes":    len(data),
	})
	return Result{Key: key, MetricID: metricID, Rows: len(entries), Size: int64(len(data))}, nil
}

// ExportAll exports every metric that has history. Results follow the order
// of ListMetrics. The first failure cancels the remaining exports.
func (e *Exporter) ExportAll(ctx context.Context) ([]Result, error) {
	metrics, err := e.source.ListMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: list metrics: %w", err)
	}

	results := make([]Result, len(metrics))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, m := range metrics {
		g.Go(func() error {
			res, err := e.Export(gctx, m.ID)
			if errors.Is(err, ErrNoHistory) {
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	err = g.Wait()

	out := results[:0]
	for _, r := range results {
		if r.Key != "" {
			out = append(out, r)
		}
	}
	return out, err
}

// Read downloads and decodes one archive.
func Read(ctx context.Context, objects objectstore.Store, key string) ([]metric.HistoryEntry, error) {
	_, _, codec, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	rc, err := objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}
	if data, err = codec.decompress(data); err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	entries, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return entries, nil
}

// List returns the archive keys of one metric, oldest first.
func List(ctx context.Context, objects objectstore.Store, metricID string) ([]string, error) {
	metas, err := objects.List(ctx, keyRoot+metricID+"/")
	if err != nil {
		return nil, err
	}
	type stamped struct {
		key string
		at  time.Time
	}
	found := make([]stamped, 0, len(metas))
	for _, m := range metas {
		if _, at, _, err := ParseKey(m.Key); err == nil {
			found = append(found, stamped{m.Key, at})
		}
	}
	slices.SortStableFunc(found, func(a, b stamped) int { return a.at.Compare(b.at) })
	keys := make([]string, len(found))
	for i, f := range found {
		keys[i] = f.key
	}
	return keys, nil
}
