package archive

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/tally-io/tally/internal/metric"
)

// Row is one history entry in the archive schema.
type Row struct {
	ID        string  `parquet:"id"`
	MetricID  string  `parquet:"metric_id"`
	Value     float64 `parquet:"value"`
	CreatedBy string  `parquet:"created_by"`
	CreatedAt int64   `parquet:"created_at,timestamp(millisecond)"`
}

func rowFromEntry(e metric.HistoryEntry) Row {
	return Row{
		ID:        e.ID,
		MetricID:  e.MetricID,
		Value:     e.Value,
		CreatedBy: e.CreatedBy,
		CreatedAt: e.CreatedAt.UnixMilli(),
	}
}

func (r Row) entry() metric.HistoryEntry {
	return metric.HistoryEntry{
		ID:        r.ID,
		MetricID:  r.MetricID,
		Value:     r.Value,
		CreatedBy: r.CreatedBy,
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
	}
}

// Encode writes entries as a parquet file. Timestamps keep millisecond
// precision.
func Encode(entries []metric.HistoryEntry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("parquet: no records written")
	}
	rows := make([]Row, len(entries))
	for i, e := range entries {
		rows[i] = rowFromEntry(e)
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[Row](&buf)
	n, err := w.Write(rows)
	if err != nil {
		return nil, fmt.Errorf("parquet: write records: %w", err)
	}
	if n != len(rows) {
		return nil, fmt.Errorf("parquet: wrote %d of %d records", n, len(rows))
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("parquet: close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads every entry from a parquet file produced by Encode.
func Decode(data []byte) ([]metric.HistoryEntry, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parquet: open: %w", err)
	}
	r := parquet.NewGenericReader[Row](f)
	defer r.Close()

	numRows := r.NumRows()
	if numRows == 0 {
		return nil, nil
	}
	rows := make([]Row, int(numRows))
	n, err := r.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("parquet: read records: %w", err)
	}

	entries := make([]metric.HistoryEntry, n)
	for i, row := range rows[:n] {
		entries[i] = row.entry()
	}
	return entries, nil
}
