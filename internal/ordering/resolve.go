package ordering

import (
	"sort"

	"github.com/tally-io/tally/internal/metric"
)

// Resolve merges metrics with an ordering into the display sequence. Ordered
// metrics come first by ascending index; the rest follow in their input order.
// Entries naming absent metrics are ignored. Resolve never mutates its inputs
// and is idempotent: resolving its own output with the same ordering returns
// the same sequence.
func Resolve(metrics []metric.Metric, ordering []Entry) []metric.Metric {
	out := make([]metric.Metric, 0, len(metrics))
	if len(ordering) == 0 {
		return append(out, metrics...)
	}

	index := make(map[string]int, len(ordering))
	for _, e := range ordering {
		if _, ok := index[e.MetricID]; !ok {
			index[e.MetricID] = e.Index
		}
	}

	var unordered []metric.Metric
	for _, m := range metrics {
		if _, ok := index[m.ID]; ok {
			out = append(out, m)
		} else {
			unordered = append(unordered, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return index[out[i].ID] < index[out[j].ID] })
	return append(out, unordered...)
}

// Move removes activeID from seq and reinserts it at overID's position. It
// reports false, and returns seq unchanged, when the ids are equal or either
// is missing.
func Move(seq []metric.Metric, activeID, overID string) ([]metric.Metric, bool) {
	if activeID == overID {
		return seq, false
	}
	from, to := -1, -1
	for i, m := range seq {
		switch m.ID {
		case activeID:
			from = i
		case overID:
			to = i
		}
	}
	if from < 0 || to < 0 {
		return seq, false
	}

	out := make([]metric.Metric, 0, len(seq))
	out = append(out, seq[:from]...)
	out = append(out, seq[from+1:]...)
	out = append(out[:to], append([]metric.Metric{seq[from]}, out[to:]...)...)
	return out, true
}

// EntriesFor derives a dense ordering from a display sequence.
func EntriesFor(seq []metric.Metric) []Entry {
	entries := make([]Entry, len(seq))
	for i, m := range seq {
		entries[i] = Entry{MetricID: m.ID, Index: i}
	}
	return entries
}

// IDs returns the metric ids of seq in order.
func IDs(seq []metric.Metric) []string {
	ids := make([]string, len(seq))
	for i, m := range seq {
		ids[i] = m.ID
	}
	return ids
}
