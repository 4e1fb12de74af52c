package cache

import "strings"

// Key identifies a cached query. Keys are hierarchical: ["metrics", uid] is
// under the prefix ["metrics"].
type Key []string

const sep = "\x1f"

func (k Key) id() string {
	return strings.Join(k, sep)
}

func (k Key) clone() Key {
	return append(Key(nil), k...)
}

func (k Key) String() string {
	return strings.Join(k, "/")
}

func (k Key) Equal(o Key) bool {
	if len(k) != len(o) {
		return false
	}
	for i := range k {
		if k[i] != o[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether every element of prefix matches the start of k.
// An empty prefix matches every key.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	return Key(k[:len(prefix)]).Equal(prefix)
}

const (
	metricsRoot         = "metrics"
	orderingRoot        = "metric-ordering"
	historyRoot         = "metric-history"
	historyDetailedRoot = "metric-history-detailed"
	profileRoot         = "user-profile"
)

// MetricsPrefix covers the metric collection as seen by every user.
func MetricsPrefix() Key { return Key{metricsRoot} }

// MetricsKey is the display sequence of the metric collection for one viewer.
// Anonymous viewers use an empty user id.
func MetricsKey(userID string) Key { return Key{metricsRoot, userID} }

func OrderingKey(userID string) Key { return Key{orderingRoot, userID} }

func HistoryKey(metricID string) Key { return Key{historyRoot, metricID} }

func HistoryDetailedKey(metricID string) Key { return Key{historyDetailedRoot, metricID} }

// HistoryPrefix covers the sparkline history of every metric.
func HistoryPrefix() Key { return Key{historyRoot} }

// HistoryDetailedPrefix covers the detailed history of every metric.
func HistoryDetailedPrefix() Key { return Key{historyDetailedRoot} }

func ProfileKey(userID string) Key { return Key{profileRoot, userID} }
