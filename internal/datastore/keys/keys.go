// Package keys builds and parses datastore keys.
//
// Layout:
//
//	/tally/v1/metrics/<metricId>
//	/tally/v1/history/<metricId>/<createdAtMsZ>-<entryId>
//	/tally/v1/orders/<userId>/<metricId>
//	/tally/v1/profiles/<userId>
//	/tally/v1/tokens/<token>
//
// createdAtMsZ is zero padded to TimestampWidth digits so that history keys
// sort chronologically.
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TimestampWidth is the zero-padded width of millisecond timestamps in keys.
const TimestampWidth = 16

const (
	// Prefix is the root of every tally key.
	Prefix = "/tally/v1"

	MetricsPrefix  = Prefix + "/metrics"
	HistoryPrefix  = Prefix + "/history"
	OrdersPrefix   = Prefix + "/orders"
	ProfilesPrefix = Prefix + "/profiles"
	TokensPrefix   = Prefix + "/tokens"
)

var (
	// ErrInvalidKey is returned when a key cannot be parsed.
	ErrInvalidKey = errors.New("keys: invalid key format")

	// ErrInvalidTimestamp is returned for negative timestamps.
	ErrInvalidTimestamp = errors.New("keys: timestamp must be non-negative")
)

// EncodeTimestamp zero pads a millisecond timestamp.
func EncodeTimestamp(ms int64) (string, error) {
	if ms < 0 {
		return "", ErrInvalidTimestamp
	}
	return fmt.Sprintf("%0*d", TimestampWidth, ms), nil
}

// DecodeTimestamp parses a zero-padded millisecond timestamp.
func DecodeTimestamp(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func MetricKey(metricID string) string {
	return MetricsPrefix + "/" + metricID
}

// MetricsListPrefix lists every metric row.
func MetricsListPrefix() string {
	return MetricsPrefix + "/"
}

// HistoryKey returns the key of one history entry.
func HistoryKey(metricID string, createdAtMs int64, entryID string) (string, error) {
	ts, err := EncodeTimestamp(createdAtMs)
	if err != nil {
		return "", err
	}
	return HistoryListPrefix(metricID) + ts + "-" + entryID, nil
}

// HistoryListPrefix lists the history of one metric.
func HistoryListPrefix(metricID string) string {
	return HistoryPrefix + "/" + metricID + "/"
}

func OrderKey(userID, metricID string) string {
	return OrderListPrefix(userID) + metricID
}

// OrderListPrefix lists one user's ordering.
func OrderListPrefix(userID string) string {
	return OrdersPrefix + "/" + userID + "/"
}

func ProfileKey(userID string) string {
	return ProfilesPrefix + "/" + userID
}

func TokenKey(token string) string {
	return TokensPrefix + "/" + token
}

// Partition returns the partition a key is routed by. Keys written together in
// one transaction share a partition: a metric with its history, and every
// order entry of one user.
func Partition(key string) string {
	switch {
	case strings.HasPrefix(key, HistoryPrefix+"/"):
		if id, _, ok := strings.Cut(key[len(HistoryPrefix)+1:], "/"); ok && id != "" {
			return MetricKey(id)
		}
	case strings.HasPrefix(key, OrdersPrefix+"/"):
		if user, _, ok := strings.Cut(key[len(OrdersPrefix)+1:], "/"); ok && user != "" {
			return OrdersPrefix + "/" + user
		}
	}
	return key
}

// OrderPartition is the transaction scope for a user's ordering.
func OrderPartition(userID string) string {
	return OrdersPrefix + "/" + userID
}

// ParseMetricKey extracts the metric id from a metric key.
func ParseMetricKey(key string) (string, error) {
	rest, ok := strings.CutPrefix(key, MetricsPrefix+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", ErrInvalidKey
	}
	return rest, nil
}

// HistoryKeyParts is a parsed history key.
type HistoryKeyParts struct {
	MetricID    string
	CreatedAtMs int64
	EntryID     string
}

// ParseHistoryKey splits a history key into its components.
func ParseHistoryKey(key string) (HistoryKeyParts, error) {
	rest, ok := strings.CutPrefix(key, HistoryPrefix+"/")
	if !ok {
		return HistoryKeyParts{}, ErrInvalidKey
	}
	metricID, leaf, ok := strings.Cut(rest, "/")
	if !ok || metricID == "" || strings.Contains(leaf, "/") {
		return HistoryKeyParts{}, ErrInvalidKey
	}
	ts, entryID, ok := strings.Cut(leaf, "-")
	if !ok || len(ts) != TimestampWidth || entryID == "" {
		return HistoryKeyParts{}, ErrInvalidKey
	}
	ms, err := DecodeTimestamp(ts)
	if err != nil {
		return HistoryKeyParts{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return HistoryKeyParts{MetricID: metricID, CreatedAtMs: ms, EntryID: entryID}, nil
}

// ParseOrderKey extracts the user and metric ids from an order key.
func ParseOrderKey(key string) (userID, metricID string, err error) {
	rest, ok := strings.CutPrefix(key, OrdersPrefix+"/")
	if !ok {
		return "", "", ErrInvalidKey
	}
	userID, metricID, ok = strings.Cut(rest, "/")
	if !ok || userID == "" || metricID == "" || strings.Contains(metricID, "/") {
		return "", "", ErrInvalidKey
	}
	return userID, metricID, nil
}
