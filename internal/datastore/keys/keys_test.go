package keys

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTimestamp(t *testing.T) {
	s, err := EncodeTimestamp(42)
	require.NoError(t, err)
	assert.Equal(t, "0000000000000042", s)

	_, err = EncodeTimestamp(-1)
	assert.ErrorIs(t, err, ErrInvalidTimestamp)

	ms, err := DecodeTimestamp(s)
	require.NoError(t, err)
	assert.Equal(t, int64(42), ms)
}

func TestHistoryKeysSortChronologically(t *testing.T) {
	times := []int64{1700000000123, 999, 1700000000000, 5}
	var ks []string
	for _, ms := range times {
		k, err := HistoryKey("m1", ms, "e")
		require.NoError(t, err)
		ks = append(ks, k)
	}
	sort.Strings(ks)

	var got []int64
	for _, k := range ks {
		parts, err := ParseHistoryKey(k)
		require.NoError(t, err)
		got = append(got, parts.CreatedAtMs)
	}
	assert.Equal(t, []int64{5, 999, 1700000000000, 1700000000123}, got)
}

func TestParseHistoryKey(t *testing.T) {
	k, err := HistoryKey("m-1", 1234, "6b1f2a4e-8d4e-4c59-9c1e-4a3c2b1d0e9f")
	require.NoError(t, err)
	assert.Equal(t, "/tally/v1/history/m-1/0000000000001234-6b1f2a4e-8d4e-4c59-9c1e-4a3c2b1d0e9f", k)

	parts, err := ParseHistoryKey(k)
	require.NoError(t, err)
	assert.Equal(t, HistoryKeyParts{
		MetricID:    "m-1",
		CreatedAtMs: 1234,
		EntryID:     "6b1f2a4e-8d4e-4c59-9c1e-4a3c2b1d0e9f",
	}, parts)

	for _, bad := range []string{
		"/tally/v1/metrics/m1",
		"/tally/v1/history/m1",
		"/tally/v1/history/m1/123-e",
		"/tally/v1/history//0000000000001234-e",
		"/tally/v1/history/m1/00000000000012x4-e",
	} {
		_, err := ParseHistoryKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestParseMetricAndOrderKeys(t *testing.T) {
	id, err := ParseMetricKey(MetricKey("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	_, err = ParseMetricKey(MetricsListPrefix())
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = ParseMetricKey(ProfileKey("u"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	user, metric, err := ParseOrderKey(OrderKey("u1", "m1"))
	require.NoError(t, err)
	assert.Equal(t, "u1", user)
	assert.Equal(t, "m1", metric)

	_, _, err = ParseOrderKey(OrdersPrefix + "/u1")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestPartition(t *testing.T) {
	h, err := HistoryKey("m1", 1, "e1")
	require.NoError(t, err)

	tests := []struct {
		key      string
		expected string
	}{
		{MetricKey("m1"), MetricKey("m1")},
		{h, MetricKey("m1")},
		{OrderKey("u1", "m1"), OrderPartition("u1")},
		{OrderKey("u1", "m2"), OrderPartition("u1")},
		{ProfileKey("u1"), ProfileKey("u1")},
		{"/elsewhere", "/elsewhere"},
	}
	for _, tc := range tests {
		t.Run(tc.key, func(t *testing.T) {
			assert.Equal(t, tc.expected, Partition(tc.key))
		})
	}
}
