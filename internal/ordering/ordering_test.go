package ordering

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tally-io/tally/internal/datastore"
	"github.com/tally-io/tally/internal/datastore/keys"
	"github.com/tally-io/tally/internal/metric"
)

func metrics(ids ...string) []metric.Metric {
	out := make([]metric.Metric, len(ids))
	for i, id := range ids {
		out[i] = metric.Metric{ID: id, Type: "type-" + id, Value: float64(i)}
	}
	return out
}

func TestResolveScenario(t *testing.T) {
	got := Resolve(metrics("A", "B", "C"), []Entry{{"C", 0}, {"A", 1}})
	assert.Equal(t, []string{"C", "A", "B"}, IDs(got))
}

func TestResolveEmptyOrderingReturnsInput(t *testing.T) {
	in := metrics("A", "B")
	got := Resolve(in, nil)
	assert.Equal(t, in, got)

	got[0].ID = "changed"
	assert.Equal(t, "A", in[0].ID, "output does not alias input")
}

func TestResolveIdempotent(t *testing.T) {
	ms := metrics("A", "B", "C", "D")
	ordering := []Entry{{"D", 5}, {"B", 1}}

	once := Resolve(ms, ordering)
	assert.Equal(t, once, Resolve(once, ordering))
	assert.Equal(t, once, Resolve(once, EntriesFor(once)))
}

func TestResolveDanglingEntries(t *testing.T) {
	ms := metrics("A", "B", "C")
	got := Resolve(ms, []Entry{{"gone", 0}, {"B", 1}, {"also-gone", 2}})

	assert.Equal(t, []string{"B", "A", "C"}, IDs(got))
	seen := map[string]int{}
	for _, m := range got {
		seen[m.ID]++
	}
	assert.Equal(t, map[string]int{"A": 1, "B": 1, "C": 1}, seen)
}

func TestResolveUnorderedKeepInputOrder(t *testing.T) {
	got := Resolve(metrics("E", "D", "C", "B", "A"), []Entry{{"C", 0}})
	assert.Equal(t, []string{"C", "E", "D", "B", "A"}, IDs(got))
}

func TestResolveSparseAndTiedIndexes(t *testing.T) {
	got := Resolve(metrics("A", "B", "C"), []Entry{{"C", 10}, {"A", 10}, {"B", -3}})
	assert.Equal(t, []string{"B", "A", "C"}, IDs(got), "ties keep input order")
}

func TestMove(t *testing.T) {
	seq := metrics("C", "A", "B")

	got, ok := Move(seq, "B", "C")
	require.True(t, ok)
	assert.Equal(t, []string{"B", "C", "A"}, IDs(got))
	assert.Equal(t, []string{"C", "A", "B"}, IDs(seq), "input is not mutated")

	got, ok = Move(seq, "C", "B")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B", "C"}, IDs(got))

	got, ok = Move(seq, "C", "A")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "C", "B"}, IDs(got))

	for _, tc := range [][2]string{{"A", "A"}, {"X", "A"}, {"A", "X"}} {
		got, ok := Move(seq, tc[0], tc[1])
		assert.False(t, ok, tc)
		assert.Equal(t, seq, got)
	}
}

func TestEntriesFor(t *testing.T) {
	assert.Equal(t, []Entry{{"B", 0}, {"A", 1}}, EntriesFor(metrics("B", "A")))
	assert.Empty(t, EntriesFor(nil))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeAtomic, m)

	m, err = ParseMode("two-step")
	require.NoError(t, err)
	assert.Equal(t, ModeTwoStep, m)

	_, err = ParseMode("eventual")
	assert.Error(t, err)
}

func TestGetOrdering(t *testing.T) {
	ctx := context.Background()
	ds := datastore.NewMockStore()
	defer ds.Close()
	s := NewStore(ds)

	entries, err := s.GetOrdering(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = s.GetOrdering(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, s.ReplaceOrdering(ctx, "u1", []string{"m3", "m1", "m2"}))
	entries, err = s.GetOrdering(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []Entry{{"m3", 0}, {"m1", 1}, {"m2", 2}}, entries)

	other, err := s.GetOrdering(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, other, "orderings are per user")

	ds.FailNext("list", keys.OrdersPrefix, 1, datastore.ErrUnavailable)
	_, err = s.GetOrdering(ctx, "u1")
	assert.True(t, metric.IsFetchError(err))
	assert.ErrorIs(t, err, datastore.ErrUnavailable)
}

func TestReplaceOrderingRequiresUser(t *testing.T) {
	ds := datastore.NewMockStore()
	defer ds.Close()
	err := NewStore(ds).ReplaceOrdering(context.Background(), "", []string{"a"})
	assert.ErrorIs(t, err, metric.ErrAuthRequired)
	assert.Equal(t, 0, ds.TxnCallCount())
}

func TestReplaceOrderingAtomic(t *testing.T) {
	ctx := context.Background()
	ds := datastore.NewMockStore()
	defer ds.Close()
	s := NewStore(ds)

	require.NoError(t, s.ReplaceOrdering(ctx, "u1", []string{"a", "b", "c"}))
	require.NoError(t, s.ReplaceOrdering(ctx, "u1", []string{"c", "a", "c", "d"}))

	entries, err := s.GetOrdering(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []Entry{{"c", 0}, {"a", 1}, {"d", 2}}, entries, "duplicates keep first position, removed ids are deleted")

	ds.FailNext("txn", keys.OrderPartition("u1"), 1, datastore.ErrUnavailable)
	err = s.ReplaceOrdering(ctx, "u1", []string{"x"})
	assert.ErrorIs(t, err, datastore.ErrUnavailable)

	entries, err = s.GetOrdering(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []Entry{{"c", 0}, {"a", 1}, {"d", 2}}, entries, "failed replace leaves old ordering")

	require.NoError(t, s.ReplaceOrdering(ctx, "u1", nil))
	entries, err = s.GetOrdering(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReplaceOrderingRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	ds := datastore.NewMockStore()
	defer ds.Close()

	ds.FailNext("txn", "", 2, datastore.ErrTxnConflict)
	require.NoError(t, NewStore(ds).ReplaceOrdering(ctx, "u1", []string{"a"}))

	ds.FailNext("txn", "", 5, datastore.ErrTxnConflict)
	err := NewStore(ds, WithConflictRetries(1)).ReplaceOrdering(ctx, "u1", []string{"b"})
	assert.ErrorIs(t, err, datastore.ErrTxnConflict)
}

func TestReplaceOrderingTwoStepPartialWrite(t *testing.T) {
	ctx := context.Background()
	ds := datastore.NewMockStore()
	defer ds.Close()
	s := NewStore(ds, WithMode(ModeTwoStep))
	assert.Equal(t, ModeTwoStep, s.Mode())

	require.NoError(t, s.ReplaceOrdering(ctx, "u1", []string{"a", "b"}))
	require.NoError(t, s.ReplaceOrdering(ctx, "u1", []string{"b", "a"}))
	entries, err := s.GetOrdering(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []Entry{{"b", 0}, {"a", 1}}, entries)

	// The clear succeeds, the insert fails.
	boom := errors.New("insert failed")
	calls := ds.TxnCallCount()

	failing := &failSecondTxn{MockStore: ds, err: boom}
	err = NewStore(failing, WithMode(ModeTwoStep)).ReplaceOrdering(ctx, "u1", []string{"c"})

	var pe *metric.PartialWriteError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "u1", pe.UserID)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, calls+2, ds.TxnCallCount())

	entries, err = s.GetOrdering(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, entries, "two-step mode leaves the ordering empty")
}

// failSecondTxn fails every transaction after the first.
type failSecondTxn struct {
	*datastore.MockStore
	err   error
	calls int
}

func (f *failSecondTxn) Txn(ctx context.Context, scopeKey string, fn func(datastore.Txn) error) error {
	f.calls++
	if f.calls > 1 {
		return f.MockStore.Txn(ctx, scopeKey, func(datastore.Txn) error { return f.err })
	}
	return f.MockStore.Txn(ctx, scopeKey, fn)
}
