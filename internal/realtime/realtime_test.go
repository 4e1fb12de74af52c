package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tally-io/tally/internal/cache"
	"github.com/tally-io/tally/internal/datastore"
	"github.com/tally-io/tally/internal/datastore/keys"
)

func TestCommandsFor(t *testing.T) {
	tests := []struct {
		name string
		ev   ChangeEvent
		want []cache.Command
	}{
		{
			name: "metric update",
			ev:   ChangeEvent{Table: TableMetrics, Kind: KindUpdate, MetricID: "m1"},
			want: []cache.Command{
				cache.Invalidate(cache.MetricsPrefix()),
				cache.Invalidate(cache.HistoryKey("m1")),
				cache.Invalidate(cache.HistoryDetailedKey("m1")),
			},
		},
		{
			name: "history insert",
			ev:   ChangeEvent{Table: TableHistory, Kind: KindInsert, MetricID: "m2"},
			want: []cache.Command{
				cache.Invalidate(cache.MetricsPrefix()),
				cache.Invalidate(cache.HistoryKey("m2")),
				cache.Invalidate(cache.HistoryDetailedKey("m2")),
			},
		},
		{
			name: "event without id",
			ev:   ChangeEvent{Table: TableMetrics, Kind: KindDelete},
			want: []cache.Command{cache.Invalidate(cache.MetricsPrefix())},
		},
		{
			name: "metrics resync",
			ev:   ChangeEvent{Table: TableMetrics, Kind: KindResync},
			want: []cache.Command{cache.Invalidate(cache.MetricsPrefix())},
		},
		{
			name: "history resync",
			ev:   ChangeEvent{Table: TableHistory, Kind: KindResync},
			want: []cache.Command{
				cache.Invalidate(cache.MetricsPrefix()),
				cache.Invalidate(cache.HistoryPrefix()),
				cache.Invalidate(cache.HistoryDetailedPrefix()),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CommandsFor(tt.ev)
			assert.Equal(t, tt.want, got)
			for _, cmd := range got {
				assert.False(t, cache.OrderingKey("u1").HasPrefix(cmd.Key), "ordering must not be invalidated by %s", cmd)
			}
		})
	}
}

func TestEventFromNotification(t *testing.T) {
	at := time.Unix(100, 0)
	histKey, err := keys.HistoryKey("m1", 1000, "h1")
	require.NoError(t, err)

	ev, ok := EventFromNotification(datastore.Notification{Key: keys.MetricKey("m1"), Type: datastore.KeyCreated}, at)
	require.True(t, ok)
	assert.Equal(t, ChangeEvent{Table: TableMetrics, Kind: KindInsert, MetricID: "m1", At: at}, ev)

	ev, ok = EventFromNotification(datastore.Notification{Key: keys.MetricKey("m1"), Type: datastore.KeyModified}, at)
	require.True(t, ok)
	assert.Equal(t, KindUpdate, ev.Kind)

	ev, ok = EventFromNotification(datastore.Notification{Key: keys.MetricKey("m1"), Type: datastore.KeyDeleted}, at)
	require.True(t, ok)
	assert.Equal(t, KindDelete, ev.Kind)

	ev, ok = EventFromNotification(datastore.Notification{Key: histKey, Type: datastore.KeyCreated}, at)
	require.True(t, ok)
	assert.Equal(t, ChangeEvent{Table: TableHistory, Kind: KindInsert, MetricID: "m1", At: at}, ev)

	_, ok = EventFromNotification(datastore.Notification{Key: histKey, Type: datastore.KeyModified}, at)
	assert.False(t, ok)
	_, ok = EventFromNotification(datastore.Notification{Key: keys.OrderKey("u1", "m1"), Type: datastore.KeyCreated}, at)
	assert.False(t, ok)
	_, ok = EventFromNotification(datastore.Notification{Key: keys.ProfileKey("u1"), Type: datastore.KeyModified}, at)
	assert.False(t, ok)
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "metrics update m1", ChangeEvent{Table: TableMetrics, Kind: KindUpdate, MetricID: "m1"}.String())
	assert.Equal(t, "metric_history resync", ChangeEvent{Table: TableHistory, Kind: KindResync}.String())
}

func collect(t *testing.T, ch <-chan cache.Command, n int) []cache.Command {
	t.Helper()
	out := make([]cache.Command, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case cmd, ok := <-ch:
			require.True(t, ok, "command channel closed early")
			out = append(out, cmd)
		case <-timeout:
			t.Fatalf("received %d of %d commands: %v", len(out), n, out)
		}
	}
	return out
}

func assertQuiet(t *testing.T, ch <-chan cache.Command) {
	t.Helper()
	select {
	case cmd := <-ch:
		t.Fatalf("unexpected command %s", cmd)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListenerMetricUpdate(t *testing.T) {
	ds := datastore.NewMockStore()
	var (
		mu     sync.Mutex
		events []ChangeEvent
	)
	l := NewListener(NewDatastoreSource(ds), WithEventHandler(func(ev ChangeEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()
	assert.ErrorIs(t, l.Start(context.Background()), ErrAlreadyStarted)

	ctx := context.Background()
	_, err := ds.Put(ctx, keys.OrderKey("u1", "m1"), []byte(`{}`))
	require.NoError(t, err)
	assertQuiet(t, l.Commands())

	_, err = ds.Put(ctx, keys.MetricKey("m1"), []byte(`{}`))
	require.NoError(t, err)
	got := collect(t, l.Commands(), 3)
	assert.Equal(t, CommandsFor(ChangeEvent{MetricID: "m1"}), got)

	mu.Lock()
	require.Len(t, events, 1)
	assert.Equal(t, TableMetrics, events[0].Table)
	assert.Equal(t, KindInsert, events[0].Kind)
	mu.Unlock()
}

func TestListenerHistoryInsert(t *testing.T) {
	ds := datastore.NewMockStore()
	l := NewListener(NewDatastoreSource(ds))
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	key, err := keys.HistoryKey("m9", 5, "h1")
	require.NoError(t, err)
	_, err = ds.Put(context.Background(), key, []byte(`{}`))
	require.NoError(t, err)

	got := collect(t, l.Commands(), 3)
	assert.Equal(t, CommandsFor(ChangeEvent{MetricID: "m9"}), got)
	assertQuiet(t, l.Commands())
}

func TestListenerDrivesCache(t *testing.T) {
	ds := datastore.NewMockStore()
	c := cache.New()
	c.Set(cache.MetricsKey("u1"), 1)
	c.Set(cache.OrderingKey("u1"), 2)
	c.Set(cache.HistoryKey("m1"), 3)
	c.Set(cache.HistoryKey("m2"), 4)

	l := NewListener(NewDatastoreSource(ds))
	require.NoError(t, l.Start(context.Background()))

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), l.Commands()) }()

	_, err := ds.Put(context.Background(), keys.MetricKey("m1"), []byte(`{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.IsStale(cache.HistoryDetailedKey("m1")) || c.IsStale(cache.HistoryKey("m1")) }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.IsStale(cache.MetricsKey("u1")) }, time.Second, time.Millisecond)
	assert.False(t, c.IsStale(cache.OrderingKey("u1")))
	assert.False(t, c.IsStale(cache.HistoryKey("m2")))

	require.NoError(t, l.Stop())
	require.NoError(t, <-done, "Run returns once the channel is closed")
}

func TestListenerResyncAfterDisconnect(t *testing.T) {
	ds := datastore.NewMockStore()
	src := NewDatastoreSource(ds, WithBackoff(time.Millisecond, 5*time.Millisecond, 2))
	l := NewListener(src)
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()
	require.Equal(t, 2, ds.StreamCount())

	ds.FailNext("notifications", "", 2, datastore.ErrUnavailable)
	ds.DisconnectStreams()

	got := collect(t, l.Commands(), 4)
	assert.ElementsMatch(t, []cache.Command{
		cache.Invalidate(cache.MetricsPrefix()),
		cache.Invalidate(cache.MetricsPrefix()),
		cache.Invalidate(cache.HistoryPrefix()),
		cache.Invalidate(cache.HistoryDetailedPrefix()),
	}, got)
	require.Eventually(t, func() bool { return ds.StreamCount() == 2 }, time.Second, time.Millisecond)

	_, err := ds.Put(context.Background(), keys.MetricKey("m1"), []byte(`{}`))
	require.NoError(t, err)
	collect(t, l.Commands(), 3)
}

func TestListenerStop(t *testing.T) {
	ds := datastore.NewMockStore()
	l := NewListener(NewDatastoreSource(ds))
	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Stop())
	require.NoError(t, l.Stop())

	_, ok := <-l.Commands()
	assert.False(t, ok)
	assert.Equal(t, 0, ds.StreamCount())
}

func TestListenerStopWithoutStart(t *testing.T) {
	l := NewListener(NewDatastoreSource(datastore.NewMockStore()))
	require.NoError(t, l.Stop())
	_, ok := <-l.Commands()
	assert.False(t, ok)
}

type fakeSource struct {
	mu     sync.Mutex
	fail   map[Table]error
	opened []*fakeSubscription
}

func (s *fakeSource) Subscribe(_ context.Context, table Table) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[table]; err != nil {
		return nil, err
	}
	sub := &fakeSubscription{events: make(chan ChangeEvent, 8), done: make(chan struct{})}
	s.opened = append(s.opened, sub)
	return sub, nil
}

type fakeSubscription struct {
	events chan ChangeEvent
	err    error
	once   sync.Once
	done   chan struct{}
	closed bool
}

func (s *fakeSubscription) Next(ctx context.Context) (ChangeEvent, error) {
	select {
	case <-ctx.Done():
		return ChangeEvent{}, ctx.Err()
	case <-s.done:
		return ChangeEvent{}, ErrSubscriptionClosed
	case ev, ok := <-s.events:
		if !ok {
			return ChangeEvent{}, s.err
		}
		return ev, nil
	}
}

func (s *fakeSubscription) Close() error {
	s.once.Do(func() {
		s.closed = true
		close(s.done)
	})
	return nil
}

func TestListenerStartFailureClosesOpened(t *testing.T) {
	src := &fakeSource{fail: map[Table]error{TableHistory: errors.New("no history stream")}}
	l := NewListener(src)
	require.EqualError(t, l.Start(context.Background()), "no history stream")
	require.Len(t, src.opened, 1)
	assert.True(t, src.opened[0].closed)
}

func TestListenerWorkerError(t *testing.T) {
	src := &fakeSource{}
	l := NewListener(src)
	require.NoError(t, l.Start(context.Background()))
	require.Len(t, src.opened, 2)
	require.NoError(t, l.CheckReady(context.Background()))

	broken := src.opened[1]
	broken.err = errors.New("stream reset")
	close(broken.events)

	select {
	case <-l.Failed():
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not report the failed subscription")
	}
	assert.EqualError(t, l.Err(), "stream reset")
	assert.EqualError(t, l.CheckReady(context.Background()), "stream reset")
	assert.Equal(t, CommandsFor(ChangeEvent{Table: TableHistory, Kind: KindResync}), collect(t, l.Commands(), 3))

	src.opened[0].events <- ChangeEvent{Table: TableMetrics, Kind: KindUpdate, MetricID: "m1"}
	assert.Equal(t, CommandsFor(ChangeEvent{MetricID: "m1"}), collect(t, l.Commands(), 3), "the other table keeps streaming")

	assert.EqualError(t, l.Stop(), "stream reset")
}
