// Package realtime turns remote change events into cache invalidation
// commands.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tally-io/tally/internal/cache"
	"github.com/tally-io/tally/internal/datastore"
	"github.com/tally-io/tally/internal/datastore/keys"
)

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("realtime: subscription closed")

// Table is a change stream.
type Table string

const (
	TableMetrics Table = "metrics"
	TableHistory Table = "metric_history"
)

// Tables lists every stream the listener subscribes to.
var Tables = []Table{TableMetrics, TableHistory}

// Kind is the change that happened to a row.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"

	// KindResync is emitted after a source lost events, for example across a
	// reconnect. It carries no metric id.
	KindResync Kind = "resync"
)

// ChangeEvent is one remote change.
type ChangeEvent struct {
	Table    Table     `json:"table"`
	Kind     Kind      `json:"kind"`
	MetricID string    `json:"metric_id,omitempty"`
	At       time.Time `json:"at"`
}

func (e ChangeEvent) String() string {
	if e.MetricID == "" {
		return fmt.Sprintf("%s %s", e.Table, e.Kind)
	}
	return fmt.Sprintf("%s %s %s", e.Table, e.Kind, e.MetricID)
}

// Source opens change streams.
type Source interface {
	Subscribe(ctx context.Context, table Table) (Subscription, error)
}

// Subscription delivers the events of one table.
type Subscription interface {
	// Next blocks until an event arrives, ctx is done, or the subscription
	// is closed.
	Next(ctx context.Context) (ChangeEvent, error)
	Close() error
}

// CommandsFor returns the cache commands an event requires. Every event
// invalidates the metric lists. An event for a known metric also invalidates
// its history; a resync of the history table invalidates all history. The
// ordering is never invalidated.
func CommandsFor(ev ChangeEvent) []cache.Command {
	cmds := []cache.Command{cache.Invalidate(cache.MetricsPrefix())}
	switch {
	case ev.MetricID != "":
		cmds = append(cmds,
			cache.Invalidate(cache.HistoryKey(ev.MetricID)),
			cache.Invalidate(cache.HistoryDetailedKey(ev.MetricID)),
		)
	case ev.Kind == KindResync && ev.Table == TableHistory:
		cmds = append(cmds,
			cache.Invalidate(cache.HistoryPrefix()),
			cache.Invalidate(cache.HistoryDetailedPrefix()),
		)
	}
	return cmds
}

// EventFromNotification maps a datastore notification to a change event. It
// reports false for keys outside both tables and for history changes other
// than inserts.
func EventFromNotification(n datastore.Notification, at time.Time) (ChangeEvent, bool) {
	if id, err := keys.ParseMetricKey(n.Key); err == nil {
		ev := ChangeEvent{Table: TableMetrics, MetricID: id, At: at}
		switch n.Type {
		case datastore.KeyCreated:
			ev.Kind = KindInsert
		case datastore.KeyModified:
			ev.Kind = KindUpdate
		case datastore.KeyDeleted:
			ev.Kind = KindDelete
		default:
			return ChangeEvent{}, false
		}
		return ev, true
	}
	if parts, err := keys.ParseHistoryKey(n.Key); err == nil {
		if n.Type != datastore.KeyCreated {
			return ChangeEvent{}, false
		}
		return ChangeEvent{Table: TableHistory, Kind: KindInsert, MetricID: parts.MetricID, At: at}, true
	}
	return ChangeEvent{}, false
}
