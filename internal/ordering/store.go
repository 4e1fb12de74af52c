// Package ordering persists each user's custom metric order and merges it with
// the live metric collection.
//
// An ordering is sparse: it may omit metrics (they trail the ordered ones) and
// may name metrics that no longer exist (they are ignored).
package ordering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tally-io/tally/internal/datastore"
	"github.com/tally-io/tally/internal/datastore/keys"
	"github.com/tally-io/tally/internal/logging"
	"github.com/tally-io/tally/internal/metric"
)

// Mode selects how ReplaceOrdering writes.
type Mode string

const (
	// ModeAtomic writes the delete-diff and the upserts in one transaction.
	ModeAtomic Mode = "atomic"

	// ModeTwoStep deletes everything, then inserts everything, in two
	// transactions. A failure between them leaves the ordering empty.
	ModeTwoStep Mode = "two-step"
)

const defaultConflictRetries = 3

// ParseMode parses a mode name. The empty string is ModeAtomic.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAtomic:
		return ModeAtomic, nil
	case ModeTwoStep:
		return ModeTwoStep, nil
	}
	return "", fmt.Errorf("ordering: unknown mode %q", s)
}

// Entry places one metric at an index in one user's ordering.
type Entry struct {
	MetricID string `json:"metric_id"`
	Index    int    `json:"order_index"`
}

type row struct {
	MetricID   string    `json:"metric_id"`
	OrderIndex int       `json:"order_index"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store reads and replaces orderings.
type Store struct {
	store   datastore.Store
	mode    Mode
	retries int
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithMode(m Mode) Option {
	return func(s *Store) { s.mode = m }
}

// WithConflictRetries sets how often an atomic replace is retried after a
// concurrent writer touched the same ordering.
func WithConflictRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.retries = n
		}
	}
}

func NewStore(store datastore.Store, opts ...Option) *Store {
	s := &Store{store: store, mode: ModeAtomic, retries: defaultConflictRetries, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Mode() Mode {
	return s.mode
}

// GetOrdering returns the user's entries by ascending index. An anonymous
// user or a user without customization has an empty ordering.
func (s *Store) GetOrdering(ctx context.Context, userID string) ([]Entry, error) {
	if userID == "" {
		return []Entry{}, nil
	}
	kvs, err := s.list(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(kvs))
	for _, kv := range kvs {
		entries = append(entries, Entry{MetricID: kv.metricID, Index: kv.row.OrderIndex})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })
	return entries, nil
}

type stored struct {
	metricID string
	row      row
	version  datastore.Version
}

func (s *Store) list(ctx context.Context, userID string) ([]stored, error) {
	kvs, err := s.store.List(ctx, keys.OrderListPrefix(userID), "", 0)
	if err != nil {
		return nil, &metric.FetchError{Op: "get ordering", Err: err}
	}
	out := make([]stored, 0, len(kvs))
	for _, kv := range kvs {
		_, metricID, err := keys.ParseOrderKey(kv.Key)
		if err != nil {
			continue
		}
		var r row
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			logging.FromCtx(ctx, nil).Warnf("skipping undecodable order entry", map[string]any{
				"key":   kv.Key,
				"error": err.Error(),
			})
			continue
		}
		out = append(out, stored{metricID: metricID, row: r, version: kv.Version})
	}
	return out, nil
}

// ReplaceOrdering makes metricIDs the user's ordering, with each id's index
// equal to its position. A repeated id keeps its first position.
func (s *Store) ReplaceOrdering(ctx context.Context, userID string, metricIDs []string) error {
	if userID == "" {
		return metric.ErrAuthRequired
	}
	desired := dedupe(metricIDs)

	if s.mode == ModeTwoStep {
		return s.replaceTwoStep(ctx, userID, desired)
	}

	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		err = s.replaceAtomic(ctx, userID, desired)
		if !errors.Is(err, datastore.ErrTxnConflict) {
			return err
		}
	}
	return fmt.Errorf("ordering: replace for user %s: %w", userID, err)
}

func (s *Store) replaceAtomic(ctx context.Context, userID string, desired []string) error {
	current, err := s.list(ctx, userID)
	if err != nil {
		return err
	}
	existing := make(map[string]stored, len(current))
	for _, st := range current {
		existing[st.metricID] = st
	}

	now := s.now().UTC()
	return s.store.Txn(ctx, keys.OrderPartition(userID), func(txn datastore.Txn) error {
		keep := make(map[string]struct{}, len(desired))
		for i, id := range desired {
			keep[id] = struct{}{}
			old, ok := existing[id]
			if ok && old.row.OrderIndex == i {
				continue
			}
			data, err := json.Marshal(row{MetricID: id, OrderIndex: i, UpdatedAt: now})
			if err != nil {
				return err
			}
			txn.PutWithVersion(keys.OrderKey(userID, id), data, old.version)
		}
		for id, old := range existing {
			if _, ok := keep[id]; !ok {
				txn.DeleteWithVersion(keys.OrderKey(userID, id), old.version)
			}
		}
		return nil
	})
}

func (s *Store) replaceTwoStep(ctx context.Context, userID string, desired []string) error {
	current, err := s.list(ctx, userID)
	if err != nil {
		return err
	}

	scope := keys.OrderPartition(userID)
	if len(current) > 0 {
		err = s.store.Txn(ctx, scope, func(txn datastore.Txn) error {
			for _, st := range current {
				txn.Delete(keys.OrderKey(userID, st.metricID))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("ordering: clear for user %s: %w", userID, err)
		}
	}
	if len(desired) == 0 {
		return nil
	}

	now := s.now().UTC()
	err = s.store.Txn(ctx, scope, func(txn datastore.Txn) error {
		for i, id := range desired {
			data, err := json.Marshal(row{MetricID: id, OrderIndex: i, UpdatedAt: now})
			if err != nil {
				return err
			}
			txn.Put(keys.OrderKey(userID, id), data)
		}
		return nil
	})
	if err != nil {
		if len(current) > 0 {
			return &metric.PartialWriteError{UserID: userID, Err: err}
		}
		return fmt.Errorf("ordering: insert for user %s: %w", userID, err)
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
