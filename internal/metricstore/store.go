// Package metricstore is the authoritative store of metrics and their value
// history.
package metricstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tally-io/tally/internal/auth"
	"github.com/tally-io/tally/internal/datastore"
	"github.com/tally-io/tally/internal/datastore/keys"
	"github.com/tally-io/tally/internal/logging"
	"github.com/tally-io/tally/internal/metric"
)

// ErrNotFound is returned by GetMetric for an unknown id.
var ErrNotFound = errors.New("metricstore: metric not found")

const (
	defaultHistoryLimit  = 20
	defaultUpdateRetries = 3
)

// AliasResolver looks up the display alias of a user.
type AliasResolver interface {
	Alias(ctx context.Context, userID string) string
}

type metricRow struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Value     float64     `json:"value"`
	Unit      metric.Unit `json:"unit"`
	CreatedBy string      `json:"created_by,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (r metricRow) toMetric() metric.Metric {
	return metric.Metric{
		ID:        r.ID,
		Type:      r.Type,
		Value:     r.Value,
		Unit:      r.Unit,
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type historyRow struct {
	ID        string    `json:"id"`
	MetricID  string    `json:"metric_id"`
	Value     float64   `json:"value"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Store provides metric operations backed by a datastore.Store.
type Store struct {
	store        datastore.Store
	aliases      AliasResolver
	validator    *metric.Validator
	historyLimit int
	now          func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithAliases joins creator aliases into read results.
func WithAliases(r AliasResolver) Option {
	return func(s *Store) { s.aliases = r }
}

// WithHistoryLimit sets how many points History returns.
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(store datastore.Store, opts ...Option) *Store {
	s := &Store{
		store:        store,
		validator:    metric.NewValidator(),
		historyLimit: defaultHistoryLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) alias(ctx context.Context, userID string) string {
	if s.aliases == nil || userID == "" {
		return ""
	}
	return s.aliases.Alias(ctx, userID)
}

// ListMetrics returns every metric, most recently updated first. Ties are
// broken by creation time, newest first, then by id.
func (s *Store) ListMetrics(ctx context.Context) ([]metric.Metric, error) {
	kvs, err := s.store.List(ctx, keys.MetricsListPrefix(), "", 0)
	if err != nil {
		return nil, &metric.FetchError{Op: "list metrics", Err: err}
	}

	out := make([]metric.Metric, 0, len(kvs))
	for _, kv := range kvs {
		var r metricRow
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			logging.FromCtx(ctx, nil).Warnf("skipping undecodable metric", map[string]any{
				"key":   kv.Key,
				"error": err.Error(),
			})
			continue
		}
		m := r.toMetric()
		m.CreatorAlias = s.alias(ctx, m.CreatedBy)
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

// GetMetric returns one metric.
func (s *Store) GetMetric(ctx context.Context, id string) (metric.Metric, error) {
	res, err := s.store.Get(ctx, keys.MetricKey(id))
	if err != nil {
		return metric.Metric{}, &metric.FetchError{Op: "get metric", Err: err}
	}
	if !res.Exists {
		return metric.Metric{}, ErrNotFound
	}
	var r metricRow
	if err := json.Unmarshal(res.Value, &r); err != nil {
		return metric.Metric{}, fmt.Errorf("metricstore: unmarshal metric: %w", err)
	}
	m := r.toMetric()
	m.CreatorAlias = s.alias(ctx, m.CreatedBy)
	return m, nil
}

// CreateMetric validates in and stores a new metric owned by user. The
// initial value is recorded as the first history entry.
func (s *Store) CreateMetric(ctx context.Context, user *auth.User, in metric.CreateInput) (metric.Metric, error) {
	if user == nil {
		return metric.Metric{}, metric.ErrAuthRequired
	}
	in, err := s.validator.Create(in)
	if err != nil {
		return metric.Metric{}, err
	}

	now := s.now().UTC()
	row := metricRow{
		ID:        uuid.NewString(),
		Type:      in.Type,
		Value:     in.Value,
		Unit:      in.Unit,
		CreatedBy: user.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.store.Txn(ctx, keys.MetricKey(row.ID), func(txn datastore.Txn) error {
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		txn.PutWithVersion(keys.MetricKey(row.ID), data, 0)
		return s.appendHistory(txn, row.ID, row.Value, user.ID, now)
	})
	if err != nil {
		return metric.Metric{}, fmt.Errorf("metricstore: create metric: %w", err)
	}

	m := row.toMetric()
	m.CreatorAlias = s.alias(ctx, user.ID)
	return m, nil
}

// UpdateMetricValue sets a metric's value and appends a history entry in the
// same transaction. Only the creator may update a metric; any other caller,
// and any unknown id, gets metric.ErrNotFoundOrForbidden.
func (s *Store) UpdateMetricValue(ctx context.Context, user *auth.User, id string, value float64) (metric.Metric, error) {
	if user == nil {
		return metric.Metric{}, metric.ErrAuthRequired
	}
	if err := s.validator.Update(metric.UpdateInput{Value: value}); err != nil {
		return metric.Metric{}, err
	}

	var (
		updated metricRow
		err     error
	)
	for attempt := 0; attempt <= defaultUpdateRetries; attempt++ {
		updated, err = s.updateOnce(ctx, user, id, value)
		if !errors.Is(err, datastore.ErrTxnConflict) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, metric.ErrNotFoundOrForbidden) {
			return metric.Metric{}, err
		}
		return metric.Metric{}, fmt.Errorf("metricstore: update metric: %w", err)
	}

	m := updated.toMetric()
	m.CreatorAlias = s.alias(ctx, m.CreatedBy)
	return m, nil
}

func (s *Store) updateOnce(ctx context.Context, user *auth.User, id string, value float64) (metricRow, error) {
	var out metricRow
	key := keys.MetricKey(id)
	err := s.store.Txn(ctx, key, func(txn datastore.Txn) error {
		data, version, err := txn.Get(key)
		if errors.Is(err, datastore.ErrKeyNotFound) {
			return metric.ErrNotFoundOrForbidden
		}
		if err != nil {
			return err
		}
		var r metricRow
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("metricstore: unmarshal metric: %w", err)
		}
		if r.CreatedBy != user.ID {
			return metric.ErrNotFoundOrForbidden
		}

		now := s.now().UTC()
		r.Value = value
		r.UpdatedAt = now
		encoded, err := json.Marshal(r)
		if err != nil {
			return err
		}
		txn.PutWithVersion(key, encoded, version)
		if err := s.appendHistory(txn, id, value, user.ID, now); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func (s *Store) appendHistory(txn datastore.Txn, metricID string, value float64, userID string, at time.Time) error {
	entry := historyRow{
		ID:        uuid.NewString(),
		MetricID:  metricID,
		Value:     value,
		CreatedBy: userID,
		CreatedAt: at,
	}
	key, err := keys.HistoryKey(metricID, at.UnixMilli(), entry.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	txn.PutWithVersion(key, data, 0)
	return nil
}

func (s *Store) history(ctx context.Context, metricID string) ([]historyRow, error) {
	kvs, err := s.store.List(ctx, keys.HistoryListPrefix(metricID), "", 0)
	if err != nil {
		return nil, &metric.FetchError{Op: "list history", Err: err}
	}
	rows := make([]historyRow, 0, len(kvs))
	for _, kv := range kvs {
		var r historyRow
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			continue
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// History returns the most recent points of a metric, oldest first.
func (s *Store) History(ctx context.Context, metricID string) ([]metric.HistoryPoint, error) {
	rows, err := s.history(ctx, metricID)
	if err != nil {
		return nil, err
	}
	if len(rows) > s.historyLimit {
		rows = rows[len(rows)-s.historyLimit:]
	}
	points := make([]metric.HistoryPoint, len(rows))
	for i, r := range rows {
		points[i] = metric.HistoryPoint{Value: r.Value, CreatedAt: r.CreatedAt}
	}
	return points, nil
}

// HistoryDetailed returns the full history, newest first, with min, max and
// count.
func (s *Store) HistoryDetailed(ctx context.Context, metricID string) (metric.HistoryDetail, error) {
	rows, err := s.history(ctx, metricID)
	if err != nil {
		return metric.HistoryDetail{}, err
	}
	entries := make([]metric.HistoryEntry, len(rows))
	for i, r := range rows {
		entries[len(rows)-1-i] = metric.HistoryEntry{
			ID:           r.ID,
			MetricID:     r.MetricID,
			Value:        r.Value,
			CreatedBy:    r.CreatedBy,
			CreatedAt:    r.CreatedAt,
			CreatorAlias: s.alias(ctx, r.CreatedBy),
		}
	}
	return metric.NewHistoryDetail(entries), nil
}

// AllHistory returns every history entry of a metric, oldest first.
func (s *Store) AllHistory(ctx context.Context, metricID string) ([]metric.HistoryEntry, error) {
	rows, err := s.history(ctx, metricID)
	if err != nil {
		return nil, err
	}
	out := make([]metric.HistoryEntry, len(rows))
	for i, r := range rows {
		out[i] = metric.HistoryEntry{ID: r.ID, MetricID: r.MetricID, Value: r.Value, CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt}
	}
	return out, nil
}
