// Package board is the read side of the dashboard. Every read goes through the
// shared query cache, so optimistic writes and realtime invalidations are
// visible to the next read.
package board

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/tally-io/tally/internal/auth"
	"github.com/tally-io/tally/internal/cache"
	"github.com/tally-io/tally/internal/metric"
	"github.com/tally-io/tally/internal/ordering"
)

// MetricReader loads metrics and their history.
type MetricReader interface {
	ListMetrics(ctx context.Context) ([]metric.Metric, error)
	History(ctx context.Context, metricID string) ([]metric.HistoryPoint, error)
	HistoryDetailed(ctx context.Context, metricID string) (metric.HistoryDetail, error)
}

// OrderingReader loads a user's ordering.
type OrderingReader interface {
	GetOrdering(ctx context.Context, userID string) ([]ordering.Entry, error)
}

// ProfileReader returns a user's profile, creating it on first use.
type ProfileReader interface {
	Ensure(ctx context.Context, u auth.User) (auth.Profile, error)
}

// Board serves cached reads. Errors from the readers, including
// *metric.FetchError, are returned unchanged.
type Board struct {
	cache     *cache.Cache
	metrics   MetricReader
	orderings OrderingReader
	profiles  ProfileReader
}

func New(c *cache.Cache, metrics MetricReader, orderings OrderingReader, profiles ProfileReader) *Board {
	return &Board{cache: c, metrics: metrics, orderings: orderings, profiles: profiles}
}

func userID(u *auth.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}

// Metrics returns the raw metric list as seen by user.
func (b *Board) Metrics(ctx context.Context, user *auth.User) ([]metric.Metric, error) {
	return cache.FetchAs(ctx, b.cache, cache.MetricsKey(userID(user)), b.metrics.ListMetrics)
}

// Ordering returns the user's ordering. Anonymous users have none.
func (b *Board) Ordering(ctx context.Context, user *auth.User) ([]ordering.Entry, error) {
	uid := userID(user)
	if uid == "" {
		return nil, nil
	}
	return cache.FetchAs(ctx, b.cache, cache.OrderingKey(uid), func(ctx context.Context) ([]ordering.Entry, error) {
		return b.orderings.GetOrdering(ctx, uid)
	})
}

// Display returns the metrics in the user's display order.
func (b *Board) Display(ctx context.Context, user *auth.User) ([]metric.Metric, error) {
	var (
		list    []metric.Metric
		entries []ordering.Entry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		list, err = b.Metrics(gctx, user)
		return err
	})
	g.Go(func() (err error) {
		entries, err = b.Ordering(gctx, user)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ordering.Resolve(list, entries), nil
}

func (b *Board) History(ctx context.Context, metricID string) ([]metric.HistoryPoint, error) {
	return cache.FetchAs(ctx, b.cache, cache.HistoryKey(metricID), func(ctx context.Context) ([]metric.HistoryPoint, error) {
		return b.metrics.History(ctx, metricID)
	})
}

func (b *Board) HistoryDetailed(ctx context.Context, metricID string) (metric.HistoryDetail, error) {
	return cache.FetchAs(ctx, b.cache, cache.HistoryDetailedKey(metricID), func(ctx context.Context) (metric.HistoryDetail, error) {
		return b.metrics.HistoryDetailed(ctx, metricID)
	})
}

// Profile returns the signed-in user's profile.
func (b *Board) Profile(ctx context.Context, user *auth.User) (auth.Profile, error) {
	if user == nil {
		return auth.Profile{}, metric.ErrAuthRequired
	}
	u := *user
	return cache.FetchAs(ctx, b.cache, cache.ProfileKey(u.ID), func(ctx context.Context) (auth.Profile, error) {
		return b.profiles.Ensure(ctx, u)
	})
}
