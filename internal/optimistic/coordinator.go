package optimistic

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tally-io/tally/internal/auth"
	"github.com/tally-io/tally/internal/cache"
	"github.com/tally-io/tally/internal/logging"
	"github.com/tally-io/tally/internal/metric"
	"github.com/tally-io/tally/internal/ordering"
)

// ErrClosed is returned when a mutation is started after Close.
var ErrClosed = errors.New("optimistic: coordinator closed")

const (
	MutationReorder   = "reorder"
	MutationEditValue = "edit_value"
	MutationCreate    = "create"
)

// MetricWriter persists metric mutations.
type MetricWriter interface {
	CreateMetric(ctx context.Context, user *auth.User, in metric.CreateInput) (metric.Metric, error)
	UpdateMetricValue(ctx context.Context, user *auth.User, id string, value float64) (metric.Metric, error)
}

// OrderingWriter persists a user's ordering.
type OrderingWriter interface {
	ReplaceOrdering(ctx context.Context, userID string, metricIDs []string) error
}

// DisplayReader returns the display sequence a user currently sees.
type DisplayReader interface {
	Display(ctx context.Context, user *auth.User) ([]metric.Metric, error)
}

// Recorder observes finished mutations.
type Recorder interface {
	RecordMutation(name, outcome string, d time.Duration)
}

// Coordinator runs optimistic mutations against one cache. Mutations are
// started one at a time; commits run concurrently.
type Coordinator struct {
	cache     *cache.Cache
	metrics   MetricWriter
	orderings OrderingWriter
	display   DisplayReader
	validator *metric.Validator
	recorder  Recorder
	timeout   time.Duration
	logger    *logging.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCommitTimeout bounds each background commit. Zero means no bound.
func WithCommitTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func NewCoordinator(c *cache.Cache, metrics MetricWriter, orderings OrderingWriter, display DisplayReader, opts ...Option) *Coordinator {
	co := &Coordinator{
		cache:     c,
		metrics:   metrics,
		orderings: orderings,
		display:   display,
		validator: metric.NewValidator(),
		logger:    logging.Global().With(map[string]any{"component": "optimistic"}),
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// Run starts a. When Run returns, the optimistic writes are visible in the
// cache and any overlapping fetch has been cancelled.
func (c *Coordinator) Run(ctx context.Context, a Attempt) (*Mutation, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	for _, k := range a.Targets {
		c.cache.Cancel(k)
	}
	snaps := make([]cache.Snapshot, len(a.Targets))
	for i, k := range a.Targets {
		snaps[i] = c.cache.Snapshot(k)
	}
	if a.Apply != nil {
		a.Apply(c.cache)
	}

	m := newMutation(a.Name, StateApplying)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.commit(ctx, a, m, snaps)
	return m, nil
}

func (c *Coordinator) commit(ctx context.Context, a Attempt, m *Mutation, snaps []cache.Snapshot) {
	defer c.wg.Done()

	cctx := context.WithoutCancel(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(cctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	var (
		result any
		err    error
	)
	if a.Commit != nil {
		result, err = a.Commit(cctx)
	}

	c.mu.Lock()
	var state State
	switch {
	case c.closed:
		state = StateDiscarded
	case err == nil:
		for _, k := range a.Invalidate {
			c.cache.InvalidatePrefix(k)
		}
		state = StateCommitted
	default:
		for _, s := range snaps {
			c.cache.Restore(s)
		}
		state = StateRolledBack
		result = nil
	}
	c.mu.Unlock()

	if state == StateRolledBack {
		c.logger.Warnf("mutation rolled back", map[string]any{
			"mutation": a.Name,
			"error":    err.Error(),
		})
	}
	c.record(a.Name, state, time.Since(start))
	m.finish(state, result, err)
}

func (c *Coordinator) record(name string, state State, d time.Duration) {
	if c.recorder != nil {
		c.recorder.RecordMutation(name, state.String(), d)
	}
}

// Reorder moves activeID to the position of overID in the user's display
// sequence. Equal ids, or ids not in the sequence, give an idle mutation that
// touches neither the cache nor the store.
func (c *Coordinator) Reorder(ctx context.Context, user *auth.User, activeID, overID string) (*Mutation, error) {
	if user == nil {
		return nil, metric.ErrAuthRequired
	}
	if activeID == overID {
		return noop(MutationReorder), nil
	}

	seq, err := c.display.Display(ctx, user)
	if err != nil {
		return nil, err
	}
	next, ok := ordering.Move(seq, activeID, overID)
	if !ok {
		return noop(MutationReorder), nil
	}

	uid := user.ID
	entries := ordering.EntriesFor(next)
	ids := ordering.IDs(next)
	return c.Run(ctx, Attempt{
		Name:    MutationReorder,
		Targets: []cache.Key{cache.MetricsKey(uid), cache.OrderingKey(uid)},
		Apply: func(cc *cache.Cache) {
			cc.Set(cache.MetricsKey(uid), next)
			cc.Set(cache.OrderingKey(uid), entries)
		},
		Commit: func(ctx context.Context) (any, error) {
			return nil, c.orderings.ReplaceOrdering(ctx, uid, ids)
		},
		Invalidate: []cache.Key{cache.OrderingKey(uid)},
	})
}

// EditValue sets a metric value. The user's cached metric list shows the new
// value at once. A committed mutation's Result is the stored metric.Metric.
func (c *Coordinator) EditValue(ctx context.Context, user *auth.User, metricID string, value float64) (*Mutation, error) {
	if user == nil {
		return nil, metric.ErrAuthRequired
	}
	if err := c.validator.Update(metric.UpdateInput{Value: value}); err != nil {
		return nil, err
	}

	key := cache.MetricsKey(user.ID)
	return c.Run(ctx, Attempt{
		Name:    MutationEditValue,
		Targets: []cache.Key{key},
		Apply: func(cc *cache.Cache) {
			current, ok := cache.GetAs[[]metric.Metric](cc, key)
			if !ok {
				return
			}
			cc.Set(key, patchValue(current, metricID, value))
		},
		Commit: func(ctx context.Context) (any, error) {
			return c.metrics.UpdateMetricValue(ctx, user, metricID, value)
		},
		Invalidate: []cache.Key{
			cache.MetricsPrefix(),
			cache.HistoryKey(metricID),
			cache.HistoryDetailedKey(metricID),
		},
	})
}

func patchValue(seq []metric.Metric, id string, value float64) []metric.Metric {
	out := make([]metric.Metric, len(seq))
	copy(out, seq)
	for i := range out {
		if out[i].ID == id {
			out[i].Value = value
		}
	}
	return out
}

// CreateMetric creates a metric synchronously and invalidates every cached
// metric list.
func (c *Coordinator) CreateMetric(ctx context.Context, user *auth.User, in metric.CreateInput) (metric.Metric, error) {
	if user == nil {
		return metric.Metric{}, metric.ErrAuthRequired
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return metric.Metric{}, ErrClosed
	}

	start := time.Now()
	m, err := c.metrics.CreateMetric(ctx, user, in)
	if err != nil {
		c.record(MutationCreate, StateRolledBack, time.Since(start))
		return metric.Metric{}, err
	}

	c.mu.Lock()
	if !c.closed {
		c.cache.InvalidatePrefix(cache.MetricsPrefix())
	}
	c.mu.Unlock()
	c.record(MutationCreate, StateCommitted, time.Since(start))
	return m, nil
}

// Close stops accepting mutations. Commits already running finish, but their
// results no longer reach the cache.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Drain waits for running commits.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
