package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/tally-io/tally/internal/datastore"
	"github.com/tally-io/tally/internal/logging"
)

const (
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultBackoffFactor  = 2.0
)

// DatastoreSource reads change events from datastore notifications. Each
// subscription holds its own notification stream and reconnects with
// exponential backoff. A reconnect is reported as a KindResync event.
type DatastoreSource struct {
	store datastore.Store
	now   func() time.Time

	initialBackoff time.Duration
	maxBackoff     time.Duration
	backoffFactor  float64
}

// DatastoreSourceOption configures a DatastoreSource.
type DatastoreSourceOption func(*DatastoreSource)

// WithBackoff configures the reconnect backoff.
func WithBackoff(initial, max time.Duration, factor float64) DatastoreSourceOption {
	return func(s *DatastoreSource) {
		if initial > 0 {
			s.initialBackoff = initial
		}
		if max > 0 {
			s.maxBackoff = max
		}
		if factor > 1.0 {
			s.backoffFactor = factor
		}
	}
}

func NewDatastoreSource(store datastore.Store, opts ...DatastoreSourceOption) *DatastoreSource {
	s := &DatastoreSource{
		store:          store,
		now:            time.Now,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		backoffFactor:  defaultBackoffFactor,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe opens the first notification stream before returning, so events
// committed after Subscribe returns are delivered. The subscription outlives
// ctx; it ends with Close.
func (s *DatastoreSource) Subscribe(ctx context.Context, table Table) (Subscription, error) {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := s.store.Notifications(subCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	return &datastoreSubscription{
		source:  s,
		table:   table,
		stream:  stream,
		backoff: s.initialBackoff,
		ctx:     subCtx,
		cancel:  cancel,
		logger:  logging.Global().With(map[string]any{"component": "realtime", "table": string(table)}),
	}, nil
}

type datastoreSubscription struct {
	source *DatastoreSource
	table  Table
	logger *logging.Logger

	mu      sync.Mutex
	stream  datastore.NotificationStream
	backoff time.Duration
	resync  bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *datastoreSubscription) Next(ctx context.Context) (ChangeEvent, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if err := s.err(ctx); err != nil {
			return ChangeEvent{}, err
		}
		if s.stream == nil {
			if err := s.reconnect(ctx); err != nil {
				return ChangeEvent{}, err
			}
			continue
		}
		if s.resync {
			s.resync = false
			return ChangeEvent{Table: s.table, Kind: KindResync, At: s.source.now()}, nil
		}

		n, err := s.stream.Next(ctx)
		if err != nil {
			if e := s.err(ctx); e != nil {
				return ChangeEvent{}, e
			}
			s.logger.Warnf("notification stream disconnected", map[string]any{"error": err.Error()})
			_ = s.stream.Close()
			s.stream = nil
			continue
		}
		ev, ok := EventFromNotification(n, s.source.now())
		if !ok || ev.Table != s.table {
			continue
		}
		return ev, nil
	}
}

func (s *datastoreSubscription) err(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrSubscriptionClosed
	}
	return ctx.Err()
}

func (s *datastoreSubscription) reconnect(ctx context.Context) error {
	for {
		stream, err := s.source.store.Notifications(s.ctx)
		if err == nil {
			s.stream = stream
			s.backoff = s.source.initialBackoff
			s.resync = true
			return nil
		}
		if e := s.err(ctx); e != nil {
			return e
		}
		s.logger.Warnf("notification stream connection failed", map[string]any{
			"error":   err.Error(),
			"backoff": s.backoff.String(),
		})
		select {
		case <-ctx.Done():
			return s.err(ctx)
		case <-time.After(s.backoff):
		}
		s.backoff = min(time.Duration(float64(s.backoff)*s.source.backoffFactor), s.source.maxBackoff)
	}
}

func (s *datastoreSubscription) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		err := s.stream.Close()
		s.stream = nil
		return err
	}
	return nil
}
