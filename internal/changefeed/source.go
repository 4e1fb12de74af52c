package changefeed

import (
	"context"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tally-io/tally/internal/logging"
	"github.com/tally-io/tally/internal/realtime"
)

// Consumer polls records. *kgo.Client implements it.
type Consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	Close()
}

// ConsumerFactory opens a consumer positioned at the end of topic.
type ConsumerFactory func(topic string) (Consumer, error)

// KafkaConsumers returns a factory of group-less consumers, so every process
// receives every event.
func KafkaConsumers(brokers []string, opts ...kgo.Opt) ConsumerFactory {
	return func(topic string) (Consumer, error) {
		base := []kgo.Opt{
			kgo.SeedBrokers(brokers...),
			kgo.ConsumeTopics(topic),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		}
		return kgo.NewClient(append(base, opts...)...)
	}
}

// Source implements realtime.Source over the change topic. Each subscription
// owns one consumer and drops records of other tables.
type Source struct {
	open  ConsumerFactory
	topic string
}

func NewSource(open ConsumerFactory, topic string) *Source {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Source{open: open, topic: topic}
}

func (s *Source) Subscribe(_ context.Context, table realtime.Table) (realtime.Subscription, error) {
	c, err := s.open(s.topic)
	if err != nil {
		return nil, err
	}
	return &subscription{
		consumer: c,
		table:    table,
		closed:   make(chan struct{}),
		logger:   logging.Global().With(map[string]any{"component": "changefeed", "table": string(table)}),
	}, nil
}

type subscription struct {
	consumer Consumer
	table    realtime.Table
	logger   *logging.Logger

	mu      sync.Mutex
	pending []realtime.ChangeEvent
	failed  bool

	once   sync.Once
	closed chan struct{}
}

// Next returns the next event of the subscription's table. After fetch errors
// a resync event is delivered first, since records may have been missed.
func (s *subscription) Next(ctx context.Context) (realtime.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		select {
		case <-s.closed:
			return realtime.ChangeEvent{}, realtime.ErrSubscriptionClosed
		default:
		}
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}

		fetches := s.consumer.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return realtime.ChangeEvent{}, realtime.ErrSubscriptionClosed
		}
		if err := ctx.Err(); err != nil {
			return realtime.ChangeEvent{}, err
		}
		for _, fe := range fetches.Errors() {
			s.logger.Warnf("change feed fetch failed", map[string]any{
				"topic":     fe.Topic,
				"partition": fe.Partition,
				"error":     fe.Err.Error(),
			})
			s.failed = true
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			ev, origin, err := Decode(rec.Value)
			if err != nil {
				s.logger.Warnf("skipping change record", map[string]any{
					"offset": rec.Offset,
					"error":  err.Error(),
				})
				return
			}
			if ev.Table != s.table {
				return
			}
			s.logger.Debugf("change event received", map[string]any{"event": ev.String(), "origin": origin})
			s.pending = append(s.pending, ev)
		})
		if s.failed && len(fetches.Errors()) == 0 {
			s.failed = false
			s.pending = append([]realtime.ChangeEvent{{Table: s.table, Kind: realtime.KindResync, At: time.Now()}}, s.pending...)
		}
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.consumer.Close()
	})
	return nil
}
