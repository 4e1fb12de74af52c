package changefeed

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"github.com/tally-io/tally/internal/logging"
	"github.com/tally-io/tally/internal/realtime"
)

// DefaultTopic carries change events when none is configured.
const DefaultTopic = "tally.changes"

// Producer publishes records. *kgo.Client implements it.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Relay forwards the events of a realtime.Source to a topic.
type Relay struct {
	source   realtime.Source
	producer Producer
	topic    string
	origin   string
	logger   *logging.Logger
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

func WithTopic(topic string) RelayOption {
	return func(r *Relay) {
		if topic != "" {
			r.topic = topic
		}
	}
}

// WithOrigin sets the origin stamped on published events.
func WithOrigin(origin string) RelayOption {
	return func(r *Relay) { r.origin = origin }
}

func NewRelay(source realtime.Source, producer Producer, opts ...RelayOption) *Relay {
	r := &Relay{
		source:   source,
		producer: producer,
		topic:    DefaultTopic,
		logger:   logging.Global().With(map[string]any{"component": "changefeed-relay"}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run publishes events until ctx is done. A failed publish is logged and the
// event dropped; consumers recover on the next event for the same metric.
func (r *Relay) Run(ctx context.Context) error {
	subs := make([]realtime.Subscription, 0, len(realtime.Tables))
	defer func() {
		for _, s := range subs {
			_ = s.Close()
		}
	}()
	for _, table := range realtime.Tables {
		sub, err := r.source.Subscribe(ctx, table)
		if err != nil {
			return fmt.Errorf("changefeed: subscribe %s: %w", table, err)
		}
		subs = append(subs, sub)
	}

	r.logger.Infof("change relay started", map[string]any{"topic": r.topic})
	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		g.Go(func() error { return r.forward(gctx, sub) })
	}
	return g.Wait()
}

func (r *Relay) forward(ctx context.Context, sub realtime.Subscription) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, realtime.ErrSubscriptionClosed) {
				return nil
			}
			return err
		}
		if err := r.publish(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warnf("change event publish failed", map[string]any{
				"event": ev.String(),
				"error": err.Error(),
			})
		}
	}
}

func (r *Relay) publish(ctx context.Context, ev realtime.ChangeEvent) error {
	value, err := Encode(ev, r.origin)
	if err != nil {
		return err
	}
	rec := &kgo.Record{Topic: r.topic, Value: value}
	if ev.MetricID != "" {
		rec.Key = []byte(ev.MetricID)
	}
	return r.producer.ProduceSync(ctx, rec).FirstErr()
}

// EnsureTopic creates topic if it does not exist.
func EnsureTopic(ctx context.Context, admin *kadm.Client, topic string, partitions int32, replicationFactor int16) error {
	resp, err := admin.CreateTopics(ctx, partitions, replicationFactor, nil, topic)
	if err != nil {
		return fmt.Errorf("changefeed: create topic: %w", err)
	}
	for _, t := range resp {
		if t.Err != nil && !errors.Is(t.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("changefeed: create topic %s: %w", t.Topic, t.Err)
		}
	}
	return nil
}
