package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tally-io/tally/internal/cache"
	"github.com/tally-io/tally/internal/logging"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("realtime: listener already started")

const defaultCommandBuffer = 64

// Recorder observes listener activity.
type Recorder interface {
	RecordEvent(table, kind string)
	RecordCommand(kind string)
}

// Listener subscribes to every table of a Source and emits cache commands on
// Commands. The channel is closed by Stop.
//
// A failed subscription ends only its own worker. Before it exits the worker
// emits a resync for its table, and the failure is reported by Err, Failed
// and CheckReady.
type Listener struct {
	source   Source
	out      chan cache.Command
	handlers []func(ChangeEvent)
	recorder Recorder
	logger   *logging.Logger

	failed   chan struct{}
	failOnce sync.Once
	errMu    sync.Mutex
	err      error

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	subs    []Subscription
	group   *errgroup.Group
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithCommandBuffer sets the capacity of the command channel.
func WithCommandBuffer(n int) ListenerOption {
	return func(l *Listener) {
		if n >= 0 {
			l.out = make(chan cache.Command, n)
		}
	}
}

// WithEventHandler registers fn to be called for each event before its
// commands are sent. fn must not block.
func WithEventHandler(fn func(ChangeEvent)) ListenerOption {
	return func(l *Listener) { l.handlers = append(l.handlers, fn) }
}

func WithListenerRecorder(r Recorder) ListenerOption {
	return func(l *Listener) { l.recorder = r }
}

func NewListener(source Source, opts ...ListenerOption) *Listener {
	l := &Listener{
		source: source,
		out:    make(chan cache.Command, defaultCommandBuffer),
		failed: make(chan struct{}),
		logger: logging.Global().With(map[string]any{"component": "realtime"}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Commands returns the command channel, to be consumed by cache.Cache.Run.
func (l *Listener) Commands() <-chan cache.Command {
	return l.out
}

// Start subscribes to every table and starts one worker per subscription. If
// any subscription fails, the ones already opened are closed.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return ErrAlreadyStarted
	}

	subs := make([]Subscription, 0, len(Tables))
	for _, table := range Tables {
		sub, err := l.source.Subscribe(ctx, table)
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return err
		}
		subs = append(subs, sub)
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g := &errgroup.Group{}
	for i, sub := range subs {
		table := Tables[i]
		g.Go(func() error { return l.consume(wctx, table, sub) })
	}

	l.started = true
	l.cancel = cancel
	l.subs = subs
	l.group = g
	l.logger.Infof("realtime listener started", map[string]any{"tables": len(subs)})
	return nil
}

func (l *Listener) consume(ctx context.Context, table Table, sub Subscription) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSubscriptionClosed) {
				return nil
			}
			l.logger.Errorf("realtime subscription failed", map[string]any{
				"table": string(table),
				"error": err.Error(),
			})
			l.fail(err)
			l.emit(ctx, ChangeEvent{Table: table, Kind: KindResync, At: time.Now()})
			return err
		}
		if !l.emit(ctx, ev) {
			return nil
		}
	}
}

// emit runs the handlers for ev and sends its commands. It reports false
// when ctx ended first.
func (l *Listener) emit(ctx context.Context, ev ChangeEvent) bool {
	if l.recorder != nil {
		l.recorder.RecordEvent(string(ev.Table), string(ev.Kind))
	}
	for _, fn := range l.handlers {
		fn(ev)
	}
	for _, cmd := range CommandsFor(ev) {
		select {
		case <-ctx.Done():
			return false
		case l.out <- cmd:
		}
		if l.recorder != nil {
			l.recorder.RecordCommand(cmd.Kind.String())
		}
	}
	return true
}

func (l *Listener) fail(err error) {
	l.failOnce.Do(func() {
		l.errMu.Lock()
		l.err = err
		l.errMu.Unlock()
		close(l.failed)
	})
}

// Failed is closed when the first subscription fails.
func (l *Listener) Failed() <-chan struct{} {
	return l.failed
}

// Err returns the first subscription failure, or nil.
func (l *Listener) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

func (l *Listener) Name() string { return "realtime" }

// CheckReady fails once any subscription has failed. Cached reads are then
// no longer invalidated by remote changes.
func (l *Listener) CheckReady(context.Context) error {
	return l.Err()
}

// Stop closes both subscriptions, waits for the workers and closes the
// command channel. It returns the first worker error.
func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return nil
	}
	l.stopped = true
	if !l.started {
		close(l.out)
		return nil
	}

	l.cancel()
	var closeErr error
	for _, s := range l.subs {
		if err := s.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	err := l.group.Wait()
	close(l.out)
	if err != nil {
		return err
	}
	return closeErr
}
