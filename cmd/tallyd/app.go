package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tally-io/tally/internal/api"
	"github.com/tally-io/tally/internal/auth"
	"github.com/tally-io/tally/internal/board"
	"github.com/tally-io/tally/internal/cache"
	"github.com/tally-io/tally/internal/changefeed"
	"github.com/tally-io/tally/internal/config"
	"github.com/tally-io/tally/internal/datastore"
	"github.com/tally-io/tally/internal/datastore/keys"
	"github.com/tally-io/tally/internal/datastore/oxia"
	"github.com/tally-io/tally/internal/logging"
	"github.com/tally-io/tally/internal/metrics"
	"github.com/tally-io/tally/internal/metricstore"
	"github.com/tally-io/tally/internal/objectstore"
	"github.com/tally-io/tally/internal/objectstore/s3"
	"github.com/tally-io/tally/internal/optimistic"
	"github.com/tally-io/tally/internal/ordering"
	"github.com/tally-io/tally/internal/realtime"
)

// AppOptions contains the configuration for creating an App.
type AppOptions struct {
	Config    *config.Config
	Logger    *logging.Logger
	Version   string
	GitCommit string
	BuildTime string

	// Datastore replaces the configured backend, for tests.
	Datastore datastore.Store
}

// App is a running tally server: the API, the realtime listener that keeps
// the cache fresh, and the optional change feed relay.
type App struct {
	opts   AppOptions
	logger *logging.Logger

	registry *metrics.Registry
	recorder *metrics.Set

	store        datastore.Store
	objects      objectstore.Store
	profileCache *auth.ProfileCache
	cache        *cache.Cache
	coordinator  *optimistic.Coordinator
	listener     *realtime.Listener
	hub          *api.Hub
	api          *api.Server
	metrics      *metrics.Server
	kafka        *kgo.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewApp creates an App but does not start it.
func NewApp(opts AppOptions) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	return &App{opts: opts, logger: opts.Logger}, nil
}

// openDatastore connects the configured backend.
func openDatastore(ctx context.Context, cfg config.DatastoreConfig) (datastore.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return datastore.NewMockStore(), nil
	case config.BackendOxia:
		return oxia.New(ctx, oxia.Config{
			ServiceAddress: cfg.OxiaEndpoint,
			Namespace:      cfg.Namespace,
			RequestTimeout: time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
			Partition:      keys.Partition,
		})
	default:
		return nil, fmt.Errorf("unknown datastore backend %q", cfg.Backend)
	}
}

// openObjectStore connects S3. It returns nil when no bucket is configured.
func openObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (objectstore.Store, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	store, err := s3.New(ctx, s3.Config{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKey,
		SecretAccessKey: cfg.SecretKey,
		UsePathStyle:    cfg.UsePathStyle,
	})
	if err != nil {
		return nil, err
	}
	return objectstore.WithPrefix(store, cfg.Prefix), nil
}

// Start initializes every component and starts serving. It returns once the
// listeners are bound.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("app already started")
	}
	a.started = true

	cfg := a.opts.Config
	a.logger.Infof("starting tally", map[string]any{
		"listenAddr": cfg.Server.ListenAddr,
		"datastore":  cfg.Datastore.Backend,
		"version":    a.opts.Version,
		"commit":     a.opts.GitCommit,
	})

	a.registry = metrics.NewRegistry()
	a.recorder = a.registry.Set

	raw := a.opts.Datastore
	if raw == nil {
		var err error
		if raw, err = openDatastore(ctx, cfg.Datastore); err != nil {
			return fmt.Errorf("open datastore: %w", err)
		}
	}
	a.store = datastore.NewInstrumentedStore(raw, a.recorder.Datastore)

	objects, err := openObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	if objects != nil {
		a.objects = objectstore.NewInstrumentedStore(objects, a.recorder.ObjectStore)
	}

	mode, err := ordering.ParseMode(cfg.Board.OrderingMode)
	if err != nil {
		return err
	}

	profiles := auth.NewProfileStore(a.store)
	a.profileCache = auth.NewProfileCache(profiles, a.store)
	metricStore := metricstore.NewStore(a.store,
		metricstore.WithAliases(a.profileCache),
		metricstore.WithHistoryLimit(cfg.Board.HistoryLimit),
	)
	orderingStore := ordering.NewStore(a.store, ordering.WithMode(mode))

	a.cache = cache.New(cache.WithRecorder(a.recorder.Cache))
	b := board.New(a.cache, metricStore, orderingStore, profiles)
	a.coordinator = optimistic.NewCoordinator(a.cache, metricStore, orderingStore, b,
		optimistic.WithCommitTimeout(time.Duration(cfg.Board.CommitTimeoutMs)*time.Millisecond),
		optimistic.WithRecorder(a.recorder.Mutations),
		optimistic.WithLogger(a.logger.With(map[string]any{"component": "optimistic"})),
	)

	static := auth.NewStaticProvider()
	static.LoadFromString(cfg.Auth.StaticTokens)
	provider := auth.ChainProvider{static, auth.NewTokenProvider(a.store)}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	// Realtime: every event invalidates the cache and reaches websocket clients.
	a.hub = api.NewHub(cfg.Server.AllowedOrigins)
	source, err := a.changeSource(runCtx)
	if err != nil {
		return err
	}
	a.listener = realtime.NewListener(source,
		realtime.WithEventHandler(a.hub.Publish),
		realtime.WithListenerRecorder(a.recorder.Realtime),
	)
	if err := a.listener.Start(runCtx); err != nil {
		return fmt.Errorf("start realtime listener: %w", err)
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cache.Run(runCtx, a.listener.Commands()); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warnf("cache command loop stopped", map[string]any{"error": err.Error()})
		}
	}()

	checks := []api.ReadinessChecker{api.NewDatastoreChecker(a.store), a.listener}
	if a.objects != nil {
		checks = append(checks, api.NewObjectStoreChecker(a.objects))
	}
	a.api = api.NewServer(api.Options{
		Reader:         b,
		Mutator:        a.coordinator,
		Provider:       provider,
		Hub:            a.hub,
		Checks:         checks,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Recorder:       a.recorder.HTTP,
		Logger:         a.logger.With(map[string]any{"component": "api"}),
	})
	if err := a.api.Start(cfg.Server.ListenAddr); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}

	if cfg.Observability.MetricsAddr != "" {
		if a.metrics, err = a.registry.Serve(cfg.Observability.MetricsAddr); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}
	return nil
}

// changeSource picks where realtime events come from. With the change feed
// enabled and this process not relaying, events are read from the topic;
// otherwise from datastore notifications. A relaying process also publishes
// its datastore events to the topic.
func (a *App) changeSource(ctx context.Context) (realtime.Source, error) {
	cfg := a.opts.Config.ChangeFeed
	local := realtime.NewDatastoreSource(a.store)
	if !cfg.Enabled {
		return local, nil
	}
	if !cfg.Relay {
		a.logger.Infof("reading changes from change feed", map[string]any{"topic": cfg.Topic})
		return changefeed.NewSource(changefeed.KafkaConsumers(cfg.Brokers), cfg.Topic), nil
	}

	client, err := kgo.NewClient(kgo.SeedBrokers(cfg.Brokers...), kgo.DefaultProduceTopic(cfg.Topic))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	a.kafka = client

	if err := changefeed.EnsureTopic(ctx, kadm.NewClient(client), cfg.Topic, int32(cfg.Partitions), int16(cfg.ReplicationFactor)); err != nil {
		a.logger.Warnf("could not ensure change feed topic", map[string]any{
			"topic": cfg.Topic,
			"error": err.Error(),
		})
	}

	relay := changefeed.NewRelay(realtime.NewDatastoreSource(a.store), client,
		changefeed.WithTopic(cfg.Topic),
		changefeed.WithOrigin(uuid.NewString()),
	)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Errorf("change feed relay stopped", map[string]any{"error": err.Error()})
		}
	}()
	a.logger.Infof("relaying changes to change feed", map[string]any{"topic": cfg.Topic})
	return local, nil
}

// APIAddr returns the bound API address.
func (a *App) APIAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

// Shutdown stops the API, lets running commits finish, then stops the
// background workers and closes the stores.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	a.logger.Info("shutting down tally")

	var errs []error
	if a.api != nil {
		if err := a.api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}
	}
	if a.coordinator != nil {
		_ = a.coordinator.Close()
		if err := a.coordinator.Drain(ctx); err != nil {
			a.logger.Warnf("commits still running at shutdown", map[string]any{"error": err.Error()})
		}
	}
	if a.listener != nil {
		if err := a.listener.Stop(); err != nil {
			a.logger.Warnf("realtime listener stopped with error", map[string]any{"error": err.Error()})
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.kafka != nil {
		a.kafka.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.profileCache != nil {
		_ = a.profileCache.Close()
	}
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if a.objects != nil {
		if err := a.objects.Close(); err != nil {
			errs = append(errs, fmt.Errorf("object store: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("datastore: %w", err))
		}
	}
	return errors.Join(errs...)
}
