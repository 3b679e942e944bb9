// Package ticketing assembles the payment confirmation and ticket issuance
// service for embedding in another process or serving standalone.
package ticketing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/ticketing/internal/callbacks"
	"github.com/CedrosPay/ticketing/internal/circuitbreaker"
	"github.com/CedrosPay/ticketing/internal/config"
	"github.com/CedrosPay/ticketing/internal/dbpool"
	"github.com/CedrosPay/ticketing/internal/httpserver"
	"github.com/CedrosPay/ticketing/internal/idempotency"
	"github.com/CedrosPay/ticketing/internal/lifecycle"
	"github.com/CedrosPay/ticketing/internal/logger"
	"github.com/CedrosPay/ticketing/internal/metrics"
	"github.com/CedrosPay/ticketing/internal/oracle"
	"github.com/CedrosPay/ticketing/internal/reconcile"
	"github.com/CedrosPay/ticketing/internal/storage"
	"github.com/CedrosPay/ticketing/internal/token"
)

// App wires the ticketing components.
type App struct {
	Config      *config.Config
	Store       storage.Store
	Oracle      oracle.Client
	Notifier    callbacks.Notifier
	Tokens      *token.Generator
	Reconciler  *reconcile.Reconciler
	Sweeper     *reconcile.Sweeper
	Idempotency idempotency.Store
	Logger      zerolog.Logger

	router          chi.Router
	server          *httpserver.Server
	registry        *prometheus.Registry
	metrics         *metrics.Metrics
	breakers        *circuitbreaker.Manager
	dlq             callbacks.DLQStore
	resourceManager *lifecycle.Manager
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store       storage.Store
	oracle      oracle.Client
	notifier    callbacks.Notifier
	idempotency idempotency.Store
	logger      *zerolog.Logger
	router      chi.Router
}

// WithStore sets a custom storage backend. The caller keeps ownership.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithOracle injects a payment oracle, bypassing the configured provider.
func WithOracle(c oracle.Client) Option {
	return func(o *options) { o.oracle = c }
}

// WithNotifier injects the ticket notifier.
func WithNotifier(n callbacks.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithIdempotencyStore replaces the configured Idempotency-Key cache.
func WithIdempotencyStore(s idempotency.Store) Option {
	return func(o *options) { o.idempotency = s }
}

// WithLogger overrides the logger built from the logging config.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithRouter registers routes onto an existing chi router.
func WithRouter(router chi.Router) Option {
	return func(o *options) { o.router = router }
}

// NewApp assembles the service. Background workers (sweeper, delivery
// queue) are running when it returns; Close stops them.
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("ticketing: config required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "ticketing",
		Environment: cfg.Logging.Environment,
	})
	if o.logger != nil {
		appLogger = *o.logger
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app := &App{
		Config:          cfg,
		Logger:          appLogger,
		registry:        registry,
		metrics:         metrics.New(registry),
		resourceManager: lifecycle.NewManager(appLogger),
	}

	// Anything registered so far is released if a later step fails.
	fail := func(err error) (*App, error) {
		_ = app.resourceManager.Close()
		return nil, err
	}

	if err := app.initStore(ctx, o.store); err != nil {
		return fail(err)
	}

	app.breakers = circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker,
		circuitbreaker.WithLogger(appLogger),
		circuitbreaker.WithMetrics(app.metrics),
	)

	if o.oracle != nil {
		app.Oracle = o.oracle
	} else {
		client, err := oracle.New(cfg.Oracle,
			oracle.WithBreakers(app.breakers),
			oracle.WithMetrics(app.metrics),
			oracle.WithLogger(appLogger),
		)
		if err != nil {
			return fail(fmt.Errorf("init oracle: %w", err))
		}
		app.Oracle = client
	}

	if o.notifier != nil {
		app.Notifier = o.notifier
	} else if err := app.initNotifier(); err != nil {
		return fail(err)
	}

	app.Tokens = token.NewGenerator(
		token.WithAlphabet(cfg.Tokens.Alphabet),
		token.WithLength(cfg.Tokens.Length),
		token.WithMaxAttempts(cfg.Tokens.MaxAttempts),
	)

	app.Reconciler = reconcile.New(app.Store, app.Oracle, app.Tokens, app.Notifier,
		reconcile.WithMetrics(app.metrics),
		reconcile.WithLogger(appLogger),
	)

	app.Sweeper = reconcile.NewSweeper(app.Reconciler, app.Store, reconcile.SweeperConfig{
		Interval:         cfg.Storage.SweepInterval.Duration,
		Batch:            cfg.Storage.SweepBatch,
		ReceiptRetention: cfg.Storage.ReceiptRetention.Duration,
	}, app.metrics, appLogger)
	app.Sweeper.Start()
	app.resourceManager.RegisterFunc("sweeper", func() error {
		app.Sweeper.Stop()
		return nil
	})

	if o.idempotency != nil {
		app.Idempotency = o.idempotency
	} else if err := app.initIdempotency(ctx); err != nil {
		return fail(err)
	}

	if o.router != nil {
		app.router = o.router
		httpserver.ConfigureRouter(app.router, cfg, app.deps())
	} else {
		app.server = httpserver.New(cfg, app.deps())
		app.router = app.server.Router()
	}

	appLogger.Info().
		Str("storage", cfg.Storage.Backend).
		Str("oracle", app.Oracle.Name()).
		Str("idempotency", cfg.Idempotency.Backend).
		Msg("ticketing.ready")

	return app, nil
}

func (a *App) initStore(ctx context.Context, injected storage.Store) error {
	if injected != nil {
		a.Store = injected
		return nil
	}

	cfg := a.Config.Storage
	storeCfg := storage.StoreConfigFrom(cfg)

	switch cfg.Backend {
	case "postgres":
		pool, err := dbpool.Open(ctx, cfg.PostgresURL, cfg.PostgresPool, 10*time.Second)
		if err != nil {
			return fmt.Errorf("init postgres pool: %w", err)
		}
		// Registered first so it closes after the store.
		a.resourceManager.Register("postgres-pool", pool)
		store, err := storage.NewStoreWithDB(storeCfg, pool.DB())
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		if pg, ok := store.(*storage.PostgresStore); ok {
			pg.WithMetrics(a.metrics)
		}
		a.Store = store
		a.resourceManager.Register("storage", store)
	case "mongodb":
		store, err := storage.NewStoreWithDB(storeCfg, nil)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		if mg, ok := store.(*storage.MongoDBStore); ok {
			mg.WithMetrics(a.metrics)
		}
		a.Store = store
		a.resourceManager.Register("storage", store)
	default:
		store, err := storage.NewStoreWithDB(storeCfg, nil)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		a.Store = store
		a.resourceManager.Register("storage", store)
		a.Logger.Warn().Msg("ticketing.memory_store: purchases and tokens are lost on restart")
	}
	return nil
}

// initNotifier picks the persistent queue or the in-process retrying client.
func (a *App) initNotifier() error {
	cfg := a.Config.Callbacks
	if cfg.TicketIssuedURL == "" {
		a.Logger.Info().Msg("notifier.disabled")
		a.Notifier = callbacks.NoopNotifier{}
		return nil
	}

	if cfg.PersistentQueue {
		client := callbacks.NewPersistentCallbackClient(callbacks.PersistentCallbackOptions{
			Queue:       a.Store,
			Config:      cfg,
			RetryConfig: callbacks.RetryConfigFrom(cfg),
			Logger:      a.Logger,
			Metrics:     a.metrics,
		})
		a.Notifier = client
		a.resourceManager.Register("delivery-queue", client)
		return nil
	}

	retryOpts := []callbacks.RetryOption{
		callbacks.WithRetryLogger(a.Logger),
		callbacks.WithMetrics(a.metrics),
	}
	if cfg.DLQEnabled {
		dlq, err := callbacks.NewFileDLQStore(cfg.DLQPath)
		if err != nil {
			return fmt.Errorf("init DLQ store: %w", err)
		}
		a.dlq = dlq
		retryOpts = append(retryOpts, callbacks.WithDLQStore(dlq))
	}
	client := callbacks.NewRetryableClient(cfg, retryOpts...)
	a.Notifier = client
	a.resourceManager.Register("notifier", client)
	return nil
}

func (a *App) initIdempotency(ctx context.Context) error {
	switch a.Config.Idempotency.Backend {
	case "redis":
		store, err := idempotency.NewRedisStore(ctx, a.Config.Idempotency.RedisURL, a.Logger)
		if err != nil {
			return fmt.Errorf("init idempotency store: %w", err)
		}
		a.Idempotency = store
		a.resourceManager.Register("idempotency-store", store)
	default:
		store := idempotency.NewMemoryStore()
		a.Idempotency = store
		a.resourceManager.RegisterFunc("idempotency-store", func() error {
			store.Stop()
			return nil
		})
	}
	return nil
}

func (a *App) deps() httpserver.Deps {
	return httpserver.Deps{
		Store:       a.Store,
		Reconciler:  a.Reconciler,
		Tokens:      a.Tokens,
		Idempotency: a.Idempotency,
		Breakers:    a.breakers,
		DLQ:         a.dlq,
		Metrics:     a.metrics,
		Gatherer:    a.registry,
		Logger:      a.Logger,
	}
}

// Router returns the chi router with the ticketing routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// ListenAndServe serves on the configured address. It is unavailable when
// the routes were mounted on a caller's router via WithRouter.
func (a *App) ListenAndServe() error {
	if a.server == nil {
		return errors.New("ticketing: app is embedded in an external router")
	}
	return a.server.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
// Background workers keep running until Close.
func (a *App) Shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// Close stops background workers and releases owned resources in reverse
// order of creation.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// NewHandler is a convenience that constructs an App and returns its handler.
func NewHandler(ctx context.Context, cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the service.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
