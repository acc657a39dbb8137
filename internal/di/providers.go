package di

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	awsEventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"outliner-backend/internal/api"
	"outliner-backend/internal/backend"
	"outliner-backend/internal/cache"
	"outliner-backend/internal/config"
	"outliner-backend/internal/events"
	"outliner-backend/internal/hierarchy"
	"outliner-backend/internal/livesync"
	"outliner-backend/internal/logging"
	"outliner-backend/internal/mutation"
	"outliner-backend/internal/observability"
	"outliner-backend/internal/publish"
)

// ============================================================================
// CONFIG PROVIDERS
// ============================================================================

// provideLogger builds the process logger. The cleanup flushes it.
func provideLogger(cfg *config.Config) (*logging.Logger, func(), error) {
	logger, err := logging.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, func() { _ = logger.Sync() }, nil
}

// provideZapLogger exposes the embedded zap logger to components.
func provideZapLogger(logger *logging.Logger) *zap.Logger {
	return logger.Logger
}

// ============================================================================
// INFRASTRUCTURE PROVIDERS
// ============================================================================

// provideCollector creates the Prometheus collector and attaches it to the bus.
func provideCollector(cfg *config.Config, bus *events.Bus) (*observability.Collector, func()) {
	collector := observability.NewCollector(cfg.Metrics.Namespace)
	detach := collector.Attach(bus)
	return collector, detach
}

// provideTracing initializes OpenTelemetry. The cleanup flushes pending spans.
func provideTracing(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*observability.TracerProvider, func(), error) {
	tp, err := observability.InitTracing(ctx, cfg.Tracing, cfg.Environment)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down tracer provider", zap.Error(err))
		}
	}
	return tp, cleanup, nil
}

// provideBackend opens the configured store and decorates it with the circuit
// breaker and tracing/metrics instrumentation.
func provideBackend(
	ctx context.Context,
	cfg *config.Config,
	logger *zap.Logger,
	tracing *observability.TracerProvider,
	collector *observability.Collector,
) (backend.Backend, func(), error) {
	var (
		store   backend.Backend
		cleanup = func() {}
	)

	switch cfg.Backend.Driver {
	case "memory":
		store = backend.NewMemoryBackend(logger)
	case "sqlite":
		db, err := backend.OpenSQLite(ctx, cfg.Backend.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		store = db
		cleanup = func() {
			if err := db.Close(); err != nil {
				logger.Warn("Failed to close sqlite backend", zap.Error(err))
			}
		}
	case "dynamodb":
		client, err := backend.NewDynamoClient(ctx, cfg.Backend)
		if err != nil {
			return nil, nil, err
		}
		store = backend.NewDynamoBackend(client, cfg.Backend.TableName, cfg.Backend.IndexName, logger)
	default:
		return nil, nil, fmt.Errorf("unknown backend driver %q", cfg.Backend.Driver)
	}

	if cfg.CircuitBreaker.Enabled {
		store = backend.NewBreakerBackend(store, cfg.CircuitBreaker, logger, collector.ObserveBreakerChange)
	}
	store = backend.NewInstrumentedBackend(store, tracing.Tracer(), collector)

	logger.Info("Backend ready",
		zap.String("driver", cfg.Backend.Driver),
		zap.Bool("circuit_breaker", cfg.CircuitBreaker.Enabled),
	)
	return store, cleanup, nil
}

// provideEventBridgeClient creates an EventBridge client when forwarding is
// enabled, and nil otherwise.
func provideEventBridgeClient(ctx context.Context, cfg *config.Config) (*awsEventbridge.Client, error) {
	if !cfg.Events.ForwardEnabled {
		return nil, nil
	}

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	awsCfg, err := awsConfig.LoadDefaultConfig(loadCtx,
		awsConfig.WithRegion(cfg.Backend.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return awsEventbridge.NewFromConfig(awsCfg, func(o *awsEventbridge.Options) {
		o.HTTPClient = &http.Client{
			Timeout: 10 * time.Second,
		}
		if cfg.Backend.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Backend.Endpoint)
		}
	}), nil
}

// ============================================================================
// DOMAIN PROVIDERS
// ============================================================================

func provideEventBus(cfg *config.Config, logger *zap.Logger) (*events.Bus, func()) {
	opts := []events.Option{events.WithLogger(logger)}
	if cfg.Events.BatchEnabled {
		opts = append(opts, events.WithBatching(events.BatchConfig{
			Window:       cfg.Events.BatchWindow,
			MaxBatchSize: cfg.Events.MaxBatchSize,
		}))
	}
	bus := events.NewBus(opts...)
	return bus, bus.Close
}

func provideTree(cfg *config.Config, logger *zap.Logger) *hierarchy.Tree {
	return hierarchy.New(
		hierarchy.WithLogger(logger),
		hierarchy.WithSpacing(cfg.Hierarchy.RebalanceStride, cfg.Hierarchy.MinOrderGap),
	)
}

func provideNodeCache(logger *zap.Logger) *cache.NodeCache {
	return cache.New(cache.WithLogger(logger))
}

// ============================================================================
// APPLICATION PROVIDERS
// ============================================================================

func provideEngine(
	cfg *config.Config,
	tree *hierarchy.Tree,
	nodeCache *cache.NodeCache,
	store backend.Backend,
	bus *events.Bus,
	logger *zap.Logger,
) *mutation.Engine {
	return mutation.New(tree, nodeCache, store, bus,
		mutation.WithLogger(logger),
		mutation.WithInvariantChecks(!cfg.IsProduction()),
	)
}

// provideListener returns nil when the change stream is disabled.
func provideListener(cfg *config.Config, engine *mutation.Engine, bus *events.Bus, logger *zap.Logger) *livesync.Listener {
	if !cfg.Sync.Enabled {
		return nil
	}
	stream := livesync.NewWebsocketStream(cfg.Sync.URL, nil, cfg.Sync.PingInterval, logger)
	return livesync.NewListener(stream, engine, bus, livesync.PolicyFrom(cfg.Sync),
		livesync.WithLogger(logger),
	)
}

// provideForwarder returns nil when forwarding is disabled. The cleanup
// detaches it from the bus.
func provideForwarder(
	cfg *config.Config,
	client *awsEventbridge.Client,
	bus *events.Bus,
	collector *observability.Collector,
	logger *zap.Logger,
) (*publish.Forwarder, func()) {
	if client == nil {
		return nil, func() {}
	}
	forwarder := publish.NewForwarder(client,
		cfg.Events.EventBusName,
		cfg.Events.Source,
		cfg.Events.ForwardInterval,
		cfg.Events.ForwardQueueSize,
		collector,
		logger,
	)
	return forwarder, forwarder.Attach(bus)
}

// ============================================================================
// INTERFACE PROVIDERS
// ============================================================================

func provideRouter(
	cfg *config.Config,
	engine *mutation.Engine,
	listener *livesync.Listener,
	collector *observability.Collector,
) *chi.Mux {
	opts := api.Options{
		Outline:        engine,
		RequestTimeout: cfg.Server.RequestTimeout,
	}
	if listener != nil {
		opts.Sync = listener
	}
	if cfg.Metrics.Enabled {
		opts.Metrics = collector.Handler()
		opts.MetricsPath = cfg.Metrics.Path
	}
	return api.NewRouter(opts)
}

func provideContainer(
	cfg *config.Config,
	logger *logging.Logger,
	tree *hierarchy.Tree,
	nodeCache *cache.NodeCache,
	store backend.Backend,
	bus *events.Bus,
	engine *mutation.Engine,
	listener *livesync.Listener,
	forwarder *publish.Forwarder,
	collector *observability.Collector,
	tracing *observability.TracerProvider,
	handler http.Handler,
) *Container {
	return &Container{
		Config:    cfg,
		Logger:    logger,
		Tree:      tree,
		Cache:     nodeCache,
		Backend:   store,
		Bus:       bus,
		Engine:    engine,
		Listener:  listener,
		Forwarder: forwarder,
		Collector: collector,
		Tracing:   tracing,
		Handler:   handler,
	}
}
