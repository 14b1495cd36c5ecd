package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"vigil/api"
	"vigil/config"
	"vigil/core"
	"vigil/correlation"
	"vigil/enrichment"
	"vigil/expr"
	"vigil/lock"
	"vigil/maintenance"
	"vigil/notify"
	"vigil/search"
	"vigil/service"
	"vigil/storage"
	"vigil/util/goroutine"
	"vigil/workflow"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const notifyPrefix = "vigil:notify:"

// App represents the vigil application with all its components.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Storage
	Storage *StorageComponents
	Index   *storage.AlertIndex
	Redis   *redis.Client

	// Pipeline
	Expr        *expr.Engine
	Enricher    *enrichment.Enricher
	Search      *search.Engine
	Correlation *correlation.Engine
	Service     *service.AlertService
	Reconciler  *maintenance.Reconciler
	Loop        *maintenance.Loop
	Pool        *core.WorkerPool
	Sink        workflow.Sink

	// Notifications
	Hub         *notify.Hub
	RedisPusher *notify.RedisPusher

	APIServer *api.API

	// Lifecycle
	ctx          context.Context
	cancel       context.CancelFunc
	closeMatcher func() error
	serviceWg    *sync.WaitGroup
	shutdownOnce sync.Once
}

// NewApp creates a new application instance from the config file at configPath and
// initializes all components. An empty path uses config.yaml lookup and env vars.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sugar.Info("vigil starting...")

	cfg, err := InitConfig(configPath, sugar)
	if err != nil {
		return nil, err
	}

	sugar.Info("Running pre-flight checks...")
	if err := EnsureDataDirectories(DataDirectoriesFromConfig(cfg), sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	app, err := Build(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Logger = logger
	return app, nil
}

// Build wires every component from cfg without starting background work
func Build(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (app *App, err error) {
	appCtx, cancel := context.WithCancel(ctx)
	app = &App{
		Config:       cfg,
		Logger:       sugar.Desugar(),
		Sugar:        sugar,
		ctx:          appCtx,
		cancel:       cancel,
		closeMatcher: func() error { return nil },
		serviceWg:    &sync.WaitGroup{},
	}
	defer func() {
		if err != nil {
			app.closeResources()
		}
	}()

	sqlite, err := InitSQLite(DataDirectoriesFromConfig(cfg), sugar)
	if err != nil {
		return app, err
	}
	app.Storage = NewStorageComponents(sqlite, sugar)

	index, err := InitIndex(cfg, sugar)
	if err != nil {
		return app, err
	}
	app.Index = index

	if cfg.Seed.File != "" {
		if _, err := LoadSeed(ctx, cfg.Seed.File, app.Storage, sugar); err != nil {
			return app, err
		}
	}

	app.Expr, err = expr.NewEngine(cfg.Engine.CELCacheSize, sugar)
	if err != nil {
		return app, err
	}

	matcher, closeMatcher, err := InitMatcher(cfg, sqlite, sugar)
	if err != nil {
		return app, err
	}
	app.closeMatcher = closeMatcher
	app.Enricher = enrichment.NewEnricher(app.Storage.MappingRules, app.Storage.Enrichments, app.Storage.Audit, matcher, sugar)

	pusher, locker, err := app.initCoordination()
	if err != nil {
		return app, err
	}

	app.Sink, err = InitSink(cfg, sugar)
	if err != nil {
		return app, err
	}

	searchCfg := search.Config{
		Alerts:  app.Storage.Alerts,
		Presets: app.Storage.Presets,
		Expr:    app.Expr,
		Logger:  sugar,
	}
	if index != nil {
		searchCfg.Index = index
	}
	app.Search, err = search.NewEngine(searchCfg)
	if err != nil {
		return app, err
	}

	app.Correlation, err = correlation.NewEngine(correlation.Config{
		DB:        sqlite,
		Rules:     app.Storage.CorrelationRules,
		Incidents: app.Storage.Incidents,
		Audit:     app.Storage.Audit,
		Expr:      app.Expr,
		Logger:    sugar,
	})
	if err != nil {
		return app, err
	}

	app.Pool = core.NewWorkerPool(appCtx, cfg.Engine.Workers, cfg.Engine.QueueSize, "ingest", sugar)

	serviceCfg := service.Config{
		DB:          sqlite,
		Alerts:      app.Storage.Alerts,
		Maintenance: app.Storage.MaintenanceRules,
		Audit:       app.Storage.Audit,
		Enricher:    app.Enricher,
		Expr:        app.Expr,
		Correlator:  app.Correlation,
		Presets:     app.Search,
		Sink:        app.Sink,
		Pusher:      pusher,
		Pool:        app.Pool,
		Fingerprint: core.FingerprintConfig{Fields: cfg.Fingerprint.Fields},
		Correlation: cfg.Correlation.Enabled,
		Logger:      sugar,
	}
	reconcilerCfg := maintenance.ReconcilerConfig{
		DB:          sqlite,
		Rules:       app.Storage.MaintenanceRules,
		Alerts:      app.Storage.Alerts,
		Audit:       app.Storage.Audit,
		Engine:      app.Expr,
		Sink:        app.Sink,
		Correlator:  app.Correlation,
		Presets:     app.Search,
		Pusher:      pusher,
		Correlation: cfg.Correlation.Enabled,
		Logger:      sugar,
	}
	// a nil *AlertIndex must not become a non-nil interface
	if index != nil {
		serviceCfg.Index = index
		reconcilerCfg.Index = index
	}

	app.Service, err = service.NewAlertService(serviceCfg)
	if err != nil {
		return app, err
	}
	app.Reconciler, err = maintenance.NewReconciler(reconcilerCfg)
	if err != nil {
		return app, err
	}
	app.Loop = maintenance.NewLoop(app.Reconciler, locker, cfg.Maintenance.Interval, sugar)

	app.APIServer = api.NewAPI(api.Deps{
		Ingester:    app.Service,
		Search:      app.Search,
		Presets:     app.Storage.Presets,
		Maintenance: app.Storage.MaintenanceRules,
		Incidents:   app.Storage.Incidents,
		Expr:        app.Expr,
		Push:        http.HandlerFunc(app.Hub.ServeWS),
	}, cfg, sugar)

	sugar.Infow("vigil initialized",
		"search_index", index != nil,
		"redis", app.Redis != nil,
		"correlation", cfg.Correlation.Enabled)
	return app, nil
}

// initCoordination creates the WebSocket hub, the debounced pusher in front of it and the
// maintenance locker. With Redis enabled, notifications fan out through Redis pub/sub and
// the lock is shared across instances.
func (a *App) initCoordination() (*notify.DebouncedPusher, lock.Locker, error) {
	cfg := a.Config
	a.Hub = notify.NewHub(a.ctx, a.Sugar)

	if cfg.Redis.Enabled {
		client := lock.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
		ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			msg := ClassifyConnectionError("Redis", err, cfg.Redis.Addr)
			if !cfg.IsGracefulMode() {
				return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
			}
			a.Sugar.Warnw("Continuing without Redis", "reason", msg)
		} else {
			a.Redis = client
			a.RedisPusher = notify.NewRedisPusher(client, notifyPrefix)
			a.Sugar.Infow("Connected to Redis", "addr", cfg.Redis.Addr)
		}
	}

	var target notify.Pusher = a.Hub
	if a.RedisPusher != nil {
		target = a.RedisPusher
	}
	pusher := notify.NewDebouncedPusher(target, notify.NewDebouncer(cfg.Notify.DebounceInterval), a.Sugar)

	var locker lock.Locker
	switch {
	case cfg.Maintenance.LockBackend == config.LockBackendRedis && a.Redis != nil:
		locker = lock.NewRedisLocker(a.Redis, cfg.Maintenance.LockKey, cfg.Maintenance.LockTTL, a.Sugar)
	case cfg.Maintenance.LockBackend == config.LockBackendRedis:
		a.Sugar.Warnw("Redis lock backend requested without Redis, falling back to file lock",
			"lock_file", cfg.Maintenance.LockFile)
		locker = lock.NewFileLocker(cfg.Maintenance.LockFile, a.Sugar)
	default:
		locker = lock.NewFileLocker(cfg.Maintenance.LockFile, a.Sugar)
	}
	return pusher, locker, nil
}

// InitSink returns the Kafka workflow sink when enabled and a no-op sink otherwise
func InitSink(cfg *config.Config, sugar *zap.SugaredLogger) (workflow.Sink, error) {
	if !cfg.Kafka.Enabled {
		return workflow.NopSink{}, nil
	}
	sink, err := workflow.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, sugar)
	if err != nil {
		if cfg.IsGracefulMode() {
			sugar.Warnw("Workflow sink disabled", "error", err)
			return workflow.NopSink{}, nil
		}
		return nil, fmt.Errorf("failed to initialize workflow sink: %w", err)
	}
	return sink, nil
}

// Start starts all application services.
func (a *App) Start(ctx context.Context) error {
	if err := a.Pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	if a.Config.SQLite.MetricsInterval > 0 {
		a.Storage.SQLite.StartMetricsCollection(a.ctx, a.Config.SQLite.MetricsInterval)
	}

	a.goService("websocket-hub", a.Hub.Start)

	if a.RedisPusher != nil {
		a.goService("notification-relay", func() {
			if err := a.RedisPusher.Relay(a.ctx, a.Hub); err != nil {
				a.Sugar.Errorw("Notification relay stopped", "error", err)
			}
		})
	}

	if a.Config.Maintenance.Interval > 0 {
		a.goService("maintenance-loop", func() { a.Loop.Run(a.ctx) })
	}

	a.goService("api-server", func() {
		if err := a.APIServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("API server failed", "error", err)
		}
	})
	return nil
}

// goService runs fn on a tracked goroutine with panic recovery
func (a *App) goService(name string, fn func()) {
	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		defer goroutine.Recover(name, a.Sugar)
		fn()
	}()
}

// RunReconcile runs one maintenance reconciliation pass under the lock and reports
// whether it ran
func (a *App) RunReconcile(ctx context.Context) bool {
	return a.Loop.RunOnce(ctx)
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown gracefully shuts down all components. Safe to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.Sugar.Info("Shutting down...")

		a.Sugar.Info("Phase 1: Stopping API server...")
		if a.APIServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.APIServer.Stop(ctx); err != nil {
				a.Sugar.Errorw("Failed to stop API server", "error", err)
			}
			cancel()
		}

		a.Sugar.Info("Phase 2: Draining ingest workers...")
		if a.Pool != nil {
			a.Pool.Stop()
		}

		a.Sugar.Info("Phase 3: Stopping background loops...")
		a.cancel()
		done := make(chan struct{})
		go func() {
			a.serviceWg.Wait()
			close(done)
		}()
		select {
		case <-done:
			a.Sugar.Info("All service goroutines stopped successfully")
		case <-time.After(15 * time.Second):
			a.Sugar.Warn("Service goroutine shutdown timed out")
		}

		a.Sugar.Info("Phase 4: Closing connections...")
		a.closeResources()

		a.Sugar.Info("Shutdown complete")
		_ = a.Logger.Sync()
	})
}

// closeResources releases every connection opened by Build
func (a *App) closeResources() {
	a.cancel()
	if closer, ok := a.Sink.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.Sugar.Errorw("Failed to close workflow sink", "error", err)
		}
	}
	if err := a.closeMatcher(); err != nil {
		a.Sugar.Errorw("Failed to close matcher database", "error", err)
	}
	if a.Index != nil {
		if err := a.Index.Close(); err != nil {
			a.Sugar.Errorw("Failed to close ClickHouse index", "error", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Sugar.Errorw("Failed to close Redis client", "error", err)
		}
	}
	if a.Storage != nil && a.Storage.SQLite != nil {
		if err := a.Storage.SQLite.Close(); err != nil {
			a.Sugar.Errorw("Failed to close SQLite", "error", err)
		}
	}
}
