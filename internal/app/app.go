// Package app wires the corpaudit components from configuration. Both the
// daemon and the one-shot worker build their process through it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/maferick/corpaudit/internal/analytics"
	"github.com/maferick/corpaudit/internal/audit"
	"github.com/maferick/corpaudit/internal/catalog"
	"github.com/maferick/corpaudit/internal/circuitbreaker"
	"github.com/maferick/corpaudit/internal/config"
	"github.com/maferick/corpaudit/internal/dispatcher"
	"github.com/maferick/corpaudit/internal/esi"
	"github.com/maferick/corpaudit/internal/leaderelection"
	"github.com/maferick/corpaudit/internal/metrics"
	"github.com/maferick/corpaudit/internal/ratelimit"
	"github.com/maferick/corpaudit/internal/reconciler"
	"github.com/maferick/corpaudit/internal/runner"
	"github.com/maferick/corpaudit/internal/store"
	"github.com/maferick/corpaudit/internal/store/postgres"
	"github.com/maferick/corpaudit/internal/store/sqlite"
	"github.com/maferick/corpaudit/internal/transport/channel"
)

// App holds the wired components of one process.
type App struct {
	Config  config.Config
	Logger  *zap.SugaredLogger
	DB      *sql.DB
	Store   *store.Store
	Redis   *redis.Client // nil when REDIS_ADDR is unset
	Metrics metrics.Sink

	ESI        *esi.Client
	Registry   *catalog.Registry
	Bus        *channel.EventBus
	Runner     *runner.Runner
	Dispatcher *dispatcher.Dispatcher
	Reconciler *reconciler.Reconciler // nil when RECONCILE_ENABLED=false
	Locker     leaderelection.Locker
}

// Options tune Build for callers that are not the daemon.
type Options struct {
	// Registerer receives the Prometheus collectors. Nil means
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// OpenStore opens the database for the configured driver.
func OpenStore(ctx context.Context, cfg config.Config) (*sql.DB, *store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return db, sqlite.New(db), nil
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			return nil, nil, err
		}
		return db, postgres.New(db), nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// Build opens the store and wires every component. The caller owns the
// returned App and must Close it.
func Build(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger, opts Options) (*App, error) {
	schedules, err := cfg.Schedules()
	if err != nil {
		return nil, err
	}

	db, st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{Config: cfg, Logger: logger, DB: db, Store: st}

	if cfg.MetricsEnabled {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		a.Metrics = metrics.NewPrometheusSink(reg, logger)
	} else {
		a.Metrics = metrics.NewNoopSink()
	}

	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		logger.Infof("corpaudit: redis enabled (addr=%s)", cfg.RedisAddr)
	} else {
		logger.Info("corpaudit: REDIS_ADDR not set; ESI cache and analytics disabled")
	}

	a.ESI = a.buildESIClient()

	var cache esi.Cache = esi.NoCache{}
	if a.Redis != nil {
		cache = esi.NewRedisCache(a.Redis).
			WithMetrics(a.Metrics).
			WithLogger(logger)
	}

	auditor := audit.NewAuditor(st, esi.NewFetcher(a.ESI, cache, cfg.ESICacheTTL), st).
		WithResolver(esi.NewResolver(a.ESI, cache)).
		WithMetrics(a.Metrics).
		WithLogger(logger)

	a.Registry = catalog.New().WithLogger(logger)
	audit.RegisterJobs(a.Registry, auditor, schedules)

	a.Bus = channel.NewEventBus(cfg.EventBusBufferSize, channel.WithMetrics(a.Metrics))

	a.Runner = runner.New(runner.Config{TickInterval: cfg.TickInterval}, a.Registry, st).
		WithMetrics(a.Metrics).
		WithEmitter(a.Bus).
		WithLogger(logger)

	a.Dispatcher = dispatcher.New(dispatcher.Config{
		WebhookURL: cfg.NotifyWebhookURL,
		Secret:     cfg.NotifyWebhookSecret,
		Statuses:   cfg.NotifyStatusList(),
	}, dispatcher.NewHTTPWebhookSender()).
		WithMetrics(a.Metrics).
		WithLogger(logger)
	if a.Redis != nil {
		sink := analytics.NewRedisSink(a.Redis).
			WithRetention(cfg.AnalyticsRetention).
			WithLogger(logger)
		a.Dispatcher = a.Dispatcher.WithAnalytics(sink)
	}

	if cfg.ReconcileEnabled {
		a.Reconciler = reconciler.New(reconciler.Config{
			Interval:  cfg.ReconcileInterval,
			Threshold: cfg.ReconcileThreshold,
			BatchSize: cfg.ReconcileBatchSize,
		}, st).
			WithEmitter(a.Bus).
			WithMetrics(a.Metrics).
			WithLogger(logger)
	}

	if cfg.StoreDriver == config.DriverPostgres {
		a.Locker = leaderelection.NewPostgresLocker(db, cfg.LeaderLockKey)
	} else {
		a.Locker = leaderelection.Always{}
	}

	return a, nil
}

func (a *App) buildESIClient() *esi.Client {
	cfg := a.Config
	client := esi.NewClient(esi.Config{
		BaseURL:   cfg.ESIBaseURL,
		UserAgent: cfg.ESIUserAgent,
		Timeout:   cfg.ESITimeout,
		RetryMax:  cfg.ESIRetryMax,
	}).
		WithMetrics(a.Metrics).
		WithLogger(a.Logger)

	if cfg.CircuitBreakerThreshold > 0 {
		client = client.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		a.Logger.Infof("corpaudit: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}
	if cfg.ESIRateLimit > 0 && a.Redis != nil {
		bucket := ratelimit.NewTokenBucket(a.Redis, cfg.ESIRateBurst, cfg.ESIRateLimit, time.Hour)
		client = client.WithLimiter(bucket)
		a.Logger.Infof("corpaudit: esi rate limit enabled (rate=%.2f/s, burst=%d)", cfg.ESIRateLimit, cfg.ESIRateBurst)
	}
	return client
}

// Prepare applies migrations and syncs the catalog.
func (a *App) Prepare(ctx context.Context) error {
	if err := a.Store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := a.Registry.Sync(ctx, a.Store); err != nil {
		return fmt.Errorf("sync catalog: %w", err)
	}
	return nil
}

// StartDispatcher consumes the event bus until ctx is cancelled. The
// returned function blocks until buffered events are drained.
func (a *App) StartDispatcher(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Dispatcher.Run(ctx, a.Bus.Channel())
	}()
	return wg.Wait
}

// LeaderDuties returns the elector callbacks that run the reconciler while
// this instance holds leadership.
func (a *App) LeaderDuties() (onElected func(ctx context.Context), onDemoted func()) {
	var (
		mu     sync.Mutex
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)
	onElected = func(ctx context.Context) {
		if a.Reconciler == nil {
			return
		}
		mu.Lock()
		runCtx, c := context.WithCancel(ctx)
		cancel = c
		wg.Add(1)
		mu.Unlock()
		defer wg.Done()
		a.Logger.Info("corpaudit: leader duties started")
		a.Reconciler.Run(runCtx)
	}
	onDemoted = func() {
		mu.Lock()
		c := cancel
		cancel = nil
		mu.Unlock()
		if c != nil {
			c()
		}
		wg.Wait()
	}
	return onElected, onDemoted
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	var firstErr error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			firstErr = err
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
