package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/maferick/corpaudit/internal/api"
	"github.com/maferick/corpaudit/internal/app"
	"github.com/maferick/corpaudit/internal/config"
	"github.com/maferick/corpaudit/internal/domain"
	"github.com/maferick/corpaudit/internal/leaderelection"
	"github.com/maferick/corpaudit/internal/logging"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "tick":
		os.Exit(runTick())
	case "run":
		os.Exit(runJob(os.Args[2:]))
	case "migrate":
		os.Exit(runMigrate())
	case "jobs":
		os.Exit(runJobs())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`corpaudit - scheduled EVE character audits

Usage:
  corpaudit <command>

Commands:
  serve            Start the runner, reconciler, notifier and admin API
  tick             Run every due job once and exit
  run <key> [json] Run one job now; the optional JSON object is passed as params
  migrate          Apply database migrations
  jobs             List the job catalog
  validate         Validate configuration (no connections made)
  config           Print effective configuration as JSON (secrets masked)
  version          Print version information

Environment Variables:
  STORE_DRIVER              "postgres" or "sqlite" (default: "postgres")
  DATABASE_URL              PostgreSQL connection string or SQLite path (required)
  REDIS_ADDR                Redis address for ESI cache, rate limit and analytics (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080", or ":$PORT")
  TICK_INTERVAL             Runner tick interval (default: "30s")
  LOG_MODE                  "production" (JSON) or "development" (default: "production")

  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  RECONCILE_ENABLED         Fail runs left running by a dead process (default: "true")
  RECONCILE_INTERVAL        How often to scan for stale runs (default: "10m")
  RECONCILE_THRESHOLD       Age before a running run is stale (default: "2h")
  RECONCILE_BATCH_SIZE      Max stale runs per cycle (default: "100")
  EVENTBUS_BUFFER_SIZE      Run event buffer (default: "100")

  CIRCUIT_BREAKER_THRESHOLD ESI failures before a route opens; 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Time a route stays open (default: "2m")

  ESI_BASE_URL              ESI base URL (default: "https://esi.evetech.net/latest")
  ESI_USER_AGENT            User-Agent sent to ESI (default: "corpaudit")
  ESI_TIMEOUT               Per-request timeout (default: "20s")
  ESI_RETRY_MAX             Retries for 5xx/429/transport errors (default: "3")
  ESI_RATE_LIMIT            Requests per second; 0 disables, needs REDIS_ADDR (default: "0")
  ESI_RATE_BURST            Token bucket capacity (default: "20")
  ESI_CACHE_TTL             Cache lifetime of ESI responses (default: "5m")

  NOTIFY_WEBHOOK_URL        Webhook notified of finished runs (optional)
  NOTIFY_WEBHOOK_SECRET     HMAC-SHA256 signing secret (optional)
  NOTIFY_STATUSES           Comma-separated statuses to notify (default: "failed")
  ANALYTICS_RETENTION       Lifetime of run analytics buckets (default: "168h")

  LEADER_LOCK_KEY           Postgres advisory lock key (default: "827341")
  LEADER_RETRY_INTERVAL     Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection ping interval (default: "2s")

  AUDIT_SCHEDULE_<KEY>      Schedule override per collector, e.g. AUDIT_SCHEDULE_WALLET="@every 10m"`)
}

// setup loads and validates configuration and builds the logger.
func setup() (config.Config, *zap.SugaredLogger, int) {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return cfg, nil, exitInvalidConfig
	}

	logger, err := logging.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return cfg, nil, exitRuntimeError
	}
	logConfigWarnings(logger, cfg)
	return cfg, logger, exitSuccess
}

// prepared builds the app and applies migrations.
func prepared(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (*app.App, error) {
	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		return nil, err
	}
	if err := a.Prepare(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func runServe() int {
	cfg, logger, code := setup()
	if code != exitSuccess {
		return code
	}
	defer logger.Sync()

	a, err := prepared(context.Background(), cfg, logger)
	if err != nil {
		logger.Errorf("corpaudit: %v", err)
		return exitRuntimeError
	}
	defer a.Close()

	logger.Infof("corpaudit: store ready (driver=%s, jobs=%d)", cfg.StoreDriver, len(a.Registry.Definitions()))

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		logger.Infof("corpaudit: metrics enabled (port=%s, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		// Metrics are served on a separate port.
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			logger.Infof("corpaudit: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("corpaudit: metrics server error: %v", err)
			}
		}()
	}

	apiHandler := api.NewHandler(a.Store, a.Runner).
		WithHealthChecker(a.Store).
		WithLogger(logger)
	if b := a.ESI.Breaker(); b != nil {
		apiHandler = apiHandler.WithBreakerStatus(b)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}
	go func() {
		logger.Infof("corpaudit: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("corpaudit: http server error: %v", err)
		}
	}()

	// Separate contexts allow ordered shutdown.
	runnerCtx, cancelRunner := context.WithCancel(context.Background())
	electionCtx, cancelElection := context.WithCancel(context.Background())
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())

	waitDispatcher := a.StartDispatcher(dispatcherCtx)

	var runnerWg sync.WaitGroup
	runnerWg.Add(1)
	go func() {
		defer runnerWg.Done()
		if err := a.Runner.Run(runnerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("corpaudit: runner stopped: %v", err)
		}
	}()

	var electionWg sync.WaitGroup
	if a.Reconciler != nil {
		onElected, onDemoted := a.LeaderDuties()
		elector := leaderelection.New(a.Locker, cfg.LeaderRetryInterval, cfg.LeaderHeartbeatInterval, onElected, onDemoted).
			WithMetrics(a.Metrics).
			WithLogger(logger)
		electionWg.Add(1)
		go func() {
			defer electionWg.Done()
			elector.Run(electionCtx)
		}()
	}

	logger.Infof("corpaudit: started (tick=%s, http=%s)", cfg.TickInterval, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	logger.Infof("corpaudit: received signal %v, shutting down", received)

	// Phase 1: stop the runner so no new runs start.
	logger.Info("corpaudit: stopping runner...")
	cancelRunner()
	runnerWg.Wait()
	logger.Info("corpaudit: runner stopped")

	// Phase 2: give up leadership.
	cancelElection()
	electionWg.Wait()

	// Phase 3: stop the HTTP server so manual triggers stop emitting.
	logger.Info("corpaudit: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		logger.Errorf("corpaudit: http server shutdown error: %v", err)
	}
	logger.Info("corpaudit: http server stopped")

	// Phase 4: drain buffered run events.
	logger.Info("corpaudit: stopping dispatcher (draining events)...")
	cancelDispatcher()
	waitDispatcher()
	logger.Info("corpaudit: dispatcher stopped")

	if metricsServer != nil {
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			logger.Errorf("corpaudit: metrics server shutdown error: %v", err)
		}
	}

	logger.Info("corpaudit: stopped")
	return exitSuccess
}

func runTick() int {
	cfg, logger, code := setup()
	if code != exitSuccess {
		return code
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := prepared(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("corpaudit: %v", err)
		return exitRuntimeError
	}
	defer a.Close()

	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	waitDispatcher := a.StartDispatcher(dispatcherCtx)

	outcomes, err := a.Runner.RunDueJobs(ctx, nil)

	cancelDispatcher()
	waitDispatcher()

	if err != nil {
		logger.Errorf("corpaudit: tick failed: %v", err)
		return exitRuntimeError
	}
	return printJSON(outcomes)
}

func runJob(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: corpaudit run <job-key> [json-params]")
		return exitRuntimeError
	}
	key := args[0]

	var params map[string]any
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
			fmt.Fprintf(os.Stderr, "invalid params: %v\n", err)
			return exitRuntimeError
		}
	}

	cfg, logger, code := setup()
	if code != exitSuccess {
		return code
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := prepared(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("corpaudit: %v", err)
		return exitRuntimeError
	}
	defer a.Close()

	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	waitDispatcher := a.StartDispatcher(dispatcherCtx)

	outcome, err := a.Runner.RunJob(ctx, key, params)

	cancelDispatcher()
	waitDispatcher()

	if err != nil {
		logger.Errorf("corpaudit: run %s failed: %v", key, err)
		return exitRuntimeError
	}
	if code := printJSON(outcome); code != exitSuccess {
		return code
	}
	if outcome.Status == domain.RunStatusMissing {
		return exitRuntimeError
	}
	return exitSuccess
}

func runMigrate() int {
	cfg, logger, code := setup()
	if code != exitSuccess {
		return code
	}
	defer logger.Sync()

	ctx := context.Background()
	db, st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		logger.Errorf("corpaudit: %v", err)
		return exitRuntimeError
	}
	defer db.Close()

	if err := st.Migrate(ctx); err != nil {
		logger.Errorf("corpaudit: migrate: %v", err)
		return exitRuntimeError
	}
	fmt.Println("migrations applied")
	return exitSuccess
}

type jobLine struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Interval    string `json:"interval"`
	Enabled     bool   `json:"enabled"`
}

func runJobs() int {
	cfg, logger, code := setup()
	if code != exitSuccess {
		return code
	}
	defer logger.Sync()

	a, err := app.Build(context.Background(), cfg, logger, app.Options{})
	if err != nil {
		logger.Errorf("corpaudit: %v", err)
		return exitRuntimeError
	}
	defer a.Close()

	defs := a.Registry.Definitions()
	lines := make([]jobLine, 0, len(defs))
	for _, def := range defs {
		lines = append(lines, jobLine{
			Key:         def.Key,
			Name:        def.Name,
			Description: def.Description,
			Interval:    def.Interval.String(),
			Enabled:     def.Enabled,
		})
	}
	return printJSON(lines)
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("corpaudit version %s (commit: %s)\n", version, commit)
	return exitSuccess
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode output: %v\n", err)
		return exitRuntimeError
	}
	return exitSuccess
}
