package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Kirky-X/xRelay/cache"
	"github.com/Kirky-X/xRelay/config"
	"github.com/Kirky-X/xRelay/db"
	"github.com/Kirky-X/xRelay/dispatch"
	"github.com/Kirky-X/xRelay/logger"
	"github.com/Kirky-X/xRelay/pkg/health"
	"github.com/Kirky-X/xRelay/ratelimit"
	"github.com/Kirky-X/xRelay/relaypool"
	"github.com/Kirky-X/xRelay/server/httpapi"
	"github.com/Kirky-X/xRelay/sources"
	"github.com/Kirky-X/xRelay/urlguard"
	"github.com/Kirky-X/xRelay/validator"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("xrelay version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := config.Load(*configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "XRELAY: config file %s not found, using defaults\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "XRELAY: failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "XRELAY: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Infof("[MAIN] xrelay %s starting", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatalf("[MAIN] %v", err)
	}
	logger.Info("[MAIN] shutdown complete")
}

func run(ctx context.Context, cfg config.Config) error {
	store, database := selectStore(ctx, cfg)
	if database != nil {
		defer database.Close()
		database.StartPoolMetrics(ctx)
	}

	aggregator, err := sources.New(cfg.Sources)
	if err != nil {
		return fmt.Errorf("failed to initialize source aggregator: %w", err)
	}
	probe, err := validator.New(cfg.Validator)
	if err != nil {
		return fmt.Errorf("failed to initialize validator: %w", err)
	}

	refiller, err := buildRefiller(store, aggregator, probe, cfg)
	if err != nil {
		return err
	}
	refiller.Start(ctx)
	defer refiller.Stop()

	retention, err := cfg.Pool.GetRetention()
	if err != nil {
		return err
	}
	sweepInterval, err := cfg.Pool.GetSweepInterval()
	if err != nil {
		return err
	}
	sweeper := relaypool.NewSweeper(store, retention, sweepInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	var prober dispatch.Prober
	if cfg.Dispatch.PreCheck {
		prober = probe
	}
	dispatcher, err := dispatch.New(store, refiller, prober, cfg.Dispatch)
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}

	var responseCache *cache.Cache
	if cfg.Cache.Enabled {
		responseCache, err = buildCache(cfg.Cache)
		if err != nil {
			// A broken cache degrades to pass-through rather than
			// blocking startup.
			logger.Warnf("[MAIN] cache disabled: %v", err)
		} else {
			defer responseCache.Close()
			responseCache.StartPurgeLoop(ctx)
		}
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		window, werr := cfg.RateLimit.GetWindow()
		if werr != nil {
			return werr
		}
		limiter = ratelimit.New(window, cfg.RateLimit.GetGlobalLimit(), cfg.RateLimit.GetPerKeyLimit())
		defer limiter.Stop()
	}

	monitor := buildHealthMonitor(store, database, aggregator, cfg)
	monitor.Start(ctx)
	defer monitor.Stop()

	errChan := make(chan error, 2)

	if cfg.Metrics.Enabled {
		startMetricsServer(ctx, cfg.Metrics, errChan)
	}

	if cfg.HTTPAPI.Enabled {
		go httpapi.Start(ctx, httpapi.ServerOptions{
			Addr:         cfg.HTTPAPI.Addr,
			APIKey:       cfg.HTTPAPI.APIKey,
			AllowedHosts: cfg.HTTPAPI.AllowedHosts,
			TLS:          cfg.HTTPAPI.TLS,
			TLSCertFile:  cfg.HTTPAPI.TLSCertFile,
			TLSKeyFile:   cfg.HTTPAPI.TLSKeyFile,
			Store:        store,
			Refiller:     refiller,
			Dispatcher:   dispatcher,
			Aggregator:   aggregator,
			Cache:        responseCache,
			Limiter:      limiter,
			Guard:        urlguard.New(),
			Health:       monitor,
		}, errChan)
	} else {
		logger.Warn("[MAIN] HTTP API disabled, nothing will accept requests")
	}

	select {
	case <-ctx.Done():
		logger.Info("[MAIN] shutdown signal received")
		return nil
	case err := <-errChan:
		return err
	}
}

// selectStore picks the pool backend. A configured but unreachable
// database degrades to the in-memory store with a warning instead of
// refusing to start.
func selectStore(ctx context.Context, cfg config.Config) (relaypool.Store, *db.Database) {
	threshold := cfg.Pool.GetFailureThreshold()

	if !cfg.Database.IsConfigured() {
		logger.Info("[MAIN] no database configured, using in-memory relay store")
		return relaypool.NewMemoryStore(threshold), nil
	}

	database, err := db.NewDatabaseFromConfig(ctx, cfg.Database)
	if err != nil {
		logger.Warnf("[MAIN] database unavailable, degrading to in-memory relay store: %v", err)
		return relaypool.NewMemoryStore(threshold), nil
	}

	logger.Info("[MAIN] using durable relay store")
	return relaypool.NewDurableStore(database, threshold), database
}

// buildRefiller assembles the refill policy for the selected backend:
// the volatile store validates candidates eagerly and refreshes on
// staleness, the durable store inserts raw candidates and refills
// purely on count.
func buildRefiller(store relaypool.Store, aggregator *sources.Aggregator, probe *validator.Validator, cfg config.Config) (*relaypool.Refiller, error) {
	checkInterval, err := cfg.Pool.GetRefillCheckInterval()
	if err != nil {
		return nil, err
	}

	opts := relaypool.RefillerOptions{CheckInterval: checkInterval}
	if store.Mode() == "durable" {
		opts.MinAvailable = cfg.Pool.GetMinAvailableDurable()
	} else {
		refreshInterval, rerr := cfg.Pool.GetRefreshInterval()
		if rerr != nil {
			return nil, rerr
		}
		opts.MinAvailable = cfg.Pool.GetMinAvailableMemory()
		opts.RefreshInterval = refreshInterval
		opts.Validate = true
	}

	return relaypool.NewRefiller(store, aggregator, probe, opts), nil
}

func buildCache(cfg config.CacheConfig) (*cache.Cache, error) {
	ttl, err := cfg.GetTTL()
	if err != nil {
		return nil, err
	}
	capacity, err := cfg.GetCapacity()
	if err != nil {
		return nil, err
	}
	maxObjectSize, err := cfg.GetMaxObjectSize()
	if err != nil {
		return nil, err
	}
	purgeInterval, err := cfg.GetPurgeInterval()
	if err != nil {
		return nil, err
	}
	return cache.New(cfg.GetPath(), ttl, capacity, maxObjectSize, purgeInterval)
}

func buildHealthMonitor(store relaypool.Store, database *db.Database, aggregator *sources.Aggregator, cfg config.Config) *health.Monitor {
	monitor := health.NewMonitor()

	monitor.Register(&health.Check{
		Name:     "relay_pool",
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Probe: func(ctx context.Context) error {
			_, err := store.Count(ctx)
			return err
		},
	})

	// Feeds going stale means refills run on an old snapshot; degraded,
	// not fatal.
	if refreshInterval, err := cfg.Sources.GetRefreshInterval(); err == nil && len(cfg.Sources.Feeds) > 0 {
		monitor.Register(&health.Check{
			Name:     "sources",
			Interval: time.Minute,
			Probe: func(context.Context) error {
				if age := aggregator.LastSnapshotAge(); age > 2*refreshInterval {
					return fmt.Errorf("candidate snapshot is %v old", age.Round(time.Second))
				}
				return nil
			},
		})
	}

	if database != nil {
		monitor.Register(&health.Check{
			Name:     "database",
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
			Critical: true,
			Probe: func(ctx context.Context) error {
				return database.Pool.Ping(ctx)
			},
		})
	}

	return monitor
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.GetPath(), promhttp.Handler())

	server := &http.Server{Addr: cfg.GetAddr(), Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Infof("[MAIN] metrics server listening on %s%s", cfg.GetAddr(), cfg.GetPath())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
			errChan <- fmt.Errorf("metrics server failed: %w", err)
		}
	}()
}
