package main

import (
	"context"
	"time"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/paritytech/substrate-analytics/internal/buffer"
	"github.com/paritytech/substrate-analytics/internal/cache"
	appconfig "github.com/paritytech/substrate-analytics/internal/config"
	"github.com/paritytech/substrate-analytics/internal/feed"
	"github.com/paritytech/substrate-analytics/internal/handlers"
	"github.com/paritytech/substrate-analytics/internal/ingest"
	"github.com/paritytech/substrate-analytics/internal/metrics"
	"github.com/paritytech/substrate-analytics/internal/store"
	"github.com/paritytech/substrate-analytics/pkg/config"
	"github.com/paritytech/substrate-analytics/pkg/database"
	"github.com/paritytech/substrate-analytics/pkg/logging"
	"github.com/paritytech/substrate-analytics/pkg/monitoring"
	"github.com/paritytech/substrate-analytics/pkg/server"
	"github.com/paritytech/substrate-analytics/pkg/version"
)

const serviceName = "substrate-analytics"

// systemSampleInterval is the cadence of host load/memory gauges.
const systemSampleInterval = 10 * time.Second

func main() {
	logger := logging.NewLoggerWithService(serviceName)

	config.LoadEnv(logger)

	logger.Info("Starting substrate-analytics")

	cfg, err := appconfig.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	cfg.LogStartup(logger)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker(serviceName, version.Version)
	metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)

	// Connect the store
	db := database.MustConnect(database.Config{
		URL:             cfg.StoreURL,
		MaxOpenConns:    cfg.DBPoolSize,
		MaxIdleConns:    cfg.DBPoolSize,
		ConnMaxLifetime: 5 * time.Minute,
	}, logger)
	defer db.Close()

	if err := database.EnsureSchema(db, logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}

	pg := store.NewPostgres(db, logger)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"STORE_URL": cfg.StoreURL,
		"PORT":      cfg.Port,
	}))

	// Assemble the data plane
	logBuffer := buffer.NewLogBuffer(buffer.Options{
		BatchSize:   cfg.DBBatchSize,
		SaveLatency: cfg.DBSaveLatency,
		Workers:     cfg.NumThreads,
	}, pg, serviceMetrics, logger)

	recentCache := cache.New(cache.Options{
		UpdateInterval: cfg.CacheUpdateInterval,
		UpdateTimeout:  cfg.CacheUpdateTimeout,
		Expiry:         cfg.CacheExpiry,
		IdleTimeout:    cfg.CacheTimeout,
		PurgeInterval:  cfg.PurgeInterval,
		Fetchers:       cfg.NumThreads,
	}, pg, serviceMetrics, logger)

	purger := store.NewPurger(pg, cfg.PurgeInterval, cfg.LogExpiryHours(), logger)
	sampler := metrics.NewSystemSampler(serviceMetrics, systemSampleInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return logBuffer.Run(ctx) })
	g.Go(func() error { return recentCache.Run(ctx) })
	g.Go(func() error { return purger.Run(ctx) })
	g.Go(func() error { return sampler.Run(ctx) })

	// Transport handlers
	ingestHandler := ingest.NewHandler(ingest.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ClientTimeout:     cfg.ClientTimeout,
		MaxPayload:        cfg.WSMaxPayload,
	}, logBuffer, pg, serviceMetrics, logger)

	feedHandler := feed.NewHandler(feed.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ClientTimeout:     cfg.ClientTimeout,
	}, recentCache, serviceMetrics, logger)

	queryHandlers := handlers.New(pg, logger)

	// Routes
	router := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)
	router.GET("/", ingestHandler.Serve(false))
	router.GET("/audit", ingestHandler.Serve(true))
	router.GET("/feed", feedHandler.Serve())
	queryHandlers.Register(router)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig(serviceName, cfg.Port)
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}

	// Stop the background loops and let in-flight batches flush
	cancel()
	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.WithError(err).Error("Background worker error")
	}
	logger.Info("Shutdown complete")
}
