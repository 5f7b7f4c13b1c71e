// Package main is the entry point for the detection-correlation service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"teth/internal/attribution"
	"teth/internal/cache"
	"teth/internal/catalog"
	"teth/internal/config"
	"teth/internal/consumer"
	"teth/internal/detection"
	tetherrors "teth/internal/errors"
	"teth/internal/ingest"
	"teth/internal/kafka"
	"teth/internal/logging"
	"teth/internal/metrics"
	"teth/internal/middleware"
	"teth/internal/natsbus"
	"teth/internal/queue"
	"teth/internal/schema"
	"teth/internal/storage"
)

// version is set at build time.
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"queue_size", cfg.Queue.Size,
		"auth_enabled", cfg.Auth.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"nats_enabled", cfg.NATS.Enabled,
		"redis_enabled", cfg.Redis.Enabled,
	)

	cat, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		slog.Error("failed to load catalog", "path", cfg.Catalog.Path, "error", err)
		os.Exit(1)
	}
	tools, profiles := cat.Len()
	slog.Info("catalog loaded", "tools", tools, "profiles", profiles)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New()
	if err := collector.Register(reg); err != nil {
		slog.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	// Sinks drain the record queue
	recordQueue := queue.NewRingBuffer(cfg.Queue.Size)
	sinks, closers := buildSinks(ctx, cfg, logger)

	engine := attribution.NewEngine(cat, cfg.Attribution)
	svc := detection.NewService(cfg.Detection.Config, detection.NewScorer(cfg.Detection.Rules), cat, engine).
		WithPublisher(recordQueue).
		WithMetrics(collector).
		WithLogger(logger)

	if cfg.Redis.Enabled {
		redisClient, err := cache.NewGoRedisClient(ctx, cfg.Redis.RedisConfig)
		if err != nil {
			slog.Error("failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		closers = append(closers, redisClient.Close)
		backend := cache.NewStateBackend(redisClient, cfg.Redis.KeyPrefix, cfg.Detection.StateTTL)
		svc.WithBackend(backend)
		go backend.RunPruner(ctx, cfg.Redis.PruneInterval, logger)
		slog.Info("redis chain state backend enabled", "addr", cfg.Redis.Addr)
	}

	recordConsumer := consumer.New(recordQueue, cfg.Consumer, sinks...).WithMetrics(collector)
	recordConsumer.Start(ctx)

	handler := ingest.NewHandler(svc, schema.NewValidator()).
		WithSanitizer(tetherrors.NewSanitizer(cfg.Server.ProductionMode)).
		WithMaxPayload(int64(cfg.Server.MaxPayloadSize)).
		WithMetrics(metrics.Handler(reg)).
		WithLogger(logger).
		WithVersion(version)

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit, logger)
		defer limiter.Stop()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      middleware.Stack(handler.Routes(), cfg, limiter, collector, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start HTTP server
	go func() {
		slog.Info("starting detection server", "address", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new requests
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Drain the queue into the sinks, then close them
	recordConsumer.Stop()
	recordQueue.Close()
	cancel()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			slog.Error("close error", "error", err)
		}
	}

	queueMetrics := recordQueue.Metrics()
	stats := svc.Stats()
	slog.Info("shutdown complete",
		"events_total", stats.TotalEvents,
		"chains_tracked", stats.ChainsTracked,
		"records_pushed", queueMetrics.Pushed,
		"records_popped", queueMetrics.Popped,
		"records_dropped", queueMetrics.Dropped,
	)
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}

// buildSinks connects every enabled record sink. A backend that cannot be
// reached at startup is fatal.
func buildSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]consumer.Sink, []func() error) {
	sinks := []consumer.Sink{consumer.NewLogSink(logger, false)}
	var closers []func() error

	if cfg.Storage.Enabled {
		slog.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)

		chClient, err := storage.NewClickHouseClient(ctx, cfg.Storage.ClickHouse)
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}
		closers = append(closers, chClient.Close)

		if cfg.Storage.RunMigrations {
			slog.Info("running database migrations")
			applied, err := storage.NewMigrator(chClient, logger).Run(ctx)
			if err != nil {
				slog.Error("failed to run migrations", "error", err)
				os.Exit(1)
			}
			slog.Info("migrations complete", "applied", applied)

			if err := storage.NewRetentionManager(chClient, cfg.Storage.Retention).ApplyTTLs(ctx); err != nil {
				slog.Warn("failed to apply retention policy", "error", err)
			}
		}

		writer := storage.NewBatchWriter(chClient, cfg.Storage.BatchWriter)
		sinks = append(sinks, writer)
		closers = append(closers, func() error {
			m := writer.Metrics()
			slog.Info("storage metrics", "records_written", m.Written, "records_failed", m.Failed, "batches", m.Batches)
			return nil
		})
	}

	if cfg.Kafka.Enabled {
		kcfg := cfg.Kafka.Config
		if admin, err := kafka.NewAdmin(&kcfg, logger); err == nil {
			if err := admin.EnsureTopic(ctx, kafka.TopicConfigFrom(&kcfg)); err != nil {
				slog.Warn("failed to ensure kafka topic", "topic", kcfg.Topic, "error", err)
			}
		}

		producer, err := kafka.NewProducer(&kcfg, logger)
		if err != nil {
			slog.Error("failed to create kafka producer", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, producer)
		slog.Info("kafka sink enabled", "brokers", kcfg.Brokers, "topic", kcfg.Topic)
	}

	if cfg.NATS.Enabled {
		publisher, err := natsbus.Connect(cfg.NATS.Config, logger)
		if err != nil {
			slog.Error("failed to connect to NATS", "url", cfg.NATS.URL, "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, publisher)
		slog.Info("nats alert sink enabled", "url", cfg.NATS.URL)
	}

	return sinks, closers
}
