package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/getahuntadesse/payment-broker/internal/api"
	"github.com/getahuntadesse/payment-broker/internal/config"
	"github.com/getahuntadesse/payment-broker/internal/coordination"
	"github.com/getahuntadesse/payment-broker/internal/dispatch"
	"github.com/getahuntadesse/payment-broker/internal/health"
	"github.com/getahuntadesse/payment-broker/internal/ledger"
	"github.com/getahuntadesse/payment-broker/internal/metrics"
	"github.com/getahuntadesse/payment-broker/internal/processorclient"
	"github.com/getahuntadesse/payment-broker/internal/queue"
	"github.com/getahuntadesse/payment-broker/internal/summary"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("starting payment broker API")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration: ", err)
	}
	applyLogging(logger, cfg.Logging)

	dbPool, err := pgxpool.New(context.Background(), cfg.Database.DSN())
	if err != nil {
		logger.Fatal("failed to connect to database: ", err)
	}
	defer dbPool.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := dbPool.Ping(pingCtx); err != nil {
		cancel()
		logger.Fatal("database ping failed: ", err)
	}
	cancel()
	logger.Info("connected to PostgreSQL")

	if err := ledger.Migrate(context.Background(), dbPool); err != nil {
		logger.Fatal("failed to migrate ledger schema: ", err)
	}

	coord := coordination.NewClient(coordination.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err := coord.Ping(context.Background()); err != nil {
		logger.Fatal("failed to connect to coordination store: ", err)
	}
	defer coord.Close()
	logger.Info("connected to coordination store")

	rdb := coord.Raw()
	l := ledger.New(dbPool, logger)
	q := queue.NewManager(coord, logger)
	s := summary.New(rdb, l, logger)
	rec := metrics.New()

	defaultClient := processorclient.New(cfg.Processors.DefaultURL)
	fallbackClient := processorclient.New(cfg.Processors.FallbackURL)

	replicaID := uuid.NewString()
	monitor := health.NewMonitor(coord, logger, cfg.Health, defaultClient, fallbackClient, replicaID, l, rec)

	engine := dispatch.New(q, monitor, l, s, rec, logger, defaultClient, fallbackClient, cfg.Dispatch)

	server := api.NewServer(cfg, engine, s, q, l, logger)

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	go monitor.Run(rootCtx)
	go engine.RunDrainLoop(rootCtx)
	go sampleQueueDepths(rootCtx, q, rec, logger)

	go func() {
		if err := server.Start(); err != nil && err.Error() != "http: Server closed" {
			logger.Fatal("server failed to start: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down payment broker API")
	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("error during graceful shutdown")
	}

	logger.Info("payment broker API stopped")
}

func applyLogging(logger *logrus.Logger, cfg config.LoggingConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if cfg.Output == "stderr" {
		logger.SetOutput(os.Stderr)
	}
}

// sampleQueueDepths periodically publishes the three queue collection sizes
// as gauges, giving operators visibility into backlog growth between drain
// ticks without adding any read to the hot path.
func sampleQueueDepths(ctx context.Context, q *queue.Manager, rec *metrics.Recorder, logger *logrus.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			main, retry, processing, err := q.Depths(ctx)
			if err != nil {
				logger.WithError(err).Warn("failed to sample queue depths")
				continue
			}
			rec.QueueDepths(main, retry, processing)
		}
	}
}
