package main

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/getahuntadesse/payment-broker/internal/config"
	"github.com/getahuntadesse/payment-broker/internal/coordination"
	"github.com/getahuntadesse/payment-broker/internal/metrics"
	"github.com/getahuntadesse/payment-broker/internal/queue"
	"github.com/getahuntadesse/payment-broker/internal/reconcile"
)

// cmd/reconciler is the operator-triggered recovery tool: it moves
// processing-set items orphaned by a crashed replica
// back into the retry queue. Run once (the default) after an incident, or
// set RECONCILE_INTERVAL to a Go duration string to run it as a periodic
// background job instead.
func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("starting payment broker reconciler")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration: ", err)
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

	q := queue.NewManager(coord, logger)
	r := reconcile.New(q, metrics.New(), logger)

	interval, periodic := parseInterval(os.Getenv("RECONCILE_INTERVAL"))
	if !periodic {
		if err := r.Run(context.Background()); err != nil {
			logger.Fatal("reconciliation failed: ", err)
		}
		logger.Info("reconciliation pass complete")
		return
	}

	logger.WithField("interval", interval).Info("running reconciler as a periodic job")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if err := r.Run(context.Background()); err != nil {
			logger.WithError(err).Error("reconciliation pass failed")
		}
	}
}

func parseInterval(raw string) (time.Duration, bool) {
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
