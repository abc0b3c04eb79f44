package main

import (
	"context"
	"os/signal"
	"syscall"

	"YDCoursePurchase/internal/app"
	"YDCoursePurchase/internal/config"
	"YDCoursePurchase/internal/logging"
	"YDCoursePurchase/internal/worker"

	"go.uber.org/zap"
)

func main() {
	boot := logging.Bootstrap()
	cfg, err := config.Load("")
	if err != nil {
		boot.Fatal("config load failed", zap.Error(err))
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		boot.Fatal("logger init failed", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, app.Options{WithDB: true}, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	w := &worker.Worker{
		Poller:     a.Watcher,
		Heads:      a.Heads,
		Interval:   cfg.Watcher.SnapshotInterval,
		MinRefetch: cfg.Watcher.Intervals.Balance / 2,
		Log:        log.Named("worker"),
	}
	if a.Store != nil {
		w.Store = a.Store
	} else {
		log.Warn("db.dsn not set, snapshots are only logged")
	}

	log.Info("worker started", zap.Duration("interval", cfg.Watcher.SnapshotInterval))
	w.Run(ctx)
	log.Info("worker stopped")
}
