package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"YDCoursePurchase/internal/app"
	"YDCoursePurchase/internal/config"
	internalhttp "YDCoursePurchase/internal/http"
	"YDCoursePurchase/internal/logging"

	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
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
		log.Error("startup failed", zap.Error(err))
		return 1
	}
	defer a.Close()

	go a.Heads.Run(ctx)
	go a.Watcher.Run(ctx)

	h := internalhttp.NewHandler(a.Courses, a.Purchases, a.Exchange, log.Named("http"))
	srv := internalhttp.NewServer(h)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := serve(ctx, httpServer, log); err != nil {
		log.Error("server error", zap.Error(err))
		return 1
	}
	return 0
}

// serve runs srv until ctx is done or the listener fails, then shuts it
// down. A listener failure is returned instead of exiting so deferred
// cleanup still runs.
func serve(ctx context.Context, srv *http.Server, log *zap.Logger) error {
	serveErr := make(chan error, 1)
	go func() {
		log.Info("api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var err error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	return err
}
