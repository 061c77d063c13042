package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/health"
	"github.com/joshu-sajeev/kapublish/internal/logging"
	"github.com/joshu-sajeev/kapublish/internal/metrics"
	"github.com/joshu-sajeev/kapublish/internal/pool"
	"github.com/joshu-sajeev/kapublish/internal/publisher"
	"github.com/joshu-sajeev/kapublish/internal/queue"
	"github.com/joshu-sajeev/kapublish/internal/storage/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "kapublish-worker:", err)
		os.Exit(1)
	}
}

// run starts a standalone dispatcher. Unlike the api, a worker with no store
// or no publisher has nothing to do, so either is fatal.
func run(ctx context.Context) error {
	cfg, err := config.LoadPipelineFromEnv(ctx)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	repo, closeDB, err := postgres.Open(ctx, log.Named("db"), postgres.WithDedupWindow(cfg.DedupWindow))
	if err != nil {
		return fmt.Errorf("job store: %w", err)
	}
	defer func() { _ = closeDB() }()

	client := publisher.FromConfig(cfg, log.Named("publisher"))
	if client == nil {
		return errors.New("publisher not configured: set PUBLISHER_URL or PUBLISHER_MODE=simulate")
	}

	m := metrics.NewProm("kapublish", nil)
	host, _ := os.Hostname()

	pcfg := pool.ConfigFromPipeline(cfg, "worker@"+host)
	pcfg.Worker.Metrics = m
	pcfg.Worker.Log = log.Named("worker")

	workers, err := pool.NewWorkerPool(pcfg, repo, queue.New(repo), client)
	if err != nil {
		return err
	}
	if err := workers.Start(ctx); err != nil {
		return err
	}

	// probes and scrape endpoint only
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/healthz", health.Live)
	r.GET("/readyz", health.Ready(
		health.Check{Name: "store", Pinger: repo},
		health.Check{Name: "publisher", Pinger: client},
	))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("probe server stopped", "error", err)
		}
	}()

	log.Infow("worker pool active", "workers", workers.Size(), "addr", cfg.HTTPAddr)
	<-ctx.Done()

	log.Infow("shutting down, waiting for in-flight publishes")
	workers.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	log.Infow("shutdown complete")
	return nil
}
