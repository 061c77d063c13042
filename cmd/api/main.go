package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joshu-sajeev/kapublish/internal/admin"
	"github.com/joshu-sajeev/kapublish/internal/admission"
	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/health"
	"github.com/joshu-sajeev/kapublish/internal/job"
	"github.com/joshu-sajeev/kapublish/internal/logging"
	"github.com/joshu-sajeev/kapublish/internal/metrics"
	"github.com/joshu-sajeev/kapublish/internal/pool"
	"github.com/joshu-sajeev/kapublish/internal/publisher"
	"github.com/joshu-sajeev/kapublish/internal/queue"
	"github.com/joshu-sajeev/kapublish/internal/session"
	"github.com/joshu-sajeev/kapublish/internal/storage/postgres"
	"github.com/joshu-sajeev/kapublish/internal/store"
	"github.com/joshu-sajeev/kapublish/internal/tool"
	"github.com/joshu-sajeev/kapublish/middleware"
	"go.uber.org/zap"
)

var version = "dev"

const (
	requestTimeout  = 10 * time.Second
	shutdownTimeout = 20 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "kapublish-api:", err)
		os.Exit(1)
	}
}

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

	m := metrics.NewProm("kapublish", nil)

	// The api keeps serving without a store: intake, metrics and admin then
	// answer 503 instead of accepting work nobody can record.
	var jobStore store.JobStore
	repo, closeDB, err := postgres.Open(ctx, log.Named("db"), postgres.WithDedupWindow(cfg.DedupWindow))
	if err != nil {
		log.Errorw("job store unavailable", "error", err)
	} else {
		jobStore = repo
		defer func() { _ = closeDB() }()
	}

	client := publisher.FromConfig(cfg, log.Named("publisher"))

	var q *queue.Queue
	if jobStore != nil {
		q = queue.New(jobStore)
	}

	var workers *pool.WorkerPool
	if cfg.EmbeddedWorkers {
		workers, err = startEmbeddedPool(ctx, cfg, jobStore, q, client, m, log)
		if err != nil {
			log.Warnw("embedded workers not started", "error", err)
		}
	}
	workerCount := 0
	if workers != nil {
		workerCount = workers.Size()
		defer workers.Stop()
	}

	registry, closeRegistry := openSessions(ctx, cfg, log)
	defer closeRegistry()

	adm := admission.New(jobStore, client, cfg.MaxQueueDepth, cfg.MaxInFlight,
		admission.WithMetrics(m),
		admission.WithLogger(log.Named("admission")),
	)
	jobService := job.NewJobService(jobStore, adm, q, job.DefaultsFromConfig(cfg),
		job.WithMetrics(m),
		job.WithLogger(log.Named("intake")),
	)
	adminService := admin.NewService(jobStore, q, admin.Settings{
		Workers:          workerCount,
		MaxQueueDepth:    cfg.MaxQueueDepth,
		MaxInFlight:      cfg.MaxInFlight,
		ThroughputWindow: cfg.ThroughputWindow,
	}, admin.WithLogger(log.Named("admin")))
	tools := tool.NewServer(jobService, version, log.Named("tool"))

	if strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log.Named("http"), m), middleware.ErrorHandler())

	api := r.Group("/api/dkg", middleware.TimeoutMiddleware(requestTimeout))
	job.NewJobHandler(jobService).RegisterRoutes(api)

	adminHandler := admin.NewHandler(adminService)
	adminHandler.RegisterMetrics(api)
	adminHandler.RegisterAdmin(r.Group("/admin",
		middleware.AdminAuth(cfg.AdminToken),
		middleware.TimeoutMiddleware(requestTimeout),
	))

	mcpHandler := gin.WrapH(tools.HTTPHandler(session.NewMCPSessions(registry, log.Named("session"))))
	r.Any("/mcp", mcpHandler)

	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/healthz", health.Live)
	r.GET("/readyz", health.Ready(
		health.Check{Name: "store", Pinger: jobStore},
		health.Check{Name: "publisher", Pinger: client},
	))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("api listening", "addr", cfg.HTTPAddr, "version", version, "embedded_workers", workerCount)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown incomplete", "error", err)
	}
	return nil
}

func startEmbeddedPool(
	ctx context.Context,
	cfg *config.Pipeline,
	s store.JobStore,
	q *queue.Queue,
	client publisher.Client,
	m metrics.Metrics,
	log *zap.SugaredLogger,
) (*pool.WorkerPool, error) {
	if s == nil || client == nil {
		return nil, errors.New("store and publisher must both be configured")
	}

	host, _ := os.Hostname()
	pcfg := pool.ConfigFromPipeline(cfg, "api@"+host)
	pcfg.Worker.Metrics = m
	pcfg.Worker.Log = log.Named("worker")

	p, err := pool.NewWorkerPool(pcfg, s, q, client)
	if err != nil {
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// openSessions prefers Redis so api replicas share agent sessions, and falls
// back to process memory when REDIS_URL is unset or unreachable.
func openSessions(ctx context.Context, cfg *config.Pipeline, log *zap.SugaredLogger) (session.Registry, func()) {
	if cfg.RedisURL != "" {
		r, err := session.NewRedisRegistry(ctx, cfg.RedisURL, cfg.SessionTTL)
		if err == nil {
			log.Infow("agent sessions stored in redis")
			return r, func() { _ = r.Close() }
		}
		log.Warnw("redis unavailable, agent sessions kept in memory", "error", err)
	}
	return session.NewMemoryRegistry(cfg.SessionTTL), func() {}
}
