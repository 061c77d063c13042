package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/metrics"
	"github.com/joshu-sajeev/kapublish/internal/publisher"
	"github.com/joshu-sajeev/kapublish/internal/queue"
	"github.com/joshu-sajeev/kapublish/internal/store"
	"github.com/joshu-sajeev/kapublish/internal/worker"
	"go.uber.org/zap"
)

type Config struct {
	// Instance prefixes worker ids so claims from different processes are distinguishable.
	Instance        string
	Workers         int
	StaleAfter      time.Duration
	Retention       time.Duration
	JanitorInterval time.Duration
	Worker          worker.Options
}

// ConfigFromPipeline maps the env settings onto a pool Config. Metrics and
// logging are left for the caller to set.
func ConfigFromPipeline(cfg *config.Pipeline, instance string) Config {
	return Config{
		Instance:        instance,
		Workers:         cfg.Workers,
		StaleAfter:      cfg.StaleActiveAfter(),
		Retention:       cfg.Retention,
		JanitorInterval: cfg.JanitorInterval,
		Worker: worker.Options{
			PublishTimeout: cfg.PublishTimeout,
			PollInterval:   cfg.PollInterval,
			Retry: worker.RetryPolicy{
				Base:   cfg.BackoffBase,
				Max:    cfg.BackoffMax,
				Jitter: cfg.BackoffJitter,
			},
		},
	}
}

type WorkerPool struct {
	cfg     Config
	store   store.JobStore
	workers []*worker.Worker
	metrics metrics.Metrics
	log     *zap.SugaredLogger
	now     func() time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewWorkerPool(cfg Config, s store.JobStore, q *queue.Queue, client publisher.Client) (*WorkerPool, error) {
	if s == nil {
		return nil, errors.New("worker pool needs a job store")
	}
	if client == nil {
		return nil, errors.New("worker pool needs a publish client")
	}
	if cfg.Workers < 1 {
		return nil, errors.Newf("worker count must be at least 1, got %d", cfg.Workers)
	}

	p := &WorkerPool{
		cfg:     cfg,
		store:   s,
		metrics: cfg.Worker.Metrics,
		log:     cfg.Worker.Log,
		now:     cfg.Worker.Now,
	}
	if p.metrics == nil {
		p.metrics = metrics.Noop{}
	}
	if p.log == nil {
		p.log = zap.NewNop().Sugar()
	}
	if p.now == nil {
		p.now = time.Now
	}

	for i := 1; i <= cfg.Workers; i++ {
		id := fmt.Sprintf("%s/%d", cfg.Instance, i)
		p.workers = append(p.workers, worker.NewWorker(id, q, s, client, cfg.Worker))
	}
	return p, nil
}

// Start runs the reconciliation sweep once, then starts the workers and the
// janitor. Workers never see a job a crashed predecessor left ACTIVE until
// the sweep has put it back. Claims under this pool's own instance prefix are
// requeued whatever their age; other claims only once older than StaleAfter.
func (p *WorkerPool) Start(ctx context.Context) error {
	if _, err := p.recoverOwn(ctx); err != nil {
		return errors.Wrap(err, "startup reconciliation")
	}
	if _, err := p.recoverStale(ctx); err != nil {
		return errors.Wrap(err, "startup reconciliation")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for _, w := range p.workers {
		w.Start(ctx)
	}

	p.wg.Add(1)
	go p.janitor(ctx)

	p.log.Infow("worker pool started", "workers", len(p.workers), "stale_after", p.cfg.StaleAfter)
	return nil
}

func (p *WorkerPool) janitor(ctx context.Context) {
	defer p.wg.Done()

	interval := p.cfg.JanitorInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := p.recoverStale(ctx); err != nil && ctx.Err() == nil {
				p.log.Warnw("stale job recovery failed", "error", err)
			}
			if _, err := p.purge(ctx); err != nil && ctx.Err() == nil {
				p.log.Warnw("retention purge failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *WorkerPool) recoverStale(ctx context.Context) (int64, error) {
	n, err := p.store.RecoverStaleActive(ctx, p.now().Add(-p.cfg.StaleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.metrics.IncRecovered(n)
		p.log.Infow("recovered stale active jobs", "count", n)
	}
	return n, nil
}

// recoverOwn requeues jobs left ACTIVE by an earlier run of this instance.
// No worker of this pool is running yet, so none of those claims is live.
func (p *WorkerPool) recoverOwn(ctx context.Context) (int64, error) {
	if p.cfg.Instance == "" {
		return 0, nil
	}
	n, err := p.store.RecoverClaimedBy(ctx, p.cfg.Instance+"/")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.metrics.IncRecovered(n)
		p.log.Infow("requeued jobs left active by a previous run", "count", n, "instance", p.cfg.Instance)
	}
	return n, nil
}

func (p *WorkerPool) purge(ctx context.Context) (int64, error) {
	if p.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := p.store.PurgeTerminal(ctx, p.now().Add(-p.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.log.Infow("purged terminal jobs", "count", n, "retention", p.cfg.Retention)
	}
	return n, nil
}

func (p *WorkerPool) Size() int { return len(p.workers) }

// Stop stops claiming, waits for in-flight publishes to be recorded and
// for the janitor to exit.
func (p *WorkerPool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	for _, w := range p.workers {
		w.Stop()
	}
	p.wg.Wait()
	p.log.Infow("worker pool stopped")
}
