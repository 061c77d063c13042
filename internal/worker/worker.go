package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/dto"
	"github.com/joshu-sajeev/kapublish/internal/metrics"
	"github.com/joshu-sajeev/kapublish/internal/models"
	"github.com/joshu-sajeev/kapublish/internal/publisher"
	"github.com/joshu-sajeev/kapublish/internal/queue"
	"github.com/joshu-sajeev/kapublish/internal/store"
	"go.uber.org/zap"
)

const storeWriteTimeout = 10 * time.Second

type Options struct {
	PublishTimeout time.Duration
	PollInterval   time.Duration
	Retry          RetryPolicy
	Metrics        metrics.Metrics
	Log            *zap.SugaredLogger
	Now            func() time.Time
}

// Worker claims one job at a time from the queue, publishes it and records
// the outcome.
type Worker struct {
	ID      string
	queue   *queue.Queue
	store   store.JobStore
	client  publisher.Client
	opts    Options
	log     *zap.SugaredLogger
	metrics metrics.Metrics
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(id string, q *queue.Queue, s store.JobStore, client publisher.Client, opts Options) *Worker {
	w := &Worker{
		ID:      id,
		queue:   q,
		store:   s,
		client:  client,
		opts:    opts,
		log:     opts.Log,
		metrics: opts.Metrics,
		now:     opts.Now,
		done:    make(chan struct{}),
	}
	if w.log == nil {
		w.log = zap.NewNop().Sugar()
	}
	w.log = w.log.With("worker", id)
	if w.metrics == nil {
		w.metrics = metrics.Noop{}
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.opts.PollInterval <= 0 {
		w.opts.PollInterval = 2 * time.Second
	}
	if w.opts.PublishTimeout <= 0 {
		w.opts.PublishTimeout = time.Minute
	}
	return w
}

// Start runs the claim loop in its own goroutine until ctx ends or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go func() {
		defer close(w.done)
		w.run(ctx)
	}()
}

// Stop ends the claim loop and waits for an in-flight publish to be recorded.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *Worker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.Next(ctx, w.ID)
		switch {
		case err == nil:
			w.metrics.IncClaimed()
			w.process(ctx, job)
			continue
		case errors.Is(err, queue.ErrContended):
			continue
		case errors.Is(err, queue.ErrQueueEmpty):
		case ctx.Err() != nil:
			return
		default:
			w.log.Warnw("claim failed", "error", err)
		}

		if err := w.queue.Wait(ctx, w.opts.PollInterval); err != nil {
			return
		}
	}
}

// process publishes one claimed job. The publish and the bookkeeping after it
// are detached from ctx so shutdown lets the attempt finish and be recorded.
func (w *Worker) process(ctx context.Context, job *models.Job) {
	log := w.log.With("job_id", job.ID, "source_id", job.SourceID, "attempt", job.Attempts+1)

	var req dto.NormalizedPublish
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		log.Errorw("stored payload unreadable", "error", err)
		w.record(ctx, job, publisher.Fatal("stored payload unreadable: "+err.Error()), dto.ErrorKindInvalidPayload)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.PublishTimeout)
	start := w.now()
	out := w.client.Publish(pubCtx, req)
	if out.Kind == publisher.KindRetryable && errors.Is(pubCtx.Err(), context.DeadlineExceeded) {
		out.Reason = "publish timed out"
	}
	cancel()
	w.metrics.ObservePublish(out.Kind.String(), w.now().Sub(start).Seconds())

	log.Debugw("publish finished", "outcome", out.Kind.String(), "reason", out.Reason)
	w.record(ctx, job, out, "")
}

// record moves the job out of ACTIVE according to out. kindOverride replaces
// the lastError kind for failures that are not the network's verdict.
func (w *Worker) record(ctx context.Context, job *models.Job, out publisher.Outcome, kindOverride string) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	from := config.JobStateActive
	for try := 0; try < 2; try++ {
		t := w.transitionFor(job, out, kindOverride)
		t.From = from
		t.ExpectClaimedBy = w.ID

		err := w.store.Transition(storeCtx, job.ID, t)
		if err == nil {
			w.metrics.IncFinished(string(t.To))
			w.logOutcome(job, t)
			return
		}
		if !errors.Is(err, store.ErrStateConflict) {
			w.log.Errorw("recording publish outcome failed", "job_id", job.ID, "error", err)
			return
		}

		current, getErr := w.store.Get(storeCtx, job.ID)
		if getErr != nil {
			w.log.Errorw("re-reading job after conflict failed", "job_id", job.ID, "error", getErr)
			return
		}

		// Reconciliation handed the job back to the queue while we were
		// publishing. Take it again so this attempt's result is not lost.
		if current.State != config.JobStateQueued {
			w.log.Warnw("job changed while publishing, leaving it",
				"job_id", job.ID, "state", current.State, "claimed_by", current.ClaimedBy)
			return
		}
		if err := w.store.Transition(storeCtx, job.ID, store.Transition{
			From: config.JobStateQueued, To: config.JobStateActive, ClaimedBy: w.ID,
		}); err != nil {
			w.log.Warnw("reclaiming requeued job failed", "job_id", job.ID, "error", err)
			return
		}
		job.Attempts = current.Attempts
	}
}

func (w *Worker) transitionFor(job *models.Job, out publisher.Outcome, kindOverride string) store.Transition {
	attempts := job.Attempts + 1
	now := w.now().UTC()

	jobErr := func(kind string) *dto.JobError {
		if kindOverride != "" {
			kind = kindOverride
		}
		return &dto.JobError{Kind: kind, Reason: out.Reason, Attempts: attempts, At: now}
	}

	switch out.Kind {
	case publisher.KindSuccess:
		return store.Transition{
			To:             config.JobStateCompleted,
			Attempts:       &attempts,
			Result:         &dto.PublishResult{NetworkID: out.NetworkID, Status: out.Status},
			ClearLastError: true,
		}
	case publisher.KindRetryable:
		if attempts < job.MaxAttempts {
			next := now.Add(w.opts.Retry.Delay(attempts))
			return store.Transition{
				To:            config.JobStateRetryPending,
				Attempts:      &attempts,
				LastError:     jobErr(dto.ErrorKindRetryable),
				NextAttemptAt: &next,
			}
		}
		return store.Transition{
			To:        config.JobStateFailed,
			Attempts:  &attempts,
			LastError: jobErr(dto.ErrorKindRetryExhausted),
		}
	default:
		return store.Transition{
			To:        config.JobStateFailed,
			Attempts:  &attempts,
			LastError: jobErr(dto.ErrorKindFatal),
		}
	}
}

func (w *Worker) logOutcome(job *models.Job, t store.Transition) {
	switch t.To {
	case config.JobStateCompleted:
		w.log.Infow("published", "job_id", job.ID, "source_id", job.SourceID, "network_id", t.Result.NetworkID)
	case config.JobStateRetryPending:
		w.log.Infow("publish will be retried", "job_id", job.ID, "attempts", *t.Attempts, "next_attempt_at", t.NextAttemptAt, "reason", t.LastError.Reason)
	case config.JobStateFailed:
		w.log.Warnw("publish failed", "job_id", job.ID, "attempts", *t.Attempts, "kind", t.LastError.Kind, "reason", t.LastError.Reason)
	}
}
