// Package admission decides whether a new publish request may enter the
// pipeline at all, before any validation or persistence happens.
package admission

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/joshu-sajeev/kapublish/common"
	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/metrics"
	"github.com/joshu-sajeev/kapublish/internal/store"
	"go.uber.org/zap"
)

// Rejection reasons, also used as metric labels.
const (
	ReasonBackpressure          = "backpressure"
	ReasonDependencyUnavailable = "dependency_unavailable"
)

const defaultProbeTTL = 5 * time.Second

// Pinger is anything whose reachability gates intake.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Controller struct {
	store         store.JobStore
	publisher     Pinger
	maxQueueDepth int64
	maxInFlight   int64
	probeTTL      time.Duration
	metrics       metrics.Metrics
	log           *zap.SugaredLogger
	now           func() time.Time

	mu         sync.Mutex
	probing    bool
	probedAt   time.Time
	publishErr error
}

type Option func(*Controller)

// WithProbeTTL sets how long a publisher reachability result is reused.
func WithProbeTTL(d time.Duration) Option {
	return func(c *Controller) { c.probeTTL = d }
}

func WithMetrics(m metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Controller) { c.log = log }
}

// New builds a Controller. A nil store or publisher means that dependency is
// not configured and every request is rejected as dependency_unavailable.
func New(s store.JobStore, publisher Pinger, maxQueueDepth, maxInFlight int, opts ...Option) *Controller {
	c := &Controller{
		store:         s,
		publisher:     publisher,
		maxQueueDepth: int64(maxQueueDepth),
		maxInFlight:   int64(maxInFlight),
		probeTTL:      defaultProbeTTL,
		metrics:       metrics.Noop{},
		log:           zap.NewNop().Sugar(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit returns nil when the request may proceed, otherwise a 503 APIError
// whose code distinguishes backpressure from a missing dependency.
func (c *Controller) Admit(ctx context.Context) error {
	if c == nil || c.store == nil {
		return c.reject(ReasonDependencyUnavailable, common.DependencyUnavailable("store"))
	}
	if c.publisher == nil {
		return c.reject(ReasonDependencyUnavailable, common.DependencyUnavailable("publisher"))
	}

	counts, err := c.store.CountsByState(ctx)
	if err != nil {
		c.log.Warnw("admission store probe failed", "error", err)
		return c.reject(ReasonDependencyUnavailable, common.DependencyUnavailable("store"))
	}

	if err := c.probePublisher(ctx); err != nil {
		return c.reject(ReasonDependencyUnavailable, common.DependencyUnavailable("publisher"))
	}

	depth := counts[config.JobStateQueued] + counts[config.JobStateRetryPending]
	inFlight := counts[config.JobStateActive]
	if depth >= c.maxQueueDepth || inFlight >= c.maxInFlight {
		return c.reject(ReasonBackpressure, common.NewAPIError(
			http.StatusServiceUnavailable,
			"publish queue is at capacity, retry later",
			map[string]any{
				"queueDepth":    depth,
				"maxQueueDepth": c.maxQueueDepth,
				"inFlight":      inFlight,
				"maxInFlight":   c.maxInFlight,
			},
		).WithCode(common.CodeBackpressure))
	}

	return nil
}

// probePublisher reuses a recent ping result. The ping itself runs outside
// the lock; while one is in flight other callers get the previous result.
func (c *Controller) probePublisher(ctx context.Context) error {
	c.mu.Lock()
	now := c.now()
	fresh := !c.probedAt.IsZero() && now.Sub(c.probedAt) < c.probeTTL
	if fresh || (c.probing && !c.probedAt.IsZero()) {
		err := c.publishErr
		c.mu.Unlock()
		return err
	}
	c.probing = true
	c.mu.Unlock()

	err := c.publisher.Ping(ctx)

	c.mu.Lock()
	c.probing = false
	c.publishErr = err
	c.probedAt = now
	c.mu.Unlock()

	if err != nil {
		c.log.Warnw("publisher unreachable", "error", err)
	}
	return err
}

func (c *Controller) reject(reason string, apiErr common.APIError) error {
	if c != nil {
		c.metrics.IncAdmissionRejected(reason)
	}
	return apiErr
}
