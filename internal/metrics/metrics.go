package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is what the pipeline reports about itself.
type Metrics interface {
	IncSubmitted(outcome string)
	IncAdmissionRejected(reason string)
	IncClaimed()
	IncFinished(state string)
	IncRecovered(n int64)
	ObservePublish(outcome string, durationSeconds float64)
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncSubmitted(string)                            {}
func (Noop) IncAdmissionRejected(string)                    {}
func (Noop) IncClaimed()                                    {}
func (Noop) IncFinished(string)                             {}
func (Noop) IncRecovered(int64)                             {}
func (Noop) ObservePublish(string, float64)                 {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	submitted      *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	claimed        prometheus.Counter
	finished       *prometheus.CounterVec
	recovered      prometheus.Counter
	publishLatency *prometheus.HistogramVec
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	once           sync.Once
}

// NewProm builds the collectors and registers them with reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Publish submissions by outcome (accepted, duplicate, invalid)",
		}, []string{"outcome"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Submissions rejected at admission by reason",
		}, []string{"reason"}),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs claimed by a worker",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Publish attempts finished by resulting state",
		}, []string{"state"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_recovered_total",
			Help:      "Stale active jobs returned to the queue",
		}),
		publishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Network publish latency by outcome",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	p.once.Do(func() {
		reg.MustRegister(
			p.submitted, p.rejected, p.claimed, p.finished, p.recovered,
			p.publishLatency, p.requests, p.requestLatency,
		)
	})
	return p
}

func (p *Prom) IncSubmitted(outcome string) {
	p.submitted.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncAdmissionRejected(reason string) {
	p.rejected.WithLabelValues(reason).Inc()
}

func (p *Prom) IncClaimed() {
	p.claimed.Inc()
}

func (p *Prom) IncFinished(state string) {
	p.finished.WithLabelValues(state).Inc()
}

func (p *Prom) IncRecovered(n int64) {
	if n > 0 {
		p.recovered.Add(float64(n))
	}
}

func (p *Prom) ObservePublish(outcome string, durationSeconds float64) {
	p.publishLatency.WithLabelValues(outcome).Observe(durationSeconds)
}

func (p *Prom) ObserveRequest(method, route, status string, durationSeconds float64) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.requestLatency.WithLabelValues(method, route).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
