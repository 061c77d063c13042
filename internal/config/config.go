package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Pipeline holds the runtime settings shared by the api and worker binaries.
type Pipeline struct {
	HTTPAddr        string        `env:"HTTP_ADDR,default=:8080"`
	Workers         int           `env:"WORKERS,default=4"`
	EmbeddedWorkers bool          `env:"EMBEDDED_WORKERS,default=true"`
	PollInterval    time.Duration `env:"POLL_INTERVAL,default=2s"`

	MaxQueueDepth int `env:"MAX_QUEUE_DEPTH,default=10000"`
	MaxInFlight   int `env:"MAX_IN_FLIGHT,default=64"`

	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT,default=60s"`
	BackoffBase    time.Duration `env:"BACKOFF_BASE,default=2s"`
	BackoffMax     time.Duration `env:"BACKOFF_MAX,default=5m"`
	BackoffJitter  float64       `env:"BACKOFF_JITTER,default=0.2"`

	DefaultMaxAttempts int `env:"DEFAULT_MAX_ATTEMPTS,default=3"`
	DefaultPriority    int `env:"DEFAULT_PRIORITY,default=50"`
	DefaultEpochs      int `env:"DEFAULT_EPOCHS,default=2"`

	DedupWindow      time.Duration `env:"DEDUP_WINDOW,default=0s"`
	ReconcileAfter   time.Duration `env:"RECONCILE_AFTER,default=0s"`
	Retention        time.Duration `env:"RETENTION,default=720h"`
	JanitorInterval  time.Duration `env:"JANITOR_INTERVAL,default=1m"`
	ThroughputWindow time.Duration `env:"THROUGHPUT_WINDOW,default=5m"`

	AdminToken string        `env:"ADMIN_TOKEN"`
	RedisURL   string        `env:"REDIS_URL"`
	SessionTTL time.Duration `env:"SESSION_TTL,default=30m"`

	PublisherMode  string  `env:"PUBLISHER_MODE,default=http"`
	PublisherURL   string  `env:"PUBLISHER_URL"`
	PublisherRate  float64 `env:"PUBLISHER_RATE,default=5"`
	PublisherBurst int     `env:"PUBLISHER_BURST,default=5"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=console"`
}

// to help with testing
var envProcess = envconfig.Process

func LoadPipelineFromEnv(ctx context.Context) (*Pipeline, error) {
	var cfg Pipeline
	if err := envProcess(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// StaleActiveAfter is how long a job may sit ACTIVE before the reconciliation
// sweep treats its worker as gone.
func (c *Pipeline) StaleActiveAfter() time.Duration {
	if c.ReconcileAfter > 0 {
		return c.ReconcileAfter
	}
	return 2 * c.PublishTimeout
}

func (c *Pipeline) Validate() error {
	var errors []string

	if c.Workers < 1 {
		errors = append(errors, "WORKERS must be at least 1")
	}
	if c.PollInterval <= 0 {
		errors = append(errors, "POLL_INTERVAL must be positive")
	}
	if c.MaxQueueDepth < 1 {
		errors = append(errors, "MAX_QUEUE_DEPTH must be at least 1")
	}
	if c.MaxInFlight < 1 {
		errors = append(errors, "MAX_IN_FLIGHT must be at least 1")
	}
	if c.PublishTimeout <= 0 {
		errors = append(errors, "PUBLISH_TIMEOUT must be positive")
	}
	if c.BackoffBase <= 0 {
		errors = append(errors, "BACKOFF_BASE must be positive")
	}
	if c.BackoffMax < c.BackoffBase {
		errors = append(errors, "BACKOFF_MAX must not be below BACKOFF_BASE")
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		errors = append(errors, "BACKOFF_JITTER must be in [0, 1)")
	}
	if c.DefaultMaxAttempts < 1 {
		errors = append(errors, "DEFAULT_MAX_ATTEMPTS must be at least 1")
	}
	if c.DefaultPriority < 0 || c.DefaultPriority > 100 {
		errors = append(errors, "DEFAULT_PRIORITY must be between 0 and 100")
	}
	if c.DefaultEpochs < 1 {
		errors = append(errors, "DEFAULT_EPOCHS must be at least 1")
	}
	if c.DedupWindow < 0 || c.ReconcileAfter < 0 || c.Retention < 0 {
		errors = append(errors, "DEDUP_WINDOW, RECONCILE_AFTER and RETENTION must not be negative")
	}
	if c.JanitorInterval <= 0 {
		errors = append(errors, "JANITOR_INTERVAL must be positive")
	}
	if c.ThroughputWindow < time.Minute {
		errors = append(errors, "THROUGHPUT_WINDOW must be at least 1m")
	}

	// An empty PUBLISHER_URL is allowed: intake then answers 503 until one is configured.
	switch strings.ToLower(c.PublisherMode) {
	case "http", "simulate":
	default:
		errors = append(errors, "PUBLISHER_MODE must be http or simulate")
	}
	if c.PublisherRate <= 0 || c.PublisherBurst < 1 {
		errors = append(errors, "PUBLISHER_RATE and PUBLISHER_BURST must be positive")
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}

	return nil
}
