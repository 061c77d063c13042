// Package publisher talks to the knowledge network. Every call resolves to an
// Outcome; the worker never has to interpret transport errors itself.
package publisher

import (
	"context"
	"strings"

	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/dto"
	"go.uber.org/zap"
)

type Kind int

const (
	KindSuccess Kind = iota
	KindRetryable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one publish attempt.
type Outcome struct {
	Kind      Kind
	NetworkID string
	Status    string
	Reason    string
}

func Success(networkID, status string) Outcome {
	return Outcome{Kind: KindSuccess, NetworkID: networkID, Status: status}
}

func Retryable(reason string) Outcome {
	return Outcome{Kind: KindRetryable, Reason: reason}
}

func Fatal(reason string) Outcome {
	return Outcome{Kind: KindFatal, Reason: reason}
}

type Client interface {
	Publish(ctx context.Context, req dto.NormalizedPublish) Outcome
	Ping(ctx context.Context) error
}

// FromConfig builds the client selected by PUBLISHER_MODE. It returns a nil
// Client when http mode has no PUBLISHER_URL; callers treat that as the
// publisher dependency being unavailable.
func FromConfig(cfg *config.Pipeline, log *zap.SugaredLogger) Client {
	switch strings.ToLower(cfg.PublisherMode) {
	case "simulate":
		log.Warnw("publisher running in simulate mode, nothing reaches the network")
		return NewSimulated()
	default:
		if strings.TrimSpace(cfg.PublisherURL) == "" {
			log.Warnw("PUBLISHER_URL not set, intake will answer dependency_unavailable")
			return nil
		}
		return NewHTTPClient(cfg.PublisherURL,
			WithRateLimit(cfg.PublisherRate, cfg.PublisherBurst),
			WithLogger(log),
		)
	}
}
