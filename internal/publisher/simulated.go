package publisher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/joshu-sajeev/kapublish/internal/dto"
)

// Simulated succeeds every publish with a UAL derived from the content, so
// the same content always maps to the same id.
type Simulated struct {
	Latency time.Duration
}

func NewSimulated() *Simulated { return &Simulated{} }

func (s *Simulated) Publish(ctx context.Context, req dto.NormalizedPublish) Outcome {
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return Retryable("publish timed out")
		}
	}
	sum := sha256.Sum256(req.Content)
	return Success("did:dkg:simulated/"+hex.EncodeToString(sum[:8]), "COMPLETED")
}

func (s *Simulated) Ping(context.Context) error { return nil }
