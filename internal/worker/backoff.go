package worker

import (
	"math"
	"time"

	"github.com/sethvargo/go-retry"
)

// maxDoublings bounds how far Delay walks the exponential sequence; past it
// the doubled base has long overflowed into the cap.
const maxDoublings = 64

// RetryPolicy computes the wait before the next attempt of a job that failed
// retryably: Base doubled per attempt already made, spread by ±Jitter, never
// above Max.
type RetryPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Delay returns the backoff after the given attempt (1-based). Each call
// builds a fresh go-retry sequence because attempts are counted on the job
// row, not in the worker.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 || p.Max <= 0 {
		return 0
	}
	attempt = min(max(attempt, 1), maxDoublings)

	b := retry.WithCappedDuration(p.Max, retry.NewExponential(p.Base))
	for i := 1; i < attempt; i++ {
		b.Next()
	}

	if pct := p.jitterPercent(); pct > 0 {
		b = retry.WithCappedDuration(p.Max, retry.WithJitterPercent(pct, b))
	}
	d, _ := b.Next()
	return d
}

func (p RetryPolicy) jitterPercent() uint64 {
	if p.Jitter <= 0 {
		return 0
	}
	return uint64(math.Round(min(p.Jitter, 1) * 100))
}
