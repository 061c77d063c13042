package dto

import (
	"encoding/json"
	"time"

	"github.com/joshu-sajeev/kapublish/internal/config"
)

// Error kinds recorded in JobError.Kind.
const (
	ErrorKindRetryable      = "retryable"
	ErrorKindRetryExhausted = "retry_exhausted"
	ErrorKindFatal          = "fatal"
	ErrorKindInvalidPayload = "invalid_payload"
)

// JobError is the structured lastError stored on a job.
type JobError struct {
	Kind     string    `json:"kind"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// PublishResult is set on a job only once it reaches the completed state.
type PublishResult struct {
	NetworkID string `json:"networkId"`
	Status    string `json:"status"`
}

// EnqueueResponse is returned by both the HTTP intake and the agent tool.
type EnqueueResponse struct {
	ID        string          `json:"id"`
	Status    config.JobState `json:"status"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

type JobResponseDTO struct {
	ID            string          `json:"id"`
	SourceID      string          `json:"sourceId,omitempty"`
	Source        string          `json:"source,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        config.JobState `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	Priority      int             `json:"priority"`
	LastError     *JobError       `json:"lastError,omitempty"`
	Result        *PublishResult  `json:"result,omitempty"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
	ClaimedBy     string          `json:"claimedBy,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type StateCounts struct {
	Queued       int64 `json:"queued"`
	Active       int64 `json:"active"`
	RetryPending int64 `json:"retryPending"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Cancelled    int64 `json:"cancelled"`
}

// NewStateCounts projects a per-state count map onto the wire shape.
func NewStateCounts(counts map[config.JobState]int64) StateCounts {
	return StateCounts{
		Queued:       counts[config.JobStateQueued],
		Active:       counts[config.JobStateActive],
		RetryPending: counts[config.JobStateRetryPending],
		Completed:    counts[config.JobStateCompleted],
		Failed:       counts[config.JobStateFailed],
		Cancelled:    counts[config.JobStateCancelled],
	}
}

type QueueMetricsDTO struct {
	Counts              StateCounts `json:"counts"`
	ThroughputPerMinute float64     `json:"throughputPerMinute"`
}

type JobListDTO struct {
	Jobs   []JobResponseDTO `json:"jobs"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// QueueOverviewDTO backs the admin dashboard landing view.
type QueueOverviewDTO struct {
	QueueMetricsDTO
	Workers       int `json:"workers"`
	MaxQueueDepth int `json:"maxQueueDepth"`
	MaxInFlight   int `json:"maxInFlight"`
}

type PurgeResultDTO struct {
	Deleted int64     `json:"deleted"`
	Cutoff  time.Time `json:"cutoff"`
}
