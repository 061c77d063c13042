package config

// JobState is the persisted lifecycle state of a publish job.
type JobState string

const (
	JobStateQueued       JobState = "queued"
	JobStateActive       JobState = "active"
	JobStateRetryPending JobState = "retry_pending"
	JobStateCompleted    JobState = "completed"
	JobStateFailed       JobState = "failed"
	JobStateCancelled    JobState = "cancelled"
)

const (
	PrivacyPublic  = "public"
	PrivacyPrivate = "private"
)

var (
	AllowedPrivacy = []string{PrivacyPublic, PrivacyPrivate}
	AllJobStates   = []JobState{
		JobStateQueued,
		JobStateActive,
		JobStateRetryPending,
		JobStateCompleted,
		JobStateFailed,
		JobStateCancelled,
	}
	// NonTerminalStates are the states covered by source id deduplication.
	NonTerminalStates = []JobState{JobStateQueued, JobStateActive, JobStateRetryPending}
	TerminalStates    = []JobState{JobStateCompleted, JobStateFailed, JobStateCancelled}
)

var transitions = map[JobState][]JobState{
	JobStateQueued:       {JobStateActive, JobStateCancelled},
	JobStateRetryPending: {JobStateActive, JobStateCancelled},
	JobStateActive:       {JobStateCompleted, JobStateRetryPending, JobStateFailed, JobStateQueued},
	JobStateFailed:       {JobStateQueued},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s JobState) Valid() bool {
	for _, known := range AllJobStates {
		if s == known {
			return true
		}
	}
	return false
}

func (s JobState) Terminal() bool {
	for _, t := range TerminalStates {
		if s == t {
			return true
		}
	}
	return false
}
