package models

// JobState is the ingestion state of a video's job in the ledger.
//
// Transitions:
//
//	queued -> processing            (worker claims the job)
//	processing -> indexed           (success, terminal)
//	processing -> failed            (retryable failure)
//	failed -> queued                (re-dispatch, bounded by attempt count)
//	failed -> dead_lettered         (attempt budget exhausted, terminal)
//	queued|processing|failed -> cancelled (external cancel, terminal)
type JobState string

// Ingestion job states.
const (
	JobStateQueued       JobState = "queued"
	JobStateProcessing   JobState = "processing"
	JobStateIndexed      JobState = "indexed"
	JobStateFailed       JobState = "failed"
	JobStateDeadLettered JobState = "dead_lettered"
	JobStateCancelled    JobState = "cancelled"
)

// Terminal reports whether the state is terminal. Terminal jobs are immutable.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateIndexed, JobStateDeadLettered, JobStateCancelled:
		return true
	case JobStateQueued, JobStateProcessing, JobStateFailed:
		return false
	}

	return false
}

// Valid reports whether s is a known job state.
func (s JobState) Valid() bool {
	switch s {
	case JobStateQueued, JobStateProcessing, JobStateIndexed,
		JobStateFailed, JobStateDeadLettered, JobStateCancelled:
		return true
	}

	return false
}

// CanTransition reports whether the state machine permits from -> to.
// Cancellation is allowed from any non-terminal state.
func CanTransition(from, to JobState) bool {
	if from.Terminal() {
		return false
	}

	if to == JobStateCancelled {
		return true
	}

	switch from {
	case JobStateQueued:
		return to == JobStateProcessing
	case JobStateProcessing:
		return to == JobStateIndexed || to == JobStateFailed
	case JobStateFailed:
		return to == JobStateQueued || to == JobStateDeadLettered
	case JobStateIndexed, JobStateDeadLettered, JobStateCancelled:
		return false
	}

	return false
}
