package models

import (
	"time"

	"github.com/google/uuid"
)

// IngestionJob is the ledger record for one video's ingestion. A video has at
// most one non-terminal job at a time. Attempts is the ledger's own counter,
// reconciled with (not replaced by) the queue's redelivery counter.
type IngestionJob struct {
	ID            uuid.UUID  `json:"id"`
	VideoID       uuid.UUID  `json:"video_id"`
	State         JobState   `json:"state"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	LastError     *string    `json:"last_error,omitempty"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FramesSampled int        `json:"frames_sampled"`
	FramesIndexed int        `json:"frames_indexed"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// AttemptsExhausted reports whether the job has spent its retry budget.
func (j *IngestionJob) AttemptsExhausted() bool {
	return j.Attempts >= j.MaxAttempts
}
