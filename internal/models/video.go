package models

import (
	"time"

	"github.com/google/uuid"
)

// Video represents an uploaded video. The row is created on upload and mutated
// only through job state transitions and the duration backfill after sampling;
// the core never deletes it except through the explicit cascade delete.
type Video struct {
	ID              uuid.UUID `json:"id"`
	Filename        string    `json:"filename"`
	BlobKey         string    `json:"blob_key"`
	SizeBytes       int64     `json:"size_bytes"`
	Format          string    `json:"format"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
	UploadedAt      time.Time `json:"uploaded_at"`
}

// VideoWithState is a video joined with its most recent ingestion job state,
// for listing and for the searchability check.
type VideoWithState struct {
	Video

	State *JobState `json:"state,omitempty"`
}

// Searchable reports whether the video's frames are queryable (ingestion done).
func (v *VideoWithState) Searchable() bool {
	return v.State != nil && *v.State == JobStateIndexed
}
