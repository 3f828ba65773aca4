// Package apperrors provides sentinel and custom error types for the application.
package apperrors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrDuplicateJob represents a duplicate-job error.
// Use when a non-terminal ingestion job already exists for a video.
var ErrDuplicateJob = &DuplicateJobError{}

// DuplicateJobError is a sentinel error for duplicate ingestion jobs.
type DuplicateJobError struct {
	VideoID uuid.UUID
}

// NewDuplicateJobError creates a new DuplicateJobError for the given video.
func NewDuplicateJobError(videoID uuid.UUID) *DuplicateJobError {
	return &DuplicateJobError{VideoID: videoID}
}

// Error implements the error interface.
func (e *DuplicateJobError) Error() string {
	if e.VideoID != uuid.Nil {
		return "a non-terminal ingestion job already exists for video " + e.VideoID.String()
	}

	return "a non-terminal ingestion job already exists for this video"
}

// Is implements the error interface for error comparison.
func (e *DuplicateJobError) Is(target error) bool {
	_, ok := target.(*DuplicateJobError)

	return ok
}

// ErrStaleState represents a lost compare-and-swap on a job state transition.
// Local contention, not a failure: the caller discards its work and returns.
var ErrStaleState = &StaleStateError{}

// StaleStateError is a sentinel error for job state transitions whose expected
// "from" state no longer matches the current state.
type StaleStateError struct {
	JobID uuid.UUID
	From  string
	To    string
}

// NewStaleStateError creates a new StaleStateError for the failed transition.
func NewStaleStateError(jobID uuid.UUID, from, to string) *StaleStateError {
	return &StaleStateError{JobID: jobID, From: from, To: to}
}

// Error implements the error interface.
func (e *StaleStateError) Error() string {
	if e.From != "" || e.To != "" {
		return fmt.Sprintf("stale job state: transition %s -> %s lost for job %s", e.From, e.To, e.JobID)
	}

	return "stale job state"
}

// Is implements the error interface for error comparison.
func (e *StaleStateError) Is(target error) bool {
	_, ok := target.(*StaleStateError)

	return ok
}

// ErrSampling represents a failed sampling pass: too many frames could not be decoded.
// Job-fatal once the failed fraction exceeds the configured threshold.
var ErrSampling = &SamplingError{}

// SamplingError is a sentinel error for sampling passes that exceeded the
// failed-frame threshold.
type SamplingError struct {
	Sampled int
	Failed  int
	Message string
}

// NewSamplingError creates a new SamplingError with frame counts.
func NewSamplingError(sampled, failed int, message string) *SamplingError {
	return &SamplingError{Sampled: sampled, Failed: failed, Message: message}
}

// Error implements the error interface.
func (e *SamplingError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Sampled > 0 || e.Failed > 0 {
		return fmt.Sprintf("sampling failed: %d of %d frames undecodable", e.Failed, e.Sampled)
	}

	return "sampling failed"
}

// Is implements the error interface for error comparison.
func (e *SamplingError) Is(target error) bool {
	_, ok := target.(*SamplingError)

	return ok
}

// ErrFrameDecode represents a decode failure for the video source itself
// (the codec cannot decode it at all, not a resolution mismatch).
var ErrFrameDecode = &FrameDecodeError{}

// FrameDecodeError is a sentinel error for undecodable video sources.
type FrameDecodeError struct {
	Source  string
	Message string
}

// NewFrameDecodeError creates a new FrameDecodeError with a custom message.
func NewFrameDecodeError(source, message string) *FrameDecodeError {
	return &FrameDecodeError{Source: source, Message: message}
}

// Error implements the error interface.
func (e *FrameDecodeError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Source != "" {
		return "cannot decode video source: " + e.Source
	}

	return "cannot decode video source"
}

// Is implements the error interface for error comparison.
func (e *FrameDecodeError) Is(target error) bool {
	_, ok := target.(*FrameDecodeError)

	return ok
}

// ErrEmbeddingUnavailable represents a transient embedding backend failure.
// Retryable: counts against the job's attempt budget.
var ErrEmbeddingUnavailable = &EmbeddingUnavailableError{}

// EmbeddingUnavailableError is a sentinel error for transient embedding backend failures.
type EmbeddingUnavailableError struct {
	Message string
	Err     error
}

// NewEmbeddingUnavailableError creates a new EmbeddingUnavailableError wrapping a cause.
func NewEmbeddingUnavailableError(message string, err error) *EmbeddingUnavailableError {
	return &EmbeddingUnavailableError{Message: message, Err: err}
}

// Error implements the error interface.
func (e *EmbeddingUnavailableError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return "embedding backend unavailable: " + e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return "embedding backend unavailable: " + e.Message
	case e.Err != nil:
		return "embedding backend unavailable: " + e.Err.Error()
	}

	return "embedding backend unavailable"
}

// Unwrap returns the wrapped cause, if any.
func (e *EmbeddingUnavailableError) Unwrap() error {
	return e.Err
}

// Is implements the error interface for error comparison.
func (e *EmbeddingUnavailableError) Is(target error) bool {
	_, ok := target.(*EmbeddingUnavailableError)

	return ok
}

// ErrInvalidInput represents malformed input that no retry will fix.
// Non-retryable: the job is dead-lettered immediately.
var ErrInvalidInput = &InvalidInputError{}

// InvalidInputError is a sentinel error for invalid input data.
type InvalidInputError struct {
	Field   string
	Message string
}

// NewInvalidInputError creates a new InvalidInputError with a custom message.
func NewInvalidInputError(field, message string) *InvalidInputError {
	return &InvalidInputError{Field: field, Message: message}
}

// Error implements the error interface.
func (e *InvalidInputError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Field != "" {
		return "invalid input for field: " + e.Field
	}

	return "invalid input"
}

// Is implements the error interface for error comparison.
func (e *InvalidInputError) Is(target error) bool {
	_, ok := target.(*InvalidInputError)

	return ok
}

// ErrIndexConfigMismatch represents an embedding-space mismatch between the
// embedder and the vector index. Fatal at startup, never per-job.
var ErrIndexConfigMismatch = &IndexConfigMismatchError{}

// IndexConfigMismatchError is a sentinel error for vector space configuration mismatches.
type IndexConfigMismatchError struct {
	EmbedderSpace string
	IndexSpace    string
	EmbedderDims  int
	IndexDims     int
}

// NewIndexConfigMismatchError creates a new IndexConfigMismatchError.
func NewIndexConfigMismatchError(embedderSpace, indexSpace string, embedderDims, indexDims int) *IndexConfigMismatchError {
	return &IndexConfigMismatchError{
		EmbedderSpace: embedderSpace,
		IndexSpace:    indexSpace,
		EmbedderDims:  embedderDims,
		IndexDims:     indexDims,
	}
}

// Error implements the error interface.
func (e *IndexConfigMismatchError) Error() string {
	if e.EmbedderSpace != "" || e.IndexSpace != "" {
		return fmt.Sprintf("vector index config mismatch: embedder %s/%d vs index %s/%d",
			e.EmbedderSpace, e.EmbedderDims, e.IndexSpace, e.IndexDims)
	}

	return "vector index config mismatch"
}

// Is implements the error interface for error comparison.
func (e *IndexConfigMismatchError) Is(target error) bool {
	_, ok := target.(*IndexConfigMismatchError)

	return ok
}

// ErrIndexWrite represents a failed vector index write sub-batch.
// Retryable at sub-batch granularity.
var ErrIndexWrite = &IndexWriteError{}

// IndexWriteError is a sentinel error for vector index write failures. Start and
// End identify the failed sub-batch within the job's entry slice.
type IndexWriteError struct {
	Start int
	End   int
	Err   error
}

// NewIndexWriteError creates a new IndexWriteError for the failed sub-batch range.
func NewIndexWriteError(start, end int, err error) *IndexWriteError {
	return &IndexWriteError{Start: start, End: end, Err: err}
}

// Error implements the error interface.
func (e *IndexWriteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vector index write failed for entries [%d:%d]: %v", e.Start, e.End, e.Err)
	}

	return "vector index write failed"
}

// Unwrap returns the wrapped cause, if any.
func (e *IndexWriteError) Unwrap() error {
	return e.Err
}

// Is implements the error interface for error comparison.
func (e *IndexWriteError) Is(target error) bool {
	_, ok := target.(*IndexWriteError)

	return ok
}

// ErrVideoNotSearchable represents a query scoped to a video whose ingestion has
// not completed. Not an error to the user: the handler maps it to a
// "not yet searchable" response, distinct from a dead-lettered ingestion.
var ErrVideoNotSearchable = &VideoNotSearchableError{}

// VideoNotSearchableError is a sentinel error for searches against videos that
// are still queued or processing, or whose ingestion dead-lettered.
type VideoNotSearchableError struct {
	VideoID uuid.UUID
	State   string
}

// NewVideoNotSearchableError creates a new VideoNotSearchableError.
func NewVideoNotSearchableError(videoID uuid.UUID, state string) *VideoNotSearchableError {
	return &VideoNotSearchableError{VideoID: videoID, State: state}
}

// Error implements the error interface.
func (e *VideoNotSearchableError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("video %s is not searchable (ingestion state: %s)", e.VideoID, e.State)
	}

	return "video is not searchable yet"
}

// Is implements the error interface for error comparison.
func (e *VideoNotSearchableError) Is(target error) bool {
	_, ok := target.(*VideoNotSearchableError)

	return ok
}

// ErrNotFound represents a "not found" error.
// Use when a requested resource doesn't exist.
var ErrNotFound = &NotFoundError{}

// NotFoundError is a sentinel error for resources that are not found.
type NotFoundError struct {
	Resource string
	Message  string
}

// NewNotFoundError creates a new NotFoundError with a custom message.
func NewNotFoundError(resource, message string) *NotFoundError {
	return &NotFoundError{Resource: resource, Message: message}
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Resource != "" {
		return e.Resource + " not found"
	}

	return "resource not found"
}

// Is implements the error interface for error comparison.
func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)

	return ok
}

// ErrValidation represents a validation error.
// Use when client input fails validation.
var ErrValidation = &ValidationError{}

// ValidationError is a sentinel error for validation failures.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a new ValidationError with a custom message.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Field != "" {
		return "validation failed for field: " + e.Field
	}

	return "validation error"
}

// Is implements the error interface for error comparison.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)

	return ok
}

// Retryable reports whether err is worth another ingestion attempt. Transient
// backend failures and sub-batch write failures are retryable; malformed input,
// sampling threshold breaches, and configuration mismatches are not.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrEmbeddingUnavailable):
		return true
	case errors.Is(err, ErrIndexWrite):
		return true
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrSampling),
		errors.Is(err, ErrFrameDecode),
		errors.Is(err, ErrIndexConfigMismatch):
		return false
	}

	// Unknown failures (network, storage, database) default to retryable so the
	// attempt budget, not the error classification, bounds the work.
	return true
}
