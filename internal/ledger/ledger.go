// Package ledger owns the ingestion job state machine. Every state change is a
// compare-and-set against the store, so concurrent workers racing on the same
// job resolve to exactly one winner; the losers get a StaleStateError they can
// treat as "someone else already did this".
package ledger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vidscope/vidscope/internal/apperrors"
	"github.com/vidscope/vidscope/internal/models"
	"github.com/vidscope/vidscope/internal/repository"
)

// JobStore is the persistence the ledger runs on.
type JobStore interface {
	Create(ctx context.Context, job *models.IngestionJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error)
	GetLatestByVideoID(ctx context.Context, videoID uuid.UUID) (*models.IngestionJob, error)
	List(ctx context.Context, filters *repository.ListJobsFilters) ([]models.IngestionJob, error)
	Transition(ctx context.Context, id uuid.UUID, from, to models.JobState, upd repository.JobUpdate) (*models.IngestionJob, error)
}

// Service drives the job ledger.
type Service struct {
	store  JobStore
	logger *slog.Logger
}

// NewService creates a ledger service.
func NewService(store JobStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Create registers a new queued job for the video. Returns DuplicateJobError
// if the video already has a non-terminal job.
func (s *Service) Create(ctx context.Context, videoID uuid.UUID, maxAttempts int) (*models.IngestionJob, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	job := &models.IngestionJob{
		ID:          uuid.New(),
		VideoID:     videoID,
		MaxAttempts: maxAttempts,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "ingestion job created",
		slog.String("job_id", job.ID.String()),
		slog.String("video_id", videoID.String()))

	return job, nil
}

// Get retrieves a job by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error) {
	return s.store.GetByID(ctx, id)
}

// GetLatestByVideo retrieves the video's most recent job.
func (s *Service) GetLatestByVideo(ctx context.Context, videoID uuid.UUID) (*models.IngestionJob, error) {
	return s.store.GetLatestByVideoID(ctx, videoID)
}

// List retrieves jobs with optional filters.
func (s *Service) List(ctx context.Context, filters *repository.ListJobsFilters) ([]models.IngestionJob, error) {
	return s.store.List(ctx, filters)
}

// Claim moves a job to processing on behalf of a worker that just received
// its dispatch, reconciling whatever state the redelivery finds:
//
//   - queued: the normal path.
//   - failed: a retry redelivery; the job passes back through queued.
//   - processing with receiveCount > 1: the previous holder crashed without
//     recording anything, so the crash is recorded as a failed attempt first.
//
// Terminal states, and a first delivery that finds the job already
// processing, return StaleStateError: another consumer holds the job.
func (s *Service) Claim(ctx context.Context, jobID uuid.UUID, receiveCount int) (*models.IngestionJob, error) {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.State {
	case models.JobStateQueued:
		return s.startAttempt(ctx, jobID)

	case models.JobStateFailed:
		if job.AttemptsExhausted() {
			return nil, s.deadLetterExhausted(ctx, job)
		}
		if _, err := s.store.Transition(ctx, jobID, models.JobStateFailed, models.JobStateQueued, repository.JobUpdate{}); err != nil {
			return nil, err
		}
		return s.startAttempt(ctx, jobID)

	case models.JobStateProcessing:
		if receiveCount <= 1 {
			return nil, apperrors.NewStaleStateError(jobID, string(models.JobStateQueued), string(models.JobStateProcessing))
		}

		// Redelivery of a job still marked processing means the previous
		// holder died mid-attempt. Charge the attempt, then retry.
		s.logger.WarnContext(ctx, "reclaiming job from crashed worker",
			slog.String("job_id", jobID.String()),
			slog.Int("receive_count", receiveCount))

		failed, err := s.MarkFailed(ctx, jobID, "worker lost lease mid-attempt")
		if err != nil {
			return nil, err
		}
		if failed.AttemptsExhausted() {
			return nil, s.deadLetterExhausted(ctx, failed)
		}
		if _, err := s.store.Transition(ctx, jobID, models.JobStateFailed, models.JobStateQueued, repository.JobUpdate{}); err != nil {
			return nil, err
		}
		return s.startAttempt(ctx, jobID)

	default:
		return nil, apperrors.NewStaleStateError(jobID, string(job.State), string(models.JobStateProcessing))
	}
}

// deadLetterExhausted retires a failed job whose attempt budget is spent,
// preserving its last recorded error. The returned StaleStateError tells the
// caller the dispatch is obsolete either way.
func (s *Service) deadLetterExhausted(ctx context.Context, job *models.IngestionJob) error {
	reason := "attempt budget exhausted"
	if job.LastError != nil {
		reason = *job.LastError
	}

	if _, err := s.DeadLetter(ctx, job.ID, reason); err != nil && !errors.Is(err, apperrors.ErrStaleState) {
		return err
	}

	return apperrors.NewStaleStateError(job.ID, string(models.JobStateFailed), string(models.JobStateProcessing))
}

func (s *Service) startAttempt(ctx context.Context, jobID uuid.UUID) (*models.IngestionJob, error) {
	return s.store.Transition(ctx, jobID, models.JobStateQueued, models.JobStateProcessing, repository.JobUpdate{
		IncrementAttempts: true,
		SetStartedAt:      true,
	})
}

// MarkIndexed completes a processing job. Terminal.
func (s *Service) MarkIndexed(ctx context.Context, jobID uuid.UUID, framesSampled, framesIndexed int) (*models.IngestionJob, error) {
	job, err := s.store.Transition(ctx, jobID, models.JobStateProcessing, models.JobStateIndexed, repository.JobUpdate{
		SetCompletedAt: true,
		FramesSampled:  &framesSampled,
		FramesIndexed:  &framesIndexed,
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "ingestion job indexed",
		slog.String("job_id", jobID.String()),
		slog.Int("frames_indexed", framesIndexed))

	return job, nil
}

// MarkFailed records a failed attempt on a processing job. The job lands in
// failed; the caller inspects AttemptsExhausted to choose between re-dispatch
// and DeadLetter.
func (s *Service) MarkFailed(ctx context.Context, jobID uuid.UUID, reason string) (*models.IngestionJob, error) {
	job, err := s.store.Transition(ctx, jobID, models.JobStateProcessing, models.JobStateFailed, repository.JobUpdate{
		LastError: &reason,
	})
	if err != nil {
		return nil, err
	}

	s.logger.WarnContext(ctx, "ingestion attempt failed",
		slog.String("job_id", jobID.String()),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.String("reason", reason))

	return job, nil
}

// DeadLetter moves a failed job to dead-lettered. Terminal.
func (s *Service) DeadLetter(ctx context.Context, jobID uuid.UUID, reason string) (*models.IngestionJob, error) {
	job, err := s.store.Transition(ctx, jobID, models.JobStateFailed, models.JobStateDeadLettered, repository.JobUpdate{
		SetCompletedAt: true,
		LastError:      &reason,
	})
	if err != nil {
		return nil, err
	}

	s.logger.ErrorContext(ctx, "ingestion job dead-lettered",
		slog.String("job_id", jobID.String()),
		slog.String("reason", reason))

	return job, nil
}

// Cancel moves a job to cancelled from any non-terminal state. Workers already
// holding the job observe the cancellation as a lost compare-and-set.
func (s *Service) Cancel(ctx context.Context, jobID uuid.UUID) (*models.IngestionJob, error) {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.State.Terminal() {
		return nil, apperrors.NewStaleStateError(jobID, string(job.State), string(models.JobStateCancelled))
	}

	cancelled, err := s.store.Transition(ctx, jobID, job.State, models.JobStateCancelled, repository.JobUpdate{
		SetCompletedAt: true,
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "ingestion job cancelled", slog.String("job_id", jobID.String()))

	return cancelled, nil
}
