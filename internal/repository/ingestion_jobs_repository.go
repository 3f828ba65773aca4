package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vidscope/vidscope/internal/apperrors"
	"github.com/vidscope/vidscope/internal/models"
)

const jobColumns = `id, video_id, state, attempts, max_attempts, last_error, enqueued_at,
	       started_at, completed_at, frames_sampled, frames_indexed, created_at, updated_at`

// IngestionJobsRepository handles data access for the ingestion job ledger.
// State changes go through Transition, a compare-and-set on the current state,
// so two workers racing on the same job cannot both win.
type IngestionJobsRepository struct {
	db *pgxpool.Pool
}

// NewIngestionJobsRepository creates a new ingestion jobs repository.
func NewIngestionJobsRepository(db *pgxpool.Pool) *IngestionJobsRepository {
	return &IngestionJobsRepository{db: db}
}

// Create inserts a new job in the queued state. A partial unique index on
// video_id over non-terminal states enforces at most one live job per video.
func (r *IngestionJobsRepository) Create(ctx context.Context, job *models.IngestionJob) error {
	query := `
		INSERT INTO ingestion_jobs (id, video_id, state, attempts, max_attempts,
		                            frames_sampled, frames_indexed, enqueued_at)
		VALUES ($1, $2, $3, 0, $4, 0, 0, NOW())
		RETURNING enqueued_at, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query, job.ID, job.VideoID, models.JobStateQueued, job.MaxAttempts).
		Scan(&job.EnqueuedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // Unique violation
			return apperrors.NewDuplicateJobError(job.VideoID)
		}
		return fmt.Errorf("failed to create ingestion job: %w", err)
	}

	job.State = models.JobStateQueued
	job.Attempts = 0
	return nil
}

// GetByID retrieves a job.
func (r *IngestionJobsRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE id = $1`

	job, err := scanJob(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.NewNotFoundError("ingestion_job", "job not found")
		}
		return nil, fmt.Errorf("failed to get ingestion job: %w", err)
	}

	return job, nil
}

// GetLatestByVideoID retrieves the video's most recent job.
func (r *IngestionJobsRepository) GetLatestByVideoID(ctx context.Context, videoID uuid.UUID) (*models.IngestionJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM ingestion_jobs WHERE video_id = $1
		ORDER BY created_at DESC LIMIT 1`

	job, err := scanJob(r.db.QueryRow(ctx, query, videoID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.NewNotFoundError("ingestion_job", "no job for video")
		}
		return nil, fmt.Errorf("failed to get ingestion job: %w", err)
	}

	return job, nil
}

// ListJobsFilters narrows List.
type ListJobsFilters struct {
	VideoID *uuid.UUID
	State   *models.JobState
	Limit   int
	Offset  int
}

// List retrieves jobs with optional filters, newest first.
func (r *IngestionJobsRepository) List(ctx context.Context, filters *ListJobsFilters) ([]models.IngestionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM ingestion_jobs`

	var conditions []string
	var args []interface{}
	argCount := 1

	if filters.VideoID != nil {
		conditions = append(conditions, fmt.Sprintf("video_id = $%d", argCount))
		args = append(args, *filters.VideoID)
		argCount++
	}

	if filters.State != nil {
		conditions = append(conditions, fmt.Sprintf("state = $%d", argCount))
		args = append(args, *filters.State)
		argCount++
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filters.Limit)
		argCount++
	}

	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filters.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.IngestionJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ingestion job: %w", err)
		}
		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}

// JobUpdate carries the side effects applied atomically with a transition.
type JobUpdate struct {
	IncrementAttempts bool
	SetStartedAt      bool
	SetCompletedAt    bool
	LastError         *string
	FramesSampled     *int
	FramesIndexed     *int
}

// Transition moves a job from one state to another with compare-and-set
// semantics. If the job is no longer in the expected state, the update touches
// zero rows and a StaleStateError carrying the expected transition is
// returned; the caller decides whether that loss is benign.
func (r *IngestionJobsRepository) Transition(ctx context.Context, id uuid.UUID, from, to models.JobState, upd JobUpdate) (*models.IngestionJob, error) {
	query := `
		UPDATE ingestion_jobs
		SET state = $1,
		    attempts = attempts + CASE WHEN $2 THEN 1 ELSE 0 END,
		    started_at = CASE WHEN $3 THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $4 THEN NOW() ELSE completed_at END,
		    last_error = COALESCE($5, last_error),
		    frames_sampled = COALESCE($6, frames_sampled),
		    frames_indexed = COALESCE($7, frames_indexed),
		    updated_at = NOW()
		WHERE id = $8 AND state = $9
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRow(ctx, query,
		to, upd.IncrementAttempts, upd.SetStartedAt, upd.SetCompletedAt,
		upd.LastError, upd.FramesSampled, upd.FramesIndexed, id, from,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, r.staleOrMissing(ctx, id, from, to)
		}
		return nil, fmt.Errorf("failed to transition ingestion job: %w", err)
	}

	return job, nil
}

// staleOrMissing distinguishes a lost compare-and-set from a missing row.
func (r *IngestionJobsRepository) staleOrMissing(ctx context.Context, id uuid.UUID, from, to models.JobState) error {
	var current models.JobState
	err := r.db.QueryRow(ctx, `SELECT state FROM ingestion_jobs WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if err == pgx.ErrNoRows {
			return apperrors.NewNotFoundError("ingestion_job", "job not found")
		}
		return fmt.Errorf("failed to get ingestion job state: %w", err)
	}

	return apperrors.NewStaleStateError(id, string(from), string(to))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.IngestionJob, error) {
	var job models.IngestionJob
	err := row.Scan(
		&job.ID, &job.VideoID, &job.State, &job.Attempts, &job.MaxAttempts, &job.LastError,
		&job.EnqueuedAt, &job.StartedAt, &job.CompletedAt, &job.FramesSampled, &job.FramesIndexed,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
