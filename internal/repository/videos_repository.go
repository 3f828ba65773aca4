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

// VideosRepository handles data access for uploaded videos.
type VideosRepository struct {
	db *pgxpool.Pool
}

// NewVideosRepository creates a new videos repository.
func NewVideosRepository(db *pgxpool.Pool) *VideosRepository {
	return &VideosRepository{db: db}
}

// Create inserts a new video row.
func (r *VideosRepository) Create(ctx context.Context, video *models.Video) error {
	query := `
		INSERT INTO videos (id, filename, blob_key, size_bytes, format, duration_seconds, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING uploaded_at
	`

	err := r.db.QueryRow(ctx, query,
		video.ID, video.Filename, video.BlobKey, video.SizeBytes, video.Format, video.DurationSeconds,
	).Scan(&video.UploadedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // Unique violation
			return apperrors.NewValidationError("id", "video already exists")
		}
		return fmt.Errorf("failed to create video: %w", err)
	}

	return nil
}

// GetByID retrieves a video joined with its most recent ingestion job state.
func (r *VideosRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.VideoWithState, error) {
	query := `
		SELECT v.id, v.filename, v.blob_key, v.size_bytes, v.format, v.duration_seconds, v.uploaded_at,
		       j.state
		FROM videos v
		LEFT JOIN LATERAL (
			SELECT state FROM ingestion_jobs
			WHERE video_id = v.id
			ORDER BY created_at DESC
			LIMIT 1
		) j ON true
		WHERE v.id = $1
	`

	var video models.VideoWithState
	err := r.db.QueryRow(ctx, query, id).Scan(
		&video.ID, &video.Filename, &video.BlobKey, &video.SizeBytes, &video.Format,
		&video.DurationSeconds, &video.UploadedAt, &video.State,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.NewNotFoundError("video", "video not found")
		}
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	return &video, nil
}

// ListVideosFilters narrows List and CountVideos.
type ListVideosFilters struct {
	State  *models.JobState
	Limit  int
	Offset int
}

// List retrieves videos with their latest job state, newest upload first.
func (r *VideosRepository) List(ctx context.Context, filters *ListVideosFilters) ([]models.VideoWithState, error) {
	query := `
		SELECT v.id, v.filename, v.blob_key, v.size_bytes, v.format, v.duration_seconds, v.uploaded_at,
		       j.state
		FROM videos v
		LEFT JOIN LATERAL (
			SELECT state FROM ingestion_jobs
			WHERE video_id = v.id
			ORDER BY created_at DESC
			LIMIT 1
		) j ON true
	`

	var conditions []string
	var args []interface{}
	argCount := 1

	if filters.State != nil {
		conditions = append(conditions, fmt.Sprintf("j.state = $%d", argCount))
		args = append(args, *filters.State)
		argCount++
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY v.uploaded_at DESC, v.id"

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
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	videos := []models.VideoWithState{}
	for rows.Next() {
		var video models.VideoWithState
		err := rows.Scan(
			&video.ID, &video.Filename, &video.BlobKey, &video.SizeBytes, &video.Format,
			&video.DurationSeconds, &video.UploadedAt, &video.State,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, video)
	}

	return videos, rows.Err()
}

// Count returns the total count of videos matching the filters.
func (r *VideosRepository) Count(ctx context.Context, filters *ListVideosFilters) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM videos v
		LEFT JOIN LATERAL (
			SELECT state FROM ingestion_jobs
			WHERE video_id = v.id
			ORDER BY created_at DESC
			LIMIT 1
		) j ON true
	`

	var args []interface{}
	if filters.State != nil {
		query += " WHERE j.state = $1"
		args = append(args, *filters.State)
	}

	var count int64
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count videos: %w", err)
	}

	return count, nil
}

// SetDuration backfills the duration probed during sampling.
func (r *VideosRepository) SetDuration(ctx context.Context, id uuid.UUID, seconds float64) error {
	result, err := r.db.Exec(ctx,
		`UPDATE videos SET duration_seconds = $1 WHERE id = $2`, seconds, id)
	if err != nil {
		return fmt.Errorf("failed to set video duration: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("video", "video not found")
	}
	return nil
}

// Delete removes a video row. Jobs cascade at the schema level; frame
// embeddings and the blob are removed by the caller.
func (r *VideosRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete video: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("video", "video not found")
	}
	return nil
}
