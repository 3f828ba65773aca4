package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/vidscope/vidscope/internal/apperrors"
	"github.com/vidscope/vidscope/internal/blob"
	"github.com/vidscope/vidscope/internal/ledger"
	"github.com/vidscope/vidscope/internal/models"
	"github.com/vidscope/vidscope/internal/observability"
	"github.com/vidscope/vidscope/internal/queue"
	"github.com/vidscope/vidscope/internal/repository"
	"github.com/vidscope/vidscope/internal/vectorindex"
)

// videoStore is the slice of the videos repository the ingest service needs.
type videoStore interface {
	Create(ctx context.Context, video *models.Video) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.VideoWithState, error)
	List(ctx context.Context, filters *repository.ListVideosFilters) ([]models.VideoWithState, error)
	Count(ctx context.Context, filters *repository.ListVideosFilters) (int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// IngestOptions tunes upload validation and job dispatch.
type IngestOptions struct {
	// MaxVideoBytes rejects uploads larger than this (default: 500 MiB).
	MaxVideoBytes int64
	// SupportedFormats are accepted filename extensions, lowercase without
	// dot (default: mp4, avi, mov, mkv).
	SupportedFormats []string
	// MaxAttempts is the retry budget given to new jobs (default: 3).
	MaxAttempts int
}

func (o IngestOptions) withDefaults() IngestOptions {
	if o.MaxVideoBytes <= 0 {
		o.MaxVideoBytes = 500 << 20
	}
	if len(o.SupportedFormats) == 0 {
		o.SupportedFormats = []string{"mp4", "avi", "mov", "mkv"}
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	return o
}

// UploadRequest is one video upload.
type UploadRequest struct {
	Filename string
	// Size is the declared size in bytes; zero means unknown. The actual
	// stream is bounded either way.
	Size    int64
	Content io.Reader
}

// IngestService owns the video lifecycle: upload, job creation and dispatch,
// cancellation, and cascade delete.
type IngestService struct {
	videos  videoStore
	ledger  *ledger.Service
	queue   queue.Queue
	blobs   blob.Store
	index   vectorindex.Index
	opts    IngestOptions
	metrics observability.IngestMetrics
	logger  *slog.Logger
}

// IngestServiceParams configures IngestService. Metrics may be nil.
type IngestServiceParams struct {
	Videos  videoStore
	Ledger  *ledger.Service
	Queue   queue.Queue
	Blobs   blob.Store
	Index   vectorindex.Index
	Options IngestOptions
	Metrics observability.IngestMetrics
	Logger  *slog.Logger
}

// NewIngestService creates an IngestService.
func NewIngestService(p IngestServiceParams) *IngestService {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &IngestService{
		videos:  p.Videos,
		ledger:  p.Ledger,
		queue:   p.Queue,
		blobs:   p.Blobs,
		index:   p.Index,
		opts:    p.Options.withDefaults(),
		metrics: p.Metrics,
		logger:  logger,
	}
}

// UploadVideo validates and stores the upload, registers the video, and
// enqueues its ingestion job. The video is visible immediately; it becomes
// searchable when the job completes.
func (s *IngestService) UploadVideo(ctx context.Context, req UploadRequest) (*models.Video, *models.IngestionJob, error) {
	format, err := s.validateUpload(req)
	if err != nil {
		return nil, nil, err
	}

	videoID := uuid.New()
	blobKey := fmt.Sprintf("videos/%s.%s", videoID, format)

	// Bound the stream one byte past the limit so oversized uploads are
	// detected without storing the whole excess.
	limited := io.LimitReader(req.Content, s.opts.MaxVideoBytes+1)

	size, err := s.blobs.Put(ctx, blobKey, limited)
	if err != nil {
		return nil, nil, fmt.Errorf("store video blob: %w", err)
	}

	if size > s.opts.MaxVideoBytes {
		s.discardBlob(ctx, blobKey)
		return nil, nil, apperrors.NewValidationError("file",
			fmt.Sprintf("video exceeds maximum size of %d bytes", s.opts.MaxVideoBytes))
	}

	video := &models.Video{
		ID:        videoID,
		Filename:  req.Filename,
		BlobKey:   blobKey,
		SizeBytes: size,
		Format:    format,
	}
	if err := s.videos.Create(ctx, video); err != nil {
		s.discardBlob(ctx, blobKey)
		return nil, nil, err
	}

	job, err := s.enqueueJob(ctx, video)
	if err != nil {
		return nil, nil, err
	}

	s.logger.InfoContext(ctx, "video uploaded",
		slog.String("video_id", videoID.String()),
		slog.String("job_id", job.ID.String()),
		slog.Int64("size_bytes", size),
		slog.String("format", format))

	return video, job, nil
}

func (s *IngestService) validateUpload(req UploadRequest) (string, error) {
	if req.Filename == "" {
		return "", apperrors.NewValidationError("filename", "filename is required")
	}
	if req.Content == nil {
		return "", apperrors.NewValidationError("file", "file content is required")
	}
	if req.Size > s.opts.MaxVideoBytes {
		return "", apperrors.NewValidationError("file",
			fmt.Sprintf("video exceeds maximum size of %d bytes", s.opts.MaxVideoBytes))
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(req.Filename)), ".")
	for _, format := range s.opts.SupportedFormats {
		if ext == format {
			return ext, nil
		}
	}

	return "", apperrors.NewValidationError("filename",
		fmt.Sprintf("unsupported format %q, supported: %s", ext, strings.Join(s.opts.SupportedFormats, ", ")))
}

// enqueueJob creates the ledger entry and its queue dispatch.
func (s *IngestService) enqueueJob(ctx context.Context, video *models.Video) (*models.IngestionJob, error) {
	job, err := s.ledger.Create(ctx, video.ID, s.opts.MaxAttempts)
	if err != nil {
		return nil, err
	}

	err = s.queue.Send(ctx, queue.SendRequest{
		JobID:   job.ID,
		VideoID: video.ID,
		BlobKey: video.BlobKey,
	})
	if err != nil {
		// Undo the ledger entry so a later re-ingest is not blocked by a
		// job that was never dispatched.
		if _, cancelErr := s.ledger.Cancel(ctx, job.ID); cancelErr != nil {
			s.logger.ErrorContext(ctx, "failed to cancel undispatched job",
				slog.String("job_id", job.ID.String()),
				slog.Any("error", cancelErr))
		}
		return nil, fmt.Errorf("enqueue ingestion job: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordJobsEnqueued(ctx, 1)
	}

	return job, nil
}

// ReingestVideo starts a fresh ingestion job for an existing video. Returns
// DuplicateJobError while a previous job is still live.
func (s *IngestService) ReingestVideo(ctx context.Context, videoID uuid.UUID) (*models.IngestionJob, error) {
	video, err := s.videos.GetByID(ctx, videoID)
	if err != nil {
		return nil, err
	}

	return s.enqueueJob(ctx, &video.Video)
}

// GetVideo retrieves a video with its latest job state.
func (s *IngestService) GetVideo(ctx context.Context, id uuid.UUID) (*models.VideoWithState, error) {
	return s.videos.GetByID(ctx, id)
}

// ListVideos retrieves videos and the total count for the filters.
func (s *IngestService) ListVideos(ctx context.Context, filters *repository.ListVideosFilters) ([]models.VideoWithState, int64, error) {
	videos, err := s.videos.List(ctx, filters)
	if err != nil {
		return nil, 0, err
	}

	total, err := s.videos.Count(ctx, filters)
	if err != nil {
		return nil, 0, err
	}

	return videos, total, nil
}

// DeleteVideo removes the video and everything derived from it: the live job
// is cancelled, indexed frames are deleted, and the blob is released.
func (s *IngestService) DeleteVideo(ctx context.Context, id uuid.UUID) error {
	video, err := s.videos.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if job, err := s.ledger.GetLatestByVideo(ctx, id); err == nil && !job.State.Terminal() {
		if _, err := s.ledger.Cancel(ctx, job.ID); err != nil && !errors.Is(err, apperrors.ErrStaleState) {
			return fmt.Errorf("cancel live job: %w", err)
		}
	}

	if err := s.index.DeleteVideo(ctx, id); err != nil {
		return fmt.Errorf("delete indexed frames: %w", err)
	}

	if err := s.blobs.Delete(ctx, video.BlobKey); err != nil {
		return fmt.Errorf("delete video blob: %w", err)
	}

	if err := s.videos.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "video deleted", slog.String("video_id", id.String()))

	return nil
}

// GetJob retrieves an ingestion job.
func (s *IngestService) GetJob(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error) {
	return s.ledger.Get(ctx, id)
}

// ListJobs retrieves jobs with optional filters.
func (s *IngestService) ListJobs(ctx context.Context, filters *repository.ListJobsFilters) ([]models.IngestionJob, error) {
	return s.ledger.List(ctx, filters)
}

// CancelJob cancels a job from any non-terminal state.
func (s *IngestService) CancelJob(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error) {
	return s.ledger.Cancel(ctx, id)
}

func (s *IngestService) discardBlob(ctx context.Context, key string) {
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "failed to delete blob", slog.String("key", key), slog.Any("error", err))
	}
}
