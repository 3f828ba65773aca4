package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidscope/vidscope/internal/apperrors"
	"github.com/vidscope/vidscope/internal/models"
	"github.com/vidscope/vidscope/internal/repository"
)

// MemoryStore is an in-process JobStore with the same compare-and-set
// semantics as the Postgres repository. Used in tests and single-process
// deployments.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.IngestionJob
}

var _ JobStore = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*models.IngestionJob)}
}

func (s *MemoryStore) Create(_ context.Context, job *models.IngestionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.VideoID == job.VideoID && !existing.State.Terminal() {
			return apperrors.NewDuplicateJobError(job.VideoID)
		}
	}

	now := time.Now()
	job.State = models.JobStateQueued
	job.Attempts = 0
	job.EnqueuedAt = now
	job.CreatedAt = now
	job.UpdatedAt = now

	stored := *job
	s.jobs[job.ID] = &stored

	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*models.IngestionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("ingestion_job", "job not found")
	}

	out := *job
	return &out, nil
}

func (s *MemoryStore) GetLatestByVideoID(_ context.Context, videoID uuid.UUID) (*models.IngestionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *models.IngestionJob
	for _, job := range s.jobs {
		if job.VideoID != videoID {
			continue
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
		}
	}

	if latest == nil {
		return nil, apperrors.NewNotFoundError("ingestion_job", "no job for video")
	}

	out := *latest
	return &out, nil
}

func (s *MemoryStore) List(_ context.Context, filters *repository.ListJobsFilters) ([]models.IngestionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := []models.IngestionJob{}
	for _, job := range s.jobs {
		if filters.VideoID != nil && job.VideoID != *filters.VideoID {
			continue
		}
		if filters.State != nil && job.State != *filters.State {
			continue
		}
		jobs = append(jobs, *job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(jobs) {
			return []models.IngestionJob{}, nil
		}
		jobs = jobs[filters.Offset:]
	}
	if filters.Limit > 0 && len(jobs) > filters.Limit {
		jobs = jobs[:filters.Limit]
	}

	return jobs, nil
}

func (s *MemoryStore) Transition(_ context.Context, id uuid.UUID, from, to models.JobState, upd repository.JobUpdate) (*models.IngestionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("ingestion_job", "job not found")
	}

	if job.State != from {
		return nil, apperrors.NewStaleStateError(id, string(from), string(to))
	}

	now := time.Now()
	job.State = to
	job.UpdatedAt = now
	if upd.IncrementAttempts {
		job.Attempts++
	}
	if upd.SetStartedAt {
		job.StartedAt = &now
	}
	if upd.SetCompletedAt {
		job.CompletedAt = &now
	}
	if upd.LastError != nil {
		job.LastError = upd.LastError
	}
	if upd.FramesSampled != nil {
		job.FramesSampled = *upd.FramesSampled
	}
	if upd.FramesIndexed != nil {
		job.FramesIndexed = *upd.FramesIndexed
	}

	out := *job
	return &out, nil
}
