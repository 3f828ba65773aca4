package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidscope/vidscope/internal/apperrors"
	"github.com/vidscope/vidscope/internal/blob"
	"github.com/vidscope/vidscope/internal/embeddings"
	"github.com/vidscope/vidscope/internal/ledger"
	"github.com/vidscope/vidscope/internal/models"
	"github.com/vidscope/vidscope/internal/queue"
	"github.com/vidscope/vidscope/internal/repository"
	"github.com/vidscope/vidscope/internal/vectorindex"
)

// memVideoStore is an in-memory videoStore whose job state comes from the
// test's ledger.
type memVideoStore struct {
	mu      sync.Mutex
	videos  map[uuid.UUID]models.Video
	stateFn func(videoID uuid.UUID) *models.JobState
}

func newMemVideoStore() *memVideoStore {
	return &memVideoStore{videos: make(map[uuid.UUID]models.Video)}
}

func (s *memVideoStore) Create(_ context.Context, video *models.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	video.UploadedAt = time.Now()
	s.videos[video.ID] = *video
	return nil
}

func (s *memVideoStore) GetByID(_ context.Context, id uuid.UUID) (*models.VideoWithState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	video, ok := s.videos[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("video", "video not found")
	}

	out := &models.VideoWithState{Video: video}
	if s.stateFn != nil {
		out.State = s.stateFn(id)
	}
	return out, nil
}

func (s *memVideoStore) List(_ context.Context, _ *repository.ListVideosFilters) ([]models.VideoWithState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.VideoWithState{}
	for _, v := range s.videos {
		vs := models.VideoWithState{Video: v}
		if s.stateFn != nil {
			vs.State = s.stateFn(v.ID)
		}
		out = append(out, vs)
	}
	return out, nil
}

func (s *memVideoStore) Count(_ context.Context, _ *repository.ListVideosFilters) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.videos)), nil
}

func (s *memVideoStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.videos[id]; !ok {
		return apperrors.NewNotFoundError("video", "video not found")
	}
	delete(s.videos, id)
	return nil
}

type ingestEnv struct {
	svc    *IngestService
	videos *memVideoStore
	ledger *ledger.Service
	queue  *queue.Memory
	blobs  blob.Store
	index  *vectorindex.Memory
}

func newIngestEnv(t *testing.T, opts IngestOptions) *ingestEnv {
	t.Helper()

	videos := newMemVideoStore()
	led := ledger.NewService(ledger.NewMemoryStore(), nil)
	q := queue.NewMemory(queue.PostgresOptions{})
	blobs, err := blob.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	index := vectorindex.NewMemory(vectorindex.Config{
		SpaceID:    embeddings.MockSpaceID,
		Dimensions: 8,
		MaxTopK:    100,
	})

	videos.stateFn = func(videoID uuid.UUID) *models.JobState {
		job, err := led.GetLatestByVideo(context.Background(), videoID)
		if err != nil {
			return nil
		}
		return &job.State
	}

	svc := NewIngestService(IngestServiceParams{
		Videos:  videos,
		Ledger:  led,
		Queue:   q,
		Blobs:   blobs,
		Index:   index,
		Options: opts,
	})

	return &ingestEnv{svc: svc, videos: videos, ledger: led, queue: q, blobs: blobs, index: index}
}

func upload(t *testing.T, env *ingestEnv, filename, content string) (*models.Video, *models.IngestionJob) {
	t.Helper()

	video, job, err := env.svc.UploadVideo(context.Background(), UploadRequest{
		Filename: filename,
		Content:  strings.NewReader(content),
	})
	require.NoError(t, err)
	return video, job
}

func TestIngestService_UploadVideo(t *testing.T) {
	env := newIngestEnv(t, IngestOptions{})

	video, job, err := env.svc.UploadVideo(context.Background(), UploadRequest{
		Filename: "holiday.mp4",
		Size:     9,
		Content:  strings.NewReader("123456789"),
	})
	require.NoError(t, err)

	assert.Equal(t, "holiday.mp4", video.Filename)
	assert.Equal(t, "mp4", video.Format)
	assert.Equal(t, video.ID, job.VideoID)
	assert.Equal(t, models.JobStateQueued, job.State)

	// Blob persisted under the generated key.
	rc, err := env.blobs.Get(context.Background(), video.BlobKey)
	require.NoError(t, err)
	rc.Close()

	// Dispatch waiting for a worker.
	depth, err := env.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// Fresh upload is visible but not searchable yet.
	got, err := env.svc.GetVideo(context.Background(), video.ID)
	require.NoError(t, err)
	assert.False(t, got.Searchable())
}

func TestIngestService_UploadVideo_Validation(t *testing.T) {
	env := newIngestEnv(t, IngestOptions{MaxVideoBytes: 10})

	t.Run("unsupported format", func(t *testing.T) {
		_, _, err := env.svc.UploadVideo(context.Background(), UploadRequest{
			Filename: "notes.txt",
			Content:  strings.NewReader("x"),
		})
		assert.ErrorIs(t, err, apperrors.ErrValidation)
	})

	t.Run("missing filename", func(t *testing.T) {
		_, _, err := env.svc.UploadVideo(context.Background(), UploadRequest{
			Content: strings.NewReader("x"),
		})
		assert.ErrorIs(t, err, apperrors.ErrValidation)
	})

	t.Run("declared size over limit", func(t *testing.T) {
		_, _, err := env.svc.UploadVideo(context.Background(), UploadRequest{
			Filename: "big.mp4",
			Size:     11,
			Content:  strings.NewReader("x"),
		})
		assert.ErrorIs(t, err, apperrors.ErrValidation)
	})

	t.Run("stream over limit without declared size", func(t *testing.T) {
		_, _, err := env.svc.UploadVideo(context.Background(), UploadRequest{
			Filename: "big.mp4",
			Content:  strings.NewReader(strings.Repeat("x", 64)),
		})
		assert.ErrorIs(t, err, apperrors.ErrValidation)
	})
}

func TestIngestService_DuplicateJobRejected(t *testing.T) {
	env := newIngestEnv(t, IngestOptions{})
	video, _ := upload(t, env, "clip.mov", "data")

	_, err := env.svc.ReingestVideo(context.Background(), video.ID)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateJob)
}

func TestIngestService_ReingestAfterTerminal(t *testing.T) {
	env := newIngestEnv(t, IngestOptions{})
	video, job := upload(t, env, "clip.mkv", "data")

	_, err := env.ledger.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	fresh, err := env.svc.ReingestVideo(context.Background(), video.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, fresh.ID)
	assert.Equal(t, models.JobStateQueued, fresh.State)
}

func TestIngestService_DeleteVideoCascades(t *testing.T) {
	env := newIngestEnv(t, IngestOptions{})
	video, job := upload(t, env, "clip.avi", "data")

	// Some frames already indexed.
	err := env.index.Upsert(context.Background(), []vectorindex.Entry{
		{VideoID: video.ID, Timestamp: 0, Vector: unitVector(8, 0)},
		{VideoID: video.ID, Timestamp: 1, Vector: unitVector(8, 1)},
	})
	require.NoError(t, err)

	require.NoError(t, env.svc.DeleteVideo(context.Background(), video.ID))

	_, err = env.svc.GetVideo(context.Background(), video.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = env.blobs.Get(context.Background(), video.BlobKey)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	count, err := env.index.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, count)

	// The live job was cancelled, not left queued.
	cancelled, err := env.ledger.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, cancelled.State)
}

func TestIngestService_CancelJob(t *testing.T) {
	env := newIngestEnv(t, IngestOptions{})
	_, job := upload(t, env, "clip.mp4", "data")

	cancelled, err := env.svc.CancelJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, cancelled.State)

	// Cancelling again is stale.
	_, err = env.svc.CancelJob(context.Background(), job.ID)
	assert.ErrorIs(t, err, apperrors.ErrStaleState)
}

func unitVector(dims, hot int) []float32 {
	v := make([]float32, dims)
	v[hot%dims] = 1
	return v
}
