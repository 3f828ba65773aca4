package ledger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidscope/vidscope/internal/apperrors"
	"github.com/vidscope/vidscope/internal/models"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()

	store := NewMemoryStore()
	return NewService(store, nil), store
}

func TestService_Create(t *testing.T) {
	svc, _ := newTestService(t)
	videoID := uuid.New()

	job, err := svc.Create(context.Background(), videoID, 3)
	require.NoError(t, err)

	assert.Equal(t, videoID, job.VideoID)
	assert.Equal(t, models.JobStateQueued, job.State)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 3, job.MaxAttempts)
}

func TestService_Create_DuplicateLiveJob(t *testing.T) {
	svc, _ := newTestService(t)
	videoID := uuid.New()

	_, err := svc.Create(context.Background(), videoID, 3)
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), videoID, 3)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateJob)
}

func TestService_Create_AllowedAfterTerminal(t *testing.T) {
	svc, _ := newTestService(t)
	videoID := uuid.New()

	job, err := svc.Create(context.Background(), videoID, 3)
	require.NoError(t, err)

	_, err = svc.Claim(context.Background(), job.ID, 1)
	require.NoError(t, err)
	_, err = svc.MarkIndexed(context.Background(), job.ID, 10, 10)
	require.NoError(t, err)

	// The first job is terminal, so a re-ingest is allowed.
	_, err = svc.Create(context.Background(), videoID, 3)
	assert.NoError(t, err)
}

func TestService_Claim_Queued(t *testing.T) {
	svc, _ := newTestService(t)

	job, err := svc.Create(context.Background(), uuid.New(), 3)
	require.NoError(t, err)

	claimed, err := svc.Claim(context.Background(), job.ID, 1)
	require.NoError(t, err)

	assert.Equal(t, models.JobStateProcessing, claimed.State)
	assert.Equal(t, 1, claimed.Attempts)
	assert.NotNil(t, claimed.StartedAt)
}

func TestService_Claim_AlreadyProcessingFirstDelivery(t *testing.T) {
	svc, _ := newTestService(t)

	job, err := svc.Create(context.Background(), uuid.New(), 3)
	require.NoError(t, err)

	_, err = svc.Claim(context.Background(), job.ID, 1)
	require.NoError(t, err)

	// A second consumer holding a first delivery must lose.
	_, err = svc.Claim(context.Background(), job.ID, 1)
	assert.ErrorIs(t, err, apperrors.ErrStaleState)
}

func TestService_Claim_RedeliveryAfterCrash(t *testing.T) {
	svc, _ := newTestService(t)

	job, err := svc.Create(context.Background(), uuid.New(), 3)
	require.NoError(t, err)

	_, err = svc.Claim(context.Background(), job.ID, 1)
	require.NoError(t, err)

	// Redelivery finds the job still processing: the crash costs an attempt
	// and the new consumer takes over.
	claimed, err := svc.Claim(context.Background(), job.ID, 2)
	require.NoError(t, err)

	assert.Equal(t, models.JobStateProcessing, claimed.State)
	assert.Equal(t, 2, claimed.Attempts)
	require.NotNil(t, claimed.LastError)
	assert.Contains(t, *claimed.LastError, "lease")
}

func TestService_Claim_FailedRetry(t *testing.T) {
	svc, _ := newTestService(t)

	job, err := svc.Create(context.Background(), uuid.New(), 3)
	require.NoError(t, err)

	_, err = svc.Claim(context.Background(), job.ID, 1)
	require.NoError(t, err)
	_, err = svc.MarkFailed(context.Background(), job.ID, "embedding service unavailable")
	require.NoError(t, err)

	claimed, err := svc.Claim(context.Background(), job.ID, 2)
	require.NoError(t, err)

	assert.Equal(t, models.JobStateProcessing, claimed.State)
	assert.Equal(t, 2, claimed.Attempts)
}

func TestService_Claim_Terminal(t *testing.T) {
	svc, _ := newTestService(t)

	job, err := svc.Create(context.Background(), uuid.New(), 3)
	require.NoError(t, err)

	_, err = svc.Claim(context.Background(), job.ID, 1)
	require.NoError(t, err)
	_, err = svc.MarkIndexed(context.Background(), job.ID, 5, 5)
	require.NoError(t, err)

	_, err = svc.Claim(context.Background(), job.ID, 2)
	assert.ErrorIs(t, err, apperrors.ErrStaleState)
}

func TestService_MarkIndexed(t *testing.T) {
	svc, _ := newTestService(t)

	job, err := svc.Create(context.Background(), uuid.New(), 3)
	require.NoError(t, err)
	_, err = svc.Claim(context.Background(), job.ID, 1)
	require.NoError(t, err)

	indexed, err := svc.MarkIndexed(context.Background(), job.ID, 42, 40)
	require.NoError(t, err)

	assert.Equal(t, models.JobStateIndexed, indexed.State)
	assert.Equal(t, 42, indexed.FramesSampled)
	assert.Equal(t, 40, indexed.FramesIndexed)
	assert.NotNil(t, indexed.CompletedAt)
	assert.True(t, indexed.State.Terminal())
}

func TestService_MarkFailed_ThenDeadLetterAtBudget(t *testing.T) {
	svc, _ := newTestService(t)

	job, err := svc.Create(context.Background(), uuid.New(), 2)
	require.NoError(t, err)

	// Attempt 1 fails.
	_, err = svc.Claim(context.Background(), job.ID, 1)
	require.NoError(t, err)
	failed, err := svc.MarkFailed(context.Background(), job.ID, "transient")
	require.NoError(t, err)
	assert.False(t, failed.AttemptsExhausted())

	// Attempt 2 fails, exactly at the budget.
	_, err = svc.Claim(context.Background(), job.ID, 2)
	require.NoError(t, err)
	failed, err = svc.MarkFailed(context.Background(), job.ID, "transient")
	require.NoError(t, err)
	require.True(t, failed.AttemptsExhausted())

	dead, err := svc.DeadLetter(context.Background(), job.ID, "transient")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateDeadLettered, dead.State)
	assert.Equal(t, 2, dead.Attempts)

	// No further delivery can claim it.
	_, err = svc.Claim(context.Background(), job.ID, 3)
	assert.ErrorIs(t, err, apperrors.ErrStaleState)
}

func TestService_Claim_CrashOnFinalAttemptDeadLetters(t *testing.T) {
	svc, _ := newTestService(t)

	job, err := svc.Create(context.Background(), uuid.New(), 1)
	require.NoError(t, err)

	_, err = svc.Claim(context.Background(), job.ID, 1)
	require.NoError(t, err)

	// The holder of the only attempt crashes; the redelivery charges the
	// attempt and, with the budget spent, must retire the job rather than
	// leave it failed forever.
	_, err = svc.Claim(context.Background(), job.ID, 2)
	require.ErrorIs(t, err, apperrors.ErrStaleState)

	dead, err := svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateDeadLettered, dead.State)
	require.NotNil(t, dead.LastError)
	assert.Contains(t, *dead.LastError, "lease")
	assert.NotNil(t, dead.CompletedAt)
}

func TestService_Claim_FailedExhaustedDeadLetters(t *testing.T) {
	svc, _ := newTestService(t)

	job, err := svc.Create(context.Background(), uuid.New(), 1)
	require.NoError(t, err)

	_, err = svc.Claim(context.Background(), job.ID, 1)
	require.NoError(t, err)
	_, err = svc.MarkFailed(context.Background(), job.ID, "embedding service unavailable")
	require.NoError(t, err)

	// A worker that marked the final failure but died before dead-lettering
	// leaves the job failed; the next delivery finishes the retirement.
	_, err = svc.Claim(context.Background(), job.ID, 2)
	require.ErrorIs(t, err, apperrors.ErrStaleState)

	dead, err := svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateDeadLettered, dead.State)
	require.NotNil(t, dead.LastError)
	assert.Contains(t, *dead.LastError, "embedding service unavailable")
}

func TestService_MarkFailed_NotProcessing(t *testing.T) {
	svc, _ := newTestService(t)

	job, err := svc.Create(context.Background(), uuid.New(), 3)
	require.NoError(t, err)

	_, err = svc.MarkFailed(context.Background(), job.ID, "nope")
	assert.ErrorIs(t, err, apperrors.ErrStaleState)
}

func TestService_Cancel(t *testing.T) {
	t.Run("queued", func(t *testing.T) {
		svc, _ := newTestService(t)
		job, err := svc.Create(context.Background(), uuid.New(), 3)
		require.NoError(t, err)

		cancelled, err := svc.Cancel(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateCancelled, cancelled.State)
	})

	t.Run("processing", func(t *testing.T) {
		svc, _ := newTestService(t)
		job, err := svc.Create(context.Background(), uuid.New(), 3)
		require.NoError(t, err)
		_, err = svc.Claim(context.Background(), job.ID, 1)
		require.NoError(t, err)

		cancelled, err := svc.Cancel(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateCancelled, cancelled.State)

		// The worker holding the job loses its next compare-and-set.
		_, err = svc.MarkIndexed(context.Background(), job.ID, 1, 1)
		assert.ErrorIs(t, err, apperrors.ErrStaleState)
	})

	t.Run("terminal rejected", func(t *testing.T) {
		svc, _ := newTestService(t)
		job, err := svc.Create(context.Background(), uuid.New(), 3)
		require.NoError(t, err)
		_, err = svc.Claim(context.Background(), job.ID, 1)
		require.NoError(t, err)
		_, err = svc.MarkIndexed(context.Background(), job.ID, 1, 1)
		require.NoError(t, err)

		_, err = svc.Cancel(context.Background(), job.ID)
		assert.ErrorIs(t, err, apperrors.ErrStaleState)
	})
}

func TestService_Get_NotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
