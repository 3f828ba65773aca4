package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidscope/vidscope/internal/apperrors"
	"github.com/vidscope/vidscope/internal/ledger"
	"github.com/vidscope/vidscope/internal/models"
	"github.com/vidscope/vidscope/internal/observability"
	"github.com/vidscope/vidscope/internal/queue"
)

// pipelineRunner is the slice of Pipeline the distributor needs.
type pipelineRunner interface {
	Run(ctx context.Context, videoID uuid.UUID, blobKey string) (*Result, error)
}

// jobLedger is the slice of the ledger service the distributor needs.
type jobLedger interface {
	Get(ctx context.Context, jobID uuid.UUID) (*models.IngestionJob, error)
	Claim(ctx context.Context, jobID uuid.UUID, receiveCount int) (*models.IngestionJob, error)
	MarkIndexed(ctx context.Context, jobID uuid.UUID, framesSampled, framesIndexed int) (*models.IngestionJob, error)
	MarkFailed(ctx context.Context, jobID uuid.UUID, reason string) (*models.IngestionJob, error)
	DeadLetter(ctx context.Context, jobID uuid.UUID, reason string) (*models.IngestionJob, error)
}

// DistributorOptions tunes the consume loop.
type DistributorOptions struct {
	// Concurrency is the number of consumer goroutines (default: 2).
	Concurrency int
	// ReceiveBatchSize is the max messages per receive (default: 1).
	ReceiveBatchSize int
	// ReceiveWaitTime is the long-poll wait per receive (default: 20s).
	ReceiveWaitTime time.Duration
	// VisibilityTimeout is the lease each heartbeat re-asserts (default: 15m).
	VisibilityTimeout time.Duration
	// HeartbeatInterval is how often the lease is extended while a job runs
	// (default: VisibilityTimeout / 3).
	HeartbeatInterval time.Duration
	// CancelCheckInterval is how often a running attempt re-reads its job
	// state so a cancellation aborts the pipeline instead of being noticed
	// only at the final compare-and-set (default: 5s).
	CancelCheckInterval time.Duration
}

func (o DistributorOptions) withDefaults() DistributorOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.ReceiveBatchSize <= 0 {
		o.ReceiveBatchSize = 1
	}
	if o.ReceiveWaitTime <= 0 {
		o.ReceiveWaitTime = 20 * time.Second
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 15 * time.Minute
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = o.VisibilityTimeout / 3
	}
	if o.CancelCheckInterval <= 0 {
		o.CancelCheckInterval = 5 * time.Second
	}
	return o
}

// Distributor pulls ingestion dispatches off the queue and drives each
// through claim, pipeline, and settle. A heartbeat goroutine extends the
// message lease while the pipeline runs, so slow videos survive the
// visibility timeout without the timeout having to cover the worst case.
type Distributor struct {
	queue    queue.Queue
	ledger   jobLedger
	pipeline pipelineRunner
	opts     DistributorOptions
	metrics  observability.IngestMetrics
	logger   *slog.Logger
}

// NewDistributor creates a distributor. metrics may be nil when metrics are
// disabled.
func NewDistributor(
	q queue.Queue,
	led jobLedger,
	pipeline pipelineRunner,
	opts DistributorOptions,
	metrics observability.IngestMetrics,
	logger *slog.Logger,
) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Distributor{
		queue:    q,
		ledger:   led,
		pipeline: pipeline,
		opts:     opts.withDefaults(),
		metrics:  metrics,
		logger:   logger,
	}
}

// Run consumes until ctx is cancelled. In-flight jobs finish their current
// message before the consumer exits; cancellation is observed between
// messages, never mid-pipeline teardown.
func (d *Distributor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.opts.Concurrency; i++ {
		wg.Add(1)
		go func(consumer int) {
			defer wg.Done()
			d.consume(ctx, consumer)
		}(i)
	}
	wg.Wait()
}

func (d *Distributor) consume(ctx context.Context, consumer int) {
	logger := d.logger.With(slog.Int("consumer", consumer))

	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := d.queue.Receive(ctx, d.opts.ReceiveBatchSize, d.opts.ReceiveWaitTime)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if d.metrics != nil {
				d.metrics.RecordWorkerError(ctx, "queue")
			}
			logger.ErrorContext(ctx, "queue receive failed", slog.Any("error", err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			d.process(ctx, msg, logger)
		}
	}
}

// process drives one message to a settled outcome: acked (done, stale, or
// dead-lettered) or nacked (retry).
func (d *Distributor) process(ctx context.Context, msg *queue.Message, logger *slog.Logger) {
	start := time.Now()
	logger = logger.With(
		slog.String("job_id", msg.JobID.String()),
		slog.String("video_id", msg.VideoID.String()))

	_, err := d.ledger.Claim(ctx, msg.JobID, msg.ReceiveCount)
	if err != nil {
		d.settleUnclaimable(ctx, msg, err, logger)
		return
	}

	// Heartbeat keeps the lease alive while the pipeline runs. Losing the
	// lease aborts the attempt: the redelivery owns the job now. The cancel
	// watch aborts it when the job leaves processing under our feet.
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	heartbeatDone := d.startHeartbeat(attemptCtx, msg, cancelAttempt, logger)
	watchDone := d.startCancelWatch(attemptCtx, msg.JobID, cancelAttempt, logger)

	result, runErr := d.pipeline.Run(attemptCtx, msg.VideoID, msg.BlobKey)

	cancelAttempt()
	<-heartbeatDone
	<-watchDone

	if runErr != nil {
		if ctx.Err() != nil {
			// Shutdown mid-pipeline: leave the job processing and hand the
			// message back; claim reconciliation sorts it out on redelivery.
			logger.InfoContext(context.Background(), "shutdown mid-attempt, returning message")
			d.nack(context.Background(), msg, logger)
			return
		}

		d.settleFailure(ctx, msg, runErr, start, logger)
		return
	}

	if _, err := d.ledger.MarkIndexed(ctx, msg.JobID, result.FramesSampled, result.FramesIndexed); err != nil {
		// Lost the final compare-and-set: cancelled mid-run, or a racing
		// worker finished first. Either way the message is spent.
		d.recordOutcome(ctx, "stale", start)
		if d.metrics != nil && !errors.Is(err, apperrors.ErrStaleState) {
			d.metrics.RecordWorkerError(ctx, "ledger_update")
		}
		logger.WarnContext(ctx, "job completion superseded", slog.Any("error", err))
		d.ack(ctx, msg, logger)
		return
	}

	if d.metrics != nil {
		d.metrics.RecordFramesIndexed(ctx, int64(result.FramesIndexed))
	}
	d.recordOutcome(ctx, "indexed", start)
	logger.InfoContext(ctx, "video indexed",
		slog.Int("frames_sampled", result.FramesSampled),
		slog.Int("frames_indexed", result.FramesIndexed),
		slog.Duration("elapsed", time.Since(start)))

	d.ack(ctx, msg, logger)
}

// startHeartbeat extends the message lease every HeartbeatInterval until the
// attempt context ends. Returns a channel closed when the loop exits.
func (d *Distributor) startHeartbeat(ctx context.Context, msg *queue.Message, cancelAttempt context.CancelFunc, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(d.opts.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.queue.ExtendVisibility(ctx, msg, d.opts.VisibilityTimeout); err != nil {
					if errors.Is(err, queue.ErrLeaseExpired) {
						if d.metrics != nil {
							d.metrics.RecordWorkerError(ctx, "lease_lost")
						}
						logger.WarnContext(ctx, "message lease lost, aborting attempt")
						cancelAttempt()
						return
					}
					logger.WarnContext(ctx, "heartbeat extend failed", slog.Any("error", err))
				}
			}
		}
	}()

	return done
}

// startCancelWatch re-reads the job every CancelCheckInterval and aborts the
// attempt once the job is no longer processing, so a cancelled video stops
// sampling and embedding at the next frame instead of running to the end.
// Returns a channel closed when the loop exits.
func (d *Distributor) startCancelWatch(ctx context.Context, jobID uuid.UUID, cancelAttempt context.CancelFunc, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(d.opts.CancelCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job, err := d.ledger.Get(ctx, jobID)
				if err != nil {
					// Transient read failure; the final compare-and-set
					// still guards correctness.
					continue
				}

				if job.State != models.JobStateProcessing {
					logger.InfoContext(ctx, "job left processing, aborting attempt",
						slog.String("state", string(job.State)))
					cancelAttempt()
					return
				}
			}
		}
	}()

	return done
}

// settleUnclaimable handles a message whose job could not be claimed.
func (d *Distributor) settleUnclaimable(ctx context.Context, msg *queue.Message, err error, logger *slog.Logger) {
	switch {
	case errors.Is(err, apperrors.ErrStaleState):
		// Terminal or held elsewhere; the dispatch is obsolete.
		d.recordOutcome(ctx, "stale", time.Now())
		logger.InfoContext(ctx, "dispatch obsolete, dropping", slog.Any("error", err))
		d.ack(ctx, msg, logger)

	case errors.Is(err, apperrors.ErrNotFound):
		// Job row gone (video deleted). Nothing to do.
		d.recordOutcome(ctx, "stale", time.Now())
		logger.WarnContext(ctx, "dispatch references missing job, dropping")
		d.ack(ctx, msg, logger)

	default:
		if d.metrics != nil {
			d.metrics.RecordWorkerError(ctx, "claim_failed")
		}
		logger.ErrorContext(ctx, "claim failed, returning message", slog.Any("error", err))
		d.nack(ctx, msg, logger)
	}
}

// settleFailure routes a pipeline error: non-retryable errors dead-letter
// immediately, retryable ones consume the attempt budget.
func (d *Distributor) settleFailure(ctx context.Context, msg *queue.Message, runErr error, start time.Time, logger *slog.Logger) {
	if d.metrics != nil {
		d.metrics.RecordWorkerError(ctx, failureReason(runErr))
	}

	failed, err := d.ledger.MarkFailed(ctx, msg.JobID, runErr.Error())
	if err != nil {
		// Cancelled mid-run or superseded; the failure no longer matters.
		d.recordOutcome(ctx, "stale", start)
		logger.WarnContext(ctx, "failure superseded", slog.Any("error", err))
		d.ack(ctx, msg, logger)
		return
	}

	if !apperrors.Retryable(runErr) {
		d.deadLetter(ctx, msg, "permanent failure: "+runErr.Error(), start, logger)
		return
	}

	if failed.AttemptsExhausted() {
		d.deadLetter(ctx, msg, "attempt budget exhausted: "+runErr.Error(), start, logger)
		return
	}

	d.recordOutcome(ctx, "retry", start)
	logger.WarnContext(ctx, "attempt failed, retrying",
		slog.Int("attempts", failed.Attempts),
		slog.Int("max_attempts", failed.MaxAttempts),
		slog.Any("error", runErr))

	d.nack(ctx, msg, logger)
}

func (d *Distributor) deadLetter(ctx context.Context, msg *queue.Message, reason string, start time.Time, logger *slog.Logger) {
	if _, err := d.ledger.DeadLetter(ctx, msg.JobID, reason); err != nil {
		logger.ErrorContext(ctx, "dead-letter transition failed", slog.Any("error", err))
	}

	d.recordOutcome(ctx, "dead_lettered", start)
	logger.ErrorContext(ctx, "job dead-lettered", slog.String("reason", reason))

	d.ack(ctx, msg, logger)
}

func (d *Distributor) ack(ctx context.Context, msg *queue.Message, logger *slog.Logger) {
	if err := d.queue.Ack(ctx, msg); err != nil && !errors.Is(err, queue.ErrLeaseExpired) {
		logger.WarnContext(ctx, "ack failed", slog.Any("error", err))
	}
}

func (d *Distributor) nack(ctx context.Context, msg *queue.Message, logger *slog.Logger) {
	if err := d.queue.Nack(ctx, msg); err != nil && !errors.Is(err, queue.ErrLeaseExpired) {
		logger.WarnContext(ctx, "nack failed", slog.Any("error", err))
	}
}

func (d *Distributor) recordOutcome(ctx context.Context, outcome string, start time.Time) {
	if d.metrics == nil {
		return
	}
	d.metrics.RecordOutcome(ctx, outcome)
	d.metrics.RecordDuration(ctx, time.Since(start), outcome)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrSampling), errors.Is(err, apperrors.ErrFrameDecode):
		return "sampling"
	case errors.Is(err, apperrors.ErrEmbeddingUnavailable), errors.Is(err, apperrors.ErrInvalidInput):
		return "embedding"
	case errors.Is(err, apperrors.ErrIndexWrite):
		return "index_write"
	case errors.Is(err, apperrors.ErrNotFound):
		return "blob_fetch"
	default:
		return "other"
	}
}

var _ jobLedger = (*ledger.Service)(nil)
