// Package worker consumes the ingestion queue and runs videos through the
// sampling, embedding, and indexing pipeline.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vidscope/vidscope/internal/blob"
	"github.com/vidscope/vidscope/internal/embeddings"
	"github.com/vidscope/vidscope/internal/sampler"
	"github.com/vidscope/vidscope/internal/vectorindex"
)

// videoDurationStore is the slice of the videos repository the pipeline needs.
type videoDurationStore interface {
	SetDuration(ctx context.Context, id uuid.UUID, seconds float64) error
}

// pendingFrame is a sampled frame waiting for its embed batch to fill.
type pendingFrame struct {
	ts   float64
	data []byte
}

// Result summarizes one completed pipeline run.
type Result struct {
	FramesSampled   int
	FramesIndexed   int
	DurationSeconds float64
}

// Pipeline turns one video blob into indexed frame embeddings: fetch the
// blob, sample frames lazily, embed them in batches, and upsert the vectors.
// Frames stream through in embed-batch-sized groups, so memory stays flat
// regardless of video length.
type Pipeline struct {
	blobs     blob.Store
	sampler   sampler.Sampler
	embedder  embeddings.Embedder
	writer    *vectorindex.Writer
	videos    videoDurationStore
	batchSize int
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// BatchSize is the number of frames per embedding call (default: 8).
	BatchSize int
	// Limiter throttles embedding calls across all concurrent jobs. Nil
	// means no throttling.
	Limiter *rate.Limiter
}

// NewPipeline creates a pipeline. videos may be nil when duration backfill is
// not wanted.
func NewPipeline(
	blobs blob.Store,
	smp sampler.Sampler,
	embedder embeddings.Embedder,
	writer *vectorindex.Writer,
	videos videoDurationStore,
	opts PipelineOptions,
	logger *slog.Logger,
) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 8
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		blobs:     blobs,
		sampler:   smp,
		embedder:  embedder,
		writer:    writer,
		videos:    videos,
		batchSize: opts.BatchSize,
		limiter:   opts.Limiter,
		logger:    logger,
	}
}

// Run processes one video end to end. The error, when non-nil, carries the
// retryability classification the distributor routes on.
func (p *Pipeline) Run(ctx context.Context, videoID uuid.UUID, blobKey string) (*Result, error) {
	path, cleanup, err := p.fetchBlob(ctx, blobKey)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	probe, err := p.sampler.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	seq, err := p.sampler.Sample(ctx, videoID, path)
	if err != nil {
		return nil, err
	}
	defer seq.Close()

	indexed := 0
	batch := make([]pendingFrame, 0, p.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
		}

		images := make([][]byte, len(batch))
		for i, f := range batch {
			images[i] = f.data
		}

		vectors, err := p.embedder.EmbedImages(ctx, images)
		if err != nil {
			return err
		}

		entries := make([]vectorindex.Entry, len(vectors))
		for i, vec := range vectors {
			entries[i] = vectorindex.Entry{
				VideoID:   videoID,
				Timestamp: batch[i].ts,
				Vector:    vec,
			}
		}

		n, err := p.writer.Write(ctx, entries)
		indexed += n
		if err != nil {
			return err
		}

		batch = batch[:0]
		return nil
	}

	for {
		// A cancelled job or a lost lease stops the run between frames
		// instead of grinding through the rest of the video.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		frame, err := seq.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		batch = append(batch, pendingFrame{ts: frame.Timestamp, data: frame.Data})

		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}

	if p.videos != nil {
		if err := p.videos.SetDuration(ctx, videoID, probe.DurationSeconds); err != nil {
			// The index is already written; losing the backfill is not worth
			// a retry that would redo the embedding work.
			p.logger.WarnContext(ctx, "duration backfill failed",
				slog.String("video_id", videoID.String()),
				slog.Any("error", err))
		}
	}

	return &Result{
		FramesSampled:   seq.Sampled(),
		FramesIndexed:   indexed,
		DurationSeconds: probe.DurationSeconds,
	}, nil
}

// fetchBlob stages the blob into a temp file for the sampler's seek-heavy
// access pattern.
func (p *Pipeline) fetchBlob(ctx context.Context, key string) (string, func(), error) {
	rc, err := p.blobs.Get(ctx, key)
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "vidscope-*.video")
	if err != nil {
		return "", nil, fmt.Errorf("create temp video file: %w", err)
	}

	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("stage video blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("close temp video file: %w", err)
	}

	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}
