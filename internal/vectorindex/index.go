// Package vectorindex stores frame embeddings keyed by (video, timestamp) and
// serves nearest-neighbor queries over them by cosine similarity.
package vectorindex

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vidscope/vidscope/internal/apperrors"
)

// Entry is one frame embedding to be persisted: the (video, timestamp)
// identity plus its vector. Re-upserting the same identity replaces the vector.
type Entry struct {
	VideoID   uuid.UUID
	Timestamp float64
	Vector    []float32
}

// Hit is one nearest-neighbor match. Score is cosine similarity in [-1, 1],
// higher is better.
type Hit struct {
	VideoID   uuid.UUID
	Timestamp float64
	Score     float64
}

// Filter narrows a query. A nil filter searches everything.
type Filter struct {
	VideoID *uuid.UUID
}

// Config describes the space the index is configured for. The embedder's space
// must match or cross-modal scores are garbage; callers validate at startup.
type Config struct {
	SpaceID    string
	Dimensions int
	MaxTopK    int
}

// Index persists frame embeddings and serves top-K cosine queries. Readers are
// never blocked by writers: a query returns a consistent snapshot even while
// an ingestion job is upserting.
//
// Query results are ordered by score descending, ties broken by earlier
// timestamp, then by lower video ID, so result ordering is reproducible.
type Index interface {
	// Upsert inserts or replaces the given entries. Idempotent per
	// (video, timestamp): reprocessing after a retry never duplicates.
	Upsert(ctx context.Context, entries []Entry) error

	// Query returns up to topK nearest neighbors of vector. topK must be in
	// [1, MaxTopK].
	Query(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Hit, error)

	// DeleteVideo removes all entries for the video (cascade on video delete).
	DeleteVideo(ctx context.Context, videoID uuid.UUID) error

	// Count returns the number of stored entries, optionally filtered.
	Count(ctx context.Context, filter *Filter) (int64, error)

	// Config reports the index's configured space.
	Config(ctx context.Context) (Config, error)
}

// ValidateTopK checks the query size against the index-wide bound.
func ValidateTopK(topK, maxTopK int) error {
	if topK < 1 {
		return apperrors.NewValidationError("topK", "topK must be a positive integer")
	}

	if topK > maxTopK {
		return apperrors.NewValidationError("topK", fmt.Sprintf("topK must not exceed %d", maxTopK))
	}

	return nil
}

// NewDimensionError reports a vector whose length does not match the index's
// configured dimensions. Malformed input, not a transient failure.
func NewDimensionError(want, got int) error {
	return apperrors.NewInvalidInputError("vector",
		fmt.Sprintf("vector has %d dimensions, index expects %d", got, want))
}

// CheckCompatibility verifies that the embedder's space matches the index's.
// Returns IndexConfigMismatchError when they differ; startup-fatal, never per-job.
func CheckCompatibility(cfg Config, spaceID string, dimensions int) error {
	if cfg.SpaceID != spaceID || cfg.Dimensions != dimensions {
		return apperrors.NewIndexConfigMismatchError(spaceID, cfg.SpaceID, dimensions, cfg.Dimensions)
	}

	return nil
}
