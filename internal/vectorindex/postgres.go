package vectorindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/vidscope/vidscope/pkg/vectormath"
)

// Postgres is the pgvector-backed index. Cosine distance (<=>) drives the
// ordering; score = 1 - distance, which is exactly cosine similarity.
// Vectors are L2-normalized before storage so stored magnitudes stay uniform.
type Postgres struct {
	db      *pgxpool.Pool
	maxTopK int
}

// Ensure Postgres implements Index.
var _ Index = (*Postgres)(nil)

// NewPostgres creates a pgvector-backed index. maxTopK caps query sizes
// (<= 0 falls back to 1000).
func NewPostgres(db *pgxpool.Pool, maxTopK int) *Postgres {
	if maxTopK <= 0 {
		maxTopK = 1000
	}

	return &Postgres{db: db, maxTopK: maxTopK}
}

// Upsert inserts or replaces entries by (video_id, ts). On conflict the vector
// is replaced, so reprocessing after a retry never duplicates a frame.
func (p *Postgres) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}

	for _, e := range entries {
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		vectormath.NormalizeL2(vec)

		batch.Queue(`
			INSERT INTO frame_embeddings (video_id, ts, embedding, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
			ON CONFLICT (video_id, ts)
			DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = now()`,
			e.VideoID, e.Timestamp, pgvector.NewVector(vec),
		)
	}

	results := p.db.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("frame embeddings upsert: %w", err)
		}
	}

	return nil
}

// Query returns up to topK nearest neighbors by cosine similarity. Ordering is
// deterministic: distance ascending (score descending), then timestamp, then
// video ID.
func (p *Postgres) Query(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Hit, error) {
	if err := ValidateTopK(topK, p.maxTopK); err != nil {
		return nil, err
	}

	queryVec := pgvector.NewVector(vector)

	var (
		rows pgx.Rows
		err  error
	)

	if filter == nil || filter.VideoID == nil {
		rows, err = p.db.Query(ctx, `
			SELECT video_id, ts, (1 - (embedding <=> $1)) AS score
			FROM frame_embeddings
			ORDER BY embedding <=> $1, ts, video_id
			LIMIT $2`, queryVec, topK)
	} else {
		rows, err = p.db.Query(ctx, `
			SELECT video_id, ts, (1 - (embedding <=> $1)) AS score
			FROM frame_embeddings
			WHERE video_id = $2
			ORDER BY embedding <=> $1, ts, video_id
			LIMIT $3`, queryVec, *filter.VideoID, topK)
	}

	if err != nil {
		return nil, fmt.Errorf("nearest frame embeddings: %w", err)
	}

	defer rows.Close()

	var hits []Hit

	for rows.Next() {
		var hit Hit
		if err := rows.Scan(&hit.VideoID, &hit.Timestamp, &hit.Score); err != nil {
			return nil, fmt.Errorf("scan frame embedding hit: %w", err)
		}

		hits = append(hits, hit)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nearest: %w", err)
	}

	return hits, nil
}

// DeleteVideo removes all entries for the video (cascade on video delete).
func (p *Postgres) DeleteVideo(ctx context.Context, videoID uuid.UUID) error {
	_, err := p.db.Exec(ctx, `DELETE FROM frame_embeddings WHERE video_id = $1`, videoID)
	if err != nil {
		return fmt.Errorf("delete frame embeddings: %w", err)
	}

	return nil
}

// Count returns the number of stored entries, optionally filtered by video.
func (p *Postgres) Count(ctx context.Context, filter *Filter) (int64, error) {
	var (
		n   int64
		err error
	)

	if filter == nil || filter.VideoID == nil {
		err = p.db.QueryRow(ctx, `SELECT count(*) FROM frame_embeddings`).Scan(&n)
	} else {
		err = p.db.QueryRow(ctx,
			`SELECT count(*) FROM frame_embeddings WHERE video_id = $1`, *filter.VideoID).Scan(&n)
	}

	if err != nil {
		return 0, fmt.Errorf("count frame embeddings: %w", err)
	}

	return n, nil
}

// Config reads the index's configured space from the index_meta row written by
// the schema migration.
func (p *Postgres) Config(ctx context.Context) (Config, error) {
	cfg := Config{MaxTopK: p.maxTopK}

	err := p.db.QueryRow(ctx,
		`SELECT space_id, dimensions FROM index_meta LIMIT 1`,
	).Scan(&cfg.SpaceID, &cfg.Dimensions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, errors.New("index_meta is empty; run migrations before starting")
		}

		return Config{}, fmt.Errorf("read index meta: %w", err)
	}

	return cfg, nil
}
