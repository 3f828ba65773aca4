// Package service implements the application services over the repositories,
// queue, embedder, and vector index.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vidscope/vidscope/internal/apperrors"
	"github.com/vidscope/vidscope/internal/embeddings"
	"github.com/vidscope/vidscope/internal/models"
	"github.com/vidscope/vidscope/internal/observability"
	"github.com/vidscope/vidscope/internal/vectorindex"
	"github.com/vidscope/vidscope/pkg/cache"
)

// videoReadStore is the slice of the videos repository search needs for the
// scoped-search readiness check.
type videoReadStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.VideoWithState, error)
}

// SearchOptions tunes the query engine.
type SearchOptions struct {
	// ClusterWindow merges hits from the same video closer than this many
	// seconds, keeping only the best (default: 2.0).
	ClusterWindow float64
	// MinScore drops hits below this similarity unless the request
	// overrides it (default: 0.2).
	MinScore float64
	// Oversample multiplies topK for the index query so window deduplication
	// still fills a page (default: 3).
	Oversample int
	// DefaultTopK applies when the request does not set one (default: 10).
	DefaultTopK int
	// MaxTopK bounds the request's topK (default: 1000).
	MaxTopK int
}

func (o SearchOptions) withDefaults() SearchOptions {
	if o.ClusterWindow <= 0 {
		o.ClusterWindow = 2.0
	}
	if o.MinScore <= 0 {
		o.MinScore = 0.2
	}
	if o.Oversample <= 0 {
		o.Oversample = 3
	}
	if o.DefaultTopK <= 0 {
		o.DefaultTopK = 10
	}
	if o.MaxTopK <= 0 {
		o.MaxTopK = 1000
	}
	return o
}

// SearchParams is one search request.
type SearchParams struct {
	Query string
	TopK  int
	// VideoID scopes the search to one video when set.
	VideoID *uuid.UUID
	// MinScore overrides the engine's default threshold when set.
	MinScore *float64
}

// SearchService answers natural-language queries over indexed frames: embed
// the query, oversample the index, deduplicate near-identical moments, and
// rank what is left.
type SearchService struct {
	embedder   embeddings.Embedder
	index      vectorindex.Index
	videos     videoReadStore
	queryCache *cache.LoaderCache[[]float32]
	opts       SearchOptions
	metrics    observability.SearchMetrics
	logger     *slog.Logger
}

// SearchServiceParams configures SearchService. QueryCache and Metrics may be
// nil (no caching, metrics disabled).
type SearchServiceParams struct {
	Embedder   embeddings.Embedder
	Index      vectorindex.Index
	Videos     videoReadStore
	QueryCache *cache.LoaderCache[[]float32]
	Options    SearchOptions
	Metrics    observability.SearchMetrics
	Logger     *slog.Logger
}

// NewSearchService creates a SearchService.
func NewSearchService(p SearchServiceParams) *SearchService {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &SearchService{
		embedder:   p.Embedder,
		index:      p.Index,
		videos:     p.Videos,
		queryCache: p.QueryCache,
		opts:       p.Options.withDefaults(),
		metrics:    p.Metrics,
		logger:     logger,
	}
}

// Search returns the best-matching moments for the query, ranked by
// similarity. Scoped searches against a video that is not indexed yet return
// VideoNotSearchableError so callers can distinguish "not yet" from "no
// matches".
func (s *SearchService) Search(ctx context.Context, params SearchParams) ([]models.SearchResult, error) {
	start := time.Now()

	results, err := s.search(ctx, params)

	if s.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordSearch(ctx, status, time.Since(start))
	}

	return results, err
}

func (s *SearchService) search(ctx context.Context, params SearchParams) ([]models.SearchResult, error) {
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return nil, apperrors.NewValidationError("query", "query must be non-empty")
	}

	topK := params.TopK
	if topK == 0 {
		topK = s.opts.DefaultTopK
	}
	if err := vectorindex.ValidateTopK(topK, s.opts.MaxTopK); err != nil {
		return nil, err
	}

	var filter *vectorindex.Filter
	if params.VideoID != nil {
		if err := s.checkSearchable(ctx, *params.VideoID); err != nil {
			return nil, err
		}
		filter = &vectorindex.Filter{VideoID: params.VideoID}
	}

	vector, err := s.queryEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}

	// Oversample so window deduplication does not starve the page.
	oversampled := topK * s.opts.Oversample
	if oversampled > s.opts.MaxTopK {
		oversampled = s.opts.MaxTopK
	}

	hits, err := s.index.Query(ctx, vector, oversampled, filter)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	minScore := s.opts.MinScore
	if params.MinScore != nil {
		minScore = *params.MinScore
	}

	kept := s.deduplicate(hits, minScore)

	if len(kept) > topK {
		kept = kept[:topK]
	}

	results := make([]models.SearchResult, len(kept))
	for i, hit := range kept {
		results[i] = models.SearchResult{
			VideoID:   hit.VideoID,
			Timestamp: hit.Timestamp,
			Score:     hit.Score,
			Rank:      i + 1,
		}
	}

	return results, nil
}

// checkSearchable rejects scoped searches against videos whose ingestion has
// not completed.
func (s *SearchService) checkSearchable(ctx context.Context, videoID uuid.UUID) error {
	video, err := s.videos.GetByID(ctx, videoID)
	if err != nil {
		return err
	}

	if video.Searchable() {
		return nil
	}

	state := "unknown"
	if video.State != nil {
		state = string(*video.State)
	}

	return apperrors.NewVideoNotSearchableError(videoID, state)
}

// queryEmbedding embeds the query text, going through the cache when one is
// configured.
func (s *SearchService) queryEmbedding(ctx context.Context, query string) ([]float32, error) {
	if s.queryCache == nil {
		return s.embedder.EmbedText(ctx, query)
	}

	vector, hit, err := s.queryCache.Lookup(ctx, query, func(ctx context.Context) ([]float32, error) {
		return s.embedder.EmbedText(ctx, query)
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordCacheLookup(ctx, hit)
	}

	return vector, nil
}

// deduplicate drops hits under minScore, then collapses hits from the same
// video within the cluster window, keeping the best. Input arrives ordered by
// score descending, so the first hit seen for a cluster is its winner.
func (s *SearchService) deduplicate(hits []vectorindex.Hit, minScore float64) []vectorindex.Hit {
	kept := make([]vectorindex.Hit, 0, len(hits))
	perVideo := make(map[uuid.UUID][]float64)

	for _, hit := range hits {
		if hit.Score < minScore {
			continue
		}

		clustered := false
		for _, ts := range perVideo[hit.VideoID] {
			if abs(hit.Timestamp-ts) <= s.opts.ClusterWindow {
				clustered = true
				break
			}
		}
		if clustered {
			continue
		}

		perVideo[hit.VideoID] = append(perVideo[hit.VideoID], hit.Timestamp)
		kept = append(kept, hit)
	}

	// Winners inherit index order; re-assert it for deterministic ranks.
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		if kept[i].Timestamp != kept[j].Timestamp {
			return kept[i].Timestamp < kept[j].Timestamp
		}
		return kept[i].VideoID.String() < kept[j].VideoID.String()
	})

	return kept
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
