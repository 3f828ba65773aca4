package vectorindex

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/vidscope/vidscope/pkg/vectormath"
)

type entryKey struct {
	videoID   uuid.UUID
	timestamp float64
}

// Memory is an exact-scan in-memory index for tests and local runs. Writers
// take the write lock; queries copy matching entries under the read lock and
// score outside it, so a long scoring pass never holds up writers either.
type Memory struct {
	mu      sync.RWMutex
	entries map[entryKey][]float32
	cfg     Config
}

// Ensure Memory implements Index.
var _ Index = (*Memory)(nil)

// NewMemory creates an in-memory index for the given space.
func NewMemory(cfg Config) *Memory {
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 1000
	}

	return &Memory{
		entries: make(map[entryKey][]float32),
		cfg:     cfg,
	}
}

// Upsert inserts or replaces entries by (video, timestamp).
func (m *Memory) Upsert(_ context.Context, entries []Entry) error {
	for _, e := range entries {
		if len(e.Vector) != m.cfg.Dimensions {
			return NewDimensionError(m.cfg.Dimensions, len(e.Vector))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		m.entries[entryKey{videoID: e.VideoID, timestamp: e.Timestamp}] = vec
	}

	return nil
}

// Query scans all entries and returns the topK best cosine matches.
func (m *Memory) Query(_ context.Context, vector []float32, topK int, filter *Filter) ([]Hit, error) {
	if err := ValidateTopK(topK, m.cfg.MaxTopK); err != nil {
		return nil, err
	}

	if len(vector) != m.cfg.Dimensions {
		return nil, NewDimensionError(m.cfg.Dimensions, len(vector))
	}

	type candidate struct {
		key entryKey
		vec []float32
	}

	m.mu.RLock()

	candidates := make([]candidate, 0, len(m.entries))

	for key, vec := range m.entries {
		if filter != nil && filter.VideoID != nil && key.videoID != *filter.VideoID {
			continue
		}

		candidates = append(candidates, candidate{key: key, vec: vec})
	}

	m.mu.RUnlock()

	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		hits = append(hits, Hit{
			VideoID:   c.key.videoID,
			Timestamp: c.key.timestamp,
			Score:     vectormath.Cosine(vector, c.vec),
		})
	}

	SortHits(hits)

	if len(hits) > topK {
		hits = hits[:topK]
	}

	return hits, nil
}

// DeleteVideo removes all entries for the video.
func (m *Memory) DeleteVideo(_ context.Context, videoID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.entries {
		if key.videoID == videoID {
			delete(m.entries, key)
		}
	}

	return nil
}

// Count returns the number of stored entries, optionally filtered.
func (m *Memory) Count(_ context.Context, filter *Filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if filter == nil || filter.VideoID == nil {
		return int64(len(m.entries)), nil
	}

	var n int64

	for key := range m.entries {
		if key.videoID == *filter.VideoID {
			n++
		}
	}

	return n, nil
}

// Config reports the index's configured space.
func (m *Memory) Config(context.Context) (Config, error) {
	return m.cfg, nil
}

// SortHits orders hits by score descending, ties broken by earlier timestamp,
// then by lower video ID.
func SortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}

		if hits[i].Timestamp != hits[j].Timestamp {
			return hits[i].Timestamp < hits[j].Timestamp
		}

		return hits[i].VideoID.String() < hits[j].VideoID.String()
	})
}
