package embeddings

import (
	"context"
	"crypto/sha256"
	"math"

	"github.com/vidscope/vidscope/internal/apperrors"
)

// MockSpaceID is the space identifier reported by the mock embedder.
const MockSpaceID = "mock-clip"

// MockEmbedder implements the Embedder interface for testing and local runs.
// It generates deterministic unit vectors from the input hash, so the same
// image or text always maps to the same point regardless of batch splits.
type MockEmbedder struct {
	dimensions int
}

// Ensure MockEmbedder implements Embedder.
var _ Embedder = (*MockEmbedder)(nil)

// NewMockEmbedder creates a mock embedder with 512 dimensions, matching
// CLIP ViT-B/32.
func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{dimensions: 512}
}

// NewMockEmbedderWithDimensions creates a mock embedder with custom dimensions.
func NewMockEmbedderWithDimensions(dimensions int) *MockEmbedder {
	return &MockEmbedder{dimensions: dimensions}
}

// EmbedImage generates a deterministic embedding from the image bytes.
func (m *MockEmbedder) EmbedImage(_ context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, apperrors.NewInvalidInputError("image", "image cannot be empty")
	}

	return m.deterministicEmbedding(image), nil
}

// EmbedImages generates deterministic embeddings for multiple images.
func (m *MockEmbedder) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	if len(images) == 0 {
		return nil, apperrors.NewInvalidInputError("images", "images cannot be empty")
	}

	vectors := make([][]float32, len(images))

	for i, img := range images {
		vec, err := m.EmbedImage(ctx, img)
		if err != nil {
			return nil, err
		}

		vectors[i] = vec
	}

	return vectors, nil
}

// EmbedText generates a deterministic embedding from the text.
func (m *MockEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, apperrors.NewInvalidInputError("text", "text cannot be empty")
	}

	return m.deterministicEmbedding([]byte(text)), nil
}

// Space reports the mock's fixed vector space.
func (m *MockEmbedder) Space(context.Context) (Space, error) {
	return Space{ID: MockSpaceID, Dimensions: m.dimensions}, nil
}

// deterministicEmbedding creates a normalized vector from the input hash.
func (m *MockEmbedder) deterministicEmbedding(input []byte) []float32 {
	hash := sha256.Sum256(input)
	embedding := make([]float32, m.dimensions)

	for i := range m.dimensions {
		// Use hash bytes cyclically, mapped into [-1, 1].
		byteIdx := i % len(hash)
		embedding[i] = (float32(hash[byteIdx]) / 127.5) - 1.0
	}

	return normalize(embedding)
}

// normalize normalizes a vector to unit length.
func normalize(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val * val)
	}

	magnitude := float32(math.Sqrt(sum))
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = val / magnitude
	}

	return normalized
}
