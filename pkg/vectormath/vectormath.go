// Package vectormath provides vector utilities shared by the embedding
// pipeline and the in-memory index (L2 normalization, cosine similarity).
package vectormath

import (
	"math"
)

// NormalizeL2 takes a raw embedding vector and normalizes it to a length of 1.
// It modifies the slice in-place to save allocations on the ingestion hot path.
func NormalizeL2(vector []float32) {
	var sumSquares float64

	for _, v := range vector {
		sumSquares += float64(v) * float64(v)
	}

	// Avoid division by zero (a valid embedding will never be all zeros)
	if sumSquares == 0 {
		return
	}

	magnitude := math.Sqrt(sumSquares)

	for i := range vector {
		vector[i] = float32(float64(vector[i]) / magnitude)
	}
}

// Cosine returns the cosine similarity (a·b)/(|a||b|) of two vectors, in
// [-1, 1]. Returns 0 when either vector is zero or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64

	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
