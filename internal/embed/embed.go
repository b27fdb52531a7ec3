// Package embed turns chunk text into fixed-dimension vectors. Both
// implementations normalize their output to unit length before returning:
// similarity search downstream (internal VectorCache) assumes a unit-norm
// dot product is a valid cosine.
package embed

import (
	"context"
	"math"

	"github.com/ragmux/ragmux/internal/query"
)

// Embedder turns a batch of texts into L2-normalized vectors, one per input,
// in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]query.Embedding, error)
	// Dim reports the fixed output dimensionality this embedder produces.
	Dim() int
}

// normalize scales v to unit L2 norm in place. A zero vector is left
// untouched rather than divided by zero; callers treat an all-zero
// embedding as a degenerate (but not erroring) result.
func normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
}
