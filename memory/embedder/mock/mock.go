// Package mock provides a deterministic, offline Embedder for tests and
// examples. Vectors are derived from a hash of the input text, so equal
// texts always embed identically while distinct texts land in effectively
// random directions.
package mock

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/threatmesh/threatmesh/core"
)

// Options configures the mock embedder.
type Options struct {
	// Dimensions is the vector size. Defaults to 384.
	Dimensions int
}

// Embedder is a deterministic hash-based core.Embedder.
type Embedder struct {
	dims int
}

// New creates a mock embedder.
func New(optFns ...func(o *Options)) *Embedder {
	opts := Options{Dimensions: 384}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Embedder{dims: opts.Dimensions}
}

var _ core.Embedder = (*Embedder)(nil)

// Embed derives a unit vector from the text's FNV-1a hash via a linear
// congruential generator.
func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, e.dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec), nil
}

// Dimensions returns the configured vector size.
func (e *Embedder) Dimensions() int { return e.dims }

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
