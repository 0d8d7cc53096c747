package features

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// HashEmbedder is a deterministic, dependency-free Embedder: it derives a
// unit-norm pseudo-embedding from the SHA-256 of (modelID, text). It is a
// pure function of its inputs, so routing decisions are reproducible and
// tests need no network. Deployments with a real embedding service swap in
// an Embedder that calls it; everything downstream only sees the vector.
type HashEmbedder struct {
	modelID string
	dim     int
}

// NewHashEmbedder builds an embedder producing dim-dimensional vectors.
// dim <= 0 falls back to EmbeddingDim.
func NewHashEmbedder(modelID string, dim int) *HashEmbedder {
	if dim <= 0 {
		dim = EmbeddingDim
	}
	return &HashEmbedder{modelID: modelID, dim: dim}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	out := make([]float64, e.dim)
	seed := sha256.Sum256([]byte(e.modelID + "\x00" + text))
	var norm float64
	// Expand the seed into dim values by hashing (seed, counter) blocks; each
	// 8-byte word maps into [-1, 1].
	block := seed
	for i := 0; i < e.dim; i++ {
		word := i % 4
		if word == 0 && i > 0 {
			var counter [8]byte
			binary.BigEndian.PutUint64(counter[:], uint64(i/4))
			block = sha256.Sum256(append(seed[:], counter[:]...))
		}
		bits := binary.BigEndian.Uint64(block[word*8 : word*8+8])
		out[i] = float64(bits)/float64(math.MaxUint64)*2 - 1
		norm += out[i] * out[i]
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range out {
			out[i] /= norm
		}
	}
	return out, nil
}
