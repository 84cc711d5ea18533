package indexing

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// Embedder produces a fixed-dimension embedding for text. External model
// bundles are pluggable via Identity; HashEmbedder is the always-available
// default (spec.md §4.8).
type Embedder interface {
	Embed(text string) []float32
	Dims() int
	Identity() EmbedderIdentity
}

// EmbedderIdentity names the embedder backing an index, so a vector
// index's manifest can record provenance the way derived records record
// `provider_id`/`model_id`/`model_digest` (spec.md §3).
type EmbedderIdentity struct {
	BundleID      string `json:"bundle_id"`
	BundleVersion string `json:"bundle_version"`
	BundlePath    string `json:"bundle_path"`
}

// HashEmbedder deterministically maps whitespace tokens through SHA256
// into fixed-width bins and L2-normalizes the result — identical text
// always yields a bit-for-bit identical vector (spec.md §8), with no
// model weights to load.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder constructs a HashEmbedder with the given dimensionality
// (384 by default per spec.md §4.8).
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Dims() int { return h.dims }

func (h *HashEmbedder) Identity() EmbedderIdentity {
	return EmbedderIdentity{BundleID: "builtin.hash_embedder", BundleVersion: "1"}
}

// Embed tokenizes on whitespace, hashes each token into one of Dims()
// bins via SHA256, accumulates +1 per occurrence into that bin, then
// L2-normalizes. A zero-length or all-whitespace input yields the zero
// vector (L2 normalization of an all-zero vector is a no-op, not a
// divide-by-zero, since we guard the norm explicitly below).
func (h *HashEmbedder) Embed(text string) []float32 {
	vec := make([]float32, h.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(tok))
		bin := binary.BigEndian.Uint64(sum[:8]) % uint64(h.dims)
		vec[bin] += 1
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}
