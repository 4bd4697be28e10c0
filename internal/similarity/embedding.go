package similarity

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/patrickmn/go-cache"
)

// Embedder produces a fixed-dimension vector for an image.
type Embedder interface {
	EmbedImage(ctx context.Context, data []byte) ([]float32, error)
}

// EmbeddingBackend scores cosine similarity between image embeddings. The
// previously retained frame is compared against every candidate after it,
// so its vector is cached.
type EmbeddingBackend struct {
	embedder Embedder
	cache    *cache.Cache
}

func NewEmbeddingBackend(embedder Embedder, ttl time.Duration) *EmbeddingBackend {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &EmbeddingBackend{
		embedder: embedder,
		cache:    cache.New(ttl, 2*ttl),
	}
}

func (b *EmbeddingBackend) Name() string { return MethodEmbedding }

func (b *EmbeddingBackend) Similarity(ctx context.Context, x, y Sample) (float64, error) {
	vx, err := b.vector(ctx, x)
	if err != nil {
		return 0, err
	}
	vy, err := b.vector(ctx, y)
	if err != nil {
		return 0, err
	}
	return Cosine(vx, vy)
}

func (b *EmbeddingBackend) vector(ctx context.Context, s Sample) ([]float32, error) {
	key := s.cacheKey()
	if v, ok := b.cache.Get(key); ok {
		return v.([]float32), nil
	}

	v, err := b.embedder.EmbedImage(ctx, s.Data)
	if err != nil {
		return nil, fmt.Errorf("embed %s: %w", s.Key, err)
	}
	b.cache.Set(key, v, cache.DefaultExpiration)
	return v, nil
}

// Cosine returns the cosine similarity of two equal-length vectors. A zero
// vector has similarity 0 with anything.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
