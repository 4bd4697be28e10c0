// Package similarity scores how alike two sampled frames are. Both
// backends return higher scores for more similar images.
package similarity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	MethodEmbedding = "embedding"
	MethodFeature   = "feature"
)

// Sample is an encoded image plus the blob key it was read from.
type Sample struct {
	Key  string
	Data []byte
}

// cacheKey identifies a sample by its content. Blob keys repeat when a task
// is rerun, so the key alone never addresses a cache entry.
func (s Sample) cacheKey() string {
	sum := sha256.Sum256(s.Data)
	return s.Key + "@" + hex.EncodeToString(sum[:])
}

type Backend interface {
	Name() string
	Similarity(ctx context.Context, a, b Sample) (float64, error)
}

// Backends selects a backend by similarity method.
type Backends struct {
	Embedding Backend
	Feature   Backend
}

func (b Backends) For(method string) (Backend, error) {
	var backend Backend
	switch method {
	case MethodEmbedding:
		backend = b.Embedding
	case MethodFeature:
		backend = b.Feature
	default:
		return nil, fmt.Errorf("unknown similarity method %q", method)
	}
	if backend == nil {
		return nil, fmt.Errorf("similarity backend %q is not configured", method)
	}
	return backend, nil
}
