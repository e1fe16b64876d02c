package rag

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryBackend is an in-process VectorBackend that scores every stored chunk
// by brute-force cosine similarity. It is the last-resort link in the fallback
// chain and the backend used by tests.
type MemoryBackend struct {
	// name is reported by Name; defaults to "memory".
	name string

	// dim is the required embedding length; 0 accepts the first length seen.
	dim int

	mu     sync.RWMutex
	chunks map[string]Chunk
}

// NewMemoryBackend returns an empty MemoryBackend. dim <= 0 locks the
// dimension to the first upserted chunk.
func NewMemoryBackend(name string, dim int) *MemoryBackend {
	if name == "" {
		name = "memory"
	}
	return &MemoryBackend{name: name, dim: dim, chunks: make(map[string]Chunk)}
}

// Name implements VectorBackend.
func (m *MemoryBackend) Name() string { return m.name }

// Upsert implements ChunkWriter. Chunks are copied so later caller mutation
// cannot affect stored state.
func (m *MemoryBackend) Upsert(ctx context.Context, chunks []Chunk) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory: upsert: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range chunks {
		if c.ID == "" {
			return fmt.Errorf("memory: upsert: chunk id must not be empty")
		}
		if m.dim <= 0 {
			m.dim = len(c.Embedding)
		}
		if len(c.Embedding) != m.dim {
			return fmt.Errorf("memory: upsert %s: embedding dimension %d, want %d", c.ID, len(c.Embedding), m.dim)
		}
		c.Embedding = slices.Clone(c.Embedding)
		m.chunks[c.ID] = c
	}
	return nil
}

// SearchSimilar implements VectorBackend.
func (m *MemoryBackend) SearchSimilar(ctx context.Context, vector []float32, topK int, minScore float64) ([]RawResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	if topK <= 0 {
		return []RawResult{}, nil
	}

	m.mu.RLock()
	results := make([]RawResult, 0, len(m.chunks))
	for _, c := range m.chunks {
		score := CosineSimilarity(vector, c.Embedding)
		if score < minScore {
			continue
		}
		results = append(results, RawResult{Chunk: c, RawScore: score})
	}
	m.mu.RUnlock()

	slices.SortFunc(results, func(a, b RawResult) int {
		if c := cmp.Compare(b.RawScore, a.RawScore); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Len returns the number of stored chunks.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// Ping implements Pinger. An in-process backend is always reachable.
func (m *MemoryBackend) Ping(context.Context) error { return nil }
