// Package rag implements the retrieval half of the engine: the chunk data
// model, the EmbeddingProvider and VectorBackend contracts, the weighted
// ranker, and the Retriever that composes them with a tiered cache and an
// ordered backend fallback chain.
//
// Concrete backends (Qdrant, Weaviate, SQLite, in-memory) satisfy
// VectorBackend so the orchestrator never depends on a specific engine.
package rag

import (
	"context"
	"time"
)

// ChunkType classifies a chunk for weighting purposes. The set is open:
// unknown types are accepted and weighted via Weights.For.
type ChunkType string

const (
	// ChunkTypeProtocol is a clinical protocol or guideline excerpt.
	ChunkTypeProtocol ChunkType = "protocol"
	// ChunkTypeGeneral is general background material.
	ChunkTypeGeneral ChunkType = "general"
	// ChunkTypeFAQ is a question/answer pair.
	ChunkTypeFAQ ChunkType = "faq"
	// ChunkTypeReference is bibliographic or reference material.
	ChunkTypeReference ChunkType = "reference"
)

// Chunk is an immutable unit of retrievable knowledge. Chunks are created by
// the ingestion pipeline and owned by a VectorBackend; the engine only holds
// transient copies for the duration of a query.
type Chunk struct {
	// ID is the opaque chunk identifier assigned at ingestion time.
	ID string `json:"id"`

	// Content is the chunk text.
	Content string `json:"content"`

	// Embedding is the precomputed vector. Its length is fixed per deployment.
	Embedding []float32 `json:"embedding,omitempty"`

	// Type drives the per-type weight applied by Rank.
	Type ChunkType `json:"chunk_type"`

	// Priority is the author-assigned importance in [0, 1].
	Priority float64 `json:"priority"`

	// SourceLabel names the originating document (e.g. a guideline title).
	SourceLabel string `json:"source_label"`
}

// RawResult is a chunk returned by a VectorBackend together with its cosine
// similarity to the query vector.
type RawResult struct {
	Chunk
	// RawScore is the cosine similarity in [0, 1].
	RawScore float64 `json:"raw_score"`
}

// RankedChunk is a chunk after weighting. It is created per query by Rank and
// discarded once the request completes.
type RankedChunk struct {
	Chunk
	// RawScore is the backend similarity score.
	RawScore float64 `json:"raw_score"`
	// WeightedScore is RawScore * weight(Type) * Priority.
	WeightedScore float64 `json:"weighted_score"`
}

// VectorBackend stores chunk vectors and answers nearest-neighbour queries.
// Implementations must be safe to call from multiple goroutines and must honour
// ctx cancellation by aborting the underlying I/O.
type VectorBackend interface {
	// Name returns a short label used in logs, events and readiness output.
	Name() string

	// SearchSimilar returns up to topK chunks whose cosine similarity to vector
	// is at least minScore, ordered by descending similarity. An empty backend
	// returns an empty slice and a nil error.
	SearchSimilar(ctx context.Context, vector []float32, topK int, minScore float64) ([]RawResult, error)
}

// ChunkWriter is implemented by backends that accept ingestion upserts.
type ChunkWriter interface {
	// Upsert stores or replaces the given chunks. Every chunk must carry an
	// embedding of the backend's configured dimension.
	Upsert(ctx context.Context, chunks []Chunk) error
}

// Pinger is implemented by backends that can report their own reachability.
type Pinger interface {
	// Ping returns nil when the backend is reachable.
	Ping(ctx context.Context) error
}

// EmbeddingProvider turns text into a fixed-length vector. Normal failures
// (network, model, timeout) are reported through EmbeddingResult, never as a
// Go error or panic. Implementations perform no retries.
type EmbeddingProvider interface {
	// Embed embeds text. Input longer than the provider's configured maximum
	// is truncated, not rejected.
	Embed(ctx context.Context, text string) EmbeddingResult
}

// EmbeddingResult is the outcome of a single Embed call. The zero value is a
// failed result. Use NewEmbeddingSuccess or NewEmbeddingFailure to construct
// one; the constructors guarantee that Success() implies a non-nil vector of
// the expected dimension.
type EmbeddingResult struct {
	vector   []float32
	success  bool
	errMsg   string
	model    string
	duration time.Duration
}

// NewEmbeddingSuccess builds a successful result. If vector is empty or its
// length differs from dim (when dim > 0) the result is downgraded to a failure
// so a malformed vector can never be reported as a success.
func NewEmbeddingSuccess(vector []float32, dim int, model string, took time.Duration) EmbeddingResult {
	if len(vector) == 0 {
		return NewEmbeddingFailure("embedding vector is empty", model, took)
	}
	if dim > 0 && len(vector) != dim {
		return NewEmbeddingFailure(
			"embedding dimension mismatch: expected "+itoa(dim)+", got "+itoa(len(vector)),
			model, took)
	}
	return EmbeddingResult{
		vector:   vector,
		success:  true,
		model:    model,
		duration: took,
	}
}

// NewEmbeddingFailure builds a failed result carrying msg.
func NewEmbeddingFailure(msg, model string, took time.Duration) EmbeddingResult {
	if msg == "" {
		msg = "embedding failed"
	}
	return EmbeddingResult{
		errMsg:   msg,
		model:    model,
		duration: took,
	}
}

// Vector returns the embedding, or nil when the result is a failure.
func (r EmbeddingResult) Vector() []float32 { return r.vector }

// Success reports whether the embedding call succeeded.
func (r EmbeddingResult) Success() bool { return r.success }

// ErrorMessage returns the failure reason, or "" on success.
func (r EmbeddingResult) ErrorMessage() string { return r.errMsg }

// ModelUsed returns the embedding model name.
func (r EmbeddingResult) ModelUsed() string { return r.model }

// GenerationTimeMs returns the wall-clock duration of the call in milliseconds.
func (r EmbeddingResult) GenerationTimeMs() float64 {
	return float64(r.duration) / float64(time.Millisecond)
}
