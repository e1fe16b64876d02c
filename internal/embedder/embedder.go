// Package embedder turns text into dense vectors for retrieval and ingestion.
// Each backend (Ollama, OpenAI, Azure OpenAI, Gemini) implements BatchEmbedder;
// Embedder wraps one of them with input truncation and a dimension check and
// satisfies rag.EmbeddingProvider.
package embedder

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/54b3r/medrag-go/internal/rag"
)

const (
	// DefaultMaxChars caps the input length sent to the embedding model.
	DefaultMaxChars = 2000

	// defaultBatchSize bounds the number of texts per backend request during
	// ingestion.
	defaultBatchSize = 64
)

// BatchEmbedder is a single embedding backend. The returned slice is parallel
// to texts.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Embedder adapts a BatchEmbedder into a rag.EmbeddingProvider. It is safe for
// concurrent use when the backend is.
type Embedder struct {
	backend    BatchEmbedder
	dimensions int
	maxChars   int
	batchSize  int
}

// Options tunes an Embedder.
type Options struct {
	// Dimensions is the expected vector length. Zero disables the check.
	Dimensions int
	// MaxChars truncates longer input. Zero means DefaultMaxChars.
	MaxChars int
	// BatchSize bounds EmbedBatch requests. Zero means 64.
	BatchSize int
}

// New wraps backend.
func New(backend BatchEmbedder, opts Options) (*Embedder, error) {
	if backend == nil {
		return nil, fmt.Errorf("embedder: backend must not be nil")
	}
	if opts.Dimensions < 0 {
		return nil, fmt.Errorf("embedder: dimensions must not be negative, got %d", opts.Dimensions)
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Embedder{
		backend:    backend,
		dimensions: opts.Dimensions,
		maxChars:   opts.MaxChars,
		batchSize:  opts.BatchSize,
	}, nil
}

// Model returns the backend's embedding model name.
func (e *Embedder) Model() string { return e.backend.Model() }

// Dimensions returns the expected vector length, or 0 when unchecked.
func (e *Embedder) Dimensions() int { return e.dimensions }

// Embed implements rag.EmbeddingProvider. Failures are reported in the result;
// no retries are made.
func (e *Embedder) Embed(ctx context.Context, text string) rag.EmbeddingResult {
	start := time.Now()
	text = strings.TrimSpace(text)
	if text == "" {
		return rag.NewEmbeddingFailure("embedder: text is empty", e.Model(), 0)
	}

	vecs, err := e.backend.EmbedBatch(ctx, []string{Truncate(text, e.maxChars)})
	took := time.Since(start)
	if err != nil {
		return rag.NewEmbeddingFailure(err.Error(), e.Model(), took)
	}
	if len(vecs) != 1 {
		return rag.NewEmbeddingFailure(fmt.Sprintf("embedder: expected 1 embedding, got %d", len(vecs)), e.Model(), took)
	}
	return rag.NewEmbeddingSuccess(vecs[0], e.dimensions, e.Model(), took)
}

// EmbedBatch embeds texts in backend-sized batches, truncating each one. Every
// returned vector is checked against the configured dimension.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		batch := make([]string, 0, end-start)
		for _, t := range texts[start:end] {
			batch = append(batch, Truncate(t, e.maxChars))
		}

		vecs, err := e.backend.EmbedBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embedder: batch %d-%d: %w", start, end, err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("embedder: batch %d-%d: expected %d embeddings, got %d", start, end, len(batch), len(vecs))
		}
		for i, v := range vecs {
			if len(v) == 0 {
				return nil, fmt.Errorf("embedder: text %d: empty embedding", start+i)
			}
			if e.dimensions > 0 && len(v) != e.dimensions {
				return nil, fmt.Errorf("embedder: text %d: dimension mismatch: expected %d, got %d", start+i, e.dimensions, len(v))
			}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Truncate returns s cut to at most maxChars runes. maxChars <= 0 disables
// truncation.
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	n := 0
	for i := range s {
		if n == maxChars {
			return s[:i]
		}
		n++
	}
	return s
}
