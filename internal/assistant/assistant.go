// Package assistant answers questions by composing retrieval and generation.
// Retrieval failures degrade to an answer without reference context; generation
// failures degrade to a fixed retry-later answer. Only caller cancellation and
// invalid input are returned as errors.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/medrag-go/internal/budget"
	"github.com/54b3r/medrag-go/internal/logging"
	"github.com/54b3r/medrag-go/internal/provider"
	"github.com/54b3r/medrag-go/internal/rag"
)

// FallbackText is returned when every generation provider is unavailable.
const FallbackText = "The assistant is temporarily unavailable. Please try again in a few minutes."

// Degradation reasons reported in Answer.Degraded.
const (
	DegradedEmbedding = "embedding_unavailable"
	DegradedBackends  = "backends_exhausted"
)

// ErrEmptyQuery is returned by Ask for a blank question.
var ErrEmptyQuery = errors.New("assistant: query must not be empty")

// Retriever returns ranked context for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]rag.RankedChunk, error)
}

// Generator produces an answer and names the provider that served it.
type Generator interface {
	Generate(ctx context.Context, req provider.Request) (provider.Response, string, error)
}

// Config wires an Assistant.
type Config struct {
	// Retriever may be nil, in which case answers carry no context.
	Retriever Retriever
	// Generator is required.
	Generator Generator
	// SystemPrompt defaults to provider.DefaultSystemPrompt.
	SystemPrompt string
	// MaxContextTokens bounds the prompt. Zero means budget.DefaultMaxContextTokens.
	MaxContextTokens int
	// TopK is the default number of chunks to retrieve. Zero means 5.
	TopK int
}

// Question is one user turn.
type Question struct {
	Query string
	// History holds prior turns, oldest first. It is trimmed oldest-first to
	// fit the token budget.
	History []*schema.Message
	// TopK overrides Config.TopK when positive.
	TopK int
}

// Answer is the result of Ask.
type Answer struct {
	Text     string            `json:"text"`
	Provider string            `json:"provider,omitempty"`
	Model    string            `json:"model,omitempty"`
	Chunks   []rag.RankedChunk `json:"chunks"`
	// Degraded names why the answer was generated without context, if so.
	Degraded string `json:"degraded,omitempty"`
	// Fallback is true when Text is FallbackText.
	Fallback bool          `json:"fallback"`
	Duration time.Duration `json:"duration_ns"`
}

// Assistant is safe for concurrent use.
type Assistant struct {
	retriever    Retriever
	generator    Generator
	systemPrompt string
	maxTokens    int
	topK         int
}

// New validates cfg.
func New(cfg Config) (*Assistant, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("assistant: generator is required")
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = provider.DefaultSystemPrompt
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = budget.DefaultMaxContextTokens
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Assistant{
		retriever:    cfg.Retriever,
		generator:    cfg.Generator,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxContextTokens,
		topK:         cfg.TopK,
	}, nil
}

// Ask answers q.
func (a *Assistant) Ask(ctx context.Context, q Question) (*Answer, error) {
	start := time.Now()
	log := logging.FromContext(ctx)

	query := strings.TrimSpace(q.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	topK := q.TopK
	if topK <= 0 {
		topK = a.topK
	}

	ans := &Answer{Chunks: []rag.RankedChunk{}}

	chunks, err := a.retrieve(ctx, query, topK)
	switch {
	case err == nil:
	case errors.Is(err, rag.ErrEmbeddingUnavailable):
		ans.Degraded = DegradedEmbedding
	case errors.Is(err, rag.ErrAllBackendsExhausted):
		ans.Degraded = DegradedBackends
	default:
		return nil, err
	}
	if ans.Degraded != "" {
		log.Warn("assistant: answering without reference context",
			slog.String("reason", ans.Degraded),
			slog.Any("error", err),
		)
	}

	msgs, chunks := a.buildMessages(query, chunks, q.History)
	if len(chunks) > 0 {
		ans.Chunks = chunks
	}

	resp, used, err := a.generator.Generate(ctx, provider.Request{Query: query, Chunks: chunks, Messages: msgs})
	switch {
	case err == nil:
		ans.Text = resp.Text
		ans.Model = resp.Model
		ans.Provider = used
	case errors.Is(err, provider.ErrAllProvidersExhausted):
		log.Error("assistant: all generation providers unavailable", slog.Any("error", err))
		ans.Text = FallbackText
		ans.Fallback = true
	default:
		return nil, fmt.Errorf("assistant: %w", err)
	}

	ans.Duration = time.Since(start)
	log.Info("assistant: answered",
		slog.String("provider", ans.Provider),
		slog.Int("chunks", len(ans.Chunks)),
		slog.String("degraded", ans.Degraded),
		slog.Bool("fallback", ans.Fallback),
		slog.Duration("duration", ans.Duration),
	)
	return ans, nil
}

func (a *Assistant) retrieve(ctx context.Context, query string, topK int) ([]rag.RankedChunk, error) {
	if a.retriever == nil {
		return nil, nil
	}
	chunks, err := a.retriever.Retrieve(ctx, query, topK)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("assistant: retrieval cancelled: %w", ctxErr)
		}
		return nil, err
	}
	return chunks, nil
}

// buildMessages fits ranked chunks and then history into the token budget.
// Chunks outrank history: the system prompt and query are fixed, chunks take
// what remains, and history gets whatever is left after that.
func (a *Assistant) buildMessages(query string, chunks []rag.RankedChunk, history []*schema.Message) ([]*schema.Message, []rag.RankedChunk) {
	fixed := provider.BuildMessages(a.systemPrompt, query, nil)
	chunks = budget.TrimChunks(budget.EstimateMessages(fixed), chunks, a.maxTokens)

	base := provider.BuildMessages(a.systemPrompt, query, chunks)
	history = budget.TrimHistory(base, history, a.maxTokens)

	// History sits between the context block and the current question.
	msgs := make([]*schema.Message, 0, len(base)+len(history))
	msgs = append(msgs, base[:len(base)-1]...)
	msgs = append(msgs, history...)
	msgs = append(msgs, base[len(base)-1])
	return msgs, chunks
}
