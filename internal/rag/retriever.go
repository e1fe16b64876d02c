package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/54b3r/medrag-go/internal/events"
	"github.com/54b3r/medrag-go/internal/logging"
)

// ErrEmptyQuery is returned by Retrieve when the query is blank after
// normalisation.
var ErrEmptyQuery = errors.New("rag: query must not be empty")

// Cache is the read-through cache consulted by Retrieve. Implementations are
// best-effort: a failing tier must surface as a miss, never as an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// RetrieverConfig wires a Retriever. Embedder and at least one backend are
// required; everything else has a default.
type RetrieverConfig struct {
	// Embedder turns the query into a vector.
	Embedder EmbeddingProvider

	// Backends is the ordered fallback chain. The first backend that answers
	// without error wins, even with an empty result.
	Backends []VectorBackend

	// Cache is optional. Nil disables caching.
	Cache Cache

	// Weights is the per-type weight table. Nil uses DefaultWeights.
	Weights Weights

	// MinScore is the similarity threshold before weighting.
	MinScore float64

	// MinWeightedScore is the authoritative cut applied by Rank.
	MinWeightedScore float64

	// PrefilterFactor loosens MinScore at the backend so weighting can still
	// promote borderline candidates. Zero means 0.8.
	PrefilterFactor float64

	// DefaultTopK is used when Retrieve is called with topK <= 0. Zero means 5.
	DefaultTopK int

	// BackendTimeout bounds each SearchSimilar attempt. Zero means 5s.
	BackendTimeout time.Duration

	// EmbedTimeout bounds the Embed call. Zero means 10s.
	EmbedTimeout time.Duration

	// CacheTTL is the lifetime of cached rankings. Zero means 10m.
	CacheTTL time.Duration

	// Events receives cache, fallback and exhaustion events. Nil discards them.
	Events events.Sink
}

// Retriever turns a query into ranked chunks: cache lookup, embedding,
// sequential backend fallback, weighting, cache fill. It holds no per-call
// state and is safe for concurrent use.
type Retriever struct {
	cfg RetrieverConfig
}

// NewRetriever validates cfg, applies defaults and returns a Retriever.
func NewRetriever(cfg RetrieverConfig) (*Retriever, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("rag: at least one vector backend is required")
	}
	for i, b := range cfg.Backends {
		if b == nil {
			return nil, fmt.Errorf("rag: backend %d is nil", i)
		}
	}
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	if cfg.PrefilterFactor <= 0 {
		cfg.PrefilterFactor = 0.8
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = 5 * time.Second
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	cfg.Events = events.OrNop(cfg.Events)
	return &Retriever{cfg: cfg}, nil
}

// Backends returns the configured fallback chain in order.
func (r *Retriever) Backends() []VectorBackend {
	out := make([]VectorBackend, len(r.cfg.Backends))
	copy(out, r.cfg.Backends)
	return out
}

// MaxTopK bounds the result count a single Retrieve may request.
const MaxTopK = 50

// DefaultTopK returns the result count used when callers pass topK <= 0.
func (r *Retriever) DefaultTopK() int { return r.cfg.DefaultTopK }

// Retrieve returns at most topK chunks ranked by weighted score. topK is
// clamped to MaxTopK.
//
// Errors: ErrEmptyQuery for a blank query, an *EmbeddingError (matching
// ErrEmbeddingUnavailable) when the query cannot be embedded, and a
// *BackendsExhaustedError (matching ErrAllBackendsExhausted) when every backend
// fails. Caller cancellation is returned as the context error.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]RankedChunk, error) {
	log := logging.FromContext(ctx)

	normalized := NormalizeQuery(query)
	if normalized == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = r.cfg.DefaultTopK
	}
	topK = min(topK, MaxTopK)

	key := r.cacheKey(normalized, topK)
	if cached, ok := r.cacheGet(ctx, key); ok {
		log.Debug("rag: cache hit", "results", len(cached))
		return cached, nil
	}

	vector, err := r.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	raw, err := r.search(ctx, vector, topK*2, r.cfg.MinScore*r.cfg.PrefilterFactor)
	if err != nil {
		return nil, err
	}

	ranked := Rank(raw, r.cfg.Weights, r.cfg.MinWeightedScore)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	if len(ranked) > 0 {
		r.cacheSet(ctx, key, ranked)
	}
	return ranked, nil
}

// embed runs the embedding provider under EmbedTimeout.
func (r *Retriever) embed(ctx context.Context, query string) ([]float32, error) {
	ectx, cancel := context.WithTimeout(ctx, r.cfg.EmbedTimeout)
	defer cancel()

	start := time.Now()
	res := r.cfg.Embedder.Embed(ectx, query)
	if res.Success() {
		return res.Vector(), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rag: embedding query: %w", err)
	}

	embErr := &EmbeddingError{Model: res.ModelUsed(), Message: res.ErrorMessage()}
	r.cfg.Events.Emit(ctx, events.Event{
		Kind:      events.KindEmbeddingFailed,
		Component: events.ComponentRetrieval,
		Name:      res.ModelUsed(),
		Err:       embErr,
		Duration:  time.Since(start),
	})
	return nil, embErr
}

// search walks the backend chain sequentially. An empty result is a success.
func (r *Retriever) search(ctx context.Context, vector []float32, limit int, minScore float64) ([]RawResult, error) {
	attempts := make([]BackendAttempt, 0, len(r.cfg.Backends))
	for i, b := range r.cfg.Backends {
		start := time.Now()
		results, err := r.searchOne(ctx, b, vector, limit, minScore)
		if err == nil {
			return results, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("rag: retrieval cancelled during %s: %w", b.Name(), ctxErr)
		}

		attempts = append(attempts, BackendAttempt{Backend: b.Name(), Err: err})
		if i < len(r.cfg.Backends)-1 {
			r.cfg.Events.Emit(ctx, events.Event{
				Kind:      events.KindBackendFallback,
				Component: events.ComponentRetrieval,
				Name:      b.Name(),
				Err:       err,
				Duration:  time.Since(start),
			})
		}
	}

	exhausted := &BackendsExhaustedError{Attempts: attempts}
	r.cfg.Events.Emit(ctx, events.Event{
		Kind:      events.KindBackendsExhausted,
		Component: events.ComponentRetrieval,
		Err:       exhausted,
	})
	return nil, exhausted
}

func (r *Retriever) searchOne(ctx context.Context, b VectorBackend, vector []float32, limit int, minScore float64) ([]RawResult, error) {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.BackendTimeout)
	defer cancel()

	results, err := b.SearchSimilar(sctx, vector, limit, minScore)
	if err != nil {
		return nil, err
	}
	// A backend that ignores its deadline and returns late is still a failure.
	if err := sctx.Err(); err != nil {
		return nil, fmt.Errorf("rag: backend %s: %w", b.Name(), err)
	}
	return results, nil
}

func (r *Retriever) cacheGet(ctx context.Context, key string) ([]RankedChunk, bool) {
	if r.cfg.Cache == nil {
		return nil, false
	}
	data, ok := r.cfg.Cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var ranked []RankedChunk
	if err := json.Unmarshal(data, &ranked); err != nil {
		logging.FromContext(ctx).Warn("rag: discarding undecodable cache entry", "error", err)
		return nil, false
	}
	return ranked, true
}

func (r *Retriever) cacheSet(ctx context.Context, key string, ranked []RankedChunk) {
	if r.cfg.Cache == nil {
		return
	}
	// Embeddings are large and not needed by consumers of ranked output.
	stripped := make([]RankedChunk, len(ranked))
	for i, rc := range ranked {
		rc.Embedding = nil
		stripped[i] = rc
	}
	data, err := json.Marshal(stripped)
	if err != nil {
		logging.FromContext(ctx).Warn("rag: encoding cache entry", "error", err)
		return
	}
	r.cfg.Cache.Set(ctx, key, data, r.cfg.CacheTTL)
}

// cacheKey derives the cache key from the normalised query and every
// parameter that changes the ranked output.
func (r *Retriever) cacheKey(normalized string, topK int) string {
	return CacheKey(normalized, topK, r.cfg.MinScore, r.cfg.MinWeightedScore, r.cfg.PrefilterFactor, r.cfg.Weights)
}

// CacheKey hashes a normalised query with the retrieval parameters.
func CacheKey(normalized string, topK int, minScore, minWeighted, prefilter float64, w Weights) string {
	h := sha256.New()
	for _, part := range []string{
		normalized,
		strconv.Itoa(topK),
		strconv.FormatFloat(minScore, 'g', -1, 64),
		strconv.FormatFloat(minWeighted, 'g', -1, 64),
		strconv.FormatFloat(prefilter, 'g', -1, 64),
		w.String(),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "rag:" + hex.EncodeToString(h.Sum(nil))
}

// NormalizeQuery lower-cases q, trims it and collapses internal whitespace.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
