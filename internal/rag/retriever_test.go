package rag

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/medrag-go/internal/events"
)

// stubEmbedder returns a fixed result and counts calls.
type stubEmbedder struct {
	mu     sync.Mutex
	calls  int
	result EmbeddingResult
}

func (s *stubEmbedder) Embed(_ context.Context, _ string) EmbeddingResult {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.result
}

func (s *stubEmbedder) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func okEmbedder() *stubEmbedder {
	return &stubEmbedder{result: NewEmbeddingSuccess([]float32{1, 0, 0}, 3, "stub", time.Millisecond)}
}

// stubBackend returns canned results or an error, recording the parameters
// it was called with.
type stubBackend struct {
	name    string
	results []RawResult
	err     error
	delay   time.Duration

	mu       sync.Mutex
	calls    int
	topK     int
	minScore float64
}

func (b *stubBackend) Name() string { return b.name }

func (b *stubBackend) SearchSimilar(ctx context.Context, _ []float32, topK int, minScore float64) ([]RawResult, error) {
	b.mu.Lock()
	b.calls++
	b.topK = topK
	b.minScore = minScore
	b.mu.Unlock()

	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	return b.results, nil
}

func (b *stubBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// mapCache is an unbounded in-memory Cache.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMapCache() *mapCache { return &mapCache{data: map[string][]byte{}} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.sets++
}

// recorder collects emitted events.
type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	r.got = append(r.got, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.got))
	for i, e := range r.got {
		out[i] = e.Kind
	}
	return out
}

func scenarioResults() []RawResult {
	return []RawResult{
		raw("chunk1", 0.65, ChunkTypeProtocol, 0.9),
		raw("chunk2", 0.58, ChunkTypeGeneral, 0.7),
		raw("chunk3", 0.40, ChunkTypeFAQ, 0.5),
	}
}

func newTestRetriever(t *testing.T, cfg RetrieverConfig) *Retriever {
	t.Helper()
	r, err := NewRetriever(cfg)
	require.NoError(t, err)
	return r
}

func TestNewRetriever_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewRetriever(RetrieverConfig{Backends: []VectorBackend{&stubBackend{name: "a"}}})
	assert.Error(t, err)

	_, err = NewRetriever(RetrieverConfig{Embedder: okEmbedder()})
	assert.Error(t, err)

	_, err = NewRetriever(RetrieverConfig{Embedder: okEmbedder(), Backends: []VectorBackend{nil}})
	assert.Error(t, err)
}

func TestRetrieve_HappyPath(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{name: "primary", results: scenarioResults()}
	r := newTestRetriever(t, RetrieverConfig{
		Embedder:         okEmbedder(),
		Backends:         []VectorBackend{backend},
		MinScore:         0.5,
		MinWeightedScore: 0.2,
	})

	ranked, err := r.Retrieve(context.Background(), "rifampicina dose adulto", 5)
	require.NoError(t, err)

	require.Len(t, ranked, 2)
	assert.Equal(t, "chunk1", ranked[0].ID)
	assert.Equal(t, "chunk2", ranked[1].ID)
	assert.Equal(t, 10, backend.topK, "backend is asked for topK*2")
	assert.InDelta(t, 0.4, backend.minScore, 1e-9, "backend threshold is minScore*0.8")
}

func TestRetrieve_CapsAtTopK(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{name: "primary", results: scenarioResults()}
	r := newTestRetriever(t, RetrieverConfig{
		Embedder: okEmbedder(),
		Backends: []VectorBackend{backend},
	})

	ranked, err := r.Retrieve(context.Background(), "q", 1)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "chunk1", ranked[0].ID)
}

func TestRetrieve_ClampsTopK(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{name: "primary", results: scenarioResults()}
	r := newTestRetriever(t, RetrieverConfig{
		Embedder: okEmbedder(),
		Backends: []VectorBackend{backend},
	})

	_, err := r.Retrieve(context.Background(), "q", 10_000)
	require.NoError(t, err)
	assert.Equal(t, MaxTopK*2, backend.topK)
}

func TestRetrieve_FallsBackToNextBackend(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	failing := &stubBackend{name: "qdrant", err: errors.New("connection refused")}
	healthy := &stubBackend{name: "memory", results: scenarioResults()}
	r := newTestRetriever(t, RetrieverConfig{
		Embedder:         okEmbedder(),
		Backends:         []VectorBackend{failing, healthy},
		MinWeightedScore: 0.2,
		Events:           rec,
	})

	for range 5 {
		ranked, err := r.Retrieve(context.Background(), "rifampicina", 5)
		require.NoError(t, err)
		assert.Len(t, ranked, 2)
	}
	assert.Equal(t, 5, failing.Calls())
	assert.Contains(t, rec.kinds(), events.KindBackendFallback)
}

func TestRetrieve_SameParametersForEveryBackend(t *testing.T) {
	t.Parallel()

	failing := &stubBackend{name: "a", err: errors.New("boom")}
	healthy := &stubBackend{name: "b"}
	r := newTestRetriever(t, RetrieverConfig{
		Embedder: okEmbedder(),
		Backends: []VectorBackend{failing, healthy},
		MinScore: 0.5,
	})

	_, err := r.Retrieve(context.Background(), "q", 3)
	require.NoError(t, err)
	assert.Equal(t, failing.topK, healthy.topK)
	assert.Equal(t, failing.minScore, healthy.minScore)
}

func TestRetrieve_EmptyResultIsSuccess(t *testing.T) {
	t.Parallel()

	empty := &stubBackend{name: "empty", results: []RawResult{}}
	next := &stubBackend{name: "next", results: scenarioResults()}
	r := newTestRetriever(t, RetrieverConfig{
		Embedder: okEmbedder(),
		Backends: []VectorBackend{empty, next},
	})

	ranked, err := r.Retrieve(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Empty(t, ranked)
	assert.Equal(t, 0, next.Calls(), "an empty answer stops the chain")
}

func TestRetrieve_TimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()

	slow := &stubBackend{name: "slow", delay: time.Second, results: scenarioResults()}
	fast := &stubBackend{name: "fast", results: scenarioResults()}
	r := newTestRetriever(t, RetrieverConfig{
		Embedder:       okEmbedder(),
		Backends:       []VectorBackend{slow, fast},
		BackendTimeout: 20 * time.Millisecond,
	})

	ranked, err := r.Retrieve(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, ranked)
	assert.Equal(t, 1, fast.Calls())
}

func TestRetrieve_AllBackendsExhausted(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	r := newTestRetriever(t, RetrieverConfig{
		Embedder: okEmbedder(),
		Backends: []VectorBackend{
			&stubBackend{name: "a", err: errors.New("a down")},
			&stubBackend{name: "b", err: errors.New("b down")},
		},
		Events: rec,
	})

	_, err := r.Retrieve(context.Background(), "q", 5)
	require.ErrorIs(t, err, ErrAllBackendsExhausted)

	var exhausted *BackendsExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, "a", exhausted.Attempts[0].Backend)
	assert.Equal(t, "b", exhausted.Attempts[1].Backend)
	assert.Contains(t, rec.kinds(), events.KindBackendsExhausted)
}

func TestRetrieve_EmbeddingFailure(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{name: "primary", results: scenarioResults()}
	r := newTestRetriever(t, RetrieverConfig{
		Embedder: &stubEmbedder{result: NewEmbeddingFailure("model offline", "nomic", time.Millisecond)},
		Backends: []VectorBackend{backend},
	})

	ranked, err := r.Retrieve(context.Background(), "rifampicina", 5)
	assert.Nil(t, ranked)
	require.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.Contains(t, err.Error(), "model offline")
	assert.Equal(t, 0, backend.Calls())
}

func TestRetrieve_CachesRankedResults(t *testing.T) {
	t.Parallel()

	emb := okEmbedder()
	backend := &stubBackend{name: "primary", results: scenarioResults()}
	cache := newMapCache()
	r := newTestRetriever(t, RetrieverConfig{
		Embedder:         emb,
		Backends:         []VectorBackend{backend},
		Cache:            cache,
		MinWeightedScore: 0.2,
	})

	first, err := r.Retrieve(context.Background(), "Rifampicina  dose", 5)
	require.NoError(t, err)
	second, err := r.Retrieve(context.Background(), "  rifampicina dose ", 5)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, emb.Calls(), "second call is served from cache")
	assert.Equal(t, 1, backend.Calls())
}

func TestRetrieve_DoesNotCacheEmptyResults(t *testing.T) {
	t.Parallel()

	cache := newMapCache()
	r := newTestRetriever(t, RetrieverConfig{
		Embedder: okEmbedder(),
		Backends: []VectorBackend{&stubBackend{name: "empty"}},
		Cache:    cache,
	})

	_, err := r.Retrieve(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Equal(t, 0, cache.sets)
}

func TestRetrieve_CorruptCacheEntryIsAMiss(t *testing.T) {
	t.Parallel()

	cache := newMapCache()
	backend := &stubBackend{name: "primary", results: scenarioResults()}
	r := newTestRetriever(t, RetrieverConfig{
		Embedder: okEmbedder(),
		Backends: []VectorBackend{backend},
		Cache:    cache,
	})
	cache.data[r.cacheKey("q", 5)] = []byte("{not json")

	ranked, err := r.Retrieve(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, ranked)
	assert.Equal(t, 1, backend.Calls())
}

func TestRetrieve_EmptyQuery(t *testing.T) {
	t.Parallel()

	r := newTestRetriever(t, RetrieverConfig{Embedder: okEmbedder(), Backends: []VectorBackend{&stubBackend{name: "a"}}})
	_, err := r.Retrieve(context.Background(), "   ", 5)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestRetrieve_CallerCancellationStopsChain(t *testing.T) {
	t.Parallel()

	slow := &stubBackend{name: "slow", delay: time.Second}
	next := &stubBackend{name: "next", results: scenarioResults()}
	r := newTestRetriever(t, RetrieverConfig{
		Embedder: okEmbedder(),
		Backends: []VectorBackend{slow, next},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Retrieve(ctx, "q", 5)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrAllBackendsExhausted)
	assert.Equal(t, 0, next.Calls())
}

func TestCacheKey_SensitiveToParameters(t *testing.T) {
	t.Parallel()

	w := DefaultWeights()
	base := CacheKey("q", 5, 0.5, 0.2, 0.8, w)
	assert.Equal(t, base, CacheKey(NormalizeQuery("  Q "), 5, 0.5, 0.2, 0.8, w))
	assert.NotEqual(t, base, CacheKey("q", 6, 0.5, 0.2, 0.8, w))
	assert.NotEqual(t, base, CacheKey("q", 5, 0.6, 0.2, 0.8, w))
	assert.NotEqual(t, base, CacheKey("q", 5, 0.5, 0.3, 0.8, w))
	assert.NotEqual(t, base, CacheKey("q", 5, 0.5, 0.2, 0.8, Weights{ChunkTypeFAQ: 1}))
}

func TestEmbeddingResult_Invariants(t *testing.T) {
	t.Parallel()

	ok := NewEmbeddingSuccess([]float32{0.1, 0.2}, 2, "m", 1500*time.Microsecond)
	assert.True(t, ok.Success())
	assert.Len(t, ok.Vector(), 2)
	assert.Empty(t, ok.ErrorMessage())
	assert.InDelta(t, 1.5, ok.GenerationTimeMs(), 1e-9)

	wrongDim := NewEmbeddingSuccess([]float32{0.1}, 384, "m", 0)
	assert.False(t, wrongDim.Success())
	assert.Nil(t, wrongDim.Vector())
	assert.Contains(t, wrongDim.ErrorMessage(), "dimension")

	empty := NewEmbeddingSuccess(nil, 0, "m", 0)
	assert.False(t, empty.Success())

	var zero EmbeddingResult
	assert.False(t, zero.Success())
	assert.Nil(t, zero.Vector())
}
