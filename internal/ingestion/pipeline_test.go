package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/54b3r/medrag-go/internal/rag"
)

// stubEmbedder returns a dim-length vector per text and counts texts embedded.
type stubEmbedder struct {
	dim int
	err error

	mu    sync.Mutex
	texts []string
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	s.texts = append(s.texts, texts...)
	s.mu.Unlock()
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, s.dim)
		v[i%s.dim] = 1
		out[i] = v
	}
	return out, nil
}

func newTestPipeline(t *testing.T, emb Embedder, w rag.ChunkWriter, cfg *Config) *Pipeline {
	t.Helper()
	p, err := NewPipeline(emb, w, cfg)
	if err != nil {
		t.Fatalf("NewPipeline() error: %v", err)
	}
	return p
}

func TestIngestJSONL_EmbedsMissingVectors(t *testing.T) {
	t.Parallel()

	input := `{"id":"tb-1","content":"Adults: rifampicin 10 mg/kg once daily","chunk_type":"protocol","priority":0.9,"source_label":"TB guideline"}

{"id":"tb-2","content":"What is latent TB?","chunk_type":"FAQ","embedding":[0,0,1]}
{"content":"Background on malaria transmission","source_label":"Malaria FAQ"}
`
	emb := &stubEmbedder{dim: 3}
	mem := rag.NewMemoryBackend("memory", 3)
	p := newTestPipeline(t, emb, mem, &Config{BatchSize: 2})

	var progress []string
	stats, err := p.IngestJSONL(context.Background(), strings.NewReader(input), func(m string) { progress = append(progress, m) })
	if err != nil {
		t.Fatalf("IngestJSONL() error: %v", err)
	}

	if stats.Records != 3 || stats.Chunks != 3 {
		t.Errorf("stats = %+v, want 3 records and 3 chunks", stats)
	}
	if stats.Embedded != 2 {
		t.Errorf("Embedded = %d, want 2 (one record carried a vector)", stats.Embedded)
	}
	if mem.Len() != 3 {
		t.Errorf("stored %d chunks, want 3", mem.Len())
	}
	if len(progress) != 2 {
		t.Errorf("progress = %v, want one message per batch", progress)
	}

	res, err := mem.SearchSimilar(context.Background(), []float32{0, 0, 1}, 1, 0.9)
	if err != nil {
		t.Fatalf("SearchSimilar() error: %v", err)
	}
	if len(res) != 1 || res[0].ID != "tb-2" {
		t.Fatalf("supplied vector not kept: %+v", res)
	}
	if res[0].Type != rag.ChunkTypeFAQ {
		t.Errorf("chunk type = %q, want faq (lower-cased)", res[0].Type)
	}
	if res[0].Priority != 1.0 {
		t.Errorf("missing priority = %v, want 1.0", res[0].Priority)
	}
}

func TestIngestJSONL_InfersTypeFromLabel(t *testing.T) {
	t.Parallel()

	mem := rag.NewMemoryBackend("memory", 2)
	p := newTestPipeline(t, &stubEmbedder{dim: 2}, mem, nil)

	_, err := p.IngestJSONL(context.Background(), strings.NewReader(`{"id":"x","content":"c","source_label":"Hypertension protocol 2023"}`), nil)
	if err != nil {
		t.Fatalf("IngestJSONL() error: %v", err)
	}
	res, _ := mem.SearchSimilar(context.Background(), []float32{1, 0}, 5, 0)
	if len(res) != 1 || res[0].Type != rag.ChunkTypeProtocol {
		t.Fatalf("results = %+v, want one protocol chunk", res)
	}
}

func TestIngestJSONL_SplitsOversizedContent(t *testing.T) {
	t.Parallel()

	mem := rag.NewMemoryBackend("memory", 2)
	emb := &stubEmbedder{dim: 2}
	p := newTestPipeline(t, emb, mem, &Config{ChunkSize: 10, ChunkOverlap: 2})

	line := fmt.Sprintf(`{"id":"long","content":%q,"embedding":[1,0]}`, strings.Repeat("a", 25))
	stats, err := p.IngestJSONL(context.Background(), strings.NewReader(line), nil)
	if err != nil {
		t.Fatalf("IngestJSONL() error: %v", err)
	}
	// 25 runes, size 10, step 8: [0,10) [8,18) [16,25)
	if stats.Chunks != 3 || mem.Len() != 3 {
		t.Fatalf("stats = %+v, stored = %d, want 3 chunks", stats, mem.Len())
	}
	if stats.Embedded != 3 {
		t.Errorf("split parts must be re-embedded, Embedded = %d", stats.Embedded)
	}
}

func TestIngestJSONL_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		emb   *stubEmbedder
		want  string
	}{
		{"bad json", "{not json", &stubEmbedder{dim: 2}, "line 1"},
		{"empty content", `{"id":"a","content":"  "}`, &stubEmbedder{dim: 2}, "content is empty"},
		{"priority range", `{"id":"a","content":"c","priority":1.5}`, &stubEmbedder{dim: 2}, "outside [0, 1]"},
		{"dimension", `{"id":"a","content":"c","embedding":[1,0,0]}`, &stubEmbedder{dim: 2}, "dimension 3, want 2"},
		{"embedder", `{"id":"a","content":"c"}`, &stubEmbedder{dim: 2, err: errors.New("model not found")}, "model not found"},
		{"second line", "{\"id\":\"a\",\"content\":\"c\"}\n{\"id\":\"b\"}", &stubEmbedder{dim: 2}, "line 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newTestPipeline(t, tt.emb, rag.NewMemoryBackend("memory", 0), &Config{Dimensions: 2})
			_, err := p.IngestJSONL(context.Background(), strings.NewReader(tt.input), nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestIngest_FetchesAndChunksURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/guidelines/tb.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, strings.Repeat("Rifampicin dosing. ", 12))
	}))
	defer srv.Close()

	mem := rag.NewMemoryBackend("memory", 2)
	p := newTestPipeline(t, &stubEmbedder{dim: 2}, mem, &Config{ChunkSize: 100, ChunkOverlap: 10})

	stats, err := p.Ingest(context.Background(), []Source{{URL: srv.URL + "/guidelines/tb.txt", Priority: 0.8}}, nil)
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if stats.Records != 1 || stats.Chunks != 3 || mem.Len() != 3 {
		t.Fatalf("stats = %+v, stored = %d", stats, mem.Len())
	}

	res, _ := mem.SearchSimilar(context.Background(), []float32{1, 0}, 10, 0)
	for _, r := range res {
		if r.Type != rag.ChunkTypeProtocol {
			t.Errorf("chunk %s type = %q, want protocol inferred from path", r.ID, r.Type)
		}
		if r.Priority != 0.8 {
			t.Errorf("chunk %s priority = %v", r.ID, r.Priority)
		}
	}

	_, err = p.Ingest(context.Background(), []Source{{URL: srv.URL + "/missing"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("error = %v, want 404", err)
	}
}

func TestChunkID_Deterministic(t *testing.T) {
	t.Parallel()
	if chunkID("a", 1) != chunkID("a", 1) {
		t.Error("chunkID must be deterministic")
	}
	if chunkID("a", 1) == chunkID("a", 2) {
		t.Error("chunkID must differ by index")
	}
}

func TestNewPipeline_Validation(t *testing.T) {
	t.Parallel()
	if _, err := NewPipeline(nil, rag.NewMemoryBackend("m", 0), nil); err == nil {
		t.Error("nil embedder must be rejected")
	}
	if _, err := NewPipeline(&stubEmbedder{dim: 1}, nil, nil); err == nil {
		t.Error("nil writer must be rejected")
	}
}

// flakyEmbedder fails the first failures calls with err, then delegates.
type flakyEmbedder struct {
	stubEmbedder
	failures int
	calls    int
	fail     error
}

func (f *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.fail
	}
	return f.stubEmbedder.EmbedBatch(ctx, texts)
}

var errThrottled = errors.New("429 slow down")

func isThrottled(err error) bool { return errors.Is(err, errThrottled) }

func TestIngestJSONL_RetriesThrottledBatches(t *testing.T) {
	t.Parallel()

	emb := &flakyEmbedder{stubEmbedder: stubEmbedder{dim: 2}, failures: 2, fail: errThrottled}
	p := newTestPipeline(t, emb, rag.NewMemoryBackend("memory", 2), &Config{
		Throttled:       isThrottled,
		ThrottleBackoff: time.Millisecond,
	})

	stats, err := p.IngestJSONL(context.Background(), strings.NewReader(`{"content":"isoniazid prophylaxis"}`), nil)
	if err != nil {
		t.Fatalf("IngestJSONL() error: %v", err)
	}
	if emb.calls != 3 || stats.Embedded != 1 {
		t.Errorf("calls = %d, embedded = %d; want 3 calls and 1 embedded", emb.calls, stats.Embedded)
	}
}

func TestIngestJSONL_ThrottleRetriesAreBounded(t *testing.T) {
	t.Parallel()

	emb := &flakyEmbedder{stubEmbedder: stubEmbedder{dim: 2}, failures: 100, fail: errThrottled}
	p := newTestPipeline(t, emb, rag.NewMemoryBackend("memory", 2), &Config{
		Throttled:       isThrottled,
		ThrottleRetries: 2,
		ThrottleBackoff: time.Millisecond,
	})

	_, err := p.IngestJSONL(context.Background(), strings.NewReader(`{"content":"x"}`), nil)
	if !errors.Is(err, errThrottled) {
		t.Fatalf("error = %v, want the throttling error", err)
	}
	if emb.calls != 3 {
		t.Errorf("calls = %d, want 1 + 2 retries", emb.calls)
	}
}

func TestIngestJSONL_OtherErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	emb := &flakyEmbedder{stubEmbedder: stubEmbedder{dim: 2}, failures: 1, fail: errors.New("bad model")}
	p := newTestPipeline(t, emb, rag.NewMemoryBackend("memory", 2), &Config{Throttled: isThrottled})

	if _, err := p.IngestJSONL(context.Background(), strings.NewReader(`{"content":"x"}`), nil); err == nil {
		t.Fatal("expected error")
	}
	if emb.calls != 1 {
		t.Errorf("calls = %d, want 1", emb.calls)
	}
}
