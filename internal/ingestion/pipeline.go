// Package ingestion loads knowledge chunks into a vector backend. It reads
// pre-chunked JSONL records or fetches plain-text documents, splits oversized
// content, embeds whatever lacks a vector, checks the dimension and upserts in
// batches. This pipeline is invoked by the `medrag ingest` CLI command.
package ingestion

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/54b3r/medrag-go/internal/rag"
)

// defaultPriority applies to records that omit priority.
const defaultPriority = 1.0

// Embedder embeds texts for ingestion. *embedder.Embedder satisfies it.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Record is one JSONL line. Only content is required.
type Record struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	ChunkType   string    `json:"chunk_type"`
	Priority    *float64  `json:"priority"`
	SourceLabel string    `json:"source_label"`
	Embedding   []float32 `json:"embedding"`
}

// Source describes a plain-text document to fetch and chunk.
type Source struct {
	// URL is the HTTP(S) URL of the document.
	URL string

	// ChunkType overrides the inferred type.
	ChunkType rag.ChunkType

	// SourceLabel overrides the inferred label.
	SourceLabel string

	// Priority applies to every chunk of the document. Zero means 1.0.
	Priority float64
}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// Dimensions is the vector length every chunk must have. Zero locks to the
	// first vector seen.
	Dimensions int

	// BatchSize is the number of chunks per embed and upsert call.
	// Defaults to 32 if zero.
	BatchSize int

	// ChunkSize is the maximum number of characters per chunk; longer
	// content is split. Defaults to 1000 if zero.
	ChunkSize int

	// ChunkOverlap is the number of characters to overlap between consecutive chunks.
	// Defaults to 100 if zero.
	ChunkOverlap int

	// HTTPTimeout is the timeout for each document fetch request.
	// Defaults to 30s if zero.
	HTTPTimeout time.Duration

	// UserAgent is the HTTP User-Agent header sent with fetch requests.
	UserAgent string

	// Throttled classifies embedding errors that are worth retrying after a
	// pause (quota or overload). Nil disables retries.
	Throttled func(error) bool

	// ThrottleRetries is the number of retries for a throttled batch.
	// Defaults to 3 if zero.
	ThrottleRetries int

	// ThrottleBackoff is the first pause after a throttled batch; it doubles
	// on each retry. Defaults to 2s if zero.
	ThrottleBackoff time.Duration
}

// Stats summarises one ingestion run.
type Stats struct {
	Records  int `json:"records"`
	Chunks   int `json:"chunks"`
	Embedded int `json:"embedded"`
}

// Pipeline orchestrates the read -> chunk -> embed -> upsert flow.
type Pipeline struct {
	// embedder converts chunks without a vector into embeddings.
	embedder Embedder

	// writer persists the embedded chunks.
	writer rag.ChunkWriter

	// cfg holds the resolved pipeline configuration.
	cfg *Config

	// httpClient is the HTTP client used for fetching documents.
	httpClient *http.Client
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(embedder Embedder, writer rag.ChunkWriter, cfg *Config) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if writer == nil {
		return nil, fmt.Errorf("ingestion: writer must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Dimensions < 0 {
		return nil, fmt.Errorf("ingestion: dimensions must not be negative")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 10
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "medrag-go/1.0 (knowledge ingestion)"
	}
	if cfg.ThrottleRetries <= 0 {
		cfg.ThrottleRetries = 3
	}
	if cfg.ThrottleBackoff <= 0 {
		cfg.ThrottleBackoff = 2 * time.Second
	}

	return &Pipeline{
		embedder: embedder,
		writer:   writer,
		cfg:      cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
	}, nil
}

// IngestJSONL reads one Record per line from r and stores them. Blank lines
// are skipped. A malformed record aborts the run with its line number; batches
// already upserted stay stored. Progress is reported via the optional
// progress callback.
func (p *Pipeline) IngestJSONL(ctx context.Context, r io.Reader, progress func(msg string)) (Stats, error) {
	if progress == nil {
		progress = func(string) {}
	}

	var stats Stats
	var pending []rag.Chunk
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		n, err := p.store(ctx, pending)
		if err != nil {
			return err
		}
		stats.Chunks += len(pending)
		stats.Embedded += n
		progress(fmt.Sprintf("stored %d chunks (%d total)", len(pending), stats.Chunks))
		pending = nil
		return nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return stats, fmt.Errorf("ingestion: line %d: %w", line, err)
		}
		chunks, err := p.fromRecord(rec)
		if err != nil {
			return stats, fmt.Errorf("ingestion: line %d: %w", line, err)
		}
		stats.Records++
		pending = append(pending, chunks...)
		if len(pending) >= p.cfg.BatchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return stats, fmt.Errorf("ingestion: read: %w", err)
	}
	if err := flush(); err != nil {
		return stats, err
	}
	return stats, nil
}

// Ingest fetches, chunks, embeds, and stores all provided sources.
// It processes sources sequentially and returns the first error encountered.
func (p *Pipeline) Ingest(ctx context.Context, sources []Source, progress func(msg string)) (Stats, error) {
	if progress == nil {
		progress = func(string) {}
	}

	var stats Stats
	for _, src := range sources {
		progress(fmt.Sprintf("fetching %s", src.URL))

		content, err := p.fetch(ctx, src.URL)
		if err != nil {
			return stats, fmt.Errorf("ingestion: fetch failed for %s: %w", src.URL, err)
		}

		meta := InferMetadata(src.URL)
		if src.ChunkType != "" {
			meta.ChunkType = src.ChunkType
		}
		if src.SourceLabel != "" {
			meta.SourceLabel = src.SourceLabel
		}
		priority := src.Priority
		if priority == 0 {
			priority = defaultPriority
		}

		parts := p.chunk(content)
		progress(fmt.Sprintf("chunked %s into %d chunks", src.URL, len(parts)))

		chunks := make([]rag.Chunk, 0, len(parts))
		for i, part := range parts {
			chunks = append(chunks, rag.Chunk{
				ID:          chunkID(src.URL, i),
				Content:     part,
				Type:        meta.ChunkType,
				Priority:    priority,
				SourceLabel: meta.SourceLabel,
			})
		}

		for start := 0; start < len(chunks); start += p.cfg.BatchSize {
			end := min(start+p.cfg.BatchSize, len(chunks))
			n, err := p.store(ctx, chunks[start:end])
			if err != nil {
				return stats, fmt.Errorf("ingestion: %s: %w", src.URL, err)
			}
			stats.Embedded += n
		}
		stats.Records++
		stats.Chunks += len(chunks)

		progress(fmt.Sprintf("ingested %d chunks from %s", len(chunks), src.URL))
	}

	return stats, nil
}

// fromRecord validates rec and converts it into one or more chunks. Content
// longer than ChunkSize is split; split parts drop any supplied embedding
// because it described the whole text.
func (p *Pipeline) fromRecord(rec Record) ([]rag.Chunk, error) {
	content := strings.TrimSpace(rec.Content)
	if content == "" {
		return nil, errors.New("content is empty")
	}

	priority := defaultPriority
	if rec.Priority != nil {
		priority = *rec.Priority
		if priority < 0 || priority > 1 {
			return nil, fmt.Errorf("priority %v outside [0, 1]", priority)
		}
	}

	meta := InferMetadata(rec.SourceLabel)
	chunkType := rag.ChunkType(strings.ToLower(strings.TrimSpace(rec.ChunkType)))
	if chunkType == "" {
		chunkType = meta.ChunkType
	}

	id := strings.TrimSpace(rec.ID)
	if id == "" {
		id = chunkID(rec.SourceLabel+"\x00"+content, 0)
	}

	base := rag.Chunk{
		ID:          id,
		Type:        chunkType,
		Priority:    priority,
		SourceLabel: rec.SourceLabel,
	}

	parts := p.chunk(content)
	if len(parts) == 1 {
		base.Content = content
		base.Embedding = rec.Embedding
		return []rag.Chunk{base}, nil
	}
	out := make([]rag.Chunk, 0, len(parts))
	for i, part := range parts {
		c := base
		c.ID = fmt.Sprintf("%s#%d", id, i)
		c.Content = part
		out = append(out, c)
	}
	return out, nil
}

// store embeds chunks lacking a vector, checks every dimension and upserts.
// It returns the number of chunks it embedded.
func (p *Pipeline) store(ctx context.Context, chunks []rag.Chunk) (int, error) {
	var texts []string
	var idx []int
	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			texts = append(texts, c.Content)
			idx = append(idx, i)
		}
	}
	if len(texts) > 0 {
		vecs, err := p.embed(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("ingestion: embedding failed: %w", err)
		}
		if len(vecs) != len(texts) {
			return 0, fmt.Errorf("ingestion: expected %d embeddings, got %d", len(texts), len(vecs))
		}
		for j, i := range idx {
			chunks[i].Embedding = vecs[j]
		}
	}

	for _, c := range chunks {
		if p.cfg.Dimensions == 0 {
			p.cfg.Dimensions = len(c.Embedding)
		}
		if len(c.Embedding) != p.cfg.Dimensions {
			return 0, fmt.Errorf("ingestion: chunk %s: dimension %d, want %d", c.ID, len(c.Embedding), p.cfg.Dimensions)
		}
	}

	if err := p.writer.Upsert(ctx, chunks); err != nil {
		return 0, fmt.Errorf("ingestion: upsert failed: %w", err)
	}
	return len(texts), nil
}

// embed calls the embedder, pausing and retrying while it reports throttling.
func (p *Pipeline) embed(ctx context.Context, texts []string) ([][]float32, error) {
	wait := p.cfg.ThrottleBackoff
	for attempt := 0; ; attempt++ {
		vecs, err := p.embedder.EmbedBatch(ctx, texts)
		if err == nil || p.cfg.Throttled == nil || !p.cfg.Throttled(err) || attempt == p.cfg.ThrottleRetries {
			return vecs, err
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		wait *= 2
	}
}

// fetch retrieves the raw text content of a URL.
func (p *Pipeline) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "text/plain, text/markdown")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}

	return string(body), nil
}

// chunk splits text into overlapping chunks of cfg.ChunkSize runes.
func (p *Pipeline) chunk(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	var chunks []string
	size := p.cfg.ChunkSize
	overlap := p.cfg.ChunkOverlap

	for start := 0; start < len(runes); start += size - overlap {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}

	return chunks
}

// chunkID generates a deterministic ID for a chunk from its source and index.
func chunkID(source string, index int) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s#%d", source, index))
	return fmt.Sprintf("%x", h[:16])
}
