package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/medrag-go/internal/assistant"
	"github.com/54b3r/medrag-go/internal/breaker"
	"github.com/54b3r/medrag-go/internal/cache"
	"github.com/54b3r/medrag-go/internal/config"
	"github.com/54b3r/medrag-go/internal/embedder"
	"github.com/54b3r/medrag-go/internal/events"
	"github.com/54b3r/medrag-go/internal/ingestion"
	"github.com/54b3r/medrag-go/internal/provider"
	"github.com/54b3r/medrag-go/internal/rag"
	"github.com/54b3r/medrag-go/internal/server"
)

// connectTimeout bounds each backend connection made at startup.
const connectTimeout = 10 * time.Second

// engine bundles the components a command builds from configuration. Fields
// a command did not ask for stay nil.
type engine struct {
	cfg       *config.Engine
	log       *slog.Logger
	events    events.Sink
	embedder  *embedder.Embedder
	backends  []rag.VectorBackend
	cache     *cache.TieredCache
	retriever *rag.Retriever
	manager   *provider.Manager
	assistant *assistant.Assistant
	// pingers collects readiness probes for every dependency opened.
	pingers []server.Pinger
	closers []io.Closer
}

// engineOptions selects which halves of the engine to build.
type engineOptions struct {
	retrieval  bool
	generation bool
	// registry, when set, receives engine metrics alongside the log sink.
	registry prometheus.Registerer
}

// buildEngine reads config.EngineFromEnv and constructs the requested
// components. On error everything opened so far is closed.
func buildEngine(ctx context.Context, log *slog.Logger, opts engineOptions) (_ *engine, err error) {
	cfg, err := config.EngineFromEnv()
	if err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg, log: log, events: buildEvents(log, opts.registry)}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	if opts.retrieval {
		if err := e.buildRetrieval(ctx); err != nil {
			return nil, err
		}
	}
	if opts.generation {
		if err := e.buildGeneration(ctx); err != nil {
			return nil, err
		}
		a, err := assistant.New(assistant.Config{
			Retriever: e.assistantRetriever(),
			Generator: e.manager,
			TopK:      cfg.Retrieval.TopK,
		})
		if err != nil {
			return nil, err
		}
		e.assistant = a
	}
	return e, nil
}

// assistantRetriever avoids handing the assistant a typed nil.
func (e *engine) assistantRetriever() assistant.Retriever {
	if e.retriever == nil {
		return nil
	}
	return e.retriever
}

// Close releases every backend and cache tier opened by the engine.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			e.log.Warn("close failed", slog.Any("error", err))
		}
	}
	e.closers = nil
}

// buildEvents fans engine events out to the log and, when reg is set, to
// Prometheus.
func buildEvents(log *slog.Logger, reg prometheus.Registerer) events.Sink {
	if reg == nil {
		return events.NewLogSink(log)
	}
	return events.Multi(events.NewLogSink(log), events.NewMetricsSink(reg))
}

// buildEmbedder validates the embedding settings and constructs the embedder.
func (e *engine) buildEmbedder(ctx context.Context, backends []string) error {
	if err := embedder.ValidateForRAG(e.log, backends); err != nil {
		return err
	}
	emb, err := embedder.NewFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialise embedder: %w", err)
	}
	e.embedder = emb
	e.log.Info("embedder initialised",
		slog.String("backend", embedder.Backend()),
		slog.String("model", emb.Model()),
		slog.Int("dimensions", emb.Dimensions()),
	)
	return nil
}

// dimensions is the deployment's vector length.
func (e *engine) dimensions() int {
	if e.embedder != nil && e.embedder.Dimensions() > 0 {
		return e.embedder.Dimensions()
	}
	if e.cfg.Embedding.Dimensions > 0 {
		return e.cfg.Embedding.Dimensions
	}
	return embedder.DefaultDimensions(embedder.Backend())
}

// buildRetrieval opens the embedder, every reachable backend in the fallback
// chain, the tiered cache and the retriever.
func (e *engine) buildRetrieval(ctx context.Context) error {
	if err := e.buildEmbedder(ctx, e.cfg.Retrieval.Backends); err != nil {
		return err
	}

	for _, name := range e.cfg.Retrieval.Backends {
		b, err := e.openBackend(ctx, name)
		if err != nil {
			e.log.Warn("vector backend unavailable, skipping",
				slog.String("backend", name),
				slog.Any("error", err),
			)
			continue
		}
		e.backends = append(e.backends, b)
		if p, ok := b.(rag.Pinger); ok {
			// The first backend gates readiness; the rest are fallbacks.
			if len(e.backends) == 1 {
				e.pingers = append(e.pingers, server.NewPinger("backend:"+name, p))
			} else {
				e.pingers = append(e.pingers, server.NewOptionalPinger("backend:"+name, p))
			}
		}
	}
	if len(e.backends) == 0 {
		return fmt.Errorf("no vector backend could be opened from %v", e.cfg.Retrieval.Backends)
	}

	if err := e.buildCache(ctx); err != nil {
		return err
	}

	rcfg := rag.RetrieverConfig{
		Embedder:         e.embedder,
		Backends:         e.backends,
		Weights:          e.cfg.Retrieval.Weights,
		MinScore:         e.cfg.Retrieval.MinScore,
		MinWeightedScore: e.cfg.Retrieval.MinWeightedScore,
		PrefilterFactor:  e.cfg.Retrieval.PrefilterFactor,
		DefaultTopK:      e.cfg.Retrieval.TopK,
		BackendTimeout:   e.cfg.Retrieval.BackendTimeout,
		EmbedTimeout:     e.cfg.Embedding.Timeout,
		CacheTTL:         e.cfg.Cache.TTL,
		Events:           e.events,
	}
	if e.cache != nil {
		rcfg.Cache = e.cache
	}
	r, err := rag.NewRetriever(rcfg)
	if err != nil {
		return err
	}
	e.retriever = r

	names := make([]string, len(e.backends))
	for i, b := range e.backends {
		names[i] = b.Name()
	}
	e.log.Info("retriever ready", slog.Any("backends", names), slog.Bool("cache", e.cache != nil))
	return nil
}

// openBackend connects to the named vector backend.
func (e *engine) openBackend(ctx context.Context, name string) (rag.VectorBackend, error) {
	dim := e.dimensions()
	if name == "memory" {
		// Seeding may embed records, so it is not bound by connectTimeout.
		return e.seedMemory(ctx, dim)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch name {
	case "qdrant":
		q := e.cfg.Qdrant
		b, err := rag.NewQdrantBackend(ctx, &rag.QdrantConfig{
			Host:       q.Host,
			Port:       q.Port,
			Collection: q.Collection,
			VectorSize: uint64(dim), //nolint:gosec // dimensions are positive and bounded
			APIKey:     q.APIKey,
			UseTLS:     q.TLS,
		})
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, b)
		return b, nil

	case "weaviate":
		w := e.cfg.Weaviate
		return rag.NewWeaviateBackend(ctx, rag.WeaviateConfig{
			Host:   w.Host,
			Scheme: w.Scheme,
			Class:  w.Class,
			APIKey: w.APIKey,
		})

	case "sqlite":
		if e.cfg.Retrieval.SQLitePath == config.Disabled {
			return nil, errors.New("disabled via RAG_SQLITE_PATH")
		}
		b, err := rag.OpenSQLiteBackend(ctx, e.cfg.Retrieval.SQLitePath, dim)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, b)
		return b, nil

	default:
		return nil, fmt.Errorf("unknown vector backend %q", name)
	}
}

// seedMemory builds the in-process backend from the RAG_MEMORY_SEED JSONL
// file. An empty memory backend would answer every query with no results and
// hide an outage of the backends ahead of it, so it is refused without a seed.
func (e *engine) seedMemory(ctx context.Context, dim int) (rag.VectorBackend, error) {
	path := e.cfg.Retrieval.MemorySeed
	if path == "" {
		return nil, errors.New("memory backend needs RAG_MEMORY_SEED")
	}
	f, err := os.Open(path) //nolint:gosec // operator-supplied seed file
	if err != nil {
		return nil, fmt.Errorf("memory seed: %w", err)
	}
	defer f.Close()

	mem := rag.NewMemoryBackend("memory", dim)
	p, err := ingestion.NewPipeline(e.embedder, mem, &ingestion.Config{
		Dimensions: dim,
		Throttled:  embedder.IsThrottled,
	})
	if err != nil {
		return nil, err
	}
	stats, err := p.IngestJSONL(ctx, f, nil)
	if err != nil {
		return nil, fmt.Errorf("memory seed %s: %w", path, err)
	}
	if mem.Len() == 0 {
		return nil, fmt.Errorf("memory seed %s holds no chunks", path)
	}
	e.log.Info("memory backend seeded", slog.String("path", path), slog.Int("chunks", stats.Chunks))
	return mem, nil
}

// buildCache constructs the memory tier and, unless disabled, the SQLite tier.
// A SQLite tier that cannot be opened is skipped with a warning.
func (e *engine) buildCache(ctx context.Context) error {
	c := e.cfg.Cache
	tiers := []cache.Tier{cache.NewMemoryTier(c.MemoryMaxEntries, nil)}

	if c.SQLitePath != config.Disabled {
		t, err := cache.OpenSQLiteTier(ctx, c.SQLitePath, c.SQLiteMaxEntries, nil)
		if err != nil {
			e.log.Warn("cache: sqlite tier unavailable, continuing with memory only", slog.Any("error", err))
		} else {
			tiers = append(tiers, t)
			e.closers = append(e.closers, t)
			e.pingers = append(e.pingers, server.NewOptionalPinger("cache:sqlite", t))
		}
	}

	tc, err := cache.New(tiers, cache.Options{
		TierTimeout: c.TierTimeout,
		Breaker:     e.cfg.Breaker,
		Events:      e.events,
	})
	if err != nil {
		return err
	}
	e.cache = tc
	return nil
}

// buildGeneration constructs one chat generator per configured provider, in
// priority order, behind its own breaker. Providers that fail to initialise
// are skipped; at least one must succeed.
func (e *engine) buildGeneration(ctx context.Context) error {
	gens := make([]provider.Generator, 0, len(e.cfg.Generation.Providers))
	for _, name := range e.cfg.Generation.Providers {
		pcfg := provider.ConfigFromEnv(provider.Backend(name))
		chat, err := provider.New(ctx, pcfg)
		if err != nil {
			e.log.Warn("generation provider unavailable, skipping",
				slog.String("provider", name),
				slog.Any("error", err),
			)
			continue
		}
		g, err := provider.NewChatGenerator(name, pcfg.ModelName(), chat)
		if err != nil {
			return err
		}
		gens = append(gens, g)
		e.log.Info("provider initialised", slog.String("provider", name), slog.String("model", pcfg.ModelName()))
	}
	if len(gens) == 0 {
		return fmt.Errorf("no generation provider could be initialised from %v", e.cfg.Generation.Providers)
	}

	records, err := provider.NewRecords(gens, e.cfg.Breaker, breaker.EmitTo(e.events))
	if err != nil {
		return err
	}
	m, err := provider.NewManager(records, provider.ManagerConfig{
		Timeout: e.cfg.Generation.Timeout,
		Events:  e.events,
	})
	if err != nil {
		return err
	}
	e.manager = m
	e.pingers = append(e.pingers, server.NewProvidersPinger(m))
	return nil
}

// openWriter connects to a single backend for ingestion.
func (e *engine) openWriter(ctx context.Context, name string) (rag.ChunkWriter, error) {
	if name == "memory" {
		return nil, fmt.Errorf("backend %q does not persist chunks, choose qdrant, weaviate or sqlite", name)
	}
	b, err := e.openBackend(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	w, ok := b.(rag.ChunkWriter)
	if !ok {
		return nil, fmt.Errorf("backend %q does not accept upserts", name)
	}
	return w, nil
}
