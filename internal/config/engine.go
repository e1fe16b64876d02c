package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/54b3r/medrag-go/internal/breaker"
	"github.com/54b3r/medrag-go/internal/rag"
)

// Disabled turns off an optional SQLite file when used as its path.
const Disabled = "disabled"

// Engine is the typed retrieval and generation configuration.
type Engine struct {
	Retrieval  Retrieval
	Embedding  Embedding
	Breaker    breaker.Config
	Generation Generation
	Cache      Cache
	Qdrant     Qdrant
	Weaviate   Weaviate
}

// Retrieval holds the ranking thresholds and the backend fallback chain.
type Retrieval struct {
	TopK             int
	MinScore         float64
	MinWeightedScore float64
	PrefilterFactor  float64
	Weights          rag.Weights
	// Backends is the ordered fallback chain by name.
	Backends       []string
	BackendTimeout time.Duration
	// SQLitePath is the local chunk store, or Disabled.
	SQLitePath string
	// MemorySeed is a JSONL chunk file loaded into the memory backend at
	// startup. The memory backend is left out of the chain without one.
	MemorySeed string
}

// Embedding holds the query embedding limits.
type Embedding struct {
	Timeout  time.Duration
	MaxChars int
	// Dimensions is 0 when the backend default applies.
	Dimensions int
}

// Generation holds the provider failover settings.
type Generation struct {
	// Providers is the failover order by backend name.
	Providers []string
	Timeout   time.Duration
}

// Cache holds the tiered cache settings.
type Cache struct {
	TTL              time.Duration
	MemoryMaxEntries int
	// SQLitePath is the persistent tier, or Disabled.
	SQLitePath       string
	SQLiteMaxEntries int
	TierTimeout      time.Duration
}

// Qdrant holds the Qdrant connection settings.
type Qdrant struct {
	Host       string
	Port       int
	Collection string
	APIKey     string
	TLS        bool
}

// Weaviate holds the Weaviate connection settings.
type Weaviate struct {
	Host   string
	Scheme string
	Class  string
	APIKey string
}

// DefaultBackends is the retrieval fallback order when RAG_BACKENDS is unset.
// The in-process memory backend is opt-in because it starts empty; see
// Retrieval.MemorySeed.
var DefaultBackends = []string{"qdrant", "weaviate", "sqlite"}

// EngineFromEnv reads Engine from the environment. Unset variables take their
// defaults; malformed values are errors so a typo never silently falls back.
//
// Environment variables:
//
//	Retrieval:  RAG_TOP_K (5), RAG_MIN_SCORE (0.5), RAG_MIN_WEIGHTED_SCORE (0.2),
//	            RAG_PREFILTER_FACTOR (0.8), RAG_CHUNK_WEIGHTS, RAG_BACKENDS
//	            (qdrant,weaviate,sqlite; add memory explicitly), RAG_BACKEND_TIMEOUT (5s),
//	            RAG_SQLITE_PATH (~/.medrag/chunks.db), RAG_MEMORY_SEED
//	Embedding:  EMBEDDING_TIMEOUT (10s), EMBEDDING_MAX_CHARS (2000), EMBEDDING_DIMENSIONS
//	Breakers:   BREAKER_FAILURE_THRESHOLD (3), BREAKER_TIMEOUT (30s),
//	            BREAKER_HALF_OPEN_MAX_CALLS (1)
//	Generation: GENERATION_PROVIDERS (MODEL_PROVIDER), GENERATION_TIMEOUT (60s)
//	Cache:      CACHE_TTL (10m), CACHE_MEMORY_MAX_ENTRIES (1000),
//	            CACHE_SQLITE_PATH (~/.medrag/cache.db), CACHE_SQLITE_MAX_ENTRIES (10000),
//	            CACHE_TIER_TIMEOUT (500ms)
//	Qdrant:     QDRANT_HOST (localhost), QDRANT_PORT (6334), QDRANT_COLLECTION
//	            (medrag-chunks), QDRANT_API_KEY, QDRANT_TLS
//	Weaviate:   WEAVIATE_HOST (localhost:8080), WEAVIATE_SCHEME (http),
//	            WEAVIATE_CLASS (MedicalChunk), WEAVIATE_API_KEY
func EngineFromEnv() (*Engine, error) {
	r := &envReader{}

	e := &Engine{
		Retrieval: Retrieval{
			TopK:             r.int("RAG_TOP_K", 5),
			MinScore:         r.float("RAG_MIN_SCORE", 0.5),
			MinWeightedScore: r.float("RAG_MIN_WEIGHTED_SCORE", 0.2),
			PrefilterFactor:  r.float("RAG_PREFILTER_FACTOR", 0.8),
			Backends:         r.list("RAG_BACKENDS", DefaultBackends),
			BackendTimeout:   r.duration("RAG_BACKEND_TIMEOUT", 5*time.Second),
			SQLitePath:       r.str("RAG_SQLITE_PATH", "~/.medrag/chunks.db"),
			MemorySeed:       r.str("RAG_MEMORY_SEED", ""),
		},
		Embedding: Embedding{
			Timeout:    r.duration("EMBEDDING_TIMEOUT", 10*time.Second),
			MaxChars:   r.int("EMBEDDING_MAX_CHARS", 2000),
			Dimensions: r.int("EMBEDDING_DIMENSIONS", 0),
		},
		Breaker: breaker.Config{
			FailureThreshold: r.int("BREAKER_FAILURE_THRESHOLD", 3),
			Timeout:          r.duration("BREAKER_TIMEOUT", 30*time.Second),
			HalfOpenMaxCalls: r.int("BREAKER_HALF_OPEN_MAX_CALLS", 1),
		},
		Generation: Generation{
			Providers: r.list("GENERATION_PROVIDERS", []string{r.str("MODEL_PROVIDER", "ollama")}),
			Timeout:   r.duration("GENERATION_TIMEOUT", 60*time.Second),
		},
		Cache: Cache{
			TTL:              r.duration("CACHE_TTL", 10*time.Minute),
			MemoryMaxEntries: r.int("CACHE_MEMORY_MAX_ENTRIES", 1000),
			SQLitePath:       r.str("CACHE_SQLITE_PATH", "~/.medrag/cache.db"),
			SQLiteMaxEntries: r.int("CACHE_SQLITE_MAX_ENTRIES", 10000),
			TierTimeout:      r.duration("CACHE_TIER_TIMEOUT", 500*time.Millisecond),
		},
		Qdrant: Qdrant{
			Host:       r.str("QDRANT_HOST", "localhost"),
			Port:       r.int("QDRANT_PORT", 6334),
			Collection: r.str("QDRANT_COLLECTION", "medrag-chunks"),
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			TLS:        os.Getenv("QDRANT_TLS") == "true",
		},
		Weaviate: Weaviate{
			Host:   r.str("WEAVIATE_HOST", "localhost:8080"),
			Scheme: r.str("WEAVIATE_SCHEME", "http"),
			Class:  r.str("WEAVIATE_CLASS", "MedicalChunk"),
			APIKey: os.Getenv("WEAVIATE_API_KEY"),
		},
	}

	e.Retrieval.Weights = rag.DefaultWeights()
	if v := os.Getenv("RAG_CHUNK_WEIGHTS"); v != "" {
		w, err := rag.ParseWeights(v)
		if err != nil {
			r.fail("RAG_CHUNK_WEIGHTS", err)
		} else {
			e.Retrieval.Weights = w
		}
	}

	if len(r.errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(r.errs, "; "))
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks value ranges.
func (e *Engine) Validate() error {
	var errs []string
	if e.Retrieval.TopK <= 0 {
		errs = append(errs, "RAG_TOP_K must be positive")
	}
	if e.Retrieval.MinScore < 0 || e.Retrieval.MinScore > 1 {
		errs = append(errs, "RAG_MIN_SCORE must be in [0, 1]")
	}
	if e.Retrieval.MinWeightedScore < 0 || e.Retrieval.MinWeightedScore > 1 {
		errs = append(errs, "RAG_MIN_WEIGHTED_SCORE must be in [0, 1]")
	}
	if e.Retrieval.PrefilterFactor <= 0 || e.Retrieval.PrefilterFactor > 1 {
		errs = append(errs, "RAG_PREFILTER_FACTOR must be in (0, 1]")
	}
	if e.Embedding.MaxChars <= 0 {
		errs = append(errs, "EMBEDDING_MAX_CHARS must be positive")
	}
	if e.Embedding.Dimensions < 0 {
		errs = append(errs, "EMBEDDING_DIMENSIONS must not be negative")
	}
	if len(e.Generation.Providers) == 0 {
		errs = append(errs, "GENERATION_PROVIDERS must name at least one provider")
	}
	if e.Cache.MemoryMaxEntries <= 0 || e.Cache.SQLiteMaxEntries <= 0 {
		errs = append(errs, "cache max entries must be positive")
	}
	if err := e.Breaker.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// envReader parses typed env vars and collects every malformed value.
type envReader struct {
	errs []string
}

func (r *envReader) fail(key string, err error) {
	r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
}

func (r *envReader) str(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (r *envReader) int(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return fallback
	}
	return i
}

func (r *envReader) float(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, err)
		return fallback
	}
	return f
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
		return fallback
	}
	if d <= 0 {
		r.fail(key, fmt.Errorf("must be positive, got %s", v))
		return fallback
	}
	return d
}

// list parses a comma-separated, lower-cased list, dropping empty entries.
// A name listed twice is an error: both lists are priority chains.
func (r *envReader) list(key string, fallback []string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	seen := make(map[string]bool)
	for _, p := range strings.Split(v, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if seen[p] {
			r.fail(key, fmt.Errorf("%q listed more than once", p))
			return fallback
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
