// Package config provides YAML-based configuration for medrag.
// Configuration is loaded with a layered precedence: defaults, then YAML file,
// then env vars. Environment variables always win.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. MEDRAG_CONFIG environment variable
//  3. ~/.medrag/config.yaml
//  4. ./medrag.yaml
//
// EngineFromEnv then reads the resolved environment into typed settings.
//
// If no file is found the system runs entirely from env vars (backwards compatible).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type Config struct {
	// Model configures the LLM chat model provider.
	Model ModelConfig `yaml:"model"`

	// Generation configures the ordered provider failover list.
	Generation GenerationConfig `yaml:"generation"`

	// Embedding configures the embedding provider for RAG.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// RAG configures retrieval thresholds and the backend fallback chain.
	RAG RAGConfig `yaml:"rag"`

	// Qdrant configures the Qdrant vector store connection.
	Qdrant QdrantConfig `yaml:"qdrant"`

	// Weaviate configures the Weaviate vector store connection.
	Weaviate WeaviateConfig `yaml:"weaviate"`

	// Breaker configures the circuit breakers around providers and cache tiers.
	Breaker BreakerConfig `yaml:"breaker"`

	// Cache configures the tiered retrieval cache.
	Cache CacheConfig `yaml:"cache"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures Langfuse tracing integration.
	Tracing TracingConfig `yaml:"tracing"`
}

// ModelConfig holds LLM chat model settings.
type ModelConfig struct {
	// Provider selects the backend: ollama, openai, azure, bedrock, gemini.
	Provider string `yaml:"provider"`

	// MaxTokens is the maximum number of tokens in the response.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls response randomness (0.0 to 1.0).
	Temperature float32 `yaml:"temperature"`

	// Ollama holds Ollama-specific settings.
	Ollama OllamaConfig `yaml:"ollama"`

	// OpenAI holds OpenAI-specific settings.
	OpenAI OpenAIConfig `yaml:"openai"`

	// Azure holds Azure OpenAI-specific settings.
	Azure AzureConfig `yaml:"azure"`

	// Bedrock holds AWS Bedrock-specific settings.
	Bedrock BedrockConfig `yaml:"bedrock"`

	// Gemini holds Google Gemini-specific settings.
	Gemini GeminiConfig `yaml:"gemini"`
}

// OllamaConfig holds Ollama provider settings.
type OllamaConfig struct {
	// Host is the Ollama API endpoint.
	Host string `yaml:"host"`
	// Model is the Ollama model name.
	Model string `yaml:"model"`
}

// OpenAIConfig holds OpenAI provider settings.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key. Prefer env var OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the OpenAI model name.
	Model string `yaml:"model"`
}

// AzureConfig holds Azure OpenAI provider settings.
type AzureConfig struct {
	// APIKey is the Azure OpenAI API key. Prefer env var AZURE_OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the Azure OpenAI resource endpoint.
	Endpoint string `yaml:"endpoint"`
	// Deployment is the Azure OpenAI deployment name.
	Deployment string `yaml:"deployment"`
	// APIVersion is the Azure OpenAI API version.
	APIVersion string `yaml:"api_version"`
}

// BedrockConfig holds AWS Bedrock provider settings.
type BedrockConfig struct {
	// Region is the AWS region for Bedrock.
	Region string `yaml:"region"`
	// ModelID is the Bedrock model identifier.
	ModelID string `yaml:"model_id"`
	// Endpoint overrides the Bedrock runtime endpoint.
	Endpoint string `yaml:"endpoint"`
}

// GeminiConfig holds Google Gemini provider settings.
type GeminiConfig struct {
	// APIKey is the Google API key. Prefer env var GOOGLE_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the Gemini model name.
	Model string `yaml:"model"`
}

// GenerationConfig holds the generation failover settings.
type GenerationConfig struct {
	// Providers is the ordered failover list, e.g. [ollama, openai].
	Providers []string `yaml:"providers"`
	// Timeout bounds each provider call, e.g. "60s".
	Timeout string `yaml:"timeout"`
}

// EmbeddingConfig holds embedding provider settings for RAG.
type EmbeddingConfig struct {
	// Provider selects the embedding backend (ollama, openai, azure, gemini).
	Provider string `yaml:"provider"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// Dimensions overrides the embedding vector size.
	Dimensions int `yaml:"dimensions"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the embedding API endpoint.
	Endpoint string `yaml:"endpoint"`
	// Timeout bounds one embedding call, e.g. "10s".
	Timeout string `yaml:"timeout"`
	// MaxChars truncates longer input.
	MaxChars int `yaml:"max_chars"`
}

// RAGConfig holds retrieval settings.
type RAGConfig struct {
	// TopK is the default number of chunks returned.
	TopK int `yaml:"top_k"`
	// MinScore is the raw cosine similarity threshold.
	MinScore float32 `yaml:"min_score"`
	// MinWeightedScore is the post-weighting threshold.
	MinWeightedScore float32 `yaml:"min_weighted_score"`
	// PrefilterFactor scales MinScore for the backend query.
	PrefilterFactor float32 `yaml:"prefilter_factor"`
	// ChunkWeights is the per-type weight table, e.g. "protocol=0.9,general=0.6".
	ChunkWeights string `yaml:"chunk_weights"`
	// Backends is the ordered fallback chain, e.g. [qdrant, sqlite, memory].
	Backends []string `yaml:"backends"`
	// BackendTimeout bounds each backend search, e.g. "5s".
	BackendTimeout string `yaml:"backend_timeout"`
	// SQLitePath is the local chunk store path.
	SQLitePath string `yaml:"sqlite_path"`
}

// QdrantConfig holds Qdrant vector store settings.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host"`
	// Port is the Qdrant gRPC port.
	Port int `yaml:"port"`
	// Collection is the Qdrant collection name.
	Collection string `yaml:"collection"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	// TLS enables TLS for the Qdrant connection.
	TLS bool `yaml:"tls"`
}

// WeaviateConfig holds Weaviate vector store settings.
type WeaviateConfig struct {
	// Host is host:port of the Weaviate REST endpoint.
	Host string `yaml:"host"`
	// Scheme is http or https.
	Scheme string `yaml:"scheme"`
	// Class is the object class holding chunks.
	Class string `yaml:"class"`
	// APIKey is the Weaviate API key. Prefer env var WEAVIATE_API_KEY.
	APIKey string `yaml:"api_key"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failures that open a breaker.
	FailureThreshold int `yaml:"failure_threshold"`
	// Timeout is how long a breaker stays open, e.g. "30s".
	Timeout string `yaml:"timeout"`
	// HalfOpenMaxCalls is the number of concurrent trial calls allowed.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls"`
}

// CacheConfig holds tiered cache settings.
type CacheConfig struct {
	// TTL is the lifetime of cached retrieval results, e.g. "10m".
	TTL string `yaml:"ttl"`
	// MemoryMaxEntries bounds the in-process tier.
	MemoryMaxEntries int `yaml:"memory_max_entries"`
	// SQLitePath is the persistent tier path. Set to "disabled" to disable.
	SQLitePath string `yaml:"sqlite_path"`
	// SQLiteMaxEntries bounds the persistent tier.
	SQLiteMaxEntries int `yaml:"sqlite_max_entries"`
	// TierTimeout bounds each tier operation, e.g. "500ms".
	TierTimeout string `yaml:"tier_timeout"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `yaml:"host"`
	// Port is the TCP port.
	Port int `yaml:"port"`
	// APIKey is the Bearer token for API authentication. Prefer env var MEDRAG_API_KEY.
	APIKey string `yaml:"api_key"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// TracingConfig holds Langfuse tracing settings.
type TracingConfig struct {
	// PublicKey is the Langfuse public key. Prefer env var LANGFUSE_PUBLIC_KEY.
	PublicKey string `yaml:"public_key"`
	// SecretKey is the Langfuse secret key. Prefer env var LANGFUSE_SECRET_KEY.
	SecretKey string `yaml:"secret_key"`
	// Host is the Langfuse API host.
	Host string `yaml:"host"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"MODEL_PROVIDER", func(c *Config) string { return c.Model.Provider }},
	{"MODEL_MAX_TOKENS", func(c *Config) string { return intStr(c.Model.MaxTokens) }},
	{"MODEL_TEMPERATURE", func(c *Config) string { return float32Str(c.Model.Temperature) }},
	{"OLLAMA_HOST", func(c *Config) string { return c.Model.Ollama.Host }},
	{"OLLAMA_MODEL", func(c *Config) string { return c.Model.Ollama.Model }},
	{"OPENAI_API_KEY", func(c *Config) string { return c.Model.OpenAI.APIKey }},
	{"OPENAI_MODEL", func(c *Config) string { return c.Model.OpenAI.Model }},
	{"AZURE_OPENAI_API_KEY", func(c *Config) string { return c.Model.Azure.APIKey }},
	{"AZURE_OPENAI_ENDPOINT", func(c *Config) string { return c.Model.Azure.Endpoint }},
	{"AZURE_OPENAI_DEPLOYMENT", func(c *Config) string { return c.Model.Azure.Deployment }},
	{"AZURE_OPENAI_API_VERSION", func(c *Config) string { return c.Model.Azure.APIVersion }},
	{"AWS_REGION", func(c *Config) string { return c.Model.Bedrock.Region }},
	{"BEDROCK_MODEL_ID", func(c *Config) string { return c.Model.Bedrock.ModelID }},
	{"BEDROCK_ENDPOINT", func(c *Config) string { return c.Model.Bedrock.Endpoint }},
	{"GOOGLE_API_KEY", func(c *Config) string { return c.Model.Gemini.APIKey }},
	{"GEMINI_MODEL", func(c *Config) string { return c.Model.Gemini.Model }},
	{"GENERATION_PROVIDERS", func(c *Config) string { return listStr(c.Generation.Providers) }},
	{"GENERATION_TIMEOUT", func(c *Config) string { return c.Generation.Timeout }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"EMBEDDING_TIMEOUT", func(c *Config) string { return c.Embedding.Timeout }},
	{"EMBEDDING_MAX_CHARS", func(c *Config) string { return intStr(c.Embedding.MaxChars) }},
	{"RAG_TOP_K", func(c *Config) string { return intStr(c.RAG.TopK) }},
	{"RAG_MIN_SCORE", func(c *Config) string { return float32Str(c.RAG.MinScore) }},
	{"RAG_MIN_WEIGHTED_SCORE", func(c *Config) string { return float32Str(c.RAG.MinWeightedScore) }},
	{"RAG_PREFILTER_FACTOR", func(c *Config) string { return float32Str(c.RAG.PrefilterFactor) }},
	{"RAG_CHUNK_WEIGHTS", func(c *Config) string { return c.RAG.ChunkWeights }},
	{"RAG_BACKENDS", func(c *Config) string { return listStr(c.RAG.Backends) }},
	{"RAG_BACKEND_TIMEOUT", func(c *Config) string { return c.RAG.BackendTimeout }},
	{"RAG_SQLITE_PATH", func(c *Config) string { return c.RAG.SQLitePath }},
	{"QDRANT_HOST", func(c *Config) string { return c.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Qdrant.Port) }},
	{"QDRANT_COLLECTION", func(c *Config) string { return c.Qdrant.Collection }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Qdrant.TLS) }},
	{"WEAVIATE_HOST", func(c *Config) string { return c.Weaviate.Host }},
	{"WEAVIATE_SCHEME", func(c *Config) string { return c.Weaviate.Scheme }},
	{"WEAVIATE_CLASS", func(c *Config) string { return c.Weaviate.Class }},
	{"WEAVIATE_API_KEY", func(c *Config) string { return c.Weaviate.APIKey }},
	{"BREAKER_FAILURE_THRESHOLD", func(c *Config) string { return intStr(c.Breaker.FailureThreshold) }},
	{"BREAKER_TIMEOUT", func(c *Config) string { return c.Breaker.Timeout }},
	{"BREAKER_HALF_OPEN_MAX_CALLS", func(c *Config) string { return intStr(c.Breaker.HalfOpenMaxCalls) }},
	{"CACHE_TTL", func(c *Config) string { return c.Cache.TTL }},
	{"CACHE_MEMORY_MAX_ENTRIES", func(c *Config) string { return intStr(c.Cache.MemoryMaxEntries) }},
	{"CACHE_SQLITE_PATH", func(c *Config) string { return c.Cache.SQLitePath }},
	{"CACHE_SQLITE_MAX_ENTRIES", func(c *Config) string { return intStr(c.Cache.SQLiteMaxEntries) }},
	{"CACHE_TIER_TIMEOUT", func(c *Config) string { return c.Cache.TierTimeout }},
	{"MEDRAG_HOST", func(c *Config) string { return c.Server.Host }},
	{"MEDRAG_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"MEDRAG_API_KEY", func(c *Config) string { return c.Server.APIKey }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"LANGFUSE_PUBLIC_KEY", func(c *Config) string { return c.Tracing.PublicKey }},
	{"LANGFUSE_SECRET_KEY", func(c *Config) string { return c.Tracing.SecretKey }},
	{"LANGFUSE_HOST", func(c *Config) string { return c.Tracing.Host }},
}

// Load reads a YAML config file and applies non-empty values as environment
// variables. Existing env vars are never overwritten (env always wins).
// Returns the path that was loaded, or empty string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" || yamlVal == "0" || yamlVal == "false" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set, do not override
		}
		os.Setenv(m.envKey, yamlVal)
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("MEDRAG_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".medrag", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("medrag.yaml"); err == nil {
		return "medrag.yaml"
	}

	return ""
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// float32Str converts a float32 to string, returning "" for zero values.
func float32Str(v float32) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

// listStr joins a YAML list into the comma-separated env form.
func listStr(v []string) string {
	return strings.Join(v, ",")
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}
