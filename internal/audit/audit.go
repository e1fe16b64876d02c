// Package audit writes one structured record per CLI invocation: the command,
// the config file it loaded, and the deployment-relevant environment grouped
// by concern. Secret values are reduced to "set" or "unset" and credentials
// embedded in URLs are stripped, so the record is safe to ship to log storage.
package audit

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"strings"
)

// section is one group of env vars in the audit record.
type section struct {
	name string
	keys []string
}

// sections lists what an operator needs to reconstruct which providers,
// backends and tiers a run was pointed at.
var sections = []section{
	{"generation", []string{
		"GENERATION_PROVIDERS", "MODEL_PROVIDER",
		"OLLAMA_HOST", "OLLAMA_MODEL",
		"OPENAI_API_KEY", "OPENAI_MODEL",
		"AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_DEPLOYMENT",
		"GOOGLE_API_KEY", "GEMINI_MODEL",
		"AWS_REGION", "BEDROCK_MODEL_ID",
	}},
	{"embedding", []string{
		"EMBEDDING_PROVIDER", "EMBEDDING_MODEL", "EMBEDDING_ENDPOINT",
		"EMBEDDING_API_KEY", "EMBEDDING_DIMENSIONS",
	}},
	{"retrieval", []string{
		"RAG_BACKENDS", "RAG_CHUNK_WEIGHTS", "RAG_SQLITE_PATH", "RAG_MEMORY_SEED",
		"QDRANT_HOST", "QDRANT_PORT", "QDRANT_COLLECTION", "QDRANT_API_KEY",
		"WEAVIATE_HOST", "WEAVIATE_CLASS", "WEAVIATE_API_KEY",
	}},
	{"resilience", []string{
		"CACHE_SQLITE_PATH", "CACHE_TTL",
		"BREAKER_FAILURE_THRESHOLD", "BREAKER_TIMEOUT",
	}},
	{"server", []string{"MEDRAG_API_KEY", "MEDRAG_RATE_LIMIT", "LOG_LEVEL", "LOG_FORMAT"}},
	{"tracing", []string{"LANGFUSE_HOST", "LANGFUSE_PUBLIC_KEY", "LANGFUSE_SECRET_KEY"}},
}

// secretSuffixes mark env vars whose values are never logged.
var secretSuffixes = []string{"_API_KEY", "_SECRET_KEY", "_PUBLIC_KEY", "_SECRET_ACCESS_KEY", "_TOKEN", "_PASSWORD"}

// LogCommandStart emits the audit record for command.
func LogCommandStart(ctx context.Context, log *slog.Logger, command string, configPath string) {
	env := make([]any, 0, len(sections))
	for _, s := range sections {
		attrs := make([]any, 0, len(s.keys))
		for _, k := range s.keys {
			attrs = append(attrs, slog.String(k, SanitiseKey(k, os.Getenv(k))))
		}
		env = append(env, slog.Group(s.name, attrs...))
	}

	log.LogAttrs(ctx, slog.LevelInfo, "audit: command start",
		slog.String("command", command),
		slog.String("config_file", sanitiseConfigPath(configPath)),
		slog.Group("env", env...),
	)
}

// SanitiseKey renders an env value for logs: "unset" when empty, "set" for
// secrets, and otherwise the value with any URL userinfo removed.
func SanitiseKey(key, value string) string {
	if value == "" {
		return "unset"
	}
	if isSecret(key) {
		return "set"
	}
	return stripCredentials(value)
}

func isSecret(key string) bool {
	key = strings.ToUpper(key)
	for _, s := range secretSuffixes {
		if strings.HasSuffix(key, s) {
			return true
		}
	}
	return false
}

// stripCredentials drops user:password from URL-shaped values.
func stripCredentials(v string) string {
	if !strings.Contains(v, "://") {
		return v
	}
	u, err := url.Parse(v)
	if err != nil || u.User == nil {
		return v
	}
	u.User = nil
	return u.String()
}

// sanitiseConfigPath shortens the home directory to "~", or returns "none".
func sanitiseConfigPath(p string) string {
	if p == "" {
		return "none"
	}
	home, err := os.UserHomeDir()
	if err == nil && strings.HasPrefix(p, home) {
		return "~" + p[len(home):]
	}
	return p
}
