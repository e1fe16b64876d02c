// Package tracing wires optional Langfuse tracing into the eino callback
// chain so every generation call made through a provider is recorded.
package tracing

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"

	"github.com/54b3r/medrag-go/internal/version"
)

// Setup registers a global Langfuse callback handler when LANGFUSE_PUBLIC_KEY
// and LANGFUSE_SECRET_KEY are set, and returns the flush function to call
// before exit. Without keys tracing stays off and flush is a no-op.
//
// Environment variables:
//
//	LANGFUSE_HOST         (default: http://localhost:3000)
//	LANGFUSE_PUBLIC_KEY
//	LANGFUSE_SECRET_KEY
//	LANGFUSE_SAMPLE_RATE  fraction of traces kept, 0 < r <= 1 (default: 1)
func Setup(log *slog.Logger) (flush func()) {
	publicKey := os.Getenv("LANGFUSE_PUBLIC_KEY")
	secretKey := os.Getenv("LANGFUSE_SECRET_KEY")
	if publicKey == "" || secretKey == "" {
		log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
		return func() {}
	}

	host := os.Getenv("LANGFUSE_HOST")
	if host == "" {
		host = "http://localhost:3000"
	}

	handler, flusher := langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:       host,
		PublicKey:  publicKey,
		SecretKey:  secretKey,
		Name:       "medrag",
		Release:    version.Version,
		SampleRate: sampleRate(log),
	})
	callbacks.AppendGlobalHandlers(handler)

	log.Info("langfuse tracing enabled", slog.String("host", host))
	return flusher
}

// sampleRate parses LANGFUSE_SAMPLE_RATE, falling back to 1 on absent or
// out-of-range values.
func sampleRate(log *slog.Logger) float64 {
	raw := os.Getenv("LANGFUSE_SAMPLE_RATE")
	if raw == "" {
		return 1
	}
	r, err := strconv.ParseFloat(raw, 64)
	if err != nil || r <= 0 || r > 1 {
		log.Warn("tracing: ignoring invalid LANGFUSE_SAMPLE_RATE", slog.String("value", raw))
		return 1
	}
	return r
}
