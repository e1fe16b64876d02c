package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/54b3r/medrag-go/internal/logging"
	"github.com/54b3r/medrag-go/internal/server"
	"github.com/54b3r/medrag-go/internal/tracing"
)

// NewServeCmd constructs the `medrag serve` command, which starts the HTTP
// API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int
	var chatTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the medrag HTTP API",
		Long: `Start the medrag HTTP server.

Endpoints:
  POST /api/chat       answer a question (JSON, or SSE with "stream": true)
  POST /api/retrieve   ranked chunks for a query, no generation
  GET  /api/providers  provider and cache breaker state
  GET  /api/health     liveness
  GET  /api/ready      readiness of backends, cache tiers and providers
  GET  /metrics        Prometheus metrics

Set MEDRAG_API_KEY to require a Bearer token on /api/chat, /api/retrieve and
/api/providers.

Examples:
  medrag serve
  medrag serve --port 9090
  GENERATION_PROVIDERS=ollama,openai RAG_BACKENDS=qdrant,sqlite medrag serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			// Langfuse tracing is opt-in and a no-op without keys.
			flush := tracing.Setup(log)
			defer flush()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			eng, err := buildEngine(ctx, log, engineOptions{retrieval: true, generation: true, registry: reg})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer eng.Close()

			srv, err := server.New(server.Services{
				Assistant: eng.assistant,
				Retriever: eng.retriever,
				Providers: eng.manager,
				Cache:     eng.cache,
			}, &server.Config{
				Host:            host,
				Port:            port,
				ChatTimeout:     chatTimeout,
				Logger:          log,
				Pingers:         eng.pingers,
				RateLimit:       envFloat(log, "MEDRAG_RATE_LIMIT", 0),
				RateBurst:       int(envFloat(log, "MEDRAG_RATE_BURST", 0)),
				APIKey:          os.Getenv("MEDRAG_API_KEY"),
				MetricsRegistry: reg,
				MetricsGatherer: reg,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", envOr("MEDRAG_HOST", "127.0.0.1"), "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", int(envFloat(slog.Default(), "MEDRAG_PORT", 8080)), "TCP port to listen on")
	cmd.Flags().DurationVar(&chatTimeout, "chat-timeout", 2*time.Minute, "End-to-end bound for a single chat or retrieve request")

	return cmd
}

// envOr returns the value of key, or fallback when unset or empty.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envFloat parses key as a number, warning and using fallback on bad input.
func envFloat(log *slog.Logger, key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warn("ignoring invalid numeric env var", slog.String("key", key), slog.String("value", raw))
		return fallback
	}
	return v
}
