package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/medrag-go/internal/assistant"
	"github.com/54b3r/medrag-go/internal/breaker"
	"github.com/54b3r/medrag-go/internal/provider"
	"github.com/54b3r/medrag-go/internal/rag"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// ChatTimeout bounds a single /api/chat or /api/retrieve request end to
	// end (retrieval plus every generation attempt). Defaults to 2 minutes.
	ChatTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server's collectors. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// Asker answers a chat turn. *assistant.Assistant satisfies it.
type Asker interface {
	Ask(ctx context.Context, q assistant.Question) (*assistant.Answer, error)
}

// Retriever returns ranked chunks for a query. *rag.Retriever satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]rag.RankedChunk, error)
}

// ProviderReporter exposes generation provider state. *provider.Manager
// satisfies it.
type ProviderReporter interface {
	Status() []provider.ProviderStatus
}

// CacheReporter exposes per-tier cache breaker state. *cache.TieredCache
// satisfies it.
type CacheReporter interface {
	Snapshots() []breaker.Snapshot
}

// Services are the engine components the server exposes. Only Assistant is
// required.
type Services struct {
	Assistant Asker
	Retriever Retriever
	Providers ProviderReporter
	Cache     CacheReporter
}

// Server is the HTTP front end of the engine.
type Server struct {
	// asker handles /api/chat.
	asker Asker
	// retriever handles /api/retrieve; nil disables the route.
	retriever Retriever
	// providers and cache feed /api/providers; either may be nil.
	providers ProviderReporter
	cache     CacheReporter
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors owned by this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// chatMessage is one prior turn in a chatRequest.
type chatMessage struct {
	// Role is "user" or "assistant".
	Role string `json:"role"`
	// Content is the turn text.
	Content string `json:"content"`
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	// Message is the user's question.
	Message string `json:"message"`
	// History holds prior turns, oldest first.
	History []chatMessage `json:"history,omitempty"`
	// TopK overrides the configured number of context chunks when positive.
	TopK int `json:"top_k,omitempty"`
	// Stream selects a Server-Sent Events response instead of a JSON body.
	Stream bool `json:"stream,omitempty"`
}

// retrieveRequest is the JSON body for POST /api/retrieve.
type retrieveRequest struct {
	// Query is the text to search for.
	Query string `json:"query"`
	// TopK caps the number of ranked chunks returned.
	TopK int `json:"top_k,omitempty"`
}

// retrieveResponse is the JSON body returned by POST /api/retrieve.
type retrieveResponse struct {
	Chunks []rag.RankedChunk `json:"chunks"`
}

// providersResponse is the JSON body returned by GET /api/providers.
type providersResponse struct {
	Providers  []provider.ProviderStatus `json:"providers"`
	CacheTiers []breaker.Snapshot        `json:"cache_tiers"`
}

// errorResponse is the JSON body for API errors that carry a machine-readable
// code.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
