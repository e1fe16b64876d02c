// Package server implements the HTTP API in front of the retrieval and
// generation engine. It is started by the `medrag serve` CLI command.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/medrag-go/internal/assistant"
	"github.com/54b3r/medrag-go/internal/breaker"
	"github.com/54b3r/medrag-go/internal/logging"
	"github.com/54b3r/medrag-go/internal/provider"
	"github.com/54b3r/medrag-go/internal/rag"
	"github.com/54b3r/medrag-go/internal/version"
)

// maxBodyBytes caps request bodies on the JSON endpoints.
const maxBodyBytes = 1 << 20

// New constructs a Server from the provided services and config.
func New(svc Services, cfg *Config) (*Server, error) {
	if svc.Assistant == nil {
		return nil, fmt.Errorf("server: assistant must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.ChatTimeout == 0 {
		cfg.ChatTimeout = 2 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		// Must outlast ChatTimeout so streamed answers are not cut off.
		cfg.WriteTimeout = cfg.ChatTimeout + 30*time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		asker:     svc.Assistant,
		retriever: svc.Retriever,
		providers: svc.Providers,
		cache:     svc.Cache,
		cfg:       cfg,
		log:       cfg.Logger,
		pingers:   cfg.Pingers,
		metrics:   newServerMetrics(cfg.MetricsRegistry),
	}

	if cfg.APIKey == "" {
		s.log.Warn("server: API authentication disabled, set MEDRAG_API_KEY to enable")
	}

	rl, stop := newRateLimiter(cfg.RateLimit, cfg.RateBurst, s.metrics.rateLimitedTotal)
	s.stopRL = stop

	protect := func(h http.Handler) http.Handler {
		return authMiddleware(cfg.APIKey, rl.middleware(h))
	}

	mux := http.NewServeMux()
	// Probes and metrics stay unauthenticated for orchestrators and scrapers.
	mux.Handle("GET /api/health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /api/ready", s.instrument("ready", http.HandlerFunc(s.handleReady)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	mux.Handle("POST /api/chat", s.instrument("chat", protect(http.HandlerFunc(s.handleChat))))
	mux.Handle("POST /api/retrieve", s.instrument("retrieve", protect(http.HandlerFunc(s.handleRetrieve))))
	mux.Handle("GET /api/providers", s.instrument("providers", protect(http.HandlerFunc(s.handleProviders))))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(s.log, mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()

	errCh := make(chan error, 1)

	go func() {
		s.log.Info("medrag server listening",
			slog.String("addr", "http://"+s.httpServer.Addr),
			slog.String("version", version.Version),
		)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleChat handles POST /api/chat. The default response is the JSON
// encoded answer; with "stream": true the answer is delivered as SSE events
// (chunks, answer data frames, meta, done) for the UI.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSONError(w, http.StatusBadRequest, "message is required", "invalid_request")
		return
	}
	history, err := toSchemaHistory(req.History)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), "invalid_request")
		return
	}

	s.metrics.chatInFlight.Inc()
	defer s.metrics.chatInFlight.Dec()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	defer cancel()

	start := time.Now()
	ans, err := s.asker.Ask(ctx, assistant.Question{Query: req.Message, History: history, TopK: req.TopK})
	outcome := chatOutcome(ans, err)
	s.metrics.chatRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.chatDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		log.Error("chat failed", slog.String("outcome", outcome), slog.Any("error", err))
		switch outcome {
		case "invalid":
			writeJSONError(w, http.StatusBadRequest, err.Error(), "invalid_request")
		case "timeout":
			writeJSONError(w, http.StatusGatewayTimeout, "request timed out", "timeout")
		default:
			writeJSONError(w, http.StatusInternalServerError, "internal error", "internal")
		}
		return
	}

	log.Info("chat answered",
		slog.String("provider", ans.Provider),
		slog.Int("chunks", len(ans.Chunks)),
		slog.String("degraded", ans.Degraded),
		slog.Bool("fallback", ans.Fallback),
		slog.Duration("duration", ans.Duration),
	)

	if req.Stream {
		s.streamAnswer(w, ans)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// streamAnswer writes ans as a sequence of SSE events.
func (s *Server) streamAnswer(w http.ResponseWriter, ans *assistant.Answer) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sw := &sseWriter{w: w, flusher: flusher}

	chunks, _ := json.Marshal(ans.Chunks)
	_ = sw.event("chunks", chunks)

	_, _ = sw.Write([]byte(ans.Text))

	meta, _ := json.Marshal(struct {
		Provider string `json:"provider,omitempty"`
		Model    string `json:"model,omitempty"`
		Degraded string `json:"degraded,omitempty"`
		Fallback bool   `json:"fallback"`
	}{ans.Provider, ans.Model, ans.Degraded, ans.Fallback})
	_ = sw.event("meta", meta)

	_ = sw.event("done", []byte("[DONE]"))
}

// handleRetrieve handles POST /api/retrieve and returns ranked chunks without
// generating an answer.
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	if s.retriever == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "retrieval is not configured", "retrieval_disabled")
		return
	}

	var req retrieveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSONError(w, http.StatusBadRequest, "query is required", "invalid_request")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	defer cancel()

	chunks, err := s.retriever.Retrieve(ctx, req.Query, req.TopK)
	if err != nil {
		logging.FromContext(r.Context()).Warn("retrieve failed", slog.Any("error", err))
		switch {
		case errors.Is(err, rag.ErrEmptyQuery):
			writeJSONError(w, http.StatusBadRequest, err.Error(), "invalid_request")
		case errors.Is(err, rag.ErrEmbeddingUnavailable):
			writeJSONError(w, http.StatusServiceUnavailable, "embedding service unavailable", assistant.DegradedEmbedding)
		case errors.Is(err, rag.ErrAllBackendsExhausted):
			writeJSONError(w, http.StatusServiceUnavailable, "no vector backend available", assistant.DegradedBackends)
		case errors.Is(err, context.DeadlineExceeded):
			writeJSONError(w, http.StatusGatewayTimeout, "request timed out", "timeout")
		default:
			writeJSONError(w, http.StatusInternalServerError, "internal error", "internal")
		}
		return
	}
	if chunks == nil {
		chunks = []rag.RankedChunk{}
	}
	writeJSON(w, http.StatusOK, retrieveResponse{Chunks: chunks})
}

// handleProviders handles GET /api/providers: generation providers in
// priority order with their breaker state, plus the cache tier breakers.
func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	resp := providersResponse{
		Providers:  []provider.ProviderStatus{},
		CacheTiers: []breaker.Snapshot{},
	}
	if s.providers != nil {
		resp.Providers = s.providers.Status()
	}
	if s.cache != nil {
		resp.CacheTiers = s.cache.Snapshots()
	}
	writeJSON(w, http.StatusOK, resp)
}

// chatOutcome maps an Ask result to the metrics outcome label.
func chatOutcome(ans *assistant.Answer, err error) string {
	switch {
	case errors.Is(err, assistant.ErrEmptyQuery):
		return "invalid"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case err != nil:
		return "error"
	case ans.Fallback:
		return "fallback"
	case ans.Degraded != "":
		return "degraded"
	default:
		return "ok"
	}
}

// toSchemaHistory converts request turns to eino messages. Only user and
// assistant roles are accepted; system prompts are owned by the server.
func toSchemaHistory(in []chatMessage) ([]*schema.Message, error) {
	out := make([]*schema.Message, 0, len(in))
	for i, m := range in {
		switch strings.ToLower(m.Role) {
		case string(schema.User):
			out = append(out, schema.UserMessage(m.Content))
		case string(schema.Assistant):
			out = append(out, schema.AssistantMessage(m.Content, nil))
		default:
			return nil, fmt.Errorf("history[%d]: unsupported role %q", i, m.Role)
		}
	}
	return out, nil
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// sseWriter wraps an http.ResponseWriter to emit Server-Sent Event data frames.
type sseWriter struct {
	// w is the underlying response writer.
	w http.ResponseWriter

	// flusher flushes buffered data to the client after each write.
	flusher http.Flusher
}

// Write formats p as one or more SSE data lines and flushes to the client.
// Each newline in p is prefixed with "data: " so multi-line answers never
// break the SSE frame boundary.
func (s *sseWriter) Write(p []byte) (n int, err error) {
	if err := s.frame("", p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// event writes a named SSE event.
func (s *sseWriter) event(name string, data []byte) error {
	return s.frame(name, data)
}

func (s *sseWriter) frame(name string, p []byte) error {
	chunk := strings.TrimRight(string(bytes.Clone(p)), "\n")
	var buf strings.Builder
	if name != "" {
		buf.WriteString("event: ")
		buf.WriteString(name)
		buf.WriteString("\n")
	}
	for _, line := range strings.Split(chunk, "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	if _, err := fmt.Fprint(s.w, buf.String()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
