package events

import (
	"context"
	"log/slog"

	"github.com/54b3r/medrag-go/internal/logging"
)

// LogSink writes events as structured log records. The logger carried by the
// emitting request's context is preferred over the base logger so request IDs
// propagate.
type LogSink struct {
	// base is used when the context carries no logger.
	base *slog.Logger
}

// NewLogSink constructs a LogSink. A nil logger uses slog.Default.
func NewLogSink(base *slog.Logger) *LogSink {
	return &LogSink{base: base}
}

// Emit logs e at a level matching its severity.
func (s *LogSink) Emit(ctx context.Context, e Event) {
	log := logging.FromContextOr(ctx, s.base)

	attrs := []slog.Attr{
		slog.String("event", string(e.Kind)),
		slog.String("component", e.Component),
	}
	if e.Name != "" {
		attrs = append(attrs, slog.String("name", e.Name))
	}
	if e.From != "" || e.To != "" {
		attrs = append(attrs, slog.String("from", e.From), slog.String("to", e.To))
	}
	if e.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", e.Duration))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.Any("error", e.Err))
	}

	log.LogAttrs(ctx, levelFor(e), "engine event", attrs...)
}

// levelFor maps an event kind to a log level.
func levelFor(e Event) slog.Level {
	switch e.Kind {
	case KindCacheHit, KindCacheMiss, KindProviderSkipped:
		return slog.LevelDebug
	case KindBreakerTransition:
		if e.To == "closed" {
			return slog.LevelInfo
		}
		return slog.LevelWarn
	case KindBackendsExhausted, KindProvidersExhausted:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
