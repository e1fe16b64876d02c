// Package events carries the engine's observability signals. Components emit
// discrete Events (cache hit/miss, backend fallback, breaker transitions,
// provider failures) to a Sink; the process decides where they go: structured
// logs, Prometheus counters, or both.
package events

import (
	"context"
	"time"
)

// Kind identifies the type of an Event.
type Kind string

const (
	// KindCacheHit is emitted when a cache tier served a key.
	KindCacheHit Kind = "cache_hit"
	// KindCacheMiss is emitted when no tier held a key.
	KindCacheMiss Kind = "cache_miss"
	// KindCacheTierUnavailable is emitted when a tier errored, timed out or was
	// skipped by its breaker.
	KindCacheTierUnavailable Kind = "cache_tier_unavailable"
	// KindEmbeddingFailed is emitted when the query could not be embedded.
	KindEmbeddingFailed Kind = "embedding_failed"
	// KindBackendFallback is emitted when a vector backend failed and the next
	// one in the chain is about to be tried.
	KindBackendFallback Kind = "backend_fallback"
	// KindBackendsExhausted is emitted when every vector backend failed.
	KindBackendsExhausted Kind = "backends_exhausted"
	// KindBreakerTransition is emitted on every circuit breaker state change.
	KindBreakerTransition Kind = "breaker_transition"
	// KindProviderSkipped is emitted when a provider's breaker rejected a call.
	KindProviderSkipped Kind = "provider_skipped"
	// KindProviderFailure is emitted when a generation provider call failed.
	KindProviderFailure Kind = "provider_failure"
	// KindProvidersExhausted is emitted when no generation provider succeeded.
	KindProvidersExhausted Kind = "providers_exhausted"
)

// Component names used in Event.Component.
const (
	ComponentCache      = "cache"
	ComponentRetrieval  = "retrieval"
	ComponentBreaker    = "breaker"
	ComponentGeneration = "generation"
)

// Event is a single observability signal.
type Event struct {
	// Kind is the event type.
	Kind Kind
	// Component is the emitting subsystem (cache, retrieval, breaker, generation).
	Component string
	// Name is the tier, backend or provider the event refers to.
	Name string
	// From and To are the breaker states for KindBreakerTransition.
	From, To string
	// Err is the underlying failure, if any.
	Err error
	// Duration is the elapsed time of the failed or served operation.
	Duration time.Duration
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block the caller for long.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e Event)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(context.Context, Event) {})

// multi fans an event out to several sinks in order.
type multi []Sink

// Emit forwards e to every sink.
func (m multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// Multi returns a Sink that forwards to each non-nil sink.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return Nop
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}
