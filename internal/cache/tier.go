// Package cache implements the engine's read-through tiered cache. Tiers are
// consulted fastest first; a hit in a slower tier is copied into the faster
// tiers with the entry's remaining lifetime. Every tier sits behind its own
// circuit breaker and per-call timeout so a persistently failing tier is
// skipped rather than slowing every request. Caching is best-effort: tier
// failures are reported as events and never surface to callers.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrTierUnavailable describes a tier that errored, timed out or was skipped by
// its breaker. It is attached to emitted events and never returned by
// TieredCache.
var ErrTierUnavailable = errors.New("cache: tier unavailable")

// Entry is a cached value and its absolute expiry.
type Entry struct {
	Value     []byte
	ExpiresAt time.Time
}

// Expired reports whether e is no longer valid at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Tier is one level of the cache. Get returns ok=false for a missing or
// expired key; err is reserved for the tier itself being unreachable.
// Implementations must tolerate concurrent reads and writes to the same key.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
}
