package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/54b3r/medrag-go/internal/breaker"
	"github.com/54b3r/medrag-go/internal/events"
)

// Options tunes a TieredCache.
type Options struct {
	// TierTimeout bounds every tier call. Zero means 500ms.
	TierTimeout time.Duration
	// Breaker configures the per-tier breakers. Zero value uses
	// breaker.DefaultConfig.
	Breaker breaker.Config
	// Events receives hit, miss and tier-unavailable events.
	Events events.Sink
	// Clock replaces time.Now for expiry computations and breakers.
	Clock func() time.Time
}

// guardedTier pairs a tier with its breaker.
type guardedTier struct {
	Tier
	breaker *breaker.Breaker
}

// TieredCache is a read-through cache over an ordered list of tiers. It
// satisfies rag.Cache.
type TieredCache struct {
	tiers   []guardedTier
	timeout time.Duration
	events  events.Sink
	now     func() time.Time
}

// New builds a TieredCache. tiers are ordered fastest first.
func New(tiers []Tier, opts Options) (*TieredCache, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("cache: at least one tier is required")
	}
	if opts.TierTimeout <= 0 {
		opts.TierTimeout = 500 * time.Millisecond
	}
	if opts.Breaker == (breaker.Config{}) {
		opts.Breaker = breaker.DefaultConfig()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	sink := events.OrNop(opts.Events)

	c := &TieredCache{timeout: opts.TierTimeout, events: sink, now: opts.Clock}
	for i, t := range tiers {
		if t == nil {
			return nil, fmt.Errorf("cache: tier %d is nil", i)
		}
		b, err := breaker.New("cache:"+t.Name(), opts.Breaker, breaker.WithClock(opts.Clock), breaker.EmitTo(sink))
		if err != nil {
			return nil, fmt.Errorf("cache: tier %s: %w", t.Name(), err)
		}
		c.tiers = append(c.tiers, guardedTier{Tier: t, breaker: b})
	}
	return c, nil
}

// Get returns the value for key from the fastest tier holding it and copies
// it into every faster tier. Tier failures count as misses.
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	for i, t := range c.tiers {
		e, ok := c.getTier(ctx, t, key)
		if !ok {
			continue
		}
		c.events.Emit(ctx, events.Event{Kind: events.KindCacheHit, Component: events.ComponentCache, Name: t.Name()})
		for _, faster := range c.tiers[:i] {
			c.setTier(ctx, faster, key, e)
		}
		return e.Value, true
	}
	c.events.Emit(ctx, events.Event{Kind: events.KindCacheMiss, Component: events.ComponentCache})
	return nil, false
}

// Set writes value to every tier with the given ttl. Failures are reported
// as events and otherwise ignored.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	e := Entry{Value: value, ExpiresAt: c.now().Add(ttl)}
	for _, t := range c.tiers {
		c.setTier(ctx, t, key, e)
	}
}

// Snapshots reports each tier's breaker.
func (c *TieredCache) Snapshots() []breaker.Snapshot {
	out := make([]breaker.Snapshot, 0, len(c.tiers))
	for _, t := range c.tiers {
		out = append(out, t.breaker.Snapshot())
	}
	return out
}

func (c *TieredCache) getTier(ctx context.Context, t guardedTier, key string) (Entry, bool) {
	var (
		e  Entry
		ok bool
	)
	err := c.guard(ctx, t, func(tctx context.Context) error {
		var err error
		e, ok, err = t.Get(tctx, key)
		return err
	})
	if err != nil || !ok || e.Expired(c.now()) {
		return Entry{}, false
	}
	return e, true
}

func (c *TieredCache) setTier(ctx context.Context, t guardedTier, key string, e Entry) {
	if e.Expired(c.now()) {
		return
	}
	_ = c.guard(ctx, t, func(tctx context.Context) error {
		return t.Set(tctx, key, e)
	})
}

// guard runs fn against a tier under its breaker and the tier timeout.
func (c *TieredCache) guard(ctx context.Context, t guardedTier, fn func(context.Context) error) error {
	if !t.breaker.Allow() {
		c.unavailable(ctx, t, fmt.Errorf("%w: %s breaker open", ErrTierUnavailable, t.Name()), 0)
		return ErrTierUnavailable
	}

	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := fn(tctx)
	if err == nil {
		err = tctx.Err()
	}
	switch {
	case err == nil:
		t.breaker.RecordSuccess()
	case ctx.Err() != nil:
		// The caller went away; that says nothing about the tier.
		t.breaker.Abandon()
	default:
		t.breaker.RecordFailure()
		c.unavailable(ctx, t, errors.Join(ErrTierUnavailable, err), time.Since(start))
	}
	return err
}

func (c *TieredCache) unavailable(ctx context.Context, t guardedTier, err error, d time.Duration) {
	c.events.Emit(ctx, events.Event{
		Kind:      events.KindCacheTierUnavailable,
		Component: events.ComponentCache,
		Name:      t.Name(),
		Err:       err,
		Duration:  d,
	})
}
