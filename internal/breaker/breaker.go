// Package breaker implements a per-dependency circuit breaker.
//
// A Breaker starts CLOSED and lets calls through. After FailureThreshold
// consecutive failures it moves to OPEN and rejects calls without invoking the
// dependency. Once Timeout has elapsed since it opened, the next Allow moves it
// to HALF_OPEN, where up to HalfOpenMaxCalls trial calls are admitted. A trial
// success closes the breaker; a trial failure re-opens it and restarts the
// timeout.
//
// Each Breaker owns its own mutex, so contention on one dependency never
// blocks calls against another.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/54b3r/medrag-go/internal/events"
)

// State is the breaker's current mode.
type State int

const (
	// Closed lets every call through.
	Closed State = iota
	// Open rejects every call until the timeout elapses.
	Open
	// HalfOpen admits a bounded number of trial calls.
	HalfOpen
)

// String returns the lower-case state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Must be >= 1.
	FailureThreshold int
	// Timeout is how long the breaker stays open before admitting trials.
	Timeout time.Duration
	// HalfOpenMaxCalls bounds concurrent trial calls while half-open.
	HalfOpenMaxCalls int
}

// DefaultConfig returns threshold 3, timeout 30s, one half-open trial.
func DefaultConfig() Config {
	return Config{FailureThreshold: 3, Timeout: 30 * time.Second, HalfOpenMaxCalls: 1}
}

// Validate reports a configuration the state machine cannot honour.
func (c Config) Validate() error {
	var errs []error
	if c.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("failure threshold must be >= 1, got %d", c.FailureThreshold))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.HalfOpenMaxCalls < 1 {
		errs = append(errs, fmt.Errorf("half-open max calls must be >= 1, got %d", c.HalfOpenMaxCalls))
	}
	if len(errs) > 0 {
		return fmt.Errorf("breaker: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Transition describes a single state change.
type Transition struct {
	Name     string
	From, To State
	At       time.Time
	// Seq numbers the breaker's transitions from 1, in the order they happened.
	Seq uint64
}

// Option customises a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now. Tests use it to step past the open timeout.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// OnStateChange registers fn to be called after every transition. fn runs
// outside the breaker's lock and may call back into the breaker. Listeners see
// transitions one at a time and in Seq order, even when they are caused by
// concurrent callers; a transition may therefore be delivered by whichever
// goroutine is already delivering an earlier one.
func OnStateChange(fn func(Transition)) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.listeners = append(b.listeners, fn)
		}
	}
}

// EmitTo reports transitions to sink as breaker_transition events.
func EmitTo(sink events.Sink) Option {
	sink = events.OrNop(sink)
	return OnStateChange(func(t Transition) {
		sink.Emit(context.Background(), events.Event{
			Kind:      events.KindBreakerTransition,
			Component: events.ComponentBreaker,
			Name:      t.Name,
			From:      t.From.String(),
			To:        t.To.String(),
		})
	})
}

// Breaker is a concurrency-safe circuit breaker for one dependency.
type Breaker struct {
	name      string
	cfg       Config
	now       func() time.Time
	listeners []func(Transition)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	// trials counts half-open calls admitted and not yet resolved.
	trials int
	seq    uint64
	// pending holds transitions not yet handed to listeners.
	pending []Transition
	// delivering is set while a goroutine is draining pending.
	delivering bool
}

// New constructs a CLOSED breaker named after the dependency it protects.
func New(name string, cfg Config, opts ...Option) (*Breaker, error) {
	if name == "" {
		return nil, fmt.Errorf("breaker: name must not be empty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Breaker{name: name, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Name returns the protected dependency's name.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed now. While half-open it reserves a
// trial slot; the caller must resolve it with RecordSuccess, RecordFailure or
// Abandon.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	if b.state == Open && !b.now().Before(b.openedAt.Add(b.cfg.Timeout)) {
		b.setState(HalfOpen)
		b.trials = 0
	}

	allowed := false
	switch b.state {
	case Closed:
		allowed = true
	case HalfOpen:
		if b.trials < b.cfg.HalfOpenMaxCalls {
			b.trials++
			allowed = true
		}
	}
	b.unlockAndNotify()
	return allowed
}

// RecordSuccess resets the failure counter. A half-open trial success closes
// the breaker. Successes that land while OPEN are stale and ignored.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.failures = 0
		b.trials = 0
		b.setState(Closed)
	}
	b.unlockAndNotify()
}

// RecordFailure counts a failure. Reaching the threshold while closed, or any
// failure while half-open, opens the breaker and restarts the timeout.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.setState(Open)
		}
	case HalfOpen:
		b.trials = 0
		b.openedAt = b.now()
		b.setState(Open)
	}
	b.unlockAndNotify()
}

// Abandon releases a half-open trial slot without recording an outcome. Used
// when the caller gave up before the dependency answered.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	if b.state == HalfOpen && b.trials > 0 {
		b.trials--
	}
	b.mu.Unlock()
}

// State returns the current state without triggering the lazy OPEN to
// HALF_OPEN transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitzero"`
	Trials   int       `json:"half_open_trials"`
}

// Snapshot returns the breaker's counters for status endpoints.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Name:     b.name,
		State:    b.state.String(),
		Failures: b.failures,
		Trials:   b.trials,
	}
	if b.state != Closed {
		s.OpenedAt = b.openedAt
	}
	return s
}

// setState must be called with mu held. The transition is queued for
// unlockAndNotify.
func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	b.seq++
	if len(b.listeners) > 0 {
		b.pending = append(b.pending, Transition{Name: b.name, From: b.state, To: to, At: b.now(), Seq: b.seq})
	}
	b.state = to
}

// unlockAndNotify releases mu and hands queued transitions to the listeners.
// Only one goroutine delivers at a time. A caller that finds delivery in
// progress, including a listener re-entering the breaker, leaves its
// transitions to the goroutine already delivering.
func (b *Breaker) unlockAndNotify() {
	if b.delivering || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	b.delivering = true
	for len(b.pending) > 0 {
		batch := b.pending
		b.pending = nil
		b.mu.Unlock()
		for _, t := range batch {
			for _, fn := range b.listeners {
				fn(t)
			}
		}
		b.mu.Lock()
	}
	b.delivering = false
	b.mu.Unlock()
}
