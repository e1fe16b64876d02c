package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/54b3r/medrag-go/internal/breaker"
	"github.com/54b3r/medrag-go/internal/events"
	"github.com/54b3r/medrag-go/internal/logging"
)

// ErrAllProvidersExhausted is matched by the error Generate returns when no
// provider produced a response.
var ErrAllProvidersExhausted = errors.New("provider: all generation providers exhausted")

// Attempt records one failed provider call.
type Attempt struct {
	Provider string
	Err      error
}

// ExhaustedError lists every attempted provider and every provider skipped
// because its breaker was open.
type ExhaustedError struct {
	Attempts []Attempt
	Skipped  []string
}

// Error implements error.
func (e *ExhaustedError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrAllProvidersExhausted.Error())
	for _, a := range e.Attempts {
		fmt.Fprintf(&sb, "; %s: %v", a.Provider, a.Err)
	}
	if len(e.Skipped) > 0 {
		fmt.Fprintf(&sb, "; skipped (breaker open): %s", strings.Join(e.Skipped, ", "))
	}
	return sb.String()
}

// Is reports whether target is ErrAllProvidersExhausted.
func (e *ExhaustedError) Is(target error) bool { return target == ErrAllProvidersExhausted }

// Unwrap exposes the per-provider errors.
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// ProviderRecord is one entry in the failover list.
type ProviderRecord struct {
	// Name identifies the provider; it must be unique within a Manager.
	Name string
	// Generator performs the call.
	Generator Generator
	// Breaker isolates this provider's failures.
	Breaker *breaker.Breaker
	// PriorityOrder sorts records; lower is tried first.
	PriorityOrder int
}

// NewRecords wraps generators in records with one breaker each. Priority
// follows slice order.
func NewRecords(gens []Generator, cfg breaker.Config, opts ...breaker.Option) ([]ProviderRecord, error) {
	records := make([]ProviderRecord, 0, len(gens))
	for i, g := range gens {
		if g == nil {
			return nil, fmt.Errorf("provider: generator %d is nil", i)
		}
		b, err := breaker.New(g.Name(), cfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("provider: %s: %w", g.Name(), err)
		}
		records = append(records, ProviderRecord{Name: g.Name(), Generator: g, Breaker: b, PriorityOrder: i})
	}
	return records, nil
}

// ManagerConfig tunes a Manager.
type ManagerConfig struct {
	// Timeout bounds each provider call. Zero means 60s.
	Timeout time.Duration
	// Events receives skip, failure and exhaustion events.
	Events events.Sink
}

// Manager executes generation requests against an ordered provider list with
// automatic failover. The order is fixed at construction. Concurrent calls
// share the records; each breaker synchronises itself.
type Manager struct {
	records []ProviderRecord
	timeout time.Duration
	events  events.Sink
}

// NewManager validates records and sorts them by PriorityOrder (stable, so
// equal priorities keep their given order).
func NewManager(records []ProviderRecord, cfg ManagerConfig) (*Manager, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("provider: at least one provider is required")
	}
	seen := make(map[string]bool, len(records))
	for i, r := range records {
		switch {
		case r.Name == "":
			return nil, fmt.Errorf("provider: record %d has no name", i)
		case r.Generator == nil:
			return nil, fmt.Errorf("provider: record %s has no generator", r.Name)
		case r.Breaker == nil:
			return nil, fmt.Errorf("provider: record %s has no breaker", r.Name)
		case seen[r.Name]:
			return nil, fmt.Errorf("provider: duplicate provider name %q", r.Name)
		}
		seen[r.Name] = true
	}

	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b ProviderRecord) int { return a.PriorityOrder - b.PriorityOrder })

	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Manager{records: sorted, timeout: cfg.Timeout, events: events.OrNop(cfg.Events)}, nil
}

// Generate tries providers in priority order and returns the first response
// with the name of the provider that produced it.
//
// A provider whose breaker rejects the call is skipped without being invoked.
// A failure or per-call timeout is recorded on the breaker and the next
// provider is tried. If the caller's context ends, the in-flight attempt is
// abandoned (not counted against the provider) and the context error is
// returned. When nothing succeeds the error is an *ExhaustedError matching
// ErrAllProvidersExhausted.
func (m *Manager) Generate(ctx context.Context, req Request) (Response, string, error) {
	log := logging.FromContext(ctx)
	exhausted := &ExhaustedError{}

	for _, rec := range m.records {
		if err := ctx.Err(); err != nil {
			return Response{}, "", fmt.Errorf("provider: generation cancelled: %w", err)
		}

		if !rec.Breaker.Allow() {
			exhausted.Skipped = append(exhausted.Skipped, rec.Name)
			m.events.Emit(ctx, events.Event{
				Kind:      events.KindProviderSkipped,
				Component: events.ComponentGeneration,
				Name:      rec.Name,
			})
			continue
		}

		start := time.Now()
		resp, err := m.call(ctx, rec, req)
		if err == nil {
			rec.Breaker.RecordSuccess()
			log.Debug("provider: generation succeeded", "provider", rec.Name, "duration", time.Since(start))
			return resp, rec.Name, nil
		}

		if ctx.Err() != nil {
			rec.Breaker.Abandon()
			return Response{}, "", fmt.Errorf("provider: generation cancelled during %s: %w", rec.Name, ctx.Err())
		}

		rec.Breaker.RecordFailure()
		exhausted.Attempts = append(exhausted.Attempts, Attempt{Provider: rec.Name, Err: err})
		m.events.Emit(ctx, events.Event{
			Kind:      events.KindProviderFailure,
			Component: events.ComponentGeneration,
			Name:      rec.Name,
			Err:       err,
			Duration:  time.Since(start),
		})
	}

	m.events.Emit(ctx, events.Event{
		Kind:      events.KindProvidersExhausted,
		Component: events.ComponentGeneration,
		Err:       exhausted,
	})
	return Response{}, "", exhausted
}

// call runs one provider under the per-call timeout.
func (m *Manager) call(ctx context.Context, rec ProviderRecord, req Request) (Response, error) {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := rec.Generator.Generate(pctx, req)
	if err == nil && pctx.Err() != nil {
		// The generator ignored its deadline; a late answer is a timeout.
		err = fmt.Errorf("answer arrived after the deadline: %w", pctx.Err())
	}
	if err != nil {
		return Response{}, err
	}
	if resp.Model == "" {
		resp.Model = rec.Name
	}
	return resp, nil
}

// ProviderStatus is the externally visible state of one provider.
type ProviderStatus struct {
	Name     string           `json:"name"`
	Priority int              `json:"priority"`
	Breaker  breaker.Snapshot `json:"breaker"`
}

// Status reports every provider in priority order.
func (m *Manager) Status() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, ProviderStatus{Name: r.Name, Priority: r.PriorityOrder, Breaker: r.Breaker.Snapshot()})
	}
	return out
}

// Names returns provider names in priority order.
func (m *Manager) Names() []string {
	out := make([]string, len(m.records))
	for i, r := range m.records {
		out[i] = r.Name
	}
	return out
}
