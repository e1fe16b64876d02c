package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/54b3r/medrag-go/internal/breaker"
)

// pingTarget is anything with a native reachability check: vector backends
// and the SQLite cache tier both satisfy it.
type pingTarget interface {
	Ping(ctx context.Context) error
}

// DependencyPinger adapts a pingTarget into a named readiness probe.
type DependencyPinger struct {
	// name identifies the dependency in readiness responses.
	name string
	// target is probed on every readiness check.
	target pingTarget
	// optional dependencies are reported but never flip readiness.
	optional bool
}

// NewPinger returns a required readiness probe for target.
func NewPinger(name string, target pingTarget) *DependencyPinger {
	return &DependencyPinger{name: name, target: target}
}

// NewOptionalPinger returns a probe whose failure is reported in /api/ready
// without making the server unready.
func NewOptionalPinger(name string, target pingTarget) *DependencyPinger {
	return &DependencyPinger{name: name, target: target, optional: true}
}

// Name returns the dependency label used in readiness responses.
func (p *DependencyPinger) Name() string { return p.name }

// Optional reports whether a failure of this probe is tolerated.
func (p *DependencyPinger) Optional() bool { return p.optional }

// Ping delegates to the wrapped dependency.
func (p *DependencyPinger) Ping(ctx context.Context) error {
	if err := p.target.Ping(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// ProvidersPinger reports generation as unavailable only when every
// provider's breaker is open. It reads breaker state and never calls a model,
// so readiness probes cost no tokens.
type ProvidersPinger struct {
	source ProviderReporter
}

// NewProvidersPinger constructs a ProvidersPinger over source.
func NewProvidersPinger(source ProviderReporter) *ProvidersPinger {
	return &ProvidersPinger{source: source}
}

// Name returns the dependency label used in readiness responses.
func (p *ProvidersPinger) Name() string { return "generation" }

// Ping fails when no provider can currently be attempted.
func (p *ProvidersPinger) Ping(context.Context) error {
	statuses := p.source.Status()
	if len(statuses) == 0 {
		return fmt.Errorf("no generation providers configured")
	}
	open := make([]string, 0, len(statuses))
	for _, st := range statuses {
		if st.Breaker.State != breaker.Open.String() {
			return nil
		}
		open = append(open, st.Name)
	}
	return fmt.Errorf("all provider breakers open: %s", strings.Join(open, ", "))
}

// isOptional reports whether p declares itself optional.
func isOptional(p Pinger) bool {
	o, ok := p.(interface{ Optional() bool })
	return ok && o.Optional()
}
