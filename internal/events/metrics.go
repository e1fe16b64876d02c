package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// breakerStateValue maps breaker state names to the gauge value exported by
// medrag_breaker_state.
var breakerStateValue = map[string]float64{
	"closed":    0,
	"half_open": 1,
	"open":      2,
}

// MetricsSink turns events into Prometheus series.
type MetricsSink struct {
	// eventsTotal counts every event by kind, component and name.
	eventsTotal *prometheus.CounterVec
	// breakerState tracks the current state of each breaker (0 closed,
	// 1 half-open, 2 open).
	breakerState *prometheus.GaugeVec
}

// NewMetricsSink registers the engine metrics against reg. promauto.With(reg)
// keeps tests hermetic when they pass a fresh registry.
func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	factory := promauto.With(reg)
	return &MetricsSink{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medrag",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Engine events (cache hits/misses, fallbacks, breaker transitions, provider failures).",
		}, []string{"kind", "component", "name"}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "medrag",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state per dependency: 0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
	}
}

// Emit increments the event counter and, for breaker transitions, updates the
// state gauge.
func (m *MetricsSink) Emit(_ context.Context, e Event) {
	m.eventsTotal.WithLabelValues(string(e.Kind), e.Component, e.Name).Inc()
	if e.Kind == KindBreakerTransition {
		if v, ok := breakerStateValue[e.To]; ok {
			m.breakerState.WithLabelValues(e.Name).Set(v)
		}
	}
}
