package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// FiscalMetrics counts the fiscal events operators need to notice. A nil
// *FiscalMetrics is valid and records nothing.
type FiscalMetrics struct {
	fallbacks   *prometheus.CounterVec
	unresolved  *prometheus.CounterVec
	transitions *prometheus.CounterVec
	renders     *prometheus.CounterVec
	calculated  prometheus.Counter
}

// NewFiscalMetrics registers the collectors on registerer.
func NewFiscalMetrics(registerer prometheus.Registerer) *FiscalMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &FiscalMetrics{
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "calc",
			Name:      "method_fallback_total",
			Help:      "Tax lines computed with the percentual fallback, by configured method.",
		}, []string{"method"}),
		unresolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ledger",
			Name:      "unresolved_tax_types_total",
			Help:      "Summary entries skipped at ledger close because the tax type name did not resolve.",
		}, []string{"tax_type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "obligation",
			Name:      "transitions_total",
			Help:      "Obligation status transitions.",
		}, []string{"from", "to"}),
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "obligation",
			Name:      "render_total",
			Help:      "Calls to the obligation render function by outcome.",
		}, []string{"outcome"}),
		calculated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "calculations_total",
			Help:      "Persisted tax calculations.",
		}),
	}
	registerer.MustRegister(m.fallbacks, m.unresolved, m.transitions, m.renders, m.calculated)
	return m
}

// FallbackUsed records a percentual fallback computation.
func (m *FiscalMetrics) FallbackUsed(method string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(method).Inc()
}

// UnresolvedTaxType records a ledger entry skipped at close.
func (m *FiscalMetrics) UnresolvedTaxType(name string) {
	if m == nil {
		return
	}
	m.unresolved.WithLabelValues(name).Inc()
}

// ObligationTransition records a status change.
func (m *FiscalMetrics) ObligationTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RenderOutcome records one render call ("success" or "failure").
func (m *FiscalMetrics) RenderOutcome(outcome string) {
	if m == nil {
		return
	}
	m.renders.WithLabelValues(outcome).Inc()
}

// CalculationStored records a persisted calculation.
func (m *FiscalMetrics) CalculationStored() {
	if m == nil {
		return
	}
	m.calculated.Inc()
}
