package calc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/rules"
	"github.com/odyssey-erp/fiscal-engine/internal/observability"
)

var hundred = decimal.NewFromInt(100)

// Strategy turns a (possibly reduced) base and a rate into the amount due.
type Strategy interface {
	Apply(base, rate decimal.Decimal) (decimal.Decimal, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(base, rate decimal.Decimal) (decimal.Decimal, error)

// Apply calls f.
func (f StrategyFunc) Apply(base, rate decimal.Decimal) (decimal.Decimal, error) {
	return f(base, rate)
}

// Percentual charges rate percent of the base.
var Percentual = StrategyFunc(func(base, rate decimal.Decimal) (decimal.Decimal, error) {
	return base.Mul(rate).Div(hundred), nil
})

// ValorFixo charges the rate as a flat amount.
var ValorFixo = StrategyFunc(func(_, rate decimal.Decimal) (decimal.Decimal, error) {
	return rate, nil
})

// Zero charges nothing.
var Zero = StrategyFunc(func(_, _ decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, nil
})

// Registry maps calculation methods to strategies. Methods without an entry
// fail with ErrMethodUnsupported.
type Registry struct {
	mu         sync.RWMutex
	strategies map[fiscal.CalcMethod]Strategy
}

// NewRegistry returns a registry holding the methods with a defined formula.
func NewRegistry() *Registry {
	return &Registry{strategies: map[fiscal.CalcMethod]Strategy{
		fiscal.MethodPercentual:    Percentual,
		fiscal.MethodValorFixo:     ValorFixo,
		fiscal.MethodIsento:        Zero,
		fiscal.MethodNaoIncidencia: Zero,
	}}
}

// Register installs or replaces the strategy for method.
func (r *Registry) Register(method fiscal.CalcMethod, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[method] = s
}

// Lookup returns the strategy for method.
func (r *Registry) Lookup(method fiscal.CalcMethod) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[method]
	return s, ok
}

// Methods lists the methods that currently have a strategy.
func (r *Registry) Methods() []fiscal.CalcMethod {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]fiscal.CalcMethod, 0, len(r.strategies))
	for _, m := range fiscal.CalcMethods {
		if _, ok := r.strategies[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// PercentualFallback computes an undefined method with the percentual
// formula, logging and counting every use.
type PercentualFallback struct {
	Method  fiscal.CalcMethod
	Logger  *slog.Logger
	Metrics *observability.FiscalMetrics
}

// Apply implements Strategy.
func (f PercentualFallback) Apply(base, rate decimal.Decimal) (decimal.Decimal, error) {
	if f.Logger != nil {
		f.Logger.Warn("calculation method computed as percentual",
			slog.String("method", string(f.Method)), slog.String("base", base.String()), slog.String("rate", rate.String()))
	}
	f.Metrics.FallbackUsed(string(f.Method))
	return Percentual.Apply(base, rate)
}

// EnablePercentualFallback registers PercentualFallback for the given
// methods. Methods that already have a formula, and unknown names, are
// returned as rejected.
func (r *Registry) EnablePercentualFallback(methods []fiscal.CalcMethod, logger *slog.Logger, metrics *observability.FiscalMetrics) []fiscal.CalcMethod {
	var rejected []fiscal.CalcMethod
	for _, m := range methods {
		if _, defined := r.Lookup(m); defined || !m.Valid() {
			rejected = append(rejected, m)
			continue
		}
		r.Register(m, PercentualFallback{Method: m, Logger: logger, Metrics: metrics})
	}
	return rejected
}

// Calculator produces one tax line per rule.
type Calculator struct {
	registry *Registry
}

// NewCalculator constructs a Calculator. A nil registry means NewRegistry().
func NewCalculator(registry *Registry) *Calculator {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Calculator{registry: registry}
}

// Compute applies rule to amount. The base reduction is applied before the
// method is dispatched. A missing rate counts as zero.
func (c *Calculator) Compute(rule rules.TaxRule, amount decimal.Decimal) (fiscal.TaxLine, error) {
	base := amount
	if rule.BaseReduction != nil {
		base = amount.Mul(hundred.Sub(*rule.BaseReduction)).Div(hundred)
	}
	rate := decimal.Zero
	if rule.Rate != nil {
		rate = *rule.Rate
	}
	strategy, ok := c.registry.Lookup(rule.CalcMethod)
	if !ok {
		return fiscal.TaxLine{}, fmt.Errorf("%w: %q on rule %d", ErrMethodUnsupported, rule.CalcMethod, rule.ID)
	}
	due, err := strategy.Apply(base, rate)
	if err != nil {
		return fiscal.TaxLine{}, fmt.Errorf("calc: rule %d: %w", rule.ID, err)
	}
	return fiscal.TaxLine{
		RuleID:        rule.ID,
		TaxType:       rule.TaxTypeName,
		TaxCode:       rule.TaxTypeCode,
		Base:          fiscal.RoundMoney(base),
		Rate:          rate,
		Amount:        fiscal.RoundMoney(due),
		CalcMethod:    rule.CalcMethod,
		BaseReduction: rule.BaseReduction,
	}, nil
}

// Summarize builds a result from lines in rule order.
func Summarize(amount decimal.Decimal, lines []fiscal.TaxLine) fiscal.CalculationResult {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Amount)
	}
	if lines == nil {
		lines = []fiscal.TaxLine{}
	}
	return fiscal.CalculationResult{
		Taxes:       lines,
		TotalAmount: amount,
		TotalTax:    total,
		NetAmount:   amount.Sub(total),
	}
}
