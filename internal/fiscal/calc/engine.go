package calc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/rules"
	"github.com/odyssey-erp/fiscal-engine/internal/observability"
	"github.com/odyssey-erp/fiscal-engine/internal/shared"
)

// RuleSource resolves the ordered applicable rules.
type RuleSource interface {
	Applicable(ctx context.Context, q rules.Query) ([]rules.TaxRule, error)
}

// Store persists calculations. InsertCalculation returns
// shared.ErrIdempotencyConflict when the idempotency key is taken.
type Store interface {
	InsertCalculation(ctx context.Context, calc TaxCalculation) (TaxCalculation, error)
	GetCalculation(ctx context.Context, id int64) (TaxCalculation, error)
	GetCalculationByKey(ctx context.Context, key string) (TaxCalculation, error)
	ListCalculations(ctx context.Context, from, to time.Time, f ListFilter) ([]TaxCalculation, int, error)
}

// Invalidator is notified after a calculation is stored so cached period
// summaries are rebuilt.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// EngineConfig wires Engine dependencies.
type EngineConfig struct {
	Rules      RuleSource
	Store      Store
	Calculator *Calculator
	Cache      Invalidator
	Location   *time.Location
	Logger     *slog.Logger
	Metrics    *observability.FiscalMetrics
}

// Engine evaluates requests against the rule set and records the outcome.
type Engine struct {
	rules   RuleSource
	store   Store
	calc    *Calculator
	cache   Invalidator
	loc     *time.Location
	logger  *slog.Logger
	metrics *observability.FiscalMetrics
	now     func() time.Time
}

// NewEngine constructs Engine.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		rules:   cfg.Rules,
		store:   cfg.Store,
		calc:    cfg.Calculator,
		cache:   cfg.Cache,
		loc:     cfg.Location,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}
	if e.calc == nil {
		e.calc = NewCalculator(nil)
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// WithNow overrides the clock for testing.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Preview computes the result for req without persisting it.
func (e *Engine) Preview(ctx context.Context, req Request) (fiscal.CalculationResult, error) {
	if err := validateRequest(req); err != nil {
		return fiscal.CalculationResult{}, err
	}
	return e.evaluate(ctx, req, e.now())
}

// Calculate computes and stores one calculation. Repeating a request with
// the same idempotency key returns the stored calculation.
func (e *Engine) Calculate(ctx context.Context, req Request) (TaxCalculation, error) {
	if err := validateRequest(req); err != nil {
		return TaxCalculation{}, err
	}
	if req.IdempotencyKey != "" {
		existing, err := e.store.GetCalculationByKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			return replay(existing, req)
		case !errors.Is(err, ErrCalculationNotFound):
			return TaxCalculation{}, err
		}
	}

	now := e.now()
	result, err := e.evaluate(ctx, req, now)
	if err != nil {
		return TaxCalculation{}, err
	}
	record := TaxCalculation{
		Operation:        req.Operation,
		ClassificationID: req.ClassificationID,
		RegimeID:         req.RegimeID,
		Amount:           req.Amount,
		OriginUF:         req.OriginUF,
		DestinationUF:    req.DestinationUF,
		Result:           result,
		OrderID:          req.OrderID,
		Notes:            req.Notes,
		IdempotencyKey:   req.IdempotencyKey,
		CalculatedAt:     result.CalculatedAt,
	}
	stored, err := e.store.InsertCalculation(ctx, record)
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		existing, loadErr := e.store.GetCalculationByKey(ctx, req.IdempotencyKey)
		if loadErr != nil {
			return TaxCalculation{}, loadErr
		}
		return replay(existing, req)
	}
	if err != nil {
		return TaxCalculation{}, fmt.Errorf("calc: store calculation: %w", err)
	}
	e.metrics.CalculationStored()
	if e.cache != nil {
		if err := e.cache.Bump(ctx); err != nil {
			e.logger.Warn("summary cache bump failed", slog.Any("error", err))
		}
	}
	e.logger.Info("tax calculation stored",
		slog.Int64("calculation_id", stored.ID),
		slog.Int64("regime_id", req.RegimeID),
		slog.String("operation", string(req.Operation)),
		slog.Int("lines", len(result.Taxes)),
		slog.String("total_tax", result.TotalTax.String()))
	return stored, nil
}

// Get loads a stored calculation.
func (e *Engine) Get(ctx context.Context, id int64) (TaxCalculation, error) {
	if id <= 0 {
		return TaxCalculation{}, ErrCalculationNotFound
	}
	return e.store.GetCalculation(ctx, id)
}

// List returns the calculations of a period with the total count.
func (e *Engine) List(ctx context.Context, f ListFilter) ([]TaxCalculation, shared.Pagination, error) {
	if err := f.Period.Validate(); err != nil {
		return nil, shared.Pagination{}, err
	}
	f.Page, f.PerPage = shared.ClampPage(f.Page, f.PerPage)
	from, to := f.Period.Bounds(e.loc)
	list, total, err := e.store.ListCalculations(ctx, from, to, f)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return list, shared.NewPagination(f.Page, f.PerPage, total), nil
}

func (e *Engine) evaluate(ctx context.Context, req Request, now time.Time) (fiscal.CalculationResult, error) {
	applicable, err := e.rules.Applicable(ctx, rules.Query{
		RegimeID:         req.RegimeID,
		Operation:        req.Operation,
		AsOf:             fiscal.DateOf(now, e.loc),
		ClassificationID: req.ClassificationID,
		OriginUF:         req.OriginUF,
		DestinationUF:    req.DestinationUF,
	})
	if err != nil {
		return fiscal.CalculationResult{}, fmt.Errorf("calc: resolve rules: %w", err)
	}
	lines := make([]fiscal.TaxLine, 0, len(applicable))
	for _, rule := range applicable {
		line, err := e.calc.Compute(rule, req.Amount)
		if err != nil {
			return fiscal.CalculationResult{}, err
		}
		lines = append(lines, line)
	}
	result := Summarize(req.Amount, lines)
	result.CalculatedAt = now.UTC()
	return result, nil
}

func validateRequest(req Request) error {
	if err := shared.ValidateStruct(req); err != nil {
		return err
	}
	if req.Amount.LessThan(decimal.Zero) {
		return fmt.Errorf("%w: %w", shared.ErrValidation, ErrNegativeAmount)
	}
	return nil
}

func replay(existing TaxCalculation, req Request) (TaxCalculation, error) {
	if !existing.sameRequest(req) {
		return TaxCalculation{}, shared.ErrIdempotencyConflict
	}
	return existing, nil
}
