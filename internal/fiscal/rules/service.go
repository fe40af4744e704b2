package rules

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
	"github.com/odyssey-erp/fiscal-engine/internal/shared"
)

// RepositoryPort is the storage contract used by Service.
type RepositoryPort interface {
	ApplicableRules(ctx context.Context, q Query) ([]TaxRule, error)
	GetRule(ctx context.Context, id int64) (TaxRule, error)
	ListRules(ctx context.Context, f ListFilter) ([]TaxRule, error)
	InsertRule(ctx context.Context, in RuleInput) (TaxRule, error)
	UpdateRule(ctx context.Context, id int64, in RuleInput) (TaxRule, error)
	SetRuleActive(ctx context.Context, id int64, active bool) error

	ListTaxTypes(ctx context.Context) ([]TaxType, error)
	GetTaxType(ctx context.Context, id int64) (TaxType, error)
	InsertTaxType(ctx context.Context, in TaxTypeInput) (TaxType, error)
	ListRegimes(ctx context.Context) ([]TaxRegime, error)
	GetRegime(ctx context.Context, id int64) (TaxRegime, error)
	InsertRegime(ctx context.Context, in RegimeInput) (TaxRegime, error)
	ListClassifications(ctx context.Context, typ fiscal.ClassificationType) ([]Classification, error)
	GetClassification(ctx context.Context, id int64) (Classification, error)
	InsertClassification(ctx context.Context, in ClassificationInput) (Classification, error)
}

// Service exposes rule resolution and rule authoring.
type Service struct {
	repo   RepositoryPort
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

// NewService constructs Service. Dates are evaluated in loc.
func NewService(repo RepositoryPort, loc *time.Location, logger *slog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, loc: loc, now: time.Now, logger: logger}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Today returns the current calendar date in the fiscal zone.
func (s *Service) Today() time.Time {
	return fiscal.DateOf(s.now(), s.loc)
}

// Applicable returns the ordered rules for q. A zero AsOf means today. An
// empty result is not an error.
func (s *Service) Applicable(ctx context.Context, q Query) ([]TaxRule, error) {
	if q.AsOf.IsZero() {
		q.AsOf = s.Today()
	} else {
		q.AsOf = fiscal.DateOf(q.AsOf, s.loc)
	}
	list, err := s.repo.ApplicableRules(ctx, q)
	if err != nil {
		return nil, err
	}
	// ports other than Repository may return candidates unordered
	SortByPriority(list)
	return list, nil
}

// Get loads a rule.
func (s *Service) Get(ctx context.Context, id int64) (TaxRule, error) {
	if id <= 0 {
		return TaxRule{}, shared.FieldError("id", "must be gt 0")
	}
	return s.repo.GetRule(ctx, id)
}

// List enumerates rules.
func (s *Service) List(ctx context.Context, f ListFilter) ([]TaxRule, error) {
	return s.repo.ListRules(ctx, f)
}

// Create validates and stores a rule.
func (s *Service) Create(ctx context.Context, in RuleInput) (TaxRule, error) {
	if err := s.validateRule(ctx, in); err != nil {
		return TaxRule{}, err
	}
	rule, err := s.repo.InsertRule(ctx, in)
	if err != nil {
		return TaxRule{}, err
	}
	s.logger.Info("tax rule created", slog.Int64("rule_id", rule.ID), slog.String("method", string(rule.CalcMethod)))
	return rule, nil
}

// Update replaces a rule's definition.
func (s *Service) Update(ctx context.Context, id int64, in RuleInput) (TaxRule, error) {
	if id <= 0 {
		return TaxRule{}, shared.FieldError("id", "must be gt 0")
	}
	if err := s.validateRule(ctx, in); err != nil {
		return TaxRule{}, err
	}
	return s.repo.UpdateRule(ctx, id, in)
}

// Deactivate switches a rule off without deleting it.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	if id <= 0 {
		return shared.FieldError("id", "must be gt 0")
	}
	return s.repo.SetRuleActive(ctx, id, false)
}

// ListTaxTypes enumerates tax types.
func (s *Service) ListTaxTypes(ctx context.Context) ([]TaxType, error) {
	return s.repo.ListTaxTypes(ctx)
}

// CreateTaxType stores a tax type.
func (s *Service) CreateTaxType(ctx context.Context, in TaxTypeInput) (TaxType, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return TaxType{}, err
	}
	return s.repo.InsertTaxType(ctx, in)
}

// ListRegimes enumerates regimes.
func (s *Service) ListRegimes(ctx context.Context) ([]TaxRegime, error) {
	return s.repo.ListRegimes(ctx)
}

// CreateRegime stores a regime.
func (s *Service) CreateRegime(ctx context.Context, in RegimeInput) (TaxRegime, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return TaxRegime{}, err
	}
	if in.ValidFrom != nil && in.ValidTo != nil && in.ValidTo.Before(*in.ValidFrom) {
		return TaxRegime{}, shared.FieldError("valid_to", "must not precede valid_from")
	}
	return s.repo.InsertRegime(ctx, in)
}

// ListClassifications enumerates classifications.
func (s *Service) ListClassifications(ctx context.Context, typ fiscal.ClassificationType) ([]Classification, error) {
	return s.repo.ListClassifications(ctx, typ)
}

// CreateClassification stores a classification.
func (s *Service) CreateClassification(ctx context.Context, in ClassificationInput) (Classification, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return Classification{}, err
	}
	return s.repo.InsertClassification(ctx, in)
}

var hundred = decimal.NewFromInt(100)

func (s *Service) validateRule(ctx context.Context, in RuleInput) error {
	if err := shared.ValidateStruct(in); err != nil {
		return err
	}
	if in.Rate != nil && in.Rate.IsNegative() {
		return shared.FieldError("rate", "must not be negative")
	}
	if in.BaseReduction != nil && (in.BaseReduction.IsNegative() || in.BaseReduction.GreaterThan(hundred)) {
		return shared.FieldError("base_reduction", "must be between 0 and 100")
	}
	if in.ValidTo != nil && fiscal.DateOf(*in.ValidTo, nil).Before(fiscal.DateOf(in.ValidFrom, nil)) {
		return shared.FieldError("valid_to", "must not precede valid_from")
	}
	if _, err := s.repo.GetRegime(ctx, in.RegimeID); err != nil {
		return err
	}
	if _, err := s.repo.GetTaxType(ctx, in.TaxTypeID); err != nil {
		return err
	}
	if in.ClassificationID != nil {
		if _, err := s.repo.GetClassification(ctx, *in.ClassificationID); err != nil {
			return err
		}
	}
	return nil
}
