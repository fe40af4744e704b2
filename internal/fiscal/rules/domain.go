package rules

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
)

var (
	// ErrRuleNotFound indicates the rule id does not exist.
	ErrRuleNotFound = errors.New("rules: rule not found")
	// ErrTaxTypeNotFound indicates the tax type id or name does not exist.
	ErrTaxTypeNotFound = errors.New("rules: tax type not found")
	// ErrRegimeNotFound indicates the regime id does not exist.
	ErrRegimeNotFound = errors.New("rules: regime not found")
	// ErrClassificationNotFound indicates the classification id does not exist.
	ErrClassificationNotFound = errors.New("rules: classification not found")
	// ErrDuplicateCode indicates a reference record with the same code exists.
	ErrDuplicateCode = errors.New("rules: code already exists")
)

// TaxType is a named levy such as ICMS or ISS.
type TaxType struct {
	ID           int64               `json:"id"`
	Code         string              `json:"code"`
	Name         string              `json:"name"`
	Jurisdiction fiscal.Jurisdiction `json:"jurisdiction"`
	CreatedAt    time.Time           `json:"created_at"`
}

// TaxRegime is the company-level tax regime rules are grouped under.
type TaxRegime struct {
	ID        int64      `json:"id"`
	Code      string     `json:"code"`
	Name      string     `json:"name"`
	ValidFrom *time.Time `json:"valid_from,omitempty"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Classification is a product (NCM/CEST) or service code.
type Classification struct {
	ID          int64                     `json:"id"`
	Type        fiscal.ClassificationType `json:"type"`
	Code        string                    `json:"code"`
	Description string                    `json:"description"`
	Qualifier   string                    `json:"qualifier,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
}

// TaxRule decides whether and how a tax applies to an operation.
type TaxRule struct {
	ID               int64             `json:"id"`
	RegimeID         int64             `json:"regime_id"`
	TaxTypeID        int64             `json:"tax_type_id"`
	TaxTypeCode      string            `json:"tax_type_code"`
	TaxTypeName      string            `json:"tax_type_name"`
	Operation        fiscal.Operation  `json:"operation"`
	OriginUF         string            `json:"origin_uf,omitempty"`
	DestinationUF    string            `json:"destination_uf,omitempty"`
	ClassificationID *int64            `json:"classification_id,omitempty"`
	CalcMethod       fiscal.CalcMethod `json:"calc_method"`
	Rate             *decimal.Decimal  `json:"rate,omitempty"`
	BaseReduction    *decimal.Decimal  `json:"base_reduction,omitempty"`
	IsActive         bool              `json:"is_active"`
	Priority         int               `json:"priority"`
	ValidFrom        time.Time         `json:"valid_from"`
	ValidTo          *time.Time        `json:"valid_to,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Query selects the rules applicable to one operation on one date.
type Query struct {
	RegimeID         int64
	Operation        fiscal.Operation
	AsOf             time.Time
	ClassificationID *int64
	OriginUF         string
	DestinationUF    string
}

// ListFilter narrows rule listings for authoring screens.
type ListFilter struct {
	RegimeID  int64
	TaxTypeID int64
	Operation fiscal.Operation
	Active    *bool
	Limit     int
	Offset    int
}

// RuleInput is the payload for creating or replacing a rule.
type RuleInput struct {
	RegimeID         int64             `json:"regime_id" validate:"required,gt=0"`
	TaxTypeID        int64             `json:"tax_type_id" validate:"required,gt=0"`
	Operation        fiscal.Operation  `json:"operation" validate:"required,oneof=venda compra prestacao_servico"`
	OriginUF         string            `json:"origin_uf" validate:"omitempty,len=2,alpha,uppercase"`
	DestinationUF    string            `json:"destination_uf" validate:"omitempty,len=2,alpha,uppercase"`
	ClassificationID *int64            `json:"classification_id" validate:"omitempty,gt=0"`
	CalcMethod       fiscal.CalcMethod `json:"calc_method" validate:"required,oneof=percentual valor_fixo mva reducao_base substituicao_tributaria isento nao_incidencia"`
	Rate             *decimal.Decimal  `json:"rate"`
	BaseReduction    *decimal.Decimal  `json:"base_reduction"`
	IsActive         *bool             `json:"is_active"`
	Priority         int               `json:"priority" validate:"gte=0"`
	ValidFrom        time.Time         `json:"valid_from" validate:"required"`
	ValidTo          *time.Time        `json:"valid_to"`
}

// Active resolves the optional flag, defaulting to true.
func (in RuleInput) Active() bool {
	return in.IsActive == nil || *in.IsActive
}

// TaxTypeInput creates a tax type.
type TaxTypeInput struct {
	Code         string              `json:"code" validate:"required,max=20"`
	Name         string              `json:"name" validate:"required,max=120"`
	Jurisdiction fiscal.Jurisdiction `json:"jurisdiction" validate:"required,oneof=federal estadual municipal"`
}

// RegimeInput creates a tax regime.
type RegimeInput struct {
	Code      string     `json:"code" validate:"required,max=20"`
	Name      string     `json:"name" validate:"required,max=120"`
	ValidFrom *time.Time `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to"`
}

// ClassificationInput creates a fiscal classification.
type ClassificationInput struct {
	Type        fiscal.ClassificationType `json:"type" validate:"required,oneof=produto servico"`
	Code        string                    `json:"code" validate:"required,max=20"`
	Description string                    `json:"description" validate:"required,max=255"`
	Qualifier   string                    `json:"qualifier" validate:"omitempty,max=20"`
}
