package calc

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
)

var (
	// ErrMethodUnsupported is returned when a rule uses a calculation method
	// that has no registered strategy.
	ErrMethodUnsupported = errors.New("calc: calculation method not supported")
	// ErrCalculationNotFound indicates the calculation id does not exist.
	ErrCalculationNotFound = errors.New("calc: calculation not found")
	// ErrNegativeAmount rejects amounts below zero.
	ErrNegativeAmount = errors.New("calc: amount must not be negative")
)

// Request asks for the taxes due on one operation.
type Request struct {
	RegimeID         int64            `json:"regime_id" validate:"required,gt=0"`
	Operation        fiscal.Operation `json:"operation" validate:"required,oneof=venda compra prestacao_servico"`
	Amount           decimal.Decimal  `json:"amount"`
	ClassificationID *int64           `json:"classification_id" validate:"omitempty,gt=0"`
	OriginUF         string           `json:"origin_uf" validate:"omitempty,len=2,alpha,uppercase"`
	DestinationUF    string           `json:"destination_uf" validate:"omitempty,len=2,alpha,uppercase"`
	OrderID          *int64           `json:"order_id" validate:"omitempty,gt=0"`
	Notes            string           `json:"notes" validate:"max=1000"`
	IdempotencyKey   string           `json:"-" validate:"max=120"`
}

// TaxCalculation is the persisted, never mutated, record of a calculation.
type TaxCalculation struct {
	ID               int64                    `json:"id"`
	Operation        fiscal.Operation         `json:"operation"`
	ClassificationID *int64                   `json:"classification_id,omitempty"`
	RegimeID         int64                    `json:"regime_id"`
	Amount           decimal.Decimal          `json:"amount"`
	OriginUF         string                   `json:"origin_uf,omitempty"`
	DestinationUF    string                   `json:"destination_uf,omitempty"`
	Result           fiscal.CalculationResult `json:"result"`
	OrderID          *int64                   `json:"order_id,omitempty"`
	Notes            string                   `json:"notes,omitempty"`
	IdempotencyKey   string                   `json:"-"`
	CalculatedAt     time.Time                `json:"calculated_at"`
	CreatedAt        time.Time                `json:"created_at"`
}

// sameRequest reports whether a stored calculation was produced by req.
func (c TaxCalculation) sameRequest(req Request) bool {
	return c.RegimeID == req.RegimeID &&
		c.Operation == req.Operation &&
		c.Amount.Equal(req.Amount) &&
		equalID(c.ClassificationID, req.ClassificationID) &&
		equalID(c.OrderID, req.OrderID) &&
		c.OriginUF == req.OriginUF &&
		c.DestinationUF == req.DestinationUF &&
		c.Notes == req.Notes
}

func equalID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ListFilter selects calculations of one period.
type ListFilter struct {
	Period   fiscal.Period
	RegimeID int64
	Page     int
	PerPage  int
}
