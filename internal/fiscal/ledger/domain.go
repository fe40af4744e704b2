package ledger

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
)

var (
	// ErrPeriodNotClosed indicates a reopen of a period without ledger rows.
	ErrPeriodNotClosed = errors.New("ledger: period has no ledgers to reopen")
)

// Status is the open/closed flag of a ledger row.
type Status string

const (
	StatusAberto  Status = "aberto"
	StatusFechado Status = "fechado"
)

// TaxLedger is the per period, per tax type accumulation.
type TaxLedger struct {
	ID           int64           `json:"id"`
	PeriodMonth  int             `json:"period_month"`
	PeriodYear   int             `json:"period_year"`
	TaxTypeID    int64           `json:"tax_type_id"`
	TaxTypeName  string          `json:"tax_type_name,omitempty"`
	RegimeID     *int64          `json:"regime_id,omitempty"`
	TotalDebits  decimal.Decimal `json:"total_debits"`
	TotalCredits decimal.Decimal `json:"total_credits"`
	BalanceDue   decimal.Decimal `json:"balance_due"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// CalculationRecord is the slice of a stored calculation the aggregator reads.
type CalculationRecord struct {
	ID       int64
	RegimeID int64
	Amount   decimal.Decimal
	Result   json.RawMessage
}

// BreakdownEntry accumulates one tax type within a period.
type BreakdownEntry struct {
	Total      decimal.Decimal `json:"total"`
	Operations int             `json:"operations"`
	RegimeIDs  []int64         `json:"regime_ids"`
}

// PeriodSummary aggregates every calculation of a period.
type PeriodSummary struct {
	Period          fiscal.Period             `json:"period"`
	TotalOperations int                       `json:"total_operations"`
	TotalAmount     decimal.Decimal           `json:"total_amount"`
	TotalTax        decimal.Decimal           `json:"total_tax"`
	TaxBreakdown    map[string]BreakdownEntry `json:"tax_breakdown"`
	Malformed       int                       `json:"malformed"`
}

// LedgerUpsert is the target state of one row at close time.
type LedgerUpsert struct {
	Period      fiscal.Period
	TaxTypeID   int64
	RegimeID    *int64
	TotalDebits decimal.Decimal
}

// SkippedEntry is a summary entry whose tax type could not be resolved.
type SkippedEntry struct {
	TaxType    string          `json:"tax_type"`
	Total      decimal.Decimal `json:"total"`
	Operations int             `json:"operations"`
}

// CloseResult reports the rows written by a close.
type CloseResult struct {
	Period  fiscal.Period  `json:"period"`
	Ledgers []TaxLedger    `json:"ledgers"`
	Skipped []SkippedEntry `json:"skipped"`
	Summary PeriodSummary  `json:"summary"`
}
