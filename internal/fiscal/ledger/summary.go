package ledger

import (
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
)

type storedResult struct {
	Taxes *[]storedLine `json:"taxes"`
}

type storedLine struct {
	TaxType *string          `json:"tax_type"`
	Amount  *decimal.Decimal `json:"amount"`
}

// lines decodes the tax lines of a stored result. ok is false when the
// document, its taxes array, or any line is missing or malformed.
func lines(raw json.RawMessage) ([]storedLine, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var res storedResult
	if err := json.Unmarshal(raw, &res); err != nil || res.Taxes == nil {
		return nil, false
	}
	for _, l := range *res.Taxes {
		if l.TaxType == nil || *l.TaxType == "" || l.Amount == nil {
			return nil, false
		}
	}
	return *res.Taxes, true
}

// Summarize groups the tax lines of records by tax type. Malformed results
// still count towards operations and amount but not towards the breakdown.
func Summarize(period fiscal.Period, records []CalculationRecord) PeriodSummary {
	summary := PeriodSummary{
		Period:       period,
		TotalAmount:  decimal.Zero,
		TotalTax:     decimal.Zero,
		TaxBreakdown: make(map[string]BreakdownEntry),
	}
	regimes := make(map[string]map[int64]struct{})
	for _, rec := range records {
		summary.TotalOperations++
		summary.TotalAmount = summary.TotalAmount.Add(rec.Amount)

		decoded, ok := lines(rec.Result)
		if !ok {
			summary.Malformed++
			continue
		}
		seen := make(map[string]bool, len(decoded))
		for _, l := range decoded {
			name := *l.TaxType
			entry := summary.TaxBreakdown[name]
			entry.Total = entry.Total.Add(*l.Amount)
			if !seen[name] {
				seen[name] = true
				entry.Operations++
			}
			summary.TaxBreakdown[name] = entry
			summary.TotalTax = summary.TotalTax.Add(*l.Amount)

			if regimes[name] == nil {
				regimes[name] = make(map[int64]struct{})
			}
			regimes[name][rec.RegimeID] = struct{}{}
		}
	}
	for name, entry := range summary.TaxBreakdown {
		ids := make([]int64, 0, len(regimes[name]))
		for id := range regimes[name] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		entry.RegimeIDs = ids
		summary.TaxBreakdown[name] = entry
	}
	return summary
}

// sortedNames returns breakdown keys in a stable order.
func (s PeriodSummary) sortedNames() []string {
	names := make([]string, 0, len(s.TaxBreakdown))
	for name := range s.TaxBreakdown {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
