package rules

import (
	"sort"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
)

// Applicable mirrors the repository predicate for a single rule. q.AsOf is
// expected to be already truncated to a date.
func Applicable(rule TaxRule, q Query) bool {
	if !rule.IsActive {
		return false
	}
	if rule.RegimeID != q.RegimeID || rule.Operation != q.Operation {
		return false
	}
	asOf := fiscal.DateOf(q.AsOf, nil)
	if fiscal.DateOf(rule.ValidFrom, nil).After(asOf) {
		return false
	}
	if rule.ValidTo != nil && fiscal.DateOf(*rule.ValidTo, nil).Before(asOf) {
		return false
	}
	if q.ClassificationID != nil && rule.ClassificationID != nil && *rule.ClassificationID != *q.ClassificationID {
		return false
	}
	if q.OriginUF != "" && rule.OriginUF != "" && rule.OriginUF != q.OriginUF {
		return false
	}
	if q.DestinationUF != "" && rule.DestinationUF != "" && rule.DestinationUF != q.DestinationUF {
		return false
	}
	return true
}

// Filter returns the applicable subset of candidates in evaluation order.
func Filter(candidates []TaxRule, q Query) []TaxRule {
	out := make([]TaxRule, 0, len(candidates))
	for _, rule := range candidates {
		if Applicable(rule, q) {
			out = append(out, rule)
		}
	}
	SortByPriority(out)
	return out
}

// SortByPriority orders rules by priority ascending, then id ascending.
func SortByPriority(list []TaxRule) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		return list[i].ID < list[j].ID
	})
}
