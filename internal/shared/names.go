package shared

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName canonicalises a display name for lookups: NFC, case folded,
// trimmed, inner whitespace collapsed.
func NormalizeName(name string) string {
	name = norm.NFC.String(name)
	name = strings.Join(strings.Fields(name), " ")
	// Casers are stateful, so each call gets its own.
	return cases.Fold().String(name)
}
