package clean

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinels substituted for values that cannot be recovered. Explicit
// sentinels keep downstream aggregation total-preserving: an unknown text
// attribute groups under one bucket and an unknown amount contributes
// nothing.
const (
	UnknownText = "UNKNOWN"
)

// datePatterns are tried in order; the first successful parse wins.
// Day-first beats month-first because the source company writes European
// dates.
var datePatterns = []string{
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
	"2006/01/02",
	"02-Jan-2006",
	time.RFC3339,
}

// categoryCorrections maps known source misspellings to the canonical
// category names of the parent model. Applied after title casing.
var categoryCorrections = map[string]string{
	"Beverges":   "Beverages",
	"Bevrages":   "Beverages",
	"Snaks":      "Snacks",
	"Dariy":      "Dairy",
	"Dairry":     "Dairy",
	"Condimets":  "Condiments",
	"Confection": "Confections",
}

// cityCorrections maps recurring city typos seen in the source extracts.
var cityCorrections = map[string]string{
	"Lodnon":     "London",
	"Mnchester":  "Manchester",
	"Birmingam":  "Birmingham",
	"Edinburg":   "Edinburgh",
	"Newcastel":  "Newcastle",
	"Glasgw":     "Glasgow",
}

// normalizeText trims and collapses internal whitespace.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// titleCase normalizes and capitalizes each word, lowercasing the rest.
// ASCII-only on purpose: source identifiers are ASCII and anything else
// passes through unchanged.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = capitalize(strings.ToLower(w))
	}
	return strings.Join(words, " ")
}

func capitalize(w string) string {
	if w == "" {
		return w
	}
	if w[0] >= 'a' && w[0] <= 'z' {
		return string(w[0]-'a'+'A') + w[1:]
	}
	return w
}

// normalizeCode uppercases an identifier after whitespace normalization.
func normalizeCode(s string) string {
	return strings.ToUpper(normalizeText(s))
}

// correct applies a correction dictionary to an already-normalized value.
func correct(s string, corrections map[string]string) string {
	if fixed, ok := corrections[s]; ok {
		return fixed
	}
	return s
}

// textOrUnknown substitutes the text sentinel for empty values.
func textOrUnknown(s string) string {
	if s == "" {
		return UnknownText
	}
	return s
}

// parseDate tries each known pattern in order.
func parseDate(s string) (time.Time, bool) {
	s = normalizeText(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, pattern := range datePatterns {
		if t, err := time.Parse(pattern, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseAmount parses a decimal amount, tolerating currency symbols and
// thousands separators. Negative amounts are sign errors in the source and
// are flipped positive. Unparseable values become the explicit 0 sentinel.
func parseAmount(s string) decimal.Decimal {
	s = normalizeText(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimPrefix(s, "£")
	s = strings.TrimPrefix(s, "€")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d.Abs()
}

// parseQuantity parses an integer quantity with the same sign-flip and
// 0-sentinel rules as parseAmount. Fractional quantities truncate.
func parseQuantity(s string) int64 {
	return parseAmount(s).IntPart()
}

// parseYear parses a four-digit year, returning false for anything that is
// not a plausible calendar year.
func parseYear(s string) (int, bool) {
	s = normalizeText(s)
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsInteger() {
		return 0, false
	}
	y := int(d.IntPart())
	if y < 1900 || y > 2200 {
		return 0, false
	}
	return y, true
}
