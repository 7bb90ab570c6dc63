package utils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var currencyMarks = []string{",", "MMK", "mmk", "Ks", "ks", "USD", "$"}

// ParseDecimal reads a price from a JSON value. Strings may carry thousands
// separators and a currency mark ("MMK 20,000", "$1,234.50").
func ParseDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case string:
		return parseFormattedDecimal(t)
	case json.Number:
		return decimal.NewFromString(t.String())
	case float64:
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	default:
		return decimal.Zero, fmt.Errorf("invalid decimal value %T", v)
	}
}

func parseFormattedDecimal(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	for _, mark := range currencyMarks {
		s = strings.ReplaceAll(s, mark, "")
	}
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = strings.TrimSpace(strings.TrimPrefix(s, "-"))
	}
	// Keep digits and '.' only.
	var b strings.Builder
	b.Grow(len(s) + 1)
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if clean == "" {
		return decimal.Zero, fmt.Errorf("invalid decimal value %q", raw)
	}
	if neg {
		clean = "-" + clean
	}
	return decimal.NewFromString(clean)
}
