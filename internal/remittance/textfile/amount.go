package textfile

import (
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// parseAmount parses a comma-decimal amount into cents.
// Format examples: "1.234,56" -> 123456, "10,00" -> 1000, "7" -> 700.
func parseAmount(s string) (int64, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(s), ".", "")
	clean = strings.ReplaceAll(clean, ",", ".")

	d, err := decimal.NewFromString(clean)
	if err != nil {
		return 0, err
	}

	return d.Mul(hundred).Round(0).IntPart(), nil
}

// formatAmount writes cents as "1234,56", without thousand separators.
func formatAmount(cents int64) string {
	return strings.Replace(decimal.New(cents, -2).StringFixed(2), ".", ",", 1)
}
