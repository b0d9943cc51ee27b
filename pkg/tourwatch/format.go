package tourwatch

import (
	"fmt"
	"math"
)

var currencySymbols = map[string]string{
	"EUR": "€",
	"USD": "$",
	"GBP": "£",
}

// FormatPrice renders an amount with its currency symbol, e.g. "€95.00" or "95.00 CHF".
func FormatPrice(amount float64, currency string) string {
	if sym, ok := currencySymbols[currency]; ok {
		if amount < 0 {
			return fmt.Sprintf("-%s%.2f", sym, math.Abs(amount))
		}
		return fmt.Sprintf("%s%.2f", sym, amount)
	}
	if currency == "" {
		return fmt.Sprintf("%.2f", amount)
	}
	return fmt.Sprintf("%.2f %s", amount, currency)
}
