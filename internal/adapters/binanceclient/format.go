package binanceclient

import (
	"strings"

	"github.com/shopspring/decimal"
)

// formatPrice rounds a level to the symbol's tick precision.
func formatPrice(v float64, places int32) string {
	return decimal.NewFromFloat(v).Round(places).StringFixed(places)
}

// formatQuantity truncates so the order never exceeds the sized amount.
func formatQuantity(v float64, places int32) string {
	return decimal.NewFromFloat(v).Truncate(places).StringFixed(places)
}

// clientOrderID turns a deal reference into an id Binance accepts (max 36, [.A-Z:/a-z0-9_-]).
func clientOrderID(ref string) string {
	var sb strings.Builder
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', strings.ContainsRune(".:/_-", r):
			sb.WriteRune(r)
		}
		if sb.Len() == 36 {
			break
		}
	}
	return sb.String()
}
