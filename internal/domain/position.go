package domain

import "time"

// OpenPosition is a filled position whose protective stop is managed by the stop engine.
type OpenPosition struct {
	DealID        string
	DealReference string
	Market        string
	Epic          string
	SignalID      string
	Side          OrderSide
	EntryPrice    float64
	SizeUnits     float64
	InitialStop   float64 // Stop attached with the entry order
	RiskAmount    float64 // Initial stop distance in price points (1R)
	TakeProfit    float64
	ATR           float64
	Trailing      TrailingConfig
	OpenedAt      time.Time

	// Owned by the stop engine once the position is tracked.
	CurrentStopLevel float64
	BreakevenApplied bool
}

// Gain returns the favourable move from entry at price, in points. Negative when under water.
func (p *OpenPosition) Gain(price float64) float64 {
	if p.Side == Sell {
		return p.EntryPrice - price
	}
	return price - p.EntryPrice
}

// IsMoreProtective reports whether candidate protects a position opened on side strictly better than current.
// Zero means "no stop" and is the least protective level.
func IsMoreProtective(side OrderSide, candidate, current float64) bool {
	if candidate <= 0 {
		return false
	}
	if current <= 0 {
		return true
	}
	if side == Sell {
		return candidate < current
	}
	return candidate > current
}

// MoreProtective returns whichever of a and b protects the position better.
func MoreProtective(side OrderSide, a, b float64) float64 {
	if IsMoreProtective(side, a, b) {
		return a
	}
	return b
}
