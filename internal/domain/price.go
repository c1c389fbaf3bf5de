package domain

import "time"

// PriceTick is one quote for an instrument. Values are immutable once published;
// a newer tick supersedes an older one, it never modifies it.
type PriceTick struct {
	Epic        string    // Broker instrument identifier
	Bid         float64   // Best bid
	Offer       float64   // Best offer
	Timestamp   time.Time // Time reported by the stream (local receive time when absent)
	MarketState string    // e.g. TRADEABLE, CLOSED, EDIT
}

// Spread returns offer minus bid.
func (t PriceTick) Spread() float64 {
	return t.Offer - t.Bid
}

// Mid returns the mid price.
func (t PriceTick) Mid() float64 {
	return (t.Bid + t.Offer) / 2
}

// EntryPrice returns the side of the book an order on side would execute against.
func (t PriceTick) EntryPrice(side OrderSide) float64 {
	if side == Sell {
		return t.Bid
	}
	return t.Offer
}

// ExitPrice returns the side of the book a position opened on side would close against.
func (t PriceTick) ExitPrice(side OrderSide) float64 {
	if side == Sell {
		return t.Offer
	}
	return t.Bid
}

// IsValid reports whether both sides of the quote are positive.
func (t PriceTick) IsValid() bool {
	return t.Bid > 0 && t.Offer > 0
}

// Candle is a one-minute OHLC bar aggregated from streamed bids.
type Candle struct {
	Epic     string
	OpenTime time.Time // Start of the minute
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Ticks    int // Number of ticks aggregated into the bar
}
