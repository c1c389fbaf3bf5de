package ports

import (
	"context"
	"time"

	"marketOpenBot/internal/domain"
)

// MarketContext is the input handed to a signal generator.
type MarketContext struct {
	Market       string
	Epic         string
	StrategyName string
	Now          time.Time
	Latest       *domain.PriceTick // nil before the first tick
	Candles      []domain.Candle   // Oldest first
	Previous     *domain.Signal    // Set when re-evaluating an expired signal
}

// SignalGenerator produces entry plans. Returns ErrNoTrade when there is nothing to do.
type SignalGenerator interface {
	Generate(ctx context.Context, mc MarketContext) (*domain.Signal, error)
}
