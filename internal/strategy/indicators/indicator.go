package indicators

import (
	"context"
	"fmt"

	"marketOpenBot/internal/domain"
)

// Indicator represents a technical indicator calculated from minute candles
type Indicator interface {
	// Calculate computes the latest indicator value; candles are oldest first
	Calculate(ctx context.Context, candles []domain.Candle) (float64, error)

	// RequiredDataPoints returns the minimum number of candles needed for calculation
	RequiredDataPoints() int

	// Name returns the name of the indicator
	Name() string
}

// IndicatorConfig holds common configuration for indicators
type IndicatorConfig struct {
	Period int
}

// BaseIndicator provides common functionality for indicators
type BaseIndicator struct {
	Config IndicatorConfig
}

// RequiredDataPoints returns the minimum number of candles needed for calculation
func (b *BaseIndicator) RequiredDataPoints() int {
	return b.Config.Period
}

func notEnough(name string, have, need int) error {
	return fmt.Errorf("not enough candles (%d) to calculate %s: need %d", have, name, need)
}
