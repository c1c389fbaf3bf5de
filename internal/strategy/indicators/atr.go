package indicators

import (
	"context"
	"math"

	"marketOpenBot/internal/domain"
)

// ATRConfig holds configuration for the Average True Range indicator
type ATRConfig struct {
	IndicatorConfig
}

// ATR implements the Average True Range indicator with Wilder smoothing
type ATR struct {
	BaseIndicator
}

// NewATR creates a new Average True Range indicator instance
func NewATR(config ATRConfig) *ATR {
	return &ATR{BaseIndicator: BaseIndicator{Config: config.IndicatorConfig}}
}

// Name returns the name of the indicator
func (a *ATR) Name() string {
	return "ATR"
}

// RequiredDataPoints needs one candle beyond the period for the first previous close.
func (a *ATR) RequiredDataPoints() int {
	return a.Config.Period + 1
}

// Calculate computes the latest ATR value
func (a *ATR) Calculate(ctx context.Context, candles []domain.Candle) (float64, error) {
	series, err := a.Series(candles)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// Series returns every ATR value from the first full period onwards.
func (a *ATR) Series(candles []domain.Candle) ([]float64, error) {
	period := a.Config.Period
	if period <= 0 || len(candles) < period+1 {
		return nil, notEnough("ATR", len(candles), period+1)
	}

	ranges := make([]float64, len(candles))
	ranges[0] = candles[0].High - candles[0].Low
	for i := 1; i < len(candles); i++ {
		prevClose := candles[i-1].Close
		ranges[i] = math.Max(candles[i].High-candles[i].Low,
			math.Max(math.Abs(candles[i].High-prevClose), math.Abs(candles[i].Low-prevClose)))
	}

	atr := 0.0
	for _, tr := range ranges[:period] {
		atr += tr
	}
	atr /= float64(period)

	out := make([]float64, 0, len(candles)-period+1)
	out = append(out, atr)
	for _, tr := range ranges[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
		out = append(out, atr)
	}
	return out, nil
}
