package indicators

import (
	"context"
	"fmt"

	"marketOpenBot/internal/domain"
)

// MovingAverageType defines the type of moving average
type MovingAverageType string

const (
	// SimpleMovingAverage represents a simple moving average
	SimpleMovingAverage MovingAverageType = "SMA"
	// ExponentialMovingAverage represents an exponential moving average
	ExponentialMovingAverage MovingAverageType = "EMA"
)

// MovingAverageConfig holds configuration for moving average indicators
type MovingAverageConfig struct {
	IndicatorConfig
	Type MovingAverageType
}

// MovingAverage implements both SMA and EMA over candle closes
type MovingAverage struct {
	BaseIndicator
	kind MovingAverageType
}

// NewMovingAverage creates a new moving average indicator instance
func NewMovingAverage(config MovingAverageConfig) *MovingAverage {
	return &MovingAverage{
		BaseIndicator: BaseIndicator{Config: config.IndicatorConfig},
		kind:          config.Type,
	}
}

// Name returns the name of the indicator
func (m *MovingAverage) Name() string {
	return fmt.Sprintf("%s_%d", m.kind, m.Config.Period)
}

// Calculate computes the moving average value based on the configured type
func (m *MovingAverage) Calculate(ctx context.Context, candles []domain.Candle) (float64, error) {
	period := m.Config.Period
	if period <= 0 || len(candles) < period {
		return 0, notEnough(m.Name(), len(candles), period)
	}
	switch m.kind {
	case SimpleMovingAverage:
		return sma(candles[len(candles)-period:]), nil
	case ExponentialMovingAverage:
		k := 2.0 / float64(period+1)
		ema := sma(candles[:period])
		for _, c := range candles[period:] {
			ema += (c.Close - ema) * k
		}
		return ema, nil
	default:
		return 0, fmt.Errorf("unsupported moving average type: %s", m.kind)
	}
}

func sma(candles []domain.Candle) float64 {
	total := 0.0
	for _, c := range candles {
		total += c.Close
	}
	return total / float64(len(candles))
}
