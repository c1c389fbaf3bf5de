package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"
	"marketOpenBot/internal/strategy/indicators"
)

// Volatility states reported in a Summary.
const (
	VolatilityLow    = "LOW"
	VolatilityMedium = "MEDIUM"
	VolatilityHigh   = "HIGH"
)

// Summary is the indicator snapshot handed to signal generators as market context.
type Summary struct {
	ATR        float64 `json:"atr"`
	AvgATR     float64 `json:"avg_atr"`
	VolRatio   float64 `json:"vol_ratio"`
	Volatility string  `json:"vol_state"`
	RSI        float64 `json:"rsi"`
	EMA        float64 `json:"ema_20"`
	Close      float64 `json:"close"`
	PrevClose  float64 `json:"prev_close"`
	RangeHigh  float64 `json:"range_high"`
	RangeLow   float64 `json:"range_low"`
}

// Config holds parameters for the indicator summary and the breakout strategy.
type Config struct {
	ATRPeriod     int           // e.g., 14
	RSIPeriod     int           // e.g., 14
	EMAPeriod     int           // e.g., 20
	RangeCandles  int           // Candles forming the opening range, e.g., 15
	BufferATR     float64       // Trigger offset beyond the range edge, in ATR
	StopATR       float64       // Stop distance behind the trigger, in ATR
	RewardRatio   float64       // Take profit distance as a multiple of the stop distance
	RSIOverbought float64       // e.g., 70.0
	RSIOversold   float64       // e.g., 30.0
	ValidFor      time.Duration // Signal validity window
	Trailing      domain.TrailingConfig
	NoChaseATR    float64 // Maximum extension from the range edge, in ATR (0 disables)
}

// DefaultConfig mirrors the 15-minute opening range the desk trades.
func DefaultConfig() Config {
	return Config{
		ATRPeriod:     14,
		RSIPeriod:     14,
		EMAPeriod:     20,
		RangeCandles:  15,
		BufferATR:     0.1,
		StopATR:       1.0,
		RewardRatio:   2.0,
		RSIOverbought: 70,
		RSIOversold:   30,
		ValidFor:      30 * time.Minute,
	}
}

// Strategy computes indicator summaries and generates opening range breakout signals.
type Strategy struct {
	cfg    Config
	atr    *indicators.ATR
	rsi    *indicators.RSI
	ema    *indicators.MovingAverage
	logger ports.Logger
}

// New creates a new Strategy instance.
func New(cfg Config, logger ports.Logger) (*Strategy, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for strategy")
	}
	if cfg.ATRPeriod <= 0 || cfg.RSIPeriod <= 0 || cfg.EMAPeriod <= 0 || cfg.RangeCandles <= 0 {
		return nil, fmt.Errorf("%w: strategy periods must be positive", ports.ErrConfigurationError)
	}
	if cfg.StopATR <= 0 {
		return nil, fmt.Errorf("%w: stop distance must be positive", ports.ErrConfigurationError)
	}
	if cfg.ValidFor <= 0 {
		cfg.ValidFor = DefaultConfig().ValidFor
	}
	return &Strategy{
		cfg:    cfg,
		atr:    indicators.NewATR(indicators.ATRConfig{IndicatorConfig: indicators.IndicatorConfig{Period: cfg.ATRPeriod}}),
		rsi:    indicators.NewRSI(indicators.RSIConfig{IndicatorConfig: indicators.IndicatorConfig{Period: cfg.RSIPeriod}, Overbought: cfg.RSIOverbought, Oversold: cfg.RSIOversold}),
		ema:    indicators.NewMovingAverage(indicators.MovingAverageConfig{IndicatorConfig: indicators.IndicatorConfig{Period: cfg.EMAPeriod}, Type: indicators.ExponentialMovingAverage}),
		logger: logger,
	}, nil
}

// RequiredDataPoints returns the minimum number of candles needed for a summary.
func (s *Strategy) RequiredDataPoints() int {
	n := s.atr.RequiredDataPoints()
	if v := s.rsi.RequiredDataPoints(); v > n {
		n = v
	}
	if v := s.ema.RequiredDataPoints(); v > n {
		n = v
	}
	if s.cfg.RangeCandles > n {
		n = s.cfg.RangeCandles
	}
	return n
}

// ATR returns the latest ATR over candles.
func (s *Strategy) ATR(ctx context.Context, candles []domain.Candle) (float64, error) {
	return s.atr.Calculate(ctx, candles)
}

// Summarize computes the indicator snapshot for candles (oldest first).
func (s *Strategy) Summarize(ctx context.Context, candles []domain.Candle) (Summary, error) {
	if need := s.RequiredDataPoints(); len(candles) < need {
		return Summary{}, fmt.Errorf("%w: have %d candles, need %d", ports.ErrNoTrade, len(candles), need)
	}

	series, err := s.atr.Series(candles)
	if err != nil {
		return Summary{}, err
	}
	rsi, err := s.rsi.Calculate(ctx, candles)
	if err != nil {
		return Summary{}, err
	}
	ema, err := s.ema.Calculate(ctx, candles)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{
		ATR:       series[len(series)-1],
		RSI:       rsi,
		EMA:       ema,
		Close:     candles[len(candles)-1].Close,
		PrevClose: candles[len(candles)-1].Close,
		RangeLow:  math.MaxFloat64,
	}
	if len(candles) >= 2 {
		sum.PrevClose = candles[len(candles)-2].Close
	}
	for _, v := range series {
		sum.AvgATR += v
	}
	sum.AvgATR /= float64(len(series))
	sum.VolRatio = 1
	if sum.AvgATR > 0 {
		sum.VolRatio = sum.ATR / sum.AvgATR
	}
	switch {
	case sum.VolRatio < 0.8:
		sum.Volatility = VolatilityLow
	case sum.VolRatio > 1.2:
		sum.Volatility = VolatilityHigh
	default:
		sum.Volatility = VolatilityMedium
	}

	for _, c := range candles[len(candles)-s.cfg.RangeCandles:] {
		sum.RangeHigh = math.Max(sum.RangeHigh, c.High)
		sum.RangeLow = math.Min(sum.RangeLow, c.Low)
	}
	return sum, nil
}

// Generate implements ports.SignalGenerator with an opening range breakout:
// BUY above the range when price holds above the EMA and RSI is not overbought,
// SELL below it in the mirror case, otherwise no trade.
func (s *Strategy) Generate(ctx context.Context, mc ports.MarketContext) (*domain.Signal, error) {
	sum, err := s.Summarize(ctx, mc.Candles)
	if err != nil {
		return nil, err
	}
	if sum.ATR <= 0 {
		return nil, fmt.Errorf("%w: flat market, ATR is zero", ports.ErrNoTrade)
	}

	price := sum.Close
	if mc.Latest != nil && mc.Latest.IsValid() {
		price = mc.Latest.Mid()
	}

	var (
		side      domain.OrderSide
		trigger   float64
		reference float64
	)
	switch {
	case price > sum.EMA && !s.rsi.IsOverbought(sum.RSI):
		side = domain.Buy
		reference = sum.RangeHigh
		trigger = sum.RangeHigh + s.cfg.BufferATR*sum.ATR
	case price < sum.EMA && !s.rsi.IsOversold(sum.RSI):
		side = domain.Sell
		reference = sum.RangeLow
		trigger = sum.RangeLow - s.cfg.BufferATR*sum.ATR
	default:
		s.logger.Debug(ctx, "Breakout conditions not met", map[string]interface{}{
			"market": mc.Market,
			"epic":   mc.Epic,
			"price":  price,
			"ema":    sum.EMA,
			"rsi":    sum.RSI,
		})
		return nil, fmt.Errorf("%w: no directional bias", ports.ErrNoTrade)
	}

	stopDistance := s.cfg.StopATR * sum.ATR
	sig := &domain.Signal{
		ID:           uuid.NewString(),
		Market:       mc.Market,
		Epic:         mc.Epic,
		Action:       side,
		EntryType:    domain.EntryBreakout,
		TriggerPrice: round2(trigger),
		ValidUntil:   mc.Now.Add(s.cfg.ValidFor),
		ATR:          sum.ATR,
		Trailing:     s.cfg.Trailing,
		Confidence:   sum.Volatility,
		Reasoning:    fmt.Sprintf("opening range %.2f-%.2f, EMA %.2f, RSI %.1f", sum.RangeLow, sum.RangeHigh, sum.EMA, sum.RSI),
		CreatedAt:    mc.Now,
	}
	if s.cfg.NoChaseATR > 0 {
		sig.NoChase = domain.NoChaseFilter{Reference: reference, Unit: sum.ATR, MaxMultiple: s.cfg.NoChaseATR}
	}
	if side == domain.Buy {
		sig.StopLoss = round2(trigger - stopDistance)
		sig.TakeProfit = round2(trigger + s.cfg.RewardRatio*stopDistance)
	} else {
		sig.StopLoss = round2(trigger + stopDistance)
		sig.TakeProfit = round2(trigger - s.cfg.RewardRatio*stopDistance)
	}
	if s.cfg.RewardRatio <= 0 {
		sig.TakeProfit = 0
	}

	s.logger.Info(ctx, "Breakout signal generated", map[string]interface{}{
		"market":   mc.Market,
		"epic":     mc.Epic,
		"action":   sig.Action,
		"trigger":  sig.TriggerPrice,
		"stopLoss": sig.StopLoss,
		"atr":      sum.ATR,
	})
	return sig, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
