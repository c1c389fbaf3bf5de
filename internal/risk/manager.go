package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"
)

// RiskConfig holds configuration for risk management
type RiskConfig struct {
	RiskPerTradePercent float64 // Fraction of balance risked per trade (0.01 = 1%)
	MinAccountBalance   float64 // Trades that could take the balance below this are refused
	MaxRiskAmount       float64 // Absolute cap on money at risk per trade (0 disables)
	MaxOpenPositions    int     // Per manager (0 disables)
	MaxDailyTrades      int     // 0 disables
	MaxDailyLoss        float64 // Realised loss after which new entries are refused (0 disables)
}

// RiskManager sizes entries and enforces business rules before an order is placed.
// Every rejection wraps a business-rule sentinel so callers never retry it.
type RiskManager struct {
	config RiskConfig
	now    func() time.Time

	mu    sync.Mutex
	stats RiskStats
}

// RiskStats holds risk management statistics
type RiskStats struct {
	DailyPnL      float64
	OpenPositions int
	DailyTrades   int
	LastResetTime time.Time
}

// NewRiskManager creates a new risk manager instance
func NewRiskManager(config RiskConfig) *RiskManager {
	return &RiskManager{
		config: config,
		now:    time.Now,
		stats:  RiskStats{LastResetTime: time.Now()},
	}
}

// ValidateSignal checks a signal's levels before it is watched or fired.
func (r *RiskManager) ValidateSignal(sig *domain.Signal) error {
	if sig == nil {
		return fmt.Errorf("%w: nil signal", ports.ErrInvalidRequest)
	}
	if !sig.Action.IsValid() {
		return fmt.Errorf("%w: unknown action %q", ports.ErrBusinessRule, sig.Action)
	}
	if sig.StopLoss <= 0 {
		return fmt.Errorf("signal %s: %w", sig.ID, ports.ErrMissingStopLoss)
	}
	if sig.TriggerPrice <= 0 {
		return fmt.Errorf("%w: signal %s has no trigger price", ports.ErrBusinessRule, sig.ID)
	}
	if !domain.IsMoreProtective(sig.Action, sig.TriggerPrice, sig.StopLoss) {
		return fmt.Errorf("%w: stop loss %.2f is on the wrong side of trigger %.2f for %s", ports.ErrBusinessRule, sig.StopLoss, sig.TriggerPrice, sig.Action)
	}
	if sig.TakeProfit > 0 && !domain.IsMoreProtective(sig.Action, sig.TakeProfit, sig.TriggerPrice) {
		return fmt.Errorf("%w: take profit %.2f is on the wrong side of trigger %.2f for %s", ports.ErrBusinessRule, sig.TakeProfit, sig.TriggerPrice, sig.Action)
	}
	return nil
}

// AdjustStopForSpread widens stop away from entry by the current spread.
func AdjustStopForSpread(side domain.OrderSide, stop, spread float64) float64 {
	if spread <= 0 {
		return stop
	}
	if side == domain.Sell {
		return stop + spread
	}
	return stop - spread
}

// PositionSize returns the size to trade for a stop distance in points.
// The standard size risks RiskPerTradePercent of the balance scaled by the market's risk scale,
// is never below the market minimum, and steps down to the minimum when the standard size
// would breach the account floor.
func (r *RiskManager) PositionSize(ctx context.Context, account ports.AccountInfo, stopDistance float64, market domain.MarketSpec) (float64, error) {
	if account.Available <= 0 {
		return 0, fmt.Errorf("%w: no available funds (%.2f)", ports.ErrInsufficientFunds, account.Available)
	}
	if account.Balance <= 0 {
		return 0, fmt.Errorf("%w: balance %.2f", ports.ErrInsufficientFunds, account.Balance)
	}
	if stopDistance <= 0 {
		return 0, fmt.Errorf("stop distance %.2f: %w", stopDistance, ports.ErrMissingStopLoss)
	}

	scale := market.RiskScale
	if scale <= 0 {
		scale = 1
	}
	minSize := market.MinSize
	if minSize <= 0 {
		minSize = 0.01
	}

	targetRisk := account.Balance * r.config.RiskPerTradePercent * scale
	standard := math.Round(targetRisk/stopDistance*100) / 100
	floor := r.config.MinAccountBalance

	size := 0.0
	if floor <= 0 || account.Balance-targetRisk >= floor {
		effective := math.Max(standard, minSize)
		if floor <= 0 || account.Balance-effective*stopDistance >= floor {
			size = effective
		}
	}
	if size == 0 {
		if account.Balance-minSize*stopDistance < floor {
			return 0, fmt.Errorf("%w: minimum size %.2f risks %.2f and would breach account floor %.2f", ports.ErrRiskCapExceeded, minSize, minSize*stopDistance, floor)
		}
		size = minSize
	}

	if r.config.MaxRiskAmount > 0 && size*stopDistance > r.config.MaxRiskAmount {
		return 0, fmt.Errorf("%w: risk %.2f above cap %.2f", ports.ErrRiskCapExceeded, size*stopDistance, r.config.MaxRiskAmount)
	}
	return size, nil
}

// CheckRiskLimits checks if any session-wide limit blocks a new entry.
func (r *RiskManager) CheckRiskLimits(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetIfNewDay()

	if r.config.MaxOpenPositions > 0 && r.stats.OpenPositions >= r.config.MaxOpenPositions {
		return fmt.Errorf("%w: %d open positions, maximum %d", ports.ErrRiskCapExceeded, r.stats.OpenPositions, r.config.MaxOpenPositions)
	}
	if r.config.MaxDailyTrades > 0 && r.stats.DailyTrades >= r.config.MaxDailyTrades {
		return fmt.Errorf("%w: %d trades today, maximum %d", ports.ErrRiskCapExceeded, r.stats.DailyTrades, r.config.MaxDailyTrades)
	}
	if r.config.MaxDailyLoss > 0 && r.stats.DailyPnL <= -r.config.MaxDailyLoss {
		return fmt.Errorf("%w: daily loss %.2f reached limit %.2f", ports.ErrRiskCapExceeded, -r.stats.DailyPnL, r.config.MaxDailyLoss)
	}
	return nil
}

// RecordOpen counts a newly opened position.
func (r *RiskManager) RecordOpen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetIfNewDay()
	r.stats.OpenPositions++
	r.stats.DailyTrades++
}

// RecordClose counts a closed position and its realised result.
func (r *RiskManager) RecordClose(pnl float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetIfNewDay()
	if r.stats.OpenPositions > 0 {
		r.stats.OpenPositions--
	}
	r.stats.DailyPnL += pnl
}

func (r *RiskManager) resetIfNewDay() {
	now := r.now()
	y1, m1, d1 := now.Date()
	y2, m2, d2 := r.stats.LastResetTime.Date()
	if y1 != y2 || m1 != m2 || d1 != d2 {
		r.stats.DailyPnL = 0
		r.stats.DailyTrades = 0
		r.stats.LastResetTime = now
	}
}

// GetStats returns a copy of the current risk statistics
func (r *RiskManager) GetStats() RiskStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
