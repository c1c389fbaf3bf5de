package planfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"
)

// ATRSource computes an ATR from candles when a plan does not carry one.
type ATRSource interface {
	ATR(ctx context.Context, candles []domain.Candle) (float64, error)
}

// Generator serves plans from a JSON file keyed by market name:
//
//	{"london": [{"action": "BUY", "entry": 7500, "stop_loss": 7450, ...}, ...]}
//
// The first request for a market gets its first plan; each re-evaluation gets the next.
// The file is re-read on every request so plans can be edited during a session.
type Generator struct {
	path     string
	defaults Defaults
	atr      ATRSource
	logger   ports.Logger

	mu     sync.Mutex
	served map[string]int
}

// New creates a plan file generator. atr may be nil.
func New(path string, defaults Defaults, atr ATRSource, logger ports.Logger) (*Generator, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: plan file path is required", ports.ErrConfigurationError)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for plan file generator")
	}
	return &Generator{path: path, defaults: defaults, atr: atr, logger: logger, served: make(map[string]int)}, nil
}

func (g *Generator) load() (map[string][]Plan, error) {
	raw, err := os.ReadFile(g.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", g.path, err)
	}
	var plans map[string][]Plan
	if err := json.Unmarshal(raw, &plans); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ports.ErrInvalidRequest, g.path, err)
	}
	return plans, nil
}

// Generate implements ports.SignalGenerator.
func (g *Generator) Generate(ctx context.Context, mc ports.MarketContext) (*domain.Signal, error) {
	op := "Generate"
	plans, err := g.load()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrSignalGeneration, err)
	}

	g.mu.Lock()
	idx := g.served[mc.Market]
	if idx >= len(plans[mc.Market]) {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: no more plans for %s", ports.ErrNoTrade, mc.Market)
	}
	g.served[mc.Market] = idx + 1
	g.mu.Unlock()

	plan := plans[mc.Market][idx]
	if plan.ATR <= 0 && g.atr != nil && len(mc.Candles) > 0 {
		if atr, err := g.atr.ATR(ctx, mc.Candles); err == nil {
			plan.ATR = atr
		}
	}

	sig, err := plan.ToSignal(mc.Market, mc.Epic, mc.Now, g.defaults)
	if err != nil {
		return nil, err
	}
	g.logger.Info(ctx, "Plan loaded", map[string]interface{}{
		"market": mc.Market, "epic": mc.Epic, "index": idx, "action": sig.Action, "trigger": sig.TriggerPrice, "stopLoss": sig.StopLoss,
	})
	return sig, nil
}
