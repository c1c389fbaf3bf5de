// Package planfile turns trade plans into signals. Plans come from a JSON file
// on disk; the same wire format is returned by the analyst service.
package planfile

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"
)

// Plan is one entry recommendation.
type Plan struct {
	Ticker           string   `json:"ticker,omitempty"`
	Action           string   `json:"action"` // BUY, SELL or NONE
	Entry            float64  `json:"entry"`
	EntryType        string   `json:"entry_type,omitempty"` // BREAKOUT (default), PULLBACK or INSTANT
	StopLoss         float64  `json:"stop_loss"`
	TakeProfit       *float64 `json:"take_profit"`
	ATR              float64  `json:"atr,omitempty"`
	UseTrailingStop  bool     `json:"use_trailing_stop"`
	Confidence       string   `json:"confidence,omitempty"`
	Reasoning        string   `json:"reasoning,omitempty"`
	ValidMinutes     int      `json:"valid_minutes,omitempty"`
	NoChaseReference float64  `json:"no_chase_reference,omitempty"`
}

// Defaults fill what a plan leaves out.
type Defaults struct {
	ValidFor        time.Duration
	Trailing        domain.TrailingConfig // Used when a plan asks for a trailing stop
	NoChaseMultiple float64
}

// ToSignal validates p and builds a pending signal for the given market.
// An action of NONE (or empty) is ErrNoTrade.
func (p Plan) ToSignal(market, epic string, now time.Time, d Defaults) (*domain.Signal, error) {
	action := domain.OrderSide(strings.ToUpper(strings.TrimSpace(p.Action)))
	if action == "" || action == "NONE" || action == "HOLD" {
		return nil, fmt.Errorf("%w: plan action %q", ports.ErrNoTrade, p.Action)
	}
	if !action.IsValid() {
		return nil, fmt.Errorf("%w: unknown plan action %q", ports.ErrInvalidRequest, p.Action)
	}
	if p.Entry <= 0 {
		return nil, fmt.Errorf("%w: plan has no entry level", ports.ErrInvalidRequest)
	}
	if p.StopLoss <= 0 {
		return nil, fmt.Errorf("plan for %s: %w", market, ports.ErrMissingStopLoss)
	}

	var entryType domain.EntryType
	switch strings.ToUpper(p.EntryType) {
	case "", "BREAKOUT", "INSTANT":
		entryType = domain.EntryBreakout
	case "PULLBACK":
		entryType = domain.EntryPullback
	default:
		return nil, fmt.Errorf("%w: unknown entry type %q", ports.ErrInvalidRequest, p.EntryType)
	}

	validFor := d.ValidFor
	if p.ValidMinutes > 0 {
		validFor = time.Duration(p.ValidMinutes) * time.Minute
	}
	if validFor <= 0 {
		validFor = 30 * time.Minute
	}

	sig := &domain.Signal{
		ID:           uuid.NewString(),
		Market:       market,
		Epic:         epic,
		Action:       action,
		EntryType:    entryType,
		TriggerPrice: p.Entry,
		StopLoss:     p.StopLoss,
		ValidUntil:   now.Add(validFor),
		ATR:          p.ATR,
		Confidence:   p.Confidence,
		Reasoning:    p.Reasoning,
		CreatedAt:    now,
	}
	if p.TakeProfit != nil {
		sig.TakeProfit = *p.TakeProfit
	}
	if p.UseTrailingStop {
		sig.Trailing = d.Trailing
		sig.Trailing.Enabled = true
	}
	if d.NoChaseMultiple > 0 && p.ATR > 0 {
		ref := p.NoChaseReference
		if ref <= 0 {
			ref = p.Entry
		}
		sig.NoChase = domain.NoChaseFilter{Reference: ref, Unit: p.ATR, MaxMultiple: d.NoChaseMultiple}
	}
	return sig, nil
}
