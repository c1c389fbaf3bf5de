// Package paper is an in-memory broker for dry runs. Fills happen at the cache's
// current entry price and positions close when the quote crosses their stop or limit.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"
)

// Quotes supplies the latest price per epic.
type Quotes interface {
	Snapshot(epic string) (domain.PriceTick, bool)
}

type position struct {
	status     ports.PositionStatus
	takeProfit float64
}

// Broker implements ports.Broker without touching a real account.
type Broker struct {
	mu        sync.Mutex
	quotes    Quotes
	balance   float64
	currency  string
	positions map[string]*position
	logger    ports.Logger
	now       func() time.Time
}

// New creates a paper broker with a starting balance.
func New(quotes Quotes, balance float64, logger ports.Logger) *Broker {
	return &Broker{
		quotes:    quotes,
		balance:   balance,
		currency:  "GBP",
		positions: make(map[string]*position),
		logger:    logger,
		now:       time.Now,
	}
}

// PlaceOrder fills at the current entry price for req.Side.
func (b *Broker) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderConfirmation, error) {
	op := "PlaceOrder"
	if req.Size <= 0 || !req.Side.IsValid() {
		return nil, fmt.Errorf("%s failed: %w: size %.2f side %q", op, ports.ErrInvalidRequest, req.Size, req.Side)
	}
	tick, ok := b.quotes.Snapshot(req.Epic)
	if !ok {
		return &ports.OrderConfirmation{DealReference: req.DealReference, Status: "REJECTED", Reason: "MARKET_CLOSED", Timestamp: b.now()}, nil
	}
	fill := tick.EntryPrice(req.Side)
	if req.StopLevel > 0 && !domain.IsMoreProtective(req.Side, fill, req.StopLevel) {
		return &ports.OrderConfirmation{DealReference: req.DealReference, Status: "REJECTED", Reason: "ATTACHED_ORDER_LEVEL_ERROR", Timestamp: b.now()}, nil
	}

	dealID := "PAPER-" + uuid.NewString()
	b.mu.Lock()
	b.positions[dealID] = &position{
		status: ports.PositionStatus{
			DealID:    dealID,
			Epic:      req.Epic,
			Side:      req.Side,
			Size:      req.Size,
			Level:     fill,
			StopLevel: req.StopLevel,
		},
		takeProfit: req.TakeProfit,
	}
	b.mu.Unlock()

	b.logger.Info(ctx, "Paper order filled", map[string]interface{}{
		"dealId": dealID, "epic": req.Epic, "side": req.Side, "size": req.Size, "level": fill, "stopLevel": req.StopLevel,
	})
	return &ports.OrderConfirmation{
		DealID:        dealID,
		DealReference: req.DealReference,
		Status:        "ACCEPTED",
		Level:         fill,
		Size:          req.Size,
		StopLevel:     req.StopLevel,
		Timestamp:     b.now(),
	}, nil
}

// GetPosition settles the position against the latest quote, then reports it.
func (b *Broker) GetPosition(ctx context.Context, dealID string) (*ports.PositionStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[dealID]
	if !ok {
		return nil, fmt.Errorf("GetPosition failed: %w: %s", ports.ErrPositionNotFound, dealID)
	}
	if tick, ok := b.quotes.Snapshot(p.status.Epic); ok {
		p.status.Bid, p.status.Offer = tick.Bid, tick.Offer
		if exit, hit := b.exitHit(p, tick); hit {
			b.settle(ctx, dealID, p, exit)
			return nil, fmt.Errorf("GetPosition failed: %w: %s", ports.ErrPositionNotFound, dealID)
		}
	}
	status := p.status
	return &status, nil
}

// ModifyStop moves the stop. Levels through the current quote are rejected like a real dealer would.
func (b *Broker) ModifyStop(ctx context.Context, dealID string, level float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[dealID]
	if !ok {
		return fmt.Errorf("ModifyStop failed: %w: %s", ports.ErrPositionNotFound, dealID)
	}
	if tick, ok := b.quotes.Snapshot(p.status.Epic); ok {
		if !domain.IsMoreProtective(p.status.Side, tick.ExitPrice(p.status.Side), level) {
			return fmt.Errorf("ModifyStop failed: %w: level %.2f is through the market", ports.ErrStopConflict, level)
		}
	}
	p.status.StopLevel = level
	return nil
}

// GetAccount reports the running paper balance.
func (b *Broker) GetAccount(ctx context.Context) (*ports.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &ports.AccountInfo{AccountID: "PAPER", Balance: b.balance, Available: b.balance, Currency: b.currency}, nil
}

func (b *Broker) exitHit(p *position, tick domain.PriceTick) (float64, bool) {
	exit := tick.ExitPrice(p.status.Side)
	if p.status.StopLevel > 0 && !domain.IsMoreProtective(p.status.Side, exit, p.status.StopLevel) {
		return p.status.StopLevel, true
	}
	if p.takeProfit > 0 && !domain.IsMoreProtective(p.status.Side, p.takeProfit, exit) {
		return p.takeProfit, true
	}
	return 0, false
}

func (b *Broker) settle(ctx context.Context, dealID string, p *position, exit float64) {
	gain := exit - p.status.Level
	if p.status.Side == domain.Sell {
		gain = -gain
	}
	pnl := gain * p.status.Size
	b.balance += pnl
	delete(b.positions, dealID)
	b.logger.Info(ctx, "Paper position closed", map[string]interface{}{"dealId": dealID, "exit": exit, "pnl": pnl, "balance": b.balance})
}
