package ports

import (
	"context"
	"time"

	"marketOpenBot/internal/domain"
)

// OrderRequest describes a market entry with an attached protective stop.
type OrderRequest struct {
	Epic          string
	Side          domain.OrderSide
	Size          float64
	StopLevel     float64
	TakeProfit    float64 // 0 sends no limit
	DealReference string
}

// OrderConfirmation is the broker's answer to a placed order.
type OrderConfirmation struct {
	DealID        string
	DealReference string
	Status        string // ACCEPTED or REJECTED
	Reason        string
	Level         float64 // Fill price
	Size          float64
	StopLevel     float64
	Timestamp     time.Time
}

// Accepted reports whether the order was filled.
func (c *OrderConfirmation) Accepted() bool {
	return c != nil && c.Status == "ACCEPTED"
}

// PositionStatus is the authoritative broker view of an open position.
type PositionStatus struct {
	DealID    string
	Epic      string
	Side      domain.OrderSide
	Size      float64
	Level     float64
	StopLevel float64 // 0 when no stop is attached
	Bid       float64
	Offer     float64
}

// AccountInfo holds the balance figures used for sizing.
type AccountInfo struct {
	AccountID string
	Balance   float64
	Available float64
	Currency  string
}

// Broker abstracts the dealing API.
type Broker interface {
	// PlaceOrder places a market order with its stop attached.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderConfirmation, error)
	// GetPosition returns the broker's view of an open position.
	// Returns ErrPositionNotFound once the position is closed.
	GetPosition(ctx context.Context, dealID string) (*PositionStatus, error)
	// ModifyStop moves the protective stop of an open position.
	// Returns ErrStopConflict when the broker's current state makes the level invalid.
	ModifyStop(ctx context.Context, dealID string, level float64) error
	// GetAccount returns balance information.
	GetAccount(ctx context.Context) (*AccountInfo, error)
}

// Reauthenticator is implemented by brokers whose sessions can be refreshed.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context) error
}
