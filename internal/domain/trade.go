package domain

import (
	"encoding/json"
	"time"
)

// TradeUpdateKind is the subtype of a trade update from the stream.
type TradeUpdateKind string

const (
	TradeUpdateConfirm TradeUpdateKind = "confirms"
	TradeUpdateOPU     TradeUpdateKind = "opu"
)

// TradeUpdate is a deal confirmation or open-position update delivered by the stream.
// It is advisory: the stop engine treats a broker poll as the source of truth.
type TradeUpdate struct {
	Kind          TradeUpdateKind
	DealID        string
	DealReference string
	DealStatus    string // ACCEPTED / REJECTED for confirms
	Status        string // OPEN / UPDATED / DELETED for opu
	Direction     string
	Level         float64
	StopLevel     *float64
	Raw           json.RawMessage
	ReceivedAt    time.Time
}

// IsClosed reports whether the update announces the position is gone.
func (u TradeUpdate) IsClosed() bool {
	return u.Kind == TradeUpdateOPU && u.Status == "DELETED"
}
