package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the side that closes a position opened on s.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// IsValid reports whether s is BUY or SELL.
func (s OrderSide) IsValid() bool {
	return s == Buy || s == Sell
}

// EntryType is the style of entry a signal waits for.
type EntryType string

const (
	// EntryBreakout fires once price moves through the trigger in the trade direction.
	EntryBreakout EntryType = "BREAKOUT"
	// EntryPullback fires when price retraces back to the trigger from the opposite side.
	EntryPullback EntryType = "PULLBACK"
)

// CloseReason indicates why a position stopped being monitored.
type CloseReason string

const (
	CloseReasonStopLoss      CloseReason = "SL"
	CloseReasonTakeProfit    CloseReason = "TP"
	CloseReasonBrokerClosed  CloseReason = "BROKER_CLOSED" // Position no longer reported by the broker
	CloseReasonUnknown       CloseReason = "Unknown"
	CloseReasonManual        CloseReason = "MANUAL"
	CloseReasonTimeLimit     CloseReason = "TIME_LIMIT" // Monitoring window elapsed
	CloseReasonSessionStop   CloseReason = "SESSION_STOP"
	CloseReasonStreamDeleted CloseReason = "OPU_DELETED" // Stream reported the position deleted
)
