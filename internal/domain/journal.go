package domain

import "time"

// JournalKind classifies a journal record.
type JournalKind string

const (
	JournalSignalIssued   JournalKind = "SIGNAL_ISSUED"
	JournalOrderPlaced    JournalKind = "ORDER_PLACED"
	JournalOrderAborted   JournalKind = "ORDER_ABORTED"
	JournalStopModified   JournalKind = "STOP_MODIFIED"
	JournalPositionClosed JournalKind = "POSITION_CLOSED"
	JournalSessionStopped JournalKind = "SESSION_STOPPED"
)

// JournalRecord is an append-only audit entry.
type JournalRecord struct {
	ID        int64
	SessionID string
	Kind      JournalKind
	Market    string
	Epic      string
	SignalID  string
	DealID    string
	Side      OrderSide
	Price     float64
	StopLevel float64
	Size      float64
	Reason    CloseReason
	Detail    string
	CreatedAt time.Time
}
