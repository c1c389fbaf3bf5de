package ports

import (
	"context"

	"marketOpenBot/internal/domain"
)

// Journal persists the trade lifecycle audit trail.
type Journal interface {
	// Append stores a record and returns its assigned ID.
	Append(ctx context.Context, rec *domain.JournalRecord) (int64, error)
	// SaveCandle stores a completed minute candle.
	SaveCandle(ctx context.Context, c *domain.Candle) error
	// FindBySession returns a session's records, oldest first.
	FindBySession(ctx context.Context, sessionID string) ([]*domain.JournalRecord, error)
	// Close releases the underlying storage.
	Close() error
}

// Alerter delivers operator notifications.
type Alerter interface {
	Alert(ctx context.Context, title, message string, priority AlertPriority) error
}

// AlertPriority ranks operator notifications.
type AlertPriority string

const (
	AlertInfo     AlertPriority = "info"
	AlertWarning  AlertPriority = "warning"
	AlertCritical AlertPriority = "critical"
)
