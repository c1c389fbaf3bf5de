package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Journal implements ports.Journal using SQLite.
type Journal struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite journal.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewJournal opens (creating if needed) the journal database and its schema.
func NewJournal(cfg Config) (*Journal, error) {
	op := "NewJournal"
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%s failed: %w: logger is required", op, ports.ErrConfigurationError)
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/market_open_bot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("%s failed: %w: create data directory '%s': %w", op, ports.ErrDBConnection, filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite journal initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("%s failed: %w: open '%s': %w", op, ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite journal initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("%s failed: %w: ping '%s': %w", op, ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite journal initialization failed")
		return nil, err
	}

	// One writer; sessions for every market share this handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	j := &Journal{db: db, logger: cfg.Logger}
	if err := j.initializeSchema(context.Background()); err != nil {
		db.Close()
		cfg.Logger.Error(context.Background(), err, "SQLite journal initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite journal ready", map[string]interface{}{"path": dbPath})
	return j, nil
}

func (j *Journal) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		market TEXT NOT NULL,
		epic TEXT NOT NULL,
		signal_id TEXT NOT NULL DEFAULT '',
		deal_id TEXT NOT NULL DEFAULT '',
		side TEXT NOT NULL DEFAULT '',
		price REAL NOT NULL DEFAULT 0,
		stop_level REAL NOT NULL DEFAULT 0,
		size REAL NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS candles (
		epic TEXT NOT NULL,
		open_time TIMESTAMP NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		ticks INTEGER NOT NULL,
		PRIMARY KEY (epic, open_time)
	);
	CREATE INDEX IF NOT EXISTS idx_journal_session ON journal (session_id, id);
	CREATE INDEX IF NOT EXISTS idx_journal_deal ON journal (deal_id);
	`
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initializeSchema failed: %w: %w", ports.ErrQueryFailed, err)
	}
	return nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		j.logger.Info(context.Background(), "Closing SQLite journal")
		return j.db.Close()
	}
	return nil
}

// Append inserts rec and sets its ID. Records are never updated.
func (j *Journal) Append(ctx context.Context, rec *domain.JournalRecord) (int64, error) {
	op := "Append"
	if rec == nil || rec.Kind == "" {
		return 0, fmt.Errorf("%s failed: %w: record kind is required", op, ports.ErrInvalidRequest)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	const query = `
	INSERT INTO journal (session_id, kind, market, epic, signal_id, deal_id, side, price, stop_level, size, reason, detail, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := j.db.ExecContext(ctx, query,
		rec.SessionID, rec.Kind, rec.Market, rec.Epic, rec.SignalID, rec.DealID, rec.Side,
		rec.Price, rec.StopLevel, rec.Size, rec.Reason, rec.Detail, rec.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("%s failed: %w: insert %s for %s: %w", op, ports.ErrQueryFailed, rec.Kind, rec.Market, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%s failed: %w: last insert id: %w", op, ports.ErrQueryFailed, err)
	}
	rec.ID = id
	j.logger.Debug(ctx, "Journal record appended", map[string]interface{}{"id": id, "kind": rec.Kind, "market": rec.Market, "epic": rec.Epic})
	return id, nil
}

// SaveCandle upserts a completed candle; a re-flushed minute replaces the earlier row.
func (j *Journal) SaveCandle(ctx context.Context, c *domain.Candle) error {
	const query = `
	INSERT INTO candles (epic, open_time, open, high, low, close, ticks)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (epic, open_time) DO UPDATE SET
		high = excluded.high, low = excluded.low, close = excluded.close, ticks = excluded.ticks`

	if _, err := j.db.ExecContext(ctx, query, c.Epic, c.OpenTime.UTC(), c.Open, c.High, c.Low, c.Close, c.Ticks); err != nil {
		return fmt.Errorf("SaveCandle failed: %w: %s at %s: %w", ports.ErrQueryFailed, c.Epic, c.OpenTime.Format(time.RFC3339), err)
	}
	return nil
}

// FindBySession returns a session's records in insertion order.
func (j *Journal) FindBySession(ctx context.Context, sessionID string) ([]*domain.JournalRecord, error) {
	op := "FindBySession"
	const query = `
	SELECT id, session_id, kind, market, epic, signal_id, deal_id, side, price, stop_level, size, reason, detail, created_at
	FROM journal
	WHERE session_id = ? ORDER BY id`

	rows, err := j.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	records := make([]*domain.JournalRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s failed: %w: scan: %w", op, ports.ErrQueryFailed, err)
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: iterate: %w", op, ports.ErrQueryFailed, err)
	}
	return records, nil
}

// RecentCandles returns up to limit of the latest candles for epic, oldest first.
func (j *Journal) RecentCandles(ctx context.Context, epic string, limit int) ([]domain.Candle, error) {
	op := "RecentCandles"
	const query = `
	SELECT epic, open_time, open, high, low, close, ticks FROM (
		SELECT * FROM candles WHERE epic = ? ORDER BY open_time DESC LIMIT ?
	) ORDER BY open_time`

	rows, err := j.db.QueryContext(ctx, query, epic, limit)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	candles := make([]domain.Candle, 0, limit)
	for rows.Next() {
		var c domain.Candle
		if err := rows.Scan(&c.Epic, &c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Ticks); err != nil {
			return nil, fmt.Errorf("%s failed: %w: scan: %w", op, ports.ErrQueryFailed, err)
		}
		candles = append(candles, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: iterate: %w", op, ports.ErrQueryFailed, err)
	}
	return candles, nil
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*domain.JournalRecord, error) {
	rec := &domain.JournalRecord{}
	var kind, side, reason string
	err := s.Scan(&rec.ID, &rec.SessionID, &kind, &rec.Market, &rec.Epic, &rec.SignalID, &rec.DealID, &side,
		&rec.Price, &rec.StopLevel, &rec.Size, &reason, &rec.Detail, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Kind = domain.JournalKind(kind)
	rec.Side = domain.OrderSide(side)
	rec.Reason = domain.CloseReason(reason)
	return rec, nil
}
