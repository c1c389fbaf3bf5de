package postgres

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"
)

const (
	defaultHost    = "localhost"
	defaultPort    = 5432
	defaultSSLMode = "disable"
)

// Option defines connection options for PostgreSQL. ConnString wins when set.
type Option struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
	Logger     ports.Logger
}

// Journal implements ports.Journal on PostgreSQL through gorm.
type Journal struct {
	db     *gorm.DB
	logger ports.Logger
}

type journalRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:64;not null;index:idx_journal_session"`
	Kind      string `gorm:"size:32;not null"`
	Market    string `gorm:"size:32;not null"`
	Epic      string `gorm:"size:64;not null"`
	SignalID  string `gorm:"size:64"`
	DealID    string `gorm:"size:64;index"`
	Side      string `gorm:"size:4"`
	Price     float64
	StopLevel float64
	Size      float64
	Reason    string `gorm:"size:32"`
	Detail    string
	CreatedAt time.Time `gorm:"not null"`
}

func (journalRow) TableName() string { return "journal" }

type candleRow struct {
	Epic     string    `gorm:"primaryKey;size:64"`
	OpenTime time.Time `gorm:"primaryKey"`
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Ticks    int
}

func (candleRow) TableName() string { return "candles" }

// NewJournal connects and migrates the journal tables.
func NewJournal(option Option) (*Journal, error) {
	op := "NewJournal"
	if option.Logger == nil {
		return nil, fmt.Errorf("%s failed: %w: logger is required", op, ports.ErrConfigurationError)
	}
	dsn, err := option.dsn()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrConfigurationError, err)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrDBConnection, err)
	}
	if err := db.AutoMigrate(&journalRow{}, &candleRow{}); err != nil {
		return nil, fmt.Errorf("%s failed: %w: migrate: %w", op, ports.ErrQueryFailed, err)
	}
	option.Logger.Info(context.Background(), "PostgreSQL journal ready", map[string]interface{}{"host": option.Host, "database": option.Database})
	return &Journal{db: db, logger: option.Logger}, nil
}

// Append inserts rec and sets its ID.
func (j *Journal) Append(ctx context.Context, rec *domain.JournalRecord) (int64, error) {
	op := "Append"
	if rec == nil || rec.Kind == "" {
		return 0, fmt.Errorf("%s failed: %w: record kind is required", op, ports.ErrInvalidRequest)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	row := toRow(rec)
	if err := j.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("%s failed: %w: %w", op, ports.ErrQueryFailed, err)
	}
	rec.ID = row.ID
	return row.ID, nil
}

// SaveCandle upserts a completed candle keyed by epic and minute.
func (j *Journal) SaveCandle(ctx context.Context, c *domain.Candle) error {
	row := candleRow{Epic: c.Epic, OpenTime: c.OpenTime.UTC(), Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Ticks: c.Ticks}
	err := j.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "epic"}, {Name: "open_time"}},
		DoUpdates: clause.AssignmentColumns([]string{"high", "low", "close", "ticks"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("SaveCandle failed: %w: %w", ports.ErrQueryFailed, err)
	}
	return nil
}

// FindBySession returns a session's records in insertion order.
func (j *Journal) FindBySession(ctx context.Context, sessionID string) ([]*domain.JournalRecord, error) {
	var rows []journalRow
	if err := j.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("FindBySession failed: %w: %w", ports.ErrQueryFailed, err)
	}
	out := make([]*domain.JournalRecord, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

// RecentCandles returns up to limit of the latest candles for epic, oldest first.
func (j *Journal) RecentCandles(ctx context.Context, epic string, limit int) ([]domain.Candle, error) {
	var rows []candleRow
	if err := j.db.WithContext(ctx).Where("epic = ?", epic).Order("open_time DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("RecentCandles failed: %w: %w", ports.ErrQueryFailed, err)
	}
	out := make([]domain.Candle, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = domain.Candle{Epic: r.Epic, OpenTime: r.OpenTime, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Ticks: r.Ticks}
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(rec *domain.JournalRecord) journalRow {
	return journalRow{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		Kind:      string(rec.Kind),
		Market:    rec.Market,
		Epic:      rec.Epic,
		SignalID:  rec.SignalID,
		DealID:    rec.DealID,
		Side:      string(rec.Side),
		Price:     rec.Price,
		StopLevel: rec.StopLevel,
		Size:      rec.Size,
		Reason:    string(rec.Reason),
		Detail:    rec.Detail,
		CreatedAt: rec.CreatedAt,
	}
}

func fromRow(r *journalRow) *domain.JournalRecord {
	return &domain.JournalRecord{
		ID:        r.ID,
		SessionID: r.SessionID,
		Kind:      domain.JournalKind(r.Kind),
		Market:    r.Market,
		Epic:      r.Epic,
		SignalID:  r.SignalID,
		DealID:    r.DealID,
		Side:      domain.OrderSide(r.Side),
		Price:     r.Price,
		StopLevel: r.StopLevel,
		Size:      r.Size,
		Reason:    domain.CloseReason(r.Reason),
		Detail:    r.Detail,
		CreatedAt: r.CreatedAt,
	}
}

func (opt Option) dsn() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}

	host := opt.Host
	if host == "" {
		host = defaultHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key != "" {
			query.Set(key, value)
		}
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}
