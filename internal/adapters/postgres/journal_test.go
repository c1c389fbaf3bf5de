package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

var _ ports.Journal = (*Journal)(nil)

func TestOptionDSN(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
		want string
	}{
		{"defaults", Option{}, "postgres://localhost:5432?sslmode=disable"},
		{"full", Option{Host: "db", Port: 6543, User: "bot", Password: "p@ss", Database: "journal", SSLMode: "require"}, "postgres://bot:p%40ss@db:6543/journal?sslmode=require"},
		{"params", Option{User: "bot", Database: "journal", Params: map[string]string{"application_name": "mob", "": "x"}}, "postgres://bot@localhost:5432/journal?application_name=mob&sslmode=disable"},
		{"conn string wins", Option{Host: "ignored", ConnString: "host=db user=bot"}, "host=db user=bot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.opt.dsn()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRowMapping(t *testing.T) {
	rec := &domain.JournalRecord{
		ID: 7, SessionID: "s1", Kind: domain.JournalStopModified, Market: "london", Epic: "IX.D.FTSE.DAILY.IP",
		DealID: "D1", Side: domain.Sell, Price: 7480, StopLevel: 7520, Size: 1.5, Reason: domain.CloseReasonStopLoss,
		Detail: "breakeven", CreatedAt: time.Date(2026, 1, 5, 8, 30, 0, 0, time.UTC),
	}
	assert.Equal(t, rec, fromRow(ptr(toRow(rec))))
}

func ptr[T any](v T) *T { return &v }

func TestNewJournal_RequiresLogger(t *testing.T) {
	_, err := NewJournal(Option{ConnString: "host=localhost"})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

// TestJournal_Integration runs against a live server when POSTGRES_TEST_DSN is set.
func TestJournal_Integration(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	j, err := NewJournal(Option{ConnString: dsn, Logger: &mockLogger{}})
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()
	session := uuid.NewString()
	_, err = j.Append(ctx, &domain.JournalRecord{SessionID: session, Kind: domain.JournalOrderPlaced, Market: "ny", Epic: "IX.D.SPTRD.DAILY.IP", DealID: "D9"})
	require.NoError(t, err)
	_, err = j.Append(ctx, &domain.JournalRecord{SessionID: session, Kind: domain.JournalSessionStopped, Market: "ny", Epic: "IX.D.SPTRD.DAILY.IP"})
	require.NoError(t, err)

	found, err := j.FindBySession(ctx, session)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, domain.JournalOrderPlaced, found[0].Kind)

	epic := "TEST." + session
	start := time.Now().UTC().Truncate(time.Minute)
	require.NoError(t, j.SaveCandle(ctx, &domain.Candle{Epic: epic, OpenTime: start, Open: 1, High: 2, Low: 1, Close: 2, Ticks: 3}))
	require.NoError(t, j.SaveCandle(ctx, &domain.Candle{Epic: epic, OpenTime: start, Open: 1, High: 3, Low: 1, Close: 3, Ticks: 4}))
	candles, err := j.RecentCandles(ctx, epic, 10)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 3.0, candles[0].Close)
}
