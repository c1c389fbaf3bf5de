package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

var _ ports.Journal = (*Journal)(nil)

// setupTestDB creates a journal in a temporary directory
func setupTestDB(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(Config{
		DBPath: filepath.Join(t.TempDir(), "nested", "journal.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestNewJournal_RequiresLogger(t *testing.T) {
	_, err := NewJournal(Config{DBPath: filepath.Join(t.TempDir(), "j.db")})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestJournal_AppendAndFindBySession(t *testing.T) {
	j := setupTestDB(t)
	ctx := context.Background()

	records := []*domain.JournalRecord{
		{SessionID: "s1", Kind: domain.JournalSignalIssued, Market: "london", Epic: "IX.D.FTSE.DAILY.IP", SignalID: "sig-1", Side: domain.Buy, Price: 7500, StopLevel: 7450},
		{SessionID: "s1", Kind: domain.JournalOrderPlaced, Market: "london", Epic: "IX.D.FTSE.DAILY.IP", SignalID: "sig-1", DealID: "D1", Side: domain.Buy, Price: 7501, StopLevel: 7448, Size: 2.5},
		{SessionID: "s2", Kind: domain.JournalSessionStopped, Market: "ny", Epic: "IX.D.SPTRD.DAILY.IP"},
		{SessionID: "s1", Kind: domain.JournalPositionClosed, Market: "london", Epic: "IX.D.FTSE.DAILY.IP", DealID: "D1", Reason: domain.CloseReasonBrokerClosed},
	}
	for _, rec := range records {
		id, err := j.Append(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, id, rec.ID)
		assert.False(t, rec.CreatedAt.IsZero())
	}

	found, err := j.FindBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, domain.JournalSignalIssued, found[0].Kind)
	assert.Equal(t, domain.JournalOrderPlaced, found[1].Kind)
	assert.Equal(t, "D1", found[1].DealID)
	assert.Equal(t, 2.5, found[1].Size)
	assert.Equal(t, 7448.0, found[1].StopLevel)
	assert.Equal(t, domain.Buy, found[1].Side)
	assert.Equal(t, domain.CloseReasonBrokerClosed, found[2].Reason)

	none, err := j.FindBySession(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJournal_AppendRejectsEmptyKind(t *testing.T) {
	j := setupTestDB(t)
	_, err := j.Append(context.Background(), &domain.JournalRecord{SessionID: "s1"})
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestJournal_Candles(t *testing.T) {
	j := setupTestDB(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		c := &domain.Candle{Epic: "IX.D.FTSE.DAILY.IP", OpenTime: start.Add(time.Duration(i) * time.Minute), Open: 7500, High: 7505, Low: 7495, Close: 7500 + float64(i), Ticks: 10}
		require.NoError(t, j.SaveCandle(ctx, c))
	}
	require.NoError(t, j.SaveCandle(ctx, &domain.Candle{Epic: "IX.D.SPTRD.DAILY.IP", OpenTime: start, Open: 1, High: 1, Low: 1, Close: 1, Ticks: 1}))

	// A re-flushed minute replaces the earlier row.
	require.NoError(t, j.SaveCandle(ctx, &domain.Candle{Epic: "IX.D.FTSE.DAILY.IP", OpenTime: start.Add(4 * time.Minute), Open: 7500, High: 7510, Low: 7495, Close: 7509, Ticks: 12}))

	candles, err := j.RecentCandles(ctx, "IX.D.FTSE.DAILY.IP", 3)
	require.NoError(t, err)
	require.Len(t, candles, 3)
	assert.True(t, candles[0].OpenTime.Equal(start.Add(2*time.Minute)))
	assert.Equal(t, 7509.0, candles[2].Close)
	assert.Equal(t, 7510.0, candles[2].High)
	assert.Equal(t, 12, candles[2].Ticks)
}
