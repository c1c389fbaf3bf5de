package utils

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTicksCSV(t *testing.T) {
	in := `epic,time,bid,offer,market_state
IX.D.FTSE.DAILY.IP,2026-03-02T08:00:00Z,7500.5,7501.5,TRADEABLE
IX.D.FTSE.DAILY.IP, 1772438460000, 7502, 7503
`
	ticks, err := ReadTicksCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, ticks, 2)

	assert.Equal(t, "IX.D.FTSE.DAILY.IP", ticks[0].Epic)
	assert.Equal(t, 7500.5, ticks[0].Bid)
	assert.Equal(t, "TRADEABLE", ticks[0].MarketState)
	assert.Equal(t, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), ticks[0].Timestamp)

	assert.Equal(t, 7503.0, ticks[1].Offer)
	assert.Empty(t, ticks[1].MarketState)
	assert.Equal(t, time.Date(2026, 3, 2, 8, 1, 0, 0, time.UTC), ticks[1].Timestamp)
}

func TestReadTicksCSV_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"too few fields", "IX.D.FTSE.DAILY.IP,2026-03-02T08:00:00Z,7500\n"},
		{"bad time", "IX.D.FTSE.DAILY.IP,yesterday,7500,7501\n"},
		{"bad bid", "IX.D.FTSE.DAILY.IP,2026-03-02T08:00:00Z,abc,7501\n"},
		{"zero offer", "IX.D.FTSE.DAILY.IP,2026-03-02T08:00:00Z,7500,0\n"},
		{"missing epic", ",2026-03-02T08:00:00Z,7500,7501\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadTicksCSV(strings.NewReader(tt.in))
			assert.ErrorIs(t, err, ports.ErrInvalidRequest)
		})
	}
}

func TestWriteTicksCSV_ReadsBack(t *testing.T) {
	ticks := []domain.PriceTick{
		{Epic: "IX.D.DOW.DAILY.IP", Bid: 42000, Offer: 42002.4, Timestamp: time.Date(2026, 3, 2, 14, 30, 0, 250e6, time.UTC), MarketState: "TRADEABLE"},
		{Epic: "IX.D.DOW.DAILY.IP", Bid: 42001, Offer: 42003, Timestamp: time.Date(2026, 3, 2, 14, 30, 1, 0, time.UTC)},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteTicksCSV(&buf, ticks))

	got, err := ReadTicksCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, ticks, got)
}

func TestWriteCandlesToCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candles.csv")
	candles := []domain.Candle{
		{Epic: "IX.D.FTSE.DAILY.IP", OpenTime: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), Open: 7500, High: 7510, Low: 7495.5, Close: 7505, Ticks: 42},
	}
	require.NoError(t, WriteCandlesToCSV(candles, path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"epic", "open_time", "open", "high", "low", "close", "ticks"}, rows[0])
	assert.Equal(t, []string{"IX.D.FTSE.DAILY.IP", "2026-03-02T08:00:00Z", "7500", "7510", "7495.5", "7505", "42"}, rows[1])
}
