package utils

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"
)

var tickHeader = []string{"epic", "time", "bid", "offer", "market_state"}

// WriteCandlesToCSV writes candles to filename with a header row.
func WriteCandlesToCSV(candles []domain.Candle, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	if err := writer.Write([]string{"epic", "open_time", "open", "high", "low", "close", "ticks"}); err != nil {
		return err
	}

	for _, c := range candles {
		if err := writer.Write([]string{
			c.Epic,
			c.OpenTime.Format(time.RFC3339),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.Itoa(c.Ticks),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteTicksCSV writes ticks in the layout ReadTicksCSV reads.
func WriteTicksCSV(w io.Writer, ticks []domain.PriceTick) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(tickHeader); err != nil {
		return err
	}
	for _, t := range ticks {
		if err := writer.Write([]string{
			t.Epic,
			t.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(t.Bid, 'f', -1, 64),
			strconv.FormatFloat(t.Offer, 'f', -1, 64),
			t.MarketState,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadTicksCSV reads rows of epic,time,bid,offer[,market_state]. A leading header row is skipped.
// time is RFC3339 or epoch milliseconds. Rows are returned in file order.
func ReadTicksCSV(r io.Reader) ([]domain.PriceTick, error) {
	op := "ReadTicksCSV"
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var ticks []domain.PriceTick
	for line := 1; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err)
		}
		if line == 1 && strings.EqualFold(rec[0], tickHeader[0]) {
			continue
		}
		tick, err := parseTick(rec)
		if err != nil {
			return nil, fmt.Errorf("%s failed: line %d: %w: %w", op, line, ports.ErrInvalidRequest, err)
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

func parseTick(rec []string) (domain.PriceTick, error) {
	if len(rec) < 4 {
		return domain.PriceTick{}, fmt.Errorf("want at least 4 fields, got %d", len(rec))
	}
	ts, err := parseTime(rec[1])
	if err != nil {
		return domain.PriceTick{}, err
	}
	bid, err := strconv.ParseFloat(rec[2], 64)
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("bid: %w", err)
	}
	offer, err := strconv.ParseFloat(rec[3], 64)
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("offer: %w", err)
	}
	tick := domain.PriceTick{Epic: rec[0], Bid: bid, Offer: offer, Timestamp: ts}
	if len(rec) > 4 {
		tick.MarketState = rec[4]
	}
	if tick.Epic == "" || !tick.IsValid() {
		return domain.PriceTick{}, fmt.Errorf("incomplete quote %v", rec)
	}
	return tick, nil
}

func parseTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q: %w", s, err)
	}
	return t, nil
}
