package bridge

import (
	"sync"
	"time"

	"marketOpenBot/internal/domain"
)

const defaultCandleHistory = 240

// CandleAggregator builds one-minute bid candles per epic and keeps a bounded history.
type CandleAggregator struct {
	mu      sync.Mutex
	open    map[string]*domain.Candle
	history map[string][]domain.Candle
	limit   int
}

// NewCandleAggregator keeps up to limit completed candles per epic.
func NewCandleAggregator(limit int) *CandleAggregator {
	if limit <= 0 {
		limit = defaultCandleHistory
	}
	return &CandleAggregator{
		open:    make(map[string]*domain.Candle),
		history: make(map[string][]domain.Candle),
		limit:   limit,
	}
}

// Add folds tick into its minute candle. Returns the previous candle when the minute rolled over.
func (a *CandleAggregator) Add(tick domain.PriceTick) (*domain.Candle, bool) {
	if tick.Bid <= 0 {
		return nil, false
	}
	minute := tick.Timestamp.Truncate(time.Minute)
	price := tick.Bid

	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.open[tick.Epic]
	if ok && minute.Before(cur.OpenTime) {
		// Late tick for a minute already closed.
		return nil, false
	}

	var completed *domain.Candle
	if ok && minute.After(cur.OpenTime) {
		done := *cur
		a.appendHistory(done)
		completed = &done
		ok = false
	}
	if !ok {
		a.open[tick.Epic] = &domain.Candle{Epic: tick.Epic, OpenTime: minute, Open: price, High: price, Low: price, Close: price, Ticks: 1}
		return completed, completed != nil
	}

	if price > cur.High {
		cur.High = price
	}
	if price < cur.Low {
		cur.Low = price
	}
	cur.Close = price
	cur.Ticks++
	return nil, false
}

func (a *CandleAggregator) appendHistory(c domain.Candle) {
	h := append(a.history[c.Epic], c)
	if len(h) > a.limit {
		h = h[len(h)-a.limit:]
	}
	a.history[c.Epic] = h
}

// Flush closes every open candle and returns them.
func (a *CandleAggregator) Flush() []domain.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Candle, 0, len(a.open))
	for epic, c := range a.open {
		a.appendHistory(*c)
		out = append(out, *c)
		delete(a.open, epic)
	}
	return out
}

// History returns completed candles for epic, oldest first.
func (a *CandleAggregator) History(epic string) []domain.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.history[epic]
	out := make([]domain.Candle, len(h))
	copy(out, h)
	return out
}
