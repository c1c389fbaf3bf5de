package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/metrics"
	"marketOpenBot/internal/ports"
	"marketOpenBot/internal/retry"

	"github.com/google/uuid"
)

// ATRSource computes an ATR from candles for signals that arrive without one.
type ATRSource interface {
	ATR(ctx context.Context, candles []domain.Candle) (float64, error)
}

// candleHistory is implemented by journals that can read stored candles back.
type candleHistory interface {
	RecentCandles(ctx context.Context, epic string, limit int) ([]domain.Candle, error)
}

type quoteSource interface {
	Snapshot(epic string) (domain.PriceTick, bool)
}

// signalSource asks the generator for signals with the session's market context and
// implements trigger.Reevaluator.
type signalSource struct {
	spec      domain.MarketSpec
	sessionID string
	generator ports.SignalGenerator
	atr       ATRSource
	prices    quoteSource
	live      func() []domain.Candle
	journal   ports.Journal
	logger    ports.Logger
	policy    retry.Policy
	allow     func() bool
	validate  func(*domain.Signal) error // Business-rule check run before a signal is issued
	limit     int
	fields    map[string]interface{}
	now       func() time.Time

	mu      sync.Mutex
	history []domain.Candle
}

// loadHistory reads stored candles so the first request has context before the stream builds any.
func (s *signalSource) loadHistory(ctx context.Context) {
	h, ok := s.journal.(candleHistory)
	if !ok {
		return
	}
	candles, err := h.RecentCandles(ctx, s.spec.Epic, s.limit)
	if err != nil {
		s.logger.Warn(ctx, "Failed to load stored candles", s.withFields(map[string]interface{}{"error": err.Error()}))
		return
	}
	s.mu.Lock()
	s.history = candles
	s.mu.Unlock()
	s.logger.Debug(ctx, "Loaded stored candles", s.withFields(map[string]interface{}{"count": len(candles)}))
}

func (s *signalSource) candles() []domain.Candle {
	s.mu.Lock()
	stored := s.history
	s.mu.Unlock()
	var live []domain.Candle
	if s.live != nil {
		live = s.live()
	}
	return mergeCandles(stored, live, s.limit)
}

// mergeCandles joins stored and live candles by open time, live winning, and keeps the newest limit.
func mergeCandles(stored, live []domain.Candle, limit int) []domain.Candle {
	byMinute := make(map[int64]domain.Candle, len(stored)+len(live))
	for _, c := range stored {
		byMinute[c.OpenTime.Unix()] = c
	}
	for _, c := range live {
		byMinute[c.OpenTime.Unix()] = c
	}
	out := make([]domain.Candle, 0, len(byMinute))
	for _, c := range byMinute {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Reevaluate implements trigger.Reevaluator.
func (s *signalSource) Reevaluate(ctx context.Context, expired *domain.Signal) (*domain.Signal, error) {
	return s.generate(ctx, expired)
}

// generate retries transient generator failures under the session's policy. Exhausted retries
// surface as ErrSignalGeneration; ErrNoTrade passes through untouched.
func (s *signalSource) generate(ctx context.Context, previous *domain.Signal) (*domain.Signal, error) {
	op := "GenerateSignal"
	if s.generator == nil {
		return nil, ports.ErrNoTrade
	}
	mc := ports.MarketContext{
		Market:       s.spec.Name,
		Epic:         s.spec.Epic,
		StrategyName: s.spec.StrategyName,
		Now:          s.now(),
		Candles:      s.candles(),
		Previous:     previous,
	}
	if tick, ok := s.prices.Snapshot(s.spec.Epic); ok {
		mc.Latest = &tick
	}

	var sig *domain.Signal
	err := retry.Do(ctx, s.policy, s.allow, func(ctx context.Context) error {
		out, err := s.generator.Generate(ctx, mc)
		if err != nil {
			return err
		}
		if out == nil {
			return ports.ErrNoTrade
		}
		sig = out
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, ports.ErrNoTrade), errors.Is(err, ports.ErrSessionStopping):
		return nil, err
	case errors.Is(err, retry.ErrExhausted):
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrSignalGeneration, err)
	default:
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	s.prepare(ctx, sig, mc.Candles)
	if err := s.check(ctx, sig); err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	s.issued(ctx, sig)
	return sig, nil
}

// prepare fills the fields a generator may leave empty.
func (s *signalSource) prepare(ctx context.Context, sig *domain.Signal, candles []domain.Candle) {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.Market == "" {
		sig.Market = s.spec.Name
	}
	if sig.Epic == "" {
		sig.Epic = s.spec.Epic
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = s.now()
	}
	if sig.ATR <= 0 && s.atr != nil && len(candles) > 0 {
		if atr, err := s.atr.ATR(ctx, candles); err == nil {
			sig.ATR = atr
		} else {
			s.logger.Debug(ctx, "ATR unavailable for signal", s.withFields(map[string]interface{}{"signalId": sig.ID, "error": err.Error()}))
		}
	}
	if sig.NoChase.MaxMultiple > 0 && sig.NoChase.Unit <= 0 {
		sig.NoChase.Unit = sig.ATR
	}
}

// check rejects a signal that breaks a business rule before it is watched.
func (s *signalSource) check(ctx context.Context, sig *domain.Signal) error {
	if s.validate == nil {
		return nil
	}
	if err := s.validate(sig); err != nil {
		metrics.Signal(s.spec.Name, "rejected")
		s.logger.Warn(ctx, "Signal rejected", s.withFields(map[string]interface{}{
			"signalId": sig.ID, "action": string(sig.Action), "trigger": sig.TriggerPrice, "stopLoss": sig.StopLoss, "error": err.Error(),
		}))
		return err
	}
	return nil
}

func (s *signalSource) issued(ctx context.Context, sig *domain.Signal) {
	metrics.Signal(s.spec.Name, "issued")
	s.logger.Info(ctx, "Signal issued", s.withFields(map[string]interface{}{
		"signalId": sig.ID, "action": string(sig.Action), "entryType": string(sig.EntryType),
		"trigger": sig.TriggerPrice, "stopLoss": sig.StopLoss, "takeProfit": sig.TakeProfit, "atr": sig.ATR,
	}))
	if s.journal == nil {
		return
	}
	if _, err := s.journal.Append(ctx, &domain.JournalRecord{
		SessionID: s.sessionID,
		Kind:      domain.JournalSignalIssued,
		Market:    s.spec.Name,
		Epic:      s.spec.Epic,
		SignalID:  sig.ID,
		Side:      sig.Action,
		Price:     sig.TriggerPrice,
		StopLevel: sig.StopLoss,
		Detail:    fmt.Sprintf("%s valid until %s: %s", sig.EntryType, sig.ValidUntil.Format(time.RFC3339), sig.Reasoning),
		CreatedAt: s.now(),
	}); err != nil {
		s.logger.Error(ctx, err, "Failed to journal record", s.withFields(map[string]interface{}{"kind": string(domain.JournalSignalIssued)}))
	}
}

func (s *signalSource) withFields(extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(s.fields)+len(extra))
	for k, v := range s.fields {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
