package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/metrics"
	"marketOpenBot/internal/ports"
	"marketOpenBot/internal/retry"
	"marketOpenBot/internal/risk"
)

// positionTracker receives positions once the broker confirms the fill.
type positionTracker interface {
	Track(pos domain.OpenPosition) error
}

type openTrade struct {
	side       domain.OrderSide
	entry      float64
	size       float64
	takeProfit float64
}

// executor turns a triggered signal into a broker order and hands the fill to the stop engine.
type executor struct {
	market    domain.MarketSpec
	sessionID string
	broker    ports.Broker
	risk      *risk.RiskManager
	journal   ports.Journal
	alerter   ports.Alerter
	logger    ports.Logger
	tracker   positionTracker
	policy    retry.Policy
	fields    map[string]interface{}
	now       func() time.Time
	stopping  atomic.Bool

	mu   sync.Mutex
	open map[string]openTrade
}

func (x *executor) halt() { x.stopping.Store(true) }

func (x *executor) allow() bool { return !x.stopping.Load() }

func (x *executor) withFields(sig *domain.Signal, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(x.fields)+len(extra)+2)
	for k, v := range x.fields {
		out[k] = v
	}
	if sig != nil {
		out["signalId"] = sig.ID
		out["action"] = string(sig.Action)
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// PlaceEntry implements trigger.OrderPlacer. Business-rule failures abort without retry;
// the order itself is never retried once sent.
func (x *executor) PlaceEntry(ctx context.Context, sig *domain.Signal, tick domain.PriceTick) error {
	op := "PlaceEntry"
	if !x.allow() {
		x.abort(ctx, sig, tick, ports.ErrSessionStopping)
		return fmt.Errorf("%s failed: %w", op, ports.ErrSessionStopping)
	}
	if err := x.risk.ValidateSignal(sig); err != nil {
		x.abort(ctx, sig, tick, err)
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if err := x.risk.CheckRiskLimits(ctx); err != nil {
		x.abort(ctx, sig, tick, err)
		return fmt.Errorf("%s failed: %w", op, err)
	}

	side := sig.Action
	entry := tick.EntryPrice(side)
	stop := risk.AdjustStopForSpread(side, sig.StopLoss, tick.Spread())
	distance := entry - stop
	if side == domain.Sell {
		distance = stop - entry
	}
	if distance <= 0 {
		err := fmt.Errorf("%w: stop %.2f is through entry %.2f", ports.ErrBusinessRule, stop, entry)
		x.abort(ctx, sig, tick, err)
		return fmt.Errorf("%s failed: %w", op, err)
	}

	var account *ports.AccountInfo
	err := retry.Do(ctx, x.policy, x.allow, func(ctx context.Context) error {
		return retry.WithReauth(ctx, x.broker, x.allow, func(ctx context.Context) error {
			a, err := x.broker.GetAccount(ctx)
			if err != nil {
				return err
			}
			account = a
			return nil
		})
	})
	if err != nil {
		x.abort(ctx, sig, tick, err)
		return fmt.Errorf("%s failed: %w", op, err)
	}
	size, err := x.risk.PositionSize(ctx, *account, distance, x.market)
	if err != nil {
		x.abort(ctx, sig, tick, err)
		return fmt.Errorf("%s failed: %w", op, err)
	}

	takeProfit := sig.TakeProfit
	if sig.Trailing.Enabled {
		takeProfit = 0
	}
	req := ports.OrderRequest{
		Epic:          x.market.Epic,
		Side:          side,
		Size:          size,
		StopLevel:     stop,
		TakeProfit:    takeProfit,
		DealReference: sig.ID,
	}
	if !x.allow() {
		x.abort(ctx, sig, tick, ports.ErrSessionStopping)
		return fmt.Errorf("%s failed: %w", op, ports.ErrSessionStopping)
	}

	x.logger.Info(ctx, op+": Placing entry order", x.withFields(sig, map[string]interface{}{
		"size": size, "entry": entry, "stop": stop, "takeProfit": takeProfit, "spread": tick.Spread(),
	}))
	var conf *ports.OrderConfirmation
	err = retry.WithReauth(ctx, x.broker, x.allow, func(ctx context.Context) error {
		c, err := x.broker.PlaceOrder(ctx, req)
		conf = c
		return err
	})
	if err == nil && !conf.Accepted() {
		reason := "no confirmation"
		if conf != nil {
			reason = conf.Reason
		}
		err = fmt.Errorf("%w: rejected: %s", ports.ErrOrderPlacementFailed, reason)
	}
	if err != nil {
		metrics.Order(x.market.Name, side, "rejected")
		x.logger.Error(ctx, err, op+": Entry order failed", x.withFields(sig, nil))
		x.record(ctx, &domain.JournalRecord{
			Kind: domain.JournalOrderAborted, SignalID: sig.ID, Side: side, Price: entry, StopLevel: stop, Size: size, Detail: err.Error(),
		})
		x.alert(ctx, "Order failed", fmt.Sprintf("%s %s %.2f: %v", x.market.Name, side, size, err), ports.AlertWarning)
		return fmt.Errorf("%s failed: %w", op, err)
	}

	pos := x.position(sig, conf, entry, size, stop, takeProfit)
	x.risk.RecordOpen()
	x.mu.Lock()
	x.open[pos.DealID] = openTrade{side: side, entry: pos.EntryPrice, size: pos.SizeUnits, takeProfit: takeProfit}
	x.mu.Unlock()
	metrics.Order(x.market.Name, side, "placed")
	x.record(ctx, &domain.JournalRecord{
		Kind: domain.JournalOrderPlaced, SignalID: sig.ID, DealID: pos.DealID, Side: side,
		Price: pos.EntryPrice, StopLevel: pos.InitialStop, Size: pos.SizeUnits,
		Detail: fmt.Sprintf("trigger %.2f take profit %.2f", sig.TriggerPrice, takeProfit),
	})

	if err := x.tracker.Track(pos); err != nil {
		x.logger.Error(ctx, err, op+": Filled position is not monitored", x.withFields(sig, map[string]interface{}{"dealId": pos.DealID}))
		x.alert(ctx, "Position unmonitored",
			fmt.Sprintf("%s deal %s filled at %.2f with stop %.2f but is not monitored: %v", x.market.Name, pos.DealID, pos.EntryPrice, pos.InitialStop, err),
			ports.AlertCritical)
		return fmt.Errorf("%s failed: %w", op, err)
	}
	x.logger.Info(ctx, op+": Entry filled", x.withFields(sig, map[string]interface{}{
		"dealId": pos.DealID, "level": pos.EntryPrice, "size": pos.SizeUnits, "stop": pos.InitialStop,
	}))
	x.alert(ctx, "Order placed",
		fmt.Sprintf("%s %s %.2f @ %.2f, stop %.2f", x.market.Name, side, pos.SizeUnits, pos.EntryPrice, pos.InitialStop), ports.AlertInfo)
	return nil
}

// position builds the tracked position, preferring what the broker confirmed over what was requested.
func (x *executor) position(sig *domain.Signal, conf *ports.OrderConfirmation, entry, size, stop, takeProfit float64) domain.OpenPosition {
	level := conf.Level
	if level <= 0 {
		level = entry
	}
	filled := conf.Size
	if filled <= 0 {
		filled = size
	}
	stopLevel := conf.StopLevel
	if stopLevel <= 0 {
		stopLevel = stop
	}
	opened := conf.Timestamp
	if opened.IsZero() {
		opened = x.now()
	}
	return domain.OpenPosition{
		DealID:           conf.DealID,
		DealReference:    conf.DealReference,
		Market:           x.market.Name,
		Epic:             x.market.Epic,
		SignalID:         sig.ID,
		Side:             sig.Action,
		EntryPrice:       level,
		SizeUnits:        filled,
		InitialStop:      stopLevel,
		RiskAmount:       math.Abs(level - stopLevel),
		TakeProfit:       takeProfit,
		ATR:              sig.ATR,
		Trailing:         sig.Trailing,
		OpenedAt:         opened,
		CurrentStopLevel: stopLevel,
	}
}

func (x *executor) abort(ctx context.Context, sig *domain.Signal, tick domain.PriceTick, cause error) {
	metrics.Order(x.market.Name, sig.Action, "aborted")
	x.logger.Warn(ctx, "Entry aborted", x.withFields(sig, map[string]interface{}{"reason": cause.Error()}))
	x.record(ctx, &domain.JournalRecord{
		Kind: domain.JournalOrderAborted, SignalID: sig.ID, Side: sig.Action,
		Price: tick.EntryPrice(sig.Action), StopLevel: sig.StopLoss, Detail: cause.Error(),
	})
}

// positionClosed settles the risk manager's open count. The realised result is estimated at
// the last known stop, or at the take profit, so it never overstates a win.
func (x *executor) positionClosed(rec *domain.JournalRecord) {
	if rec.Reason == domain.CloseReasonTimeLimit {
		return
	}
	x.mu.Lock()
	t, ok := x.open[rec.DealID]
	delete(x.open, rec.DealID)
	x.mu.Unlock()
	if !ok {
		return
	}
	x.risk.RecordClose(t.estimate(rec))
}

func (t openTrade) estimate(rec *domain.JournalRecord) float64 {
	exit := rec.StopLevel
	if rec.Reason == domain.CloseReasonTakeProfit && t.takeProfit > 0 {
		exit = t.takeProfit
	}
	if exit <= 0 {
		return 0
	}
	gain := exit - t.entry
	if t.side == domain.Sell {
		gain = -gain
	}
	return gain * t.size
}

func (x *executor) record(ctx context.Context, rec *domain.JournalRecord) {
	if x.journal == nil {
		return
	}
	rec.SessionID = x.sessionID
	rec.Market = x.market.Name
	rec.Epic = x.market.Epic
	rec.CreatedAt = x.now()
	if _, err := x.journal.Append(ctx, rec); err != nil {
		x.logger.Error(ctx, err, "Failed to journal record", x.withFields(nil, map[string]interface{}{"kind": string(rec.Kind)}))
	}
}

func (x *executor) alert(ctx context.Context, title, msg string, p ports.AlertPriority) {
	if x.alerter == nil {
		return
	}
	if err := x.alerter.Alert(ctx, title, msg, p); err != nil {
		x.logger.Warn(ctx, "Failed to send alert", x.withFields(nil, map[string]interface{}{"error": err.Error()}))
	}
}

// sessionJournal is the journal handed to the stop engine. It reports closed positions to the
// executor and leaves closing the shared journal to its owner.
type sessionJournal struct {
	next     ports.Journal
	onClosed func(rec *domain.JournalRecord)
}

func (j *sessionJournal) Append(ctx context.Context, rec *domain.JournalRecord) (int64, error) {
	if rec.Kind == domain.JournalPositionClosed && j.onClosed != nil {
		j.onClosed(rec)
	}
	if j.next == nil {
		return 0, nil
	}
	return j.next.Append(ctx, rec)
}

func (j *sessionJournal) SaveCandle(ctx context.Context, c *domain.Candle) error {
	if j.next == nil {
		return nil
	}
	return j.next.SaveCandle(ctx, c)
}

func (j *sessionJournal) FindBySession(ctx context.Context, sessionID string) ([]*domain.JournalRecord, error) {
	if j.next == nil {
		return nil, nil
	}
	return j.next.FindBySession(ctx, sessionID)
}

func (j *sessionJournal) Close() error { return nil }
