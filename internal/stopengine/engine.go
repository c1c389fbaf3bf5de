package stopengine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/metrics"
	"marketOpenBot/internal/ports"
	"marketOpenBot/internal/retry"
)

const (
	defaultPollInterval       = 15 * time.Second
	defaultMaxMonitorDuration = 4 * time.Hour
	failureAlertThreshold     = 3
)

// PriceSource is the read side of the session's price cache.
type PriceSource interface {
	Snapshot(epic string) (domain.PriceTick, bool)
	Subscribe() (<-chan struct{}, func())
}

// Config holds per-session engine settings.
type Config struct {
	Market             string
	Epic               string
	PollInterval       time.Duration
	MaxMonitorDuration time.Duration
}

type tracked struct {
	mu            sync.Mutex
	pos           domain.OpenPosition
	authoritative float64   // Last stop level known to be on the broker
	ratchet       float64   // Most protective level this engine has had accepted
	applied       []float64 // Levels accepted by the broker, in order
	pollFailures  int

	modifyFailures int       // Consecutive transient modification failures
	holdUntil      time.Time // Tick-driven modifications wait for the next poll after a failure
	rejected       float64   // Level the broker refused; never sent again
}

// Engine keeps protective stops of a session's open positions in line with the
// breakeven and trailing rules, treating the broker's reported stop as ground truth.
type Engine struct {
	cfg     Config
	broker  ports.Broker
	journal ports.Journal
	alerter ports.Alerter
	logger  ports.Logger
	onFault func(error)
	now     func() time.Time

	sessionID string

	mu        sync.Mutex
	positions map[string]*tracked
	pollNow   chan string
	halted    atomic.Bool
}

// New creates an engine. journal, alerter and onFault may be nil.
func New(cfg Config, sessionID string, broker ports.Broker, journal ports.Journal, alerter ports.Alerter, logger ports.Logger, onFault func(error)) (*Engine, error) {
	if broker == nil || logger == nil {
		return nil, fmt.Errorf("stop engine: missing required dependencies: %w", ports.ErrConfigurationError)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxMonitorDuration <= 0 {
		cfg.MaxMonitorDuration = defaultMaxMonitorDuration
	}
	return &Engine{
		cfg:       cfg,
		broker:    broker,
		journal:   journal,
		alerter:   alerter,
		logger:    logger,
		onFault:   onFault,
		now:       time.Now,
		sessionID: sessionID,
		positions: make(map[string]*tracked),
		pollNow:   make(chan string, 16),
	}, nil
}

func (e *Engine) fields(pos *domain.OpenPosition, extra map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{"market": e.cfg.Market, "epic": e.cfg.Epic}
	if pos != nil {
		out["dealId"] = pos.DealID
		out["side"] = string(pos.Side)
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Track starts managing pos. CurrentStopLevel (or InitialStop) is taken as the broker's stop.
func (e *Engine) Track(pos domain.OpenPosition) error {
	op := "Track"
	switch {
	case pos.DealID == "":
		return fmt.Errorf("%s failed: %w: missing deal id", op, ports.ErrInvalidRequest)
	case !pos.Side.IsValid():
		return fmt.Errorf("%s failed: %w: side %q", op, ports.ErrInvalidRequest, pos.Side)
	case pos.EntryPrice <= 0:
		return fmt.Errorf("%s failed: %w: entry price %v", op, ports.ErrInvalidRequest, pos.EntryPrice)
	case e.halted.Load():
		return fmt.Errorf("%s failed: %w", op, ports.ErrSessionStopping)
	}
	if pos.CurrentStopLevel <= 0 {
		pos.CurrentStopLevel = pos.InitialStop
	}
	if pos.InitialStop <= 0 {
		pos.InitialStop = pos.CurrentStopLevel
	}
	if pos.RiskAmount <= 0 && pos.InitialStop > 0 {
		pos.RiskAmount = math.Abs(pos.EntryPrice - pos.InitialStop)
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = e.now()
	}
	if pos.Epic == "" {
		pos.Epic = e.cfg.Epic
	}

	t := &tracked{pos: pos, authoritative: pos.CurrentStopLevel, ratchet: pos.CurrentStopLevel}
	e.mu.Lock()
	if _, dup := e.positions[pos.DealID]; dup {
		e.mu.Unlock()
		return fmt.Errorf("%s failed: %w: deal %s already tracked", op, ports.ErrInvalidRequest, pos.DealID)
	}
	e.positions[pos.DealID] = t
	e.mu.Unlock()

	e.logger.Info(context.Background(), "Tracking position", e.fields(&pos, map[string]interface{}{
		"entry": pos.EntryPrice, "stop": pos.CurrentStopLevel, "risk": pos.RiskAmount, "atr": pos.ATR,
	}))
	return nil
}

// Positions returns copies of the tracked positions.
func (e *Engine) Positions() []domain.OpenPosition {
	out := make([]domain.OpenPosition, 0)
	for _, t := range e.list() {
		t.mu.Lock()
		out = append(out, t.pos)
		t.mu.Unlock()
	}
	return out
}

// AppliedLevels returns the stop levels the broker accepted for dealID, in order.
func (e *Engine) AppliedLevels(dealID string) []float64 {
	t := e.get(dealID)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]float64(nil), t.applied...)
}

func (e *Engine) list() []*tracked {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*tracked, 0, len(e.positions))
	for _, t := range e.positions {
		out = append(out, t)
	}
	return out
}

func (e *Engine) get(dealID string) *tracked {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions[dealID]
}

func (e *Engine) untrack(dealID string) {
	e.mu.Lock()
	delete(e.positions, dealID)
	e.mu.Unlock()
}

// Candidate computes the locally desired stop for pos at price (the side's exit price).
// It returns 0 when neither rule applies. breakeven reports whether the breakeven rule fired.
func Candidate(pos *domain.OpenPosition, price float64) (level float64, breakeven bool) {
	gain := pos.Gain(price)
	cfg := pos.Trailing

	if pos.BreakevenApplied {
		level = pos.EntryPrice
	} else if cfg.BreakevenTriggerR > 0 && pos.RiskAmount > 0 && gain >= cfg.BreakevenTriggerR*pos.RiskAmount {
		level = pos.EntryPrice
		breakeven = true
	}

	if cfg.Enabled && pos.ATR > 0 && cfg.DistanceATR > 0 && gain > cfg.ActivationATR*pos.ATR {
		dist := cfg.DistanceATR * pos.ATR
		trail := price - dist
		if pos.Side == domain.Sell {
			trail = price + dist
		}
		level = domain.MoreProtective(pos.Side, trail, level)
	}
	return level, breakeven
}

// OnTick recomputes candidates for positions on tick's epic.
func (e *Engine) OnTick(ctx context.Context, tick domain.PriceTick) {
	if e.halted.Load() || !tick.IsValid() {
		return
	}
	for _, t := range e.list() {
		if t.pos.Epic != tick.Epic {
			continue
		}
		e.reconcile(ctx, t, tick.ExitPrice(t.pos.Side))
	}
}

// reconcile sends the effective stop when it strictly improves on the broker's level.
func (e *Engine) reconcile(ctx context.Context, t *tracked, price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.halted.Load() || price <= 0 || e.now().Before(t.holdUntil) {
		return
	}
	target, be := e.target(t, price)
	if !e.wants(t, target) {
		return
	}
	e.modify(ctx, t, target, be, price)
}

// wants reports whether level should be sent to the broker.
func (e *Engine) wants(t *tracked, level float64) bool {
	return domain.IsMoreProtective(t.pos.Side, level, t.authoritative) && level != t.rejected
}

func (e *Engine) allow() bool { return !e.halted.Load() }

// target is the more protective of the local candidate (floored by the ratchet) and the broker's stop.
func (e *Engine) target(t *tracked, price float64) (float64, bool) {
	cand, be := Candidate(&t.pos, price)
	cand = domain.MoreProtective(t.pos.Side, cand, t.ratchet)
	return domain.MoreProtective(t.pos.Side, cand, t.authoritative), be
}

// modify must be called with t.mu held.
func (e *Engine) modify(ctx context.Context, t *tracked, level float64, breakeven bool, price float64) {
	dealID := t.pos.DealID
	err := retry.WithReauth(ctx, e.broker, e.allow, func(ctx context.Context) error {
		return e.broker.ModifyStop(ctx, dealID, level)
	})
	switch {
	case err == nil:
		e.apply(ctx, t, level, breakeven, price)
		return
	case errors.Is(err, ports.ErrSessionStopping):
		return
	case errors.Is(err, ports.ErrPositionNotFound):
		e.closed(ctx, t, domain.CloseReasonBrokerClosed)
		return
	case errors.Is(err, ports.ErrAuthExpired):
		metrics.StopModification(e.cfg.Market, "auth_failed")
		e.fault(ctx, t, err, "Stop modification failed after re-authentication")
		return
	case !errors.Is(err, ports.ErrStopConflict):
		e.modifyFailed(ctx, t, level, err)
		return
	}

	// Conflict: the broker's state moved under us. Re-poll, recompute, retry once.
	metrics.StopModification(e.cfg.Market, "conflict")
	e.logger.Warn(ctx, "Stop modification conflict, re-polling", e.fields(&t.pos, map[string]interface{}{"level": level}))
	st, perr := e.broker.GetPosition(ctx, dealID)
	if perr != nil {
		if errors.Is(perr, ports.ErrPositionNotFound) {
			e.closed(ctx, t, domain.CloseReasonBrokerClosed)
			return
		}
		e.conflictFailed(ctx, t, level, perr)
		return
	}
	e.observe(ctx, t, st.StopLevel)
	if p := exitPrice(t.pos.Side, st); p > 0 {
		price = p
	}
	retryLevel, be := e.target(t, price)
	if !e.wants(t, retryLevel) {
		// Broker already holds an equal or better stop.
		return
	}
	if e.halted.Load() {
		return
	}
	if err := e.broker.ModifyStop(ctx, dealID, retryLevel); err != nil {
		e.conflictFailed(ctx, t, retryLevel, err)
		return
	}
	e.apply(ctx, t, retryLevel, be, price)
}

// modifyFailed keeps the last known-good stop and defers further attempts to the poll cadence.
// A refused level is dropped for good; transient failures alert once they keep repeating.
// Must be called with t.mu held.
func (e *Engine) modifyFailed(ctx context.Context, t *tracked, level float64, err error) {
	t.holdUntil = e.now().Add(e.cfg.PollInterval)
	if !retry.IsTransient(err) {
		t.rejected = level
		metrics.StopModification(e.cfg.Market, "rejected")
		e.logger.Error(ctx, err, "Stop modification rejected, keeping last known-good stop", e.fields(&t.pos, map[string]interface{}{
			"wanted": level, "kept": t.authoritative,
		}))
		e.alert(ctx, "Stop update rejected",
			fmt.Sprintf("%s deal %s: broker refused stop %.2f (%v), stop remains %.2f", e.cfg.Market, t.pos.DealID, level, err, t.authoritative),
			ports.AlertCritical)
		return
	}
	t.modifyFailures++
	metrics.StopModification(e.cfg.Market, "error")
	e.logger.Warn(ctx, "Stop modification failed, retrying at next poll", e.fields(&t.pos, map[string]interface{}{
		"level": level, "error": err.Error(), "consecutive": t.modifyFailures,
	}))
	if t.modifyFailures == failureAlertThreshold {
		e.alert(ctx, "Stop update failing",
			fmt.Sprintf("%s deal %s: %d consecutive stop update failures: %v, stop remains %.2f", e.cfg.Market, t.pos.DealID, t.modifyFailures, err, t.authoritative),
			ports.AlertCritical)
	}
}

func (e *Engine) conflictFailed(ctx context.Context, t *tracked, level float64, err error) {
	t.holdUntil = e.now().Add(e.cfg.PollInterval)
	metrics.StopModification(e.cfg.Market, "failed")
	e.logger.Error(ctx, err, "Stop modification failed twice, keeping last known-good stop", e.fields(&t.pos, map[string]interface{}{
		"wanted": level, "kept": t.authoritative,
	}))
	e.alert(ctx, "Stop update failed",
		fmt.Sprintf("%s deal %s: could not move stop to %.2f, broker stop remains %.2f", e.cfg.Market, t.pos.DealID, level, t.authoritative),
		ports.AlertCritical)
}

// apply records a level the broker accepted. Must be called with t.mu held.
func (e *Engine) apply(ctx context.Context, t *tracked, level float64, breakeven bool, price float64) {
	if !domain.IsMoreProtective(t.pos.Side, level, t.ratchet) && level != t.ratchet && t.ratchet > 0 {
		err := fmt.Errorf("%w: stop for %s would move from %.2f back to %.2f", ports.ErrInvariantViolation, t.pos.DealID, t.ratchet, level)
		e.logger.Error(ctx, err, "Rejected backward stop move", e.fields(&t.pos, nil))
		return
	}
	prev := t.authoritative
	t.authoritative = level
	t.ratchet = level
	t.modifyFailures = 0
	t.holdUntil = time.Time{}
	t.pos.CurrentStopLevel = level
	t.applied = append(t.applied, level)
	if breakeven || !domain.IsMoreProtective(t.pos.Side, t.pos.EntryPrice, level) {
		t.pos.BreakevenApplied = true
	}
	metrics.StopModification(e.cfg.Market, "ok")
	e.logger.Info(ctx, "Stop moved", e.fields(&t.pos, map[string]interface{}{
		"from": prev, "to": level, "price": price, "breakeven": t.pos.BreakevenApplied,
	}))
	e.record(ctx, &domain.JournalRecord{
		Kind: domain.JournalStopModified, DealID: t.pos.DealID, Side: t.pos.Side, SignalID: t.pos.SignalID,
		Price: price, StopLevel: level, Size: t.pos.SizeUnits,
	})
}

// observe takes the broker's reported stop as ground truth. Must be called with t.mu held.
func (e *Engine) observe(ctx context.Context, t *tracked, stop float64) {
	if stop == t.authoritative {
		return
	}
	e.logger.Info(ctx, "Broker stop differs from local view, adopting broker value", e.fields(&t.pos, map[string]interface{}{
		"local": t.authoritative, "broker": stop,
	}))
	t.authoritative = stop
	if domain.IsMoreProtective(t.pos.Side, stop, t.ratchet) {
		t.ratchet = stop
		t.pos.CurrentStopLevel = stop
		if !domain.IsMoreProtective(t.pos.Side, t.pos.EntryPrice, stop) {
			t.pos.BreakevenApplied = true
		}
	}
}

func exitPrice(side domain.OrderSide, st *ports.PositionStatus) float64 {
	if side == domain.Sell {
		return st.Offer
	}
	return st.Bid
}

// Poll fetches the broker's view of every tracked position and reconciles.
func (e *Engine) Poll(ctx context.Context) {
	for _, t := range e.list() {
		if e.halted.Load() {
			return
		}
		e.pollOne(ctx, t)
	}
}

// PollDeal polls a single tracked position.
func (e *Engine) PollDeal(ctx context.Context, dealID string) {
	if t := e.get(dealID); t != nil && !e.halted.Load() {
		e.pollOne(ctx, t)
	}
}

func (e *Engine) pollOne(ctx context.Context, t *tracked) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if age := e.now().Sub(t.pos.OpenedAt); age > e.cfg.MaxMonitorDuration {
		e.logger.Warn(ctx, "Position exceeded monitoring window", e.fields(&t.pos, map[string]interface{}{"age": age.String()}))
		e.alert(ctx, "Position monitoring ended",
			fmt.Sprintf("%s deal %s open for %s; stop %.2f left on broker, no longer trailed", e.cfg.Market, t.pos.DealID, age.Round(time.Minute), t.authoritative),
			ports.AlertCritical)
		e.closed(ctx, t, domain.CloseReasonTimeLimit)
		return
	}

	var st *ports.PositionStatus
	err := retry.WithReauth(ctx, e.broker, e.allow, func(ctx context.Context) error {
		var gerr error
		st, gerr = e.broker.GetPosition(ctx, t.pos.DealID)
		return gerr
	})
	switch {
	case errors.Is(err, ports.ErrSessionStopping):
		return
	case errors.Is(err, ports.ErrPositionNotFound):
		e.closed(ctx, t, domain.CloseReasonBrokerClosed)
		return
	case errors.Is(err, ports.ErrAuthExpired):
		e.fault(ctx, t, err, "Position poll failed after re-authentication")
		return
	case err != nil:
		t.pollFailures++
		e.logger.Warn(ctx, "Position poll failed", e.fields(&t.pos, map[string]interface{}{"error": err.Error(), "consecutive": t.pollFailures}))
		if t.pollFailures == failureAlertThreshold {
			e.alert(ctx, "Position poll failing",
				fmt.Sprintf("%s deal %s: %d consecutive poll failures: %v", e.cfg.Market, t.pos.DealID, t.pollFailures, err),
				ports.AlertWarning)
		}
		return
	}
	t.pollFailures = 0
	e.observe(ctx, t, st.StopLevel)

	if e.halted.Load() {
		return
	}
	price := exitPrice(t.pos.Side, st)
	if price <= 0 {
		return
	}
	target, be := e.target(t, price)
	if e.wants(t, target) {
		e.modify(ctx, t, target, be, price)
	}
}

// closed stops tracking t and journals why. Must be called with t.mu held.
func (e *Engine) closed(ctx context.Context, t *tracked, reason domain.CloseReason) {
	e.untrack(t.pos.DealID)
	e.logger.Info(ctx, "Position no longer monitored", e.fields(&t.pos, map[string]interface{}{"reason": string(reason), "stop": t.authoritative}))
	e.record(ctx, &domain.JournalRecord{
		Kind: domain.JournalPositionClosed, DealID: t.pos.DealID, Side: t.pos.Side, SignalID: t.pos.SignalID,
		StopLevel: t.authoritative, Size: t.pos.SizeUnits, Reason: reason,
	})
}

func (e *Engine) fault(ctx context.Context, t *tracked, err error, msg string) {
	e.logger.Error(ctx, err, msg, e.fields(&t.pos, nil))
	e.alert(ctx, "Broker session lost",
		fmt.Sprintf("%s deal %s: %s: %v", e.cfg.Market, t.pos.DealID, msg, err), ports.AlertCritical)
	if e.onFault != nil {
		e.onFault(err)
	}
}

// HandleTradeUpdate schedules an immediate poll when the stream reports activity on a tracked deal.
// Updates never set the stop level directly. Returns whether a poll was scheduled.
func (e *Engine) HandleTradeUpdate(ctx context.Context, upd domain.TradeUpdate) bool {
	if e.halted.Load() || upd.DealID == "" || e.get(upd.DealID) == nil {
		return false
	}
	e.logger.Debug(ctx, "Trade update for tracked position", e.fields(nil, map[string]interface{}{
		"dealId": upd.DealID, "subtype": string(upd.Kind), "status": upd.Status, "dealStatus": upd.DealStatus,
	}))
	select {
	case e.pollNow <- upd.DealID:
		return true
	default:
		return false // A poll is already queued
	}
}

func (e *Engine) alert(ctx context.Context, title, msg string, p ports.AlertPriority) {
	if e.alerter == nil {
		return
	}
	if err := e.alerter.Alert(ctx, title, msg, p); err != nil {
		e.logger.Warn(ctx, "Failed to send alert", e.fields(nil, map[string]interface{}{"error": err.Error()}))
	}
}

func (e *Engine) record(ctx context.Context, rec *domain.JournalRecord) {
	if e.journal == nil {
		return
	}
	rec.SessionID = e.sessionID
	rec.Market = e.cfg.Market
	rec.Epic = e.cfg.Epic
	rec.CreatedAt = e.now()
	if _, err := e.journal.Append(ctx, rec); err != nil {
		e.logger.Error(ctx, err, "Failed to journal record", e.fields(nil, map[string]interface{}{"kind": string(rec.Kind)}))
	}
}

// Halt stops all further stop modifications and returns positions still open at the broker.
func (e *Engine) Halt() []domain.OpenPosition {
	e.halted.Store(true)
	return e.Positions()
}

// Run drives recomputation from cache updates, polls on a fixed interval and reacts to
// trade updates until ctx ends. A panic is recovered and reported as a fault.
func (e *Engine) Run(ctx context.Context, src PriceSource, updates <-chan domain.TradeUpdate) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: panic in stop engine: %v", ports.ErrInvariantViolation, r)
			e.logger.Error(ctx, err, "Recovered panic in stop engine", e.fields(nil, map[string]interface{}{"stack": string(debug.Stack())}))
			for _, pos := range e.Positions() {
				e.alert(ctx, "Position unmonitored",
					fmt.Sprintf("%s deal %s: stop engine crashed, stop %.2f left on broker", e.cfg.Market, pos.DealID, pos.CurrentStopLevel),
					ports.AlertCritical)
			}
			if e.onFault != nil {
				e.onFault(err)
			}
		}
	}()

	notify, unsubscribe := src.Subscribe()
	defer unsubscribe()
	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-notify:
			if tick, ok := src.Snapshot(e.cfg.Epic); ok {
				e.OnTick(ctx, tick)
			}
		case <-poll.C:
			e.Poll(ctx)
		case dealID := <-e.pollNow:
			e.PollDeal(ctx, dealID)
		case upd, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			e.HandleTradeUpdate(ctx, upd)
		}
	}
}
