package trigger

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/metrics"
	"marketOpenBot/internal/ports"
)

const (
	defaultSweepInterval = time.Second
	defaultCooldown      = time.Minute
	defaultMaxCooldowns  = 3
)

// OrderPlacer places the entry order for a claimed signal.
type OrderPlacer interface {
	PlaceEntry(ctx context.Context, sig *domain.Signal, tick domain.PriceTick) error
}

// Reevaluator asks for a replacement once a signal expires unfired.
// It returns ports.ErrNoTrade when the opportunity is gone.
type Reevaluator interface {
	Reevaluate(ctx context.Context, expired *domain.Signal) (*domain.Signal, error)
}

// PriceSource is the read side of the session's price cache.
type PriceSource interface {
	Snapshot(epic string) (domain.PriceTick, bool)
	Subscribe() (<-chan struct{}, func())
}

// Config holds per-market watcher settings.
type Config struct {
	Market        string
	Epic          string
	MaxSpread     float64       // 0 disables the spread gate
	Cooldown      time.Duration // Wait before asking again after the generator is exhausted
	MaxCooldowns  int
	SweepInterval time.Duration
}

type entry struct {
	sig   *domain.Signal
	armed atomic.Bool // Pullback only: price has been seen beyond the trigger in the trade direction
}

// Watcher runs the trigger state machine for every pending signal of one session.
// Evaluate is safe to call from several goroutines; the signal's compare-and-set claim
// guarantees a single order per signal.
type Watcher struct {
	cfg     Config
	placer  OrderPlacer
	reeval  Reevaluator
	alerter ports.Alerter
	logger  ports.Logger
	fields  map[string]interface{}
	onFault func(error)
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	halted  atomic.Bool
	wg      sync.WaitGroup
}

// New creates a watcher. alerter and onFault may be nil.
func New(cfg Config, placer OrderPlacer, reeval Reevaluator, alerter ports.Alerter, logger ports.Logger, onFault func(error)) (*Watcher, error) {
	if placer == nil || reeval == nil || logger == nil {
		return nil, fmt.Errorf("trigger watcher: missing required dependencies: %w", ports.ErrConfigurationError)
	}
	if cfg.Epic == "" {
		return nil, fmt.Errorf("trigger watcher: epic is required: %w", ports.ErrConfigurationError)
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.MaxCooldowns <= 0 {
		cfg.MaxCooldowns = defaultMaxCooldowns
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Watcher{
		cfg:     cfg,
		placer:  placer,
		reeval:  reeval,
		alerter: alerter,
		logger:  logger,
		fields:  map[string]interface{}{"market": cfg.Market, "epic": cfg.Epic},
		onFault: onFault,
		now:     time.Now,
		entries: make(map[string]*entry),
	}, nil
}

func (w *Watcher) logFields(sig *domain.Signal, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(w.fields)+len(extra)+3)
	for k, v := range w.fields {
		out[k] = v
	}
	if sig != nil {
		out["signalId"] = sig.ID
		out["action"] = string(sig.Action)
		out["trigger"] = sig.TriggerPrice
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Watch starts watching sig. The signal must be PENDING_WATCH and unexpired.
func (w *Watcher) Watch(sig *domain.Signal) error {
	op := "Watch"
	switch {
	case sig == nil:
		return fmt.Errorf("%s failed: %w: nil signal", op, ports.ErrInvalidRequest)
	case w.halted.Load():
		sig.Cancel()
		return fmt.Errorf("%s failed: %w", op, ports.ErrSessionStopping)
	case sig.State() != domain.SignalPendingWatch:
		return fmt.Errorf("%s failed: %w: signal %s is %s", op, ports.ErrInvariantViolation, sig.ID, sig.State())
	case !sig.Action.IsValid():
		return fmt.Errorf("%s failed: %w: action %q", op, ports.ErrInvalidRequest, sig.Action)
	case sig.EntryType != domain.EntryBreakout && sig.EntryType != domain.EntryPullback:
		return fmt.Errorf("%s failed: %w: entry type %q", op, ports.ErrInvalidRequest, sig.EntryType)
	case sig.TriggerPrice <= 0:
		return fmt.Errorf("%s failed: %w: trigger price %v", op, ports.ErrInvalidRequest, sig.TriggerPrice)
	case sig.Epic != "" && sig.Epic != w.cfg.Epic:
		return fmt.Errorf("%s failed: %w: signal epic %s on %s watcher", op, ports.ErrInvalidRequest, sig.Epic, w.cfg.Epic)
	case sig.IsExpired(w.now()):
		return fmt.Errorf("%s failed: %w: signal already expired at %s", op, ports.ErrInvalidRequest, sig.ValidUntil.Format(time.RFC3339))
	}
	if sig.Epic == "" {
		sig.Epic = w.cfg.Epic
	}

	w.mu.Lock()
	if _, dup := w.entries[sig.ID]; dup {
		w.mu.Unlock()
		return fmt.Errorf("%s failed: %w: signal %s already watched", op, ports.ErrInvalidRequest, sig.ID)
	}
	w.entries[sig.ID] = &entry{sig: sig}
	w.mu.Unlock()

	w.logger.Info(context.Background(), "Watching signal", w.logFields(sig, map[string]interface{}{
		"entryType": string(sig.EntryType), "stopLoss": sig.StopLoss, "validUntil": sig.ValidUntil,
	}))
	return nil
}

// Pending returns the number of signals being watched.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Watcher) snapshot() []*entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*entry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e)
	}
	return out
}

func (w *Watcher) remove(e *entry) {
	w.mu.Lock()
	if cur, ok := w.entries[e.sig.ID]; ok && cur == e {
		delete(w.entries, e.sig.ID)
	}
	w.mu.Unlock()
}

// crossed reports whether price satisfies the entry condition of e.
func crossed(e *entry, price float64) bool {
	sig := e.sig
	buy := sig.Action == domain.Buy
	switch sig.EntryType {
	case domain.EntryBreakout:
		if buy {
			return price >= sig.TriggerPrice
		}
		return price <= sig.TriggerPrice
	case domain.EntryPullback:
		beyond := (buy && price > sig.TriggerPrice) || (!buy && price < sig.TriggerPrice)
		if beyond {
			e.armed.Store(true)
			return false
		}
		return e.armed.Load()
	}
	return false
}

// Evaluate checks every pending signal against tick. Claimed signals are handed to the
// order placer on a separate goroutine so the caller never blocks on the broker.
func (w *Watcher) Evaluate(ctx context.Context, tick domain.PriceTick) {
	if w.halted.Load() {
		return
	}
	now := w.now()
	for _, e := range w.snapshot() {
		sig := e.sig
		if sig.State() != domain.SignalPendingWatch {
			continue
		}
		if sig.IsExpired(now) {
			w.expire(ctx, e)
			continue
		}
		if tick.Epic != sig.Epic || !tick.IsValid() {
			continue
		}
		if tick.MarketState != "" && tick.MarketState != "TRADEABLE" {
			continue
		}

		price := tick.EntryPrice(sig.Action)
		if !crossed(e, price) {
			continue
		}
		if w.cfg.MaxSpread > 0 && tick.Spread() > w.cfg.MaxSpread {
			metrics.Signal(w.cfg.Market, "skipped_spread")
			w.logger.Info(ctx, "Trigger reached but spread too wide, waiting", w.logFields(sig, map[string]interface{}{
				"price": price, "spread": tick.Spread(), "maxSpread": w.cfg.MaxSpread,
			}))
			continue
		}
		if sig.NoChase.Exceeded(price) {
			metrics.Signal(w.cfg.Market, "skipped_chase")
			w.logger.Info(ctx, "Trigger reached but price over-extended, not chasing", w.logFields(sig, map[string]interface{}{
				"price": price, "reference": sig.NoChase.Reference, "maxMultiple": sig.NoChase.MaxMultiple,
			}))
			continue
		}
		if w.halted.Load() || !sig.Claim() {
			continue
		}

		w.remove(e)
		metrics.Signal(w.cfg.Market, "triggered")
		w.logger.Info(ctx, "Signal triggered", w.logFields(sig, map[string]interface{}{"price": price, "bid": tick.Bid, "offer": tick.Offer}))
		w.goSafe(ctx, "place entry", func(ctx context.Context) {
			if err := w.placer.PlaceEntry(ctx, sig, tick); err != nil {
				w.logger.Error(ctx, err, "Entry order failed", w.logFields(sig, nil))
			}
		})
	}
}

// SweepExpired expires signals whose validity has elapsed without waiting for a tick.
func (w *Watcher) SweepExpired(ctx context.Context) {
	if w.halted.Load() {
		return
	}
	now := w.now()
	for _, e := range w.snapshot() {
		if e.sig.State() == domain.SignalPendingWatch && e.sig.IsExpired(now) {
			w.expire(ctx, e)
		}
	}
}

func (w *Watcher) expire(ctx context.Context, e *entry) {
	sig := e.sig
	if !sig.Expire() {
		return
	}
	w.remove(e)
	metrics.Signal(w.cfg.Market, "expired")
	w.logger.Info(ctx, "Signal expired unfired, requesting re-evaluation", w.logFields(sig, nil))
	w.goSafe(ctx, "re-evaluate", func(ctx context.Context) { w.reevaluate(ctx, sig) })
}

// reevaluate issues the single re-evaluation request for an expired signal. The stale signal is
// cancelled whatever the outcome.
func (w *Watcher) reevaluate(ctx context.Context, stale *domain.Signal) {
	if !stale.BeginReevaluation() {
		return
	}
	defer stale.Cancel()

	for round := 0; ; round++ {
		repl, err := w.reeval.Reevaluate(ctx, stale)
		switch {
		case err == nil && repl != nil:
			stale.Cancel()
			if watchErr := w.Watch(repl); watchErr != nil {
				w.logger.Warn(ctx, "Replacement signal rejected", w.logFields(repl, map[string]interface{}{"error": watchErr.Error()}))
				repl.Cancel()
				return
			}
			metrics.Signal(w.cfg.Market, "replaced")
			w.logger.Info(ctx, "Expired signal replaced", w.logFields(repl, map[string]interface{}{"replaces": stale.ID}))
			return
		case err == nil || errors.Is(err, ports.ErrNoTrade):
			metrics.Signal(w.cfg.Market, "cancelled")
			w.logger.Info(ctx, "No replacement for expired signal", w.logFields(stale, nil))
			return
		case errors.Is(err, ports.ErrSessionStopping) || ctx.Err() != nil || w.halted.Load():
			return
		}

		w.logger.Error(ctx, err, "Re-evaluation failed, cooling down", w.logFields(stale, map[string]interface{}{"round": round + 1, "cooldown": w.cfg.Cooldown.String()}))
		w.alert(ctx, "Signal generation unavailable",
			fmt.Sprintf("%s: re-evaluation of signal %s failed: %v", w.cfg.Market, stale.ID, err), ports.AlertWarning)
		if round+1 >= w.cfg.MaxCooldowns {
			metrics.Signal(w.cfg.Market, "cancelled")
			return
		}
		select {
		case <-time.After(w.cfg.Cooldown):
		case <-ctx.Done():
			return
		}
		if w.halted.Load() {
			return
		}
	}
}

func (w *Watcher) alert(ctx context.Context, title, msg string, p ports.AlertPriority) {
	if w.alerter == nil {
		return
	}
	if err := w.alerter.Alert(ctx, title, msg, p); err != nil {
		w.logger.Warn(ctx, "Failed to send alert", w.logFields(nil, map[string]interface{}{"error": err.Error()}))
	}
}

// goSafe runs fn on its own goroutine and turns a panic into a fault report.
func (w *Watcher) goSafe(ctx context.Context, what string, fn func(ctx context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("%w: panic during %s: %v", ports.ErrInvariantViolation, what, r)
				w.logger.Error(ctx, err, "Recovered panic in trigger watcher", w.logFields(nil, map[string]interface{}{"stack": string(debug.Stack())}))
				if w.onFault != nil {
					w.onFault(err)
				}
			}
		}()
		fn(ctx)
	}()
}

// CancelAll cancels every pending signal and returns how many were cancelled.
func (w *Watcher) CancelAll() int {
	w.mu.Lock()
	entries := w.entries
	w.entries = make(map[string]*entry)
	w.mu.Unlock()

	n := 0
	for _, e := range entries {
		if e.sig.Cancel() {
			n++
			metrics.Signal(w.cfg.Market, "cancelled")
		}
	}
	return n
}

// Halt stops all further firing and cancels pending signals.
func (w *Watcher) Halt() int {
	w.halted.Store(true)
	return w.CancelAll()
}

// Wait blocks until in-flight placements and re-evaluations finish.
func (w *Watcher) Wait() {
	w.wg.Wait()
}

// Run evaluates on every cache update and sweeps expiries on a timer until ctx ends.
func (w *Watcher) Run(ctx context.Context, src PriceSource) {
	notify, unsubscribe := src.Subscribe()
	defer unsubscribe()
	sweep := time.NewTicker(w.cfg.SweepInterval)
	defer sweep.Stop()

	if tick, ok := src.Snapshot(w.cfg.Epic); ok {
		w.Evaluate(ctx, tick)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-notify:
			if tick, ok := src.Snapshot(w.cfg.Epic); ok {
				w.Evaluate(ctx, tick)
			}
		case <-sweep.C:
			w.SweepExpired(ctx)
		}
	}
}
