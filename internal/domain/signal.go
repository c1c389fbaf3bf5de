package domain

import (
	"math"
	"sync/atomic"
	"time"
)

// SignalState is the lifecycle state of a Signal.
type SignalState int32

const (
	SignalPendingWatch SignalState = iota // Zero value: a new signal is waiting for its trigger
	SignalTriggered
	SignalExpired
	SignalReevaluating
	SignalCancelled
)

// String returns the state name.
func (s SignalState) String() string {
	switch s {
	case SignalPendingWatch:
		return "PENDING_WATCH"
	case SignalTriggered:
		return "TRIGGERED"
	case SignalExpired:
		return "EXPIRED"
	case SignalReevaluating:
		return "REEVALUATING"
	case SignalCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transition is possible from s.
func (s SignalState) IsTerminal() bool {
	return s == SignalTriggered || s == SignalCancelled
}

var signalTransitions = map[SignalState][]SignalState{
	SignalPendingWatch: {SignalTriggered, SignalExpired, SignalCancelled},
	SignalExpired:      {SignalReevaluating, SignalCancelled},
	SignalReevaluating: {SignalCancelled},
}

// CanTransition reports whether from -> to is an allowed signal transition.
func CanTransition(from, to SignalState) bool {
	for _, next := range signalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TrailingConfig controls how a filled position's stop is managed.
type TrailingConfig struct {
	Enabled           bool    // Trailing stop on/off; take profit is not sent when enabled
	BreakevenTriggerR float64 // Gain, in multiples of the initial risk, that moves the stop to entry (0 disables)
	ActivationATR     float64 // Gain, in ATR multiples, after which the stop starts trailing
	DistanceATR       float64 // Trailing distance behind price, in ATR multiples
}

// NoChaseFilter rejects entries when price has run too far from a reference level.
// Values are supplied with the signal; the watcher only enforces them.
type NoChaseFilter struct {
	Reference   float64 // Level the extension is measured from (e.g. the opening range edge)
	Unit        float64 // Distance unit, usually ATR
	MaxMultiple float64 // Maximum allowed |price - Reference| / Unit (0 disables)
}

// Exceeded reports whether price is further from Reference than the filter allows.
func (f NoChaseFilter) Exceeded(price float64) bool {
	if f.MaxMultiple <= 0 || f.Unit <= 0 || f.Reference <= 0 {
		return false
	}
	return math.Abs(price-f.Reference) > f.MaxMultiple*f.Unit
}

// Signal is a pending entry plan produced by the signal generator.
// Only the trigger watcher moves it through its states; every transition is a
// compare-and-set so a signal can be claimed for firing exactly once.
type Signal struct {
	ID           string
	Market       string
	Epic         string
	Action       OrderSide
	EntryType    EntryType
	TriggerPrice float64
	StopLoss     float64
	TakeProfit   float64 // 0 when no limit should be sent
	ValidUntil   time.Time
	ATR          float64
	Trailing     TrailingConfig
	NoChase      NoChaseFilter
	Confidence   string
	Reasoning    string
	CreatedAt    time.Time

	state atomic.Int32
}

// State returns the current state.
func (s *Signal) State() SignalState {
	return SignalState(s.state.Load())
}

func (s *Signal) transition(from, to SignalState) bool {
	if !CanTransition(from, to) {
		return false
	}
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Claim moves PENDING_WATCH to TRIGGERED. Only the caller that gets true may place the order.
func (s *Signal) Claim() bool {
	return s.transition(SignalPendingWatch, SignalTriggered)
}

// Expire moves PENDING_WATCH to EXPIRED.
func (s *Signal) Expire() bool {
	return s.transition(SignalPendingWatch, SignalExpired)
}

// BeginReevaluation moves EXPIRED to REEVALUATING.
func (s *Signal) BeginReevaluation() bool {
	return s.transition(SignalExpired, SignalReevaluating)
}

// Cancel moves any non-terminal state to CANCELLED. A triggered signal cannot be cancelled.
func (s *Signal) Cancel() bool {
	for {
		cur := s.State()
		if !CanTransition(cur, SignalCancelled) {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(SignalCancelled)) {
			return true
		}
	}
}

// IsExpired reports whether the validity window has elapsed at now.
func (s *Signal) IsExpired(now time.Time) bool {
	return !s.ValidUntil.IsZero() && !now.Before(s.ValidUntil)
}

// RiskPoints returns the distance between trigger and stop loss.
func (s *Signal) RiskPoints() float64 {
	return math.Abs(s.TriggerPrice - s.StopLoss)
}
