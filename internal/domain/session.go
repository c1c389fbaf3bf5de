package domain

import (
	"sync/atomic"
	"time"
)

// SessionState is the lifecycle state of a TradingSession.
type SessionState int32

const (
	SessionStarting SessionState = iota
	SessionActive
	SessionStopping
	SessionStopped
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionStarting:
		return "STARTING"
	case SessionActive:
		return "ACTIVE"
	case SessionStopping:
		return "STOPPING"
	case SessionStopped:
		return "STOPPED"
	case SessionFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var sessionTransitions = map[SessionState][]SessionState{
	SessionStarting: {SessionActive, SessionStopping, SessionFailed},
	SessionActive:   {SessionStopping, SessionFailed},
	SessionFailed:   {SessionStopping},
	SessionStopping: {SessionStopped},
}

// HealthStatus is the externally visible health of a session.
type HealthStatus string

const (
	HealthActive   HealthStatus = "ACTIVE"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthFailed   HealthStatus = "FAILED"
	HealthStopped  HealthStatus = "STOPPED"
)

// MarketSpec is the per-market configuration a session is started with.
type MarketSpec struct {
	Name         string        `yaml:"name"`
	Epic         string        `yaml:"epic"`
	StrategyName string        `yaml:"strategy_name"`
	Timeout      time.Duration `yaml:"-"`
	MaxSpread    float64       `yaml:"max_spread"`
	MinSize      float64       `yaml:"min_size"`
	RiskScale    float64       `yaml:"risk_scale"`
}

// StreamCredentials authenticate the streaming child process.
type StreamCredentials struct {
	CST       string
	XST       string
	AccountID string
	Endpoint  string
}

// SessionConfig is everything Start needs to run one market.
type SessionConfig struct {
	Market      MarketSpec
	Credentials StreamCredentials
}

// TradingSession is the runtime record of one market being traded.
type TradingSession struct {
	ID        string
	Market    string
	Epic      string
	StartedAt time.Time

	state atomic.Int32
}

// NewTradingSession returns a session in STARTING.
func NewTradingSession(id string, market MarketSpec, now time.Time) *TradingSession {
	return &TradingSession{ID: id, Market: market.Name, Epic: market.Epic, StartedAt: now}
}

// State returns the current state.
func (s *TradingSession) State() SessionState {
	return SessionState(s.state.Load())
}

// TransitionTo moves the session to next if allowed from the current state.
func (s *TradingSession) TransitionTo(next SessionState) bool {
	for {
		cur := s.State()
		allowed := false
		for _, candidate := range sessionTransitions[cur] {
			if candidate == next {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// HealthReport is a point-in-time view of a session.
type HealthReport struct {
	SessionID           string
	Market              string
	Status              HealthStatus
	State               SessionState
	StreamRestarts      int
	ConsecutiveFailures int
	LastHeartbeat       time.Time
	PendingSignals      int
	TrackedPositions    int
	LastError           string
}
