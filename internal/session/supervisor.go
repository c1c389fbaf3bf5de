// Package session runs one trading session per market: a price stream bridge, the trigger
// watcher and the stop engine, started and stopped as a unit. A fault inside one session
// marks that session FAILED and never reaches the others.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"marketOpenBot/internal/bridge"
	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/metrics"
	"marketOpenBot/internal/ports"
	"marketOpenBot/internal/pricecache"
	"marketOpenBot/internal/retry"
	"marketOpenBot/internal/risk"
	"marketOpenBot/internal/stopengine"
	"marketOpenBot/internal/trigger"

	"github.com/google/uuid"
)

const (
	defaultFirstTickWait  = 10 * time.Second
	defaultHistoryCandles = 120
)

// Config holds the settings shared by every session the supervisor starts.
type Config struct {
	HeartbeatTimeout   time.Duration
	RestartMin         time.Duration
	RestartMax         time.Duration
	MaxRestartFailures int
	FailureWindow      time.Duration
	PollInterval       time.Duration
	MaxMonitorDuration time.Duration
	SignalRetry        retry.Policy
	Cooldown           time.Duration
	MaxCooldowns       int
	SweepInterval      time.Duration
	FirstTickWait      time.Duration // How long the first signal request waits for a quote
	HistoryCandles     int
}

// Deps are the collaborators shared by all sessions. Journal, Alerter, Generator and ATR may be nil.
type Deps struct {
	Streams   ports.StreamWorkerFactory
	Broker    ports.Broker
	Generator ports.SignalGenerator
	Journal   ports.Journal
	Alerter   ports.Alerter
	Risk      *risk.RiskManager
	ATR       ATRSource
	Logger    ports.Logger
}

// Handle is the caller's reference to a running session.
type Handle struct {
	session *domain.TradingSession
	spec    domain.MarketSpec
	cache   *pricecache.Cache
	bridge  *bridge.Bridge
	watcher *trigger.Watcher
	engine  *stopengine.Engine
	exec    *executor
	signals *signalSource
	fields  map[string]interface{}

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}

	mu        sync.Mutex
	lastFault error
}

// ID returns the session id.
func (h *Handle) ID() string { return h.session.ID }

// Market returns the market name.
func (h *Handle) Market() string { return h.spec.Name }

// State returns the session lifecycle state.
func (h *Handle) State() domain.SessionState { return h.session.State() }

// Prices returns the session's price cache.
func (h *Handle) Prices() *pricecache.Cache { return h.cache }

// Done is closed once the session is STOPPED.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) withFields(extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(h.fields)+len(extra))
	for k, v := range h.fields {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (h *Handle) fault() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastFault
}

// Supervisor owns the lifecycle of every session, at most one per market.
type Supervisor struct {
	cfg    Config
	deps   Deps
	logger ports.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Handle
}

// NewSupervisor validates deps and applies defaults to cfg.
func NewSupervisor(cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Streams == nil || deps.Broker == nil || deps.Risk == nil || deps.Logger == nil {
		return nil, fmt.Errorf("session supervisor: missing required dependencies: %w", ports.ErrConfigurationError)
	}
	if cfg.SignalRetry.Attempts <= 0 {
		cfg.SignalRetry = retry.DefaultPolicy
	}
	if cfg.FirstTickWait <= 0 {
		cfg.FirstTickWait = defaultFirstTickWait
	}
	if cfg.HistoryCandles <= 0 {
		cfg.HistoryCandles = defaultHistoryCandles
	}
	return &Supervisor{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		now:      time.Now,
		sessions: make(map[string]*Handle),
	}, nil
}

// Start launches a session for sc.Market. The session outlives ctx; end it with Stop.
// A market that already has a session gets ErrMarketBusy.
func (s *Supervisor) Start(ctx context.Context, sc domain.SessionConfig) (*Handle, error) {
	op := "Start"
	if sc.Market.Name == "" || sc.Market.Epic == "" {
		return nil, fmt.Errorf("%s failed: %w: market name and epic are required", op, ports.ErrConfigurationError)
	}

	s.mu.Lock()
	if cur, busy := s.sessions[sc.Market.Name]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s failed: %w: %s has session %s (%s)", op, ports.ErrMarketBusy, sc.Market.Name, cur.ID(), cur.State())
	}
	h, err := s.build(sc)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	s.sessions[sc.Market.Name] = h
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	metrics.SessionState(h.spec.Name, domain.SessionStarting)

	s.goSafe(runCtx, h, "price stream", func(ctx context.Context) {
		if err := h.bridge.Run(ctx); err != nil {
			s.onFault(h, err)
		}
	})
	s.goSafe(runCtx, h, "trigger watcher", func(ctx context.Context) { h.watcher.Run(ctx, h.cache) })
	s.goSafe(runCtx, h, "stop engine", func(ctx context.Context) { h.engine.Run(ctx, h.cache, h.bridge.Updates()) })

	if h.session.TransitionTo(domain.SessionActive) {
		metrics.SessionState(h.spec.Name, domain.SessionActive)
	}
	s.logger.Info(ctx, "Session started", h.withFields(map[string]interface{}{"timeout": h.spec.Timeout.String()}))
	s.alert(ctx, h, "Session started", fmt.Sprintf("%s session %s watching %s", h.spec.Name, h.ID(), h.spec.Epic), ports.AlertInfo)

	if s.deps.Generator != nil {
		s.goSafe(runCtx, h, "initial signal", func(ctx context.Context) { s.seed(ctx, h) })
	}
	return h, nil
}

func (s *Supervisor) build(sc domain.SessionConfig) (*Handle, error) {
	m := sc.Market
	id := uuid.NewString()
	h := &Handle{
		session: domain.NewTradingSession(id, m, s.now()),
		spec:    m,
		cache:   pricecache.New(),
		fields:  map[string]interface{}{"market": m.Name, "epic": m.Epic, "sessionId": id},
		done:    make(chan struct{}),
	}
	onFault := func(err error) { s.onFault(h, err) }

	sub := ports.StreamSubscription{
		Epic:      m.Epic,
		CST:       sc.Credentials.CST,
		XST:       sc.Credentials.XST,
		AccountID: sc.Credentials.AccountID,
		Endpoint:  sc.Credentials.Endpoint,
	}
	br, err := bridge.New(bridge.Config{
		Market:           m.Name,
		Subscription:     sub,
		HeartbeatTimeout: s.cfg.HeartbeatTimeout,
		RestartMin:       s.cfg.RestartMin,
		RestartMax:       s.cfg.RestartMax,
		MaxFailures:      s.cfg.MaxRestartFailures,
		FailureWindow:    s.cfg.FailureWindow,
	}, s.deps.Streams, h.cache, s.deps.Journal, s.deps.Logger)
	if err != nil {
		return nil, err
	}
	h.bridge = br

	h.exec = &executor{
		market:    m,
		sessionID: id,
		broker:    s.deps.Broker,
		risk:      s.deps.Risk,
		journal:   s.deps.Journal,
		alerter:   s.deps.Alerter,
		logger:    s.deps.Logger,
		policy:    retry.DefaultPolicy,
		fields:    h.fields,
		now:       s.now,
		open:      make(map[string]openTrade),
	}
	engine, err := stopengine.New(stopengine.Config{
		Market:             m.Name,
		Epic:               m.Epic,
		PollInterval:       s.cfg.PollInterval,
		MaxMonitorDuration: s.cfg.MaxMonitorDuration,
	}, id, s.deps.Broker, &sessionJournal{next: s.deps.Journal, onClosed: h.exec.positionClosed}, s.deps.Alerter, s.deps.Logger, onFault)
	if err != nil {
		return nil, err
	}
	h.engine = engine
	h.exec.tracker = engine

	h.signals = &signalSource{
		spec:      m,
		sessionID: id,
		generator: s.deps.Generator,
		atr:       s.deps.ATR,
		prices:    h.cache,
		live:      br.Candles,
		journal:   s.deps.Journal,
		logger:    s.deps.Logger,
		policy:    s.cfg.SignalRetry,
		allow:     h.exec.allow,
		validate:  s.deps.Risk.ValidateSignal,
		limit:     s.cfg.HistoryCandles,
		fields:    h.fields,
		now:       s.now,
	}
	watcher, err := trigger.New(trigger.Config{
		Market:        m.Name,
		Epic:          m.Epic,
		MaxSpread:     m.MaxSpread,
		Cooldown:      s.cfg.Cooldown,
		MaxCooldowns:  s.cfg.MaxCooldowns,
		SweepInterval: s.cfg.SweepInterval,
	}, h.exec, h.signals, s.deps.Alerter, s.deps.Logger, onFault)
	if err != nil {
		return nil, err
	}
	h.watcher = watcher
	return h, nil
}

// seed asks the generator for the session's first signal once a quote is available.
func (s *Supervisor) seed(ctx context.Context, h *Handle) {
	h.signals.loadHistory(ctx)
	s.waitFirstTick(ctx, h)
	if ctx.Err() != nil {
		return
	}

	sig, err := h.signals.generate(ctx, nil)
	switch {
	case errors.Is(err, ports.ErrNoTrade):
		s.logger.Info(ctx, "No trade for this session", h.fields)
		return
	case errors.Is(err, ports.ErrSessionStopping) || ctx.Err() != nil:
		return
	case err != nil:
		s.logger.Error(ctx, err, "Initial signal request failed", h.fields)
		s.alert(ctx, h, "Signal generation unavailable", fmt.Sprintf("%s: no initial signal: %v", h.spec.Name, err), ports.AlertWarning)
		return
	}
	if err := h.watcher.Watch(sig); err != nil {
		sig.Cancel()
		s.logger.Warn(ctx, "Initial signal rejected", h.withFields(map[string]interface{}{"signalId": sig.ID, "error": err.Error()}))
	}
}

func (s *Supervisor) waitFirstTick(ctx context.Context, h *Handle) {
	notify, unsubscribe := h.cache.Subscribe()
	defer unsubscribe()
	deadline := time.NewTimer(s.cfg.FirstTickWait)
	defer deadline.Stop()
	for {
		if _, ok := h.cache.Snapshot(h.spec.Epic); ok {
			return
		}
		select {
		case <-notify:
		case <-deadline.C:
			s.logger.Warn(ctx, "No quote before first signal request", h.withFields(map[string]interface{}{"waited": s.cfg.FirstTickWait.String()}))
			return
		case <-ctx.Done():
			return
		}
	}
}

// Submit journals and watches a signal supplied from outside the generator.
func (s *Supervisor) Submit(ctx context.Context, h *Handle, sig *domain.Signal) error {
	op := "Submit"
	if h == nil || sig == nil {
		return fmt.Errorf("%s failed: %w", op, ports.ErrInvalidRequest)
	}
	if !h.exec.allow() {
		return fmt.Errorf("%s failed: %w", op, ports.ErrSessionStopping)
	}
	h.signals.prepare(ctx, sig, h.signals.candles())
	if err := h.signals.check(ctx, sig); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if err := h.watcher.Watch(sig); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	h.signals.issued(ctx, sig)
	return nil
}

// onFault marks h FAILED, stops new entries and raises a critical alert. Open positions stay
// with the stop engine, which keeps polling the broker.
func (s *Supervisor) onFault(h *Handle, err error) {
	h.mu.Lock()
	h.lastFault = err
	h.mu.Unlock()
	if !h.session.TransitionTo(domain.SessionFailed) {
		return
	}
	metrics.SessionState(h.spec.Name, domain.SessionFailed)

	ctx := context.Background()
	h.exec.halt()
	cancelled := h.watcher.Halt()
	s.logger.Error(ctx, err, "Session FAILED", h.withFields(map[string]interface{}{"cancelledSignals": cancelled}))

	msg := fmt.Sprintf("%s session %s failed: %v", h.spec.Name, h.ID(), err)
	if open := h.engine.Positions(); len(open) > 0 {
		msg += "; open positions: " + describePositions(open)
	}
	s.alert(ctx, h, "Session FAILED", msg, ports.AlertCritical)
}

func (s *Supervisor) goSafe(ctx context.Context, h *Handle, what string, fn func(ctx context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("%w: panic in %s: %v", ports.ErrInvariantViolation, what, r)
				s.logger.Error(ctx, err, "Recovered panic in session", h.withFields(map[string]interface{}{"stack": string(debug.Stack())}))
				s.onFault(h, err)
			}
		}()
		fn(ctx)
	}()
}

// Stop ends the session: no entry or stop modification is issued afterwards, the stream
// worker is terminated, every session goroutine is joined and pending signals are cancelled.
// It is safe to call more than once; ctx only bounds how long the caller waits.
func (s *Supervisor) Stop(ctx context.Context, h *Handle) error {
	op := "Stop"
	if h == nil {
		return fmt.Errorf("%s failed: %w", op, ports.ErrSessionNotFound)
	}
	h.stopOnce.Do(func() { go s.stop(h) })
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrTimeout, ctx.Err())
	}
}

func (s *Supervisor) stop(h *Handle) {
	defer close(h.done)
	ctx := context.Background()
	if h.session.TransitionTo(domain.SessionStopping) {
		metrics.SessionState(h.spec.Name, domain.SessionStopping)
	}
	s.logger.Info(ctx, "Stopping session", h.fields)

	h.exec.halt()
	cancelled := h.watcher.Halt()
	open := h.engine.Halt()
	h.cancel()
	h.wg.Wait()
	h.watcher.Wait()
	cancelled += h.watcher.CancelAll()

	h.session.TransitionTo(domain.SessionStopped)
	metrics.SessionState(h.spec.Name, domain.SessionStopped)
	s.mu.Lock()
	if s.sessions[h.spec.Name] == h {
		delete(s.sessions, h.spec.Name)
	}
	s.mu.Unlock()

	detail := fmt.Sprintf("cancelled %d signals, %d open positions", cancelled, len(open))
	if s.deps.Journal != nil {
		if _, err := s.deps.Journal.Append(ctx, &domain.JournalRecord{
			SessionID: h.ID(),
			Kind:      domain.JournalSessionStopped,
			Market:    h.spec.Name,
			Epic:      h.spec.Epic,
			Detail:    detail,
			CreatedAt: s.now(),
		}); err != nil {
			s.logger.Error(ctx, err, "Failed to journal record", h.withFields(map[string]interface{}{"kind": string(domain.JournalSessionStopped)}))
		}
	}
	s.logger.Info(ctx, "Session stopped", h.withFields(map[string]interface{}{"cancelledSignals": cancelled, "openPositions": len(open)}))

	if len(open) > 0 {
		s.alert(ctx, h, "Session stopped with open positions",
			fmt.Sprintf("%s: %s are no longer monitored; broker-side stops remain", h.spec.Name, describePositions(open)), ports.AlertCritical)
		return
	}
	s.alert(ctx, h, "Session stopped", fmt.Sprintf("%s session %s: %s", h.spec.Name, h.ID(), detail), ports.AlertInfo)
}

// StopAll stops every running session concurrently.
func (s *Supervisor) StopAll(ctx context.Context) error {
	handles := s.Sessions()
	errs := make([]error, len(handles))
	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h *Handle) {
			defer wg.Done()
			errs[i] = s.Stop(ctx, h)
		}(i, h)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Sessions returns the sessions that have not been stopped.
func (s *Supervisor) Sessions() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.sessions))
	for _, h := range s.sessions {
		out = append(out, h)
	}
	return out
}

// Snapshot returns the latest quote for epic from whichever running session streams it.
func (s *Supervisor) Snapshot(epic string) (domain.PriceTick, bool) {
	for _, h := range s.Sessions() {
		if h.spec.Epic != epic {
			continue
		}
		if tick, ok := h.cache.Snapshot(epic); ok {
			return tick, true
		}
	}
	return domain.PriceTick{}, false
}

// Health reports the session's status from its lifecycle state, the bridge's restart
// history and the age of the last stream message.
func (s *Supervisor) Health(h *Handle) domain.HealthReport {
	st := h.bridge.Status()
	state := h.session.State()
	rep := domain.HealthReport{
		SessionID:           h.ID(),
		Market:              h.spec.Name,
		State:               state,
		StreamRestarts:      st.RestartCount,
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastHeartbeat:       st.LastHeartbeat,
		PendingSignals:      h.watcher.Pending(),
		TrackedPositions:    len(h.engine.Positions()),
	}
	if err := h.fault(); err != nil {
		rep.LastError = err.Error()
	} else if st.LastError != nil {
		rep.LastError = st.LastError.Error()
	}

	switch {
	case state == domain.SessionStopping || state == domain.SessionStopped:
		rep.Status = domain.HealthStopped
	case state == domain.SessionFailed || st.State == bridge.StateFailed:
		rep.Status = domain.HealthFailed
	case st.State != bridge.StateStreaming || st.ConsecutiveFailures > 0:
		rep.Status = domain.HealthDegraded
	default:
		rep.Status = domain.HealthActive
		last := st.LastHeartbeat
		if last.IsZero() {
			last = h.session.StartedAt
		}
		if s.cfg.HeartbeatTimeout > 0 && s.now().Sub(last) > s.cfg.HeartbeatTimeout {
			rep.Status = domain.HealthDegraded
		}
	}
	return rep
}

func (s *Supervisor) alert(ctx context.Context, h *Handle, title, msg string, p ports.AlertPriority) {
	if s.deps.Alerter == nil {
		return
	}
	if err := s.deps.Alerter.Alert(ctx, title, msg, p); err != nil {
		s.logger.Warn(ctx, "Failed to send alert", h.withFields(map[string]interface{}{"error": err.Error()}))
	}
}

func describePositions(open []domain.OpenPosition) string {
	parts := make([]string, 0, len(open))
	for _, p := range open {
		parts = append(parts, fmt.Sprintf("%s %s %.2f@%.2f stop %.2f", p.DealID, p.Side, p.SizeUnits, p.EntryPrice, p.CurrentStopLevel))
	}
	return strings.Join(parts, ", ")
}
