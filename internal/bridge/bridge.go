package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/metrics"
	"marketOpenBot/internal/ports"
	"marketOpenBot/internal/pricecache"

	"github.com/jpillora/backoff"
)

const (
	defaultHeartbeatTimeout = 30 * time.Second
	defaultRestartMin       = 500 * time.Millisecond
	defaultRestartMax       = 30 * time.Second
	defaultMaxFailures      = 5
	defaultFailureWindow    = 5 * time.Minute
	defaultUpdateBuffer     = 256
	maxLineSize             = 1 << 20
)

// State is the bridge's supervision state.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateRestarting
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	case StateRestarting:
		return "RESTARTING"
	case StateFailed:
		return "FAILED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config holds the restart policy and subscription for one bridge.
type Config struct {
	Market           string
	Subscription     ports.StreamSubscription
	HeartbeatTimeout time.Duration // No protocol message for this long restarts the worker
	RestartMin       time.Duration
	RestartMax       time.Duration
	MaxFailures      int // Failures within FailureWindow that escalate to FAILED
	FailureWindow    time.Duration
	UpdateBuffer     int
}

// Status is a snapshot of the bridge for health reporting.
type Status struct {
	State               State
	RestartCount        int
	ConsecutiveFailures int
	LastHeartbeat       time.Time
	Connected           bool
	Pid                 int
	LastError           error
}

// handle is the single live worker of a bridge. It is replaced, never shared.
type handle struct {
	worker        ports.StreamWorker
	startedAt     time.Time
	lastHeartbeat atomic.Int64 // unix nanos
	connected     atomic.Bool
	messages      atomic.Int64
	readers       sync.WaitGroup
	quit          chan struct{}
}

func (h *handle) beat(now time.Time) {
	h.lastHeartbeat.Store(now.UnixNano())
	h.messages.Add(1)
}

// Bridge owns the stream worker for one session and feeds its cache.
type Bridge struct {
	cfg     Config
	factory ports.StreamWorkerFactory
	cache   *pricecache.Cache
	candles *CandleAggregator
	journal ports.Journal
	logger  ports.Logger
	fields  map[string]interface{}
	updates chan domain.TradeUpdate
	now     func() time.Time

	mu           sync.Mutex
	current      *handle
	state        State
	restartCount int
	failures     []time.Time
	lastErr      error
	lastBeat     time.Time
}

// New creates a bridge. journal may be nil, in which case candles are only kept in memory.
func New(cfg Config, factory ports.StreamWorkerFactory, cache *pricecache.Cache, journal ports.Journal, logger ports.Logger) (*Bridge, error) {
	if factory == nil || cache == nil || logger == nil {
		return nil, fmt.Errorf("bridge: missing required dependencies: %w", ports.ErrConfigurationError)
	}
	if cfg.Subscription.Epic == "" {
		return nil, fmt.Errorf("bridge: epic is required: %w", ports.ErrConfigurationError)
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.RestartMin <= 0 {
		cfg.RestartMin = defaultRestartMin
	}
	if cfg.RestartMax < cfg.RestartMin {
		cfg.RestartMax = defaultRestartMax
		if cfg.RestartMax < cfg.RestartMin {
			cfg.RestartMax = cfg.RestartMin
		}
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = defaultFailureWindow
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = defaultUpdateBuffer
	}
	return &Bridge{
		cfg:     cfg,
		factory: factory,
		cache:   cache,
		candles: NewCandleAggregator(0),
		journal: journal,
		logger:  logger,
		fields:  map[string]interface{}{"market": cfg.Market, "epic": cfg.Subscription.Epic},
		updates: make(chan domain.TradeUpdate, cfg.UpdateBuffer),
		now:     time.Now,
	}, nil
}

// Updates delivers trade updates from the account channel.
func (b *Bridge) Updates() <-chan domain.TradeUpdate {
	return b.updates
}

// Candles returns completed minute candles for the session's epic, oldest first.
func (b *Bridge) Candles() []domain.Candle {
	return b.candles.History(b.cfg.Subscription.Epic)
}

// Status returns the current supervision status.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		State:               b.state,
		RestartCount:        b.restartCount,
		ConsecutiveFailures: b.recentFailures(b.now()),
		LastHeartbeat:       b.lastBeat,
		LastError:           b.lastErr,
	}
	if h := b.current; h != nil {
		if ns := h.lastHeartbeat.Load(); ns > 0 {
			st.LastHeartbeat = time.Unix(0, ns)
		}
		st.Connected = h.connected.Load()
		st.Pid = h.worker.Pid()
	}
	return st
}

func (b *Bridge) setState(s State, err error) {
	b.mu.Lock()
	b.state = s
	if err != nil {
		b.lastErr = err
	}
	b.mu.Unlock()
}

func (b *Bridge) withFields(extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(b.fields)+len(extra))
	for k, v := range b.fields {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

type endReason int

const (
	endCancelled endReason = iota
	endExited
	endHeartbeat
	endDisconnected
)

func (r endReason) String() string {
	switch r {
	case endCancelled:
		return "cancelled"
	case endExited:
		return "worker exited"
	case endHeartbeat:
		return "heartbeat timeout"
	case endDisconnected:
		return "stream disconnected"
	default:
		return "unknown"
	}
}

// Run supervises the worker until ctx is cancelled or the restart budget is spent.
// It returns nil on cancellation and an error wrapping ErrStreamFailed on permanent failure.
func (b *Bridge) Run(ctx context.Context) error {
	op := "Bridge.Run"
	defer b.flushCandles(context.WithoutCancel(ctx))
	defer close(b.updates)

	bo := &backoff.Backoff{Min: b.cfg.RestartMin, Max: b.cfg.RestartMax, Factor: 2, Jitter: true}

	for {
		if ctx.Err() != nil {
			b.setState(StateStopped, nil)
			return nil
		}

		b.setState(StateConnecting, nil)
		h, err := b.spawn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				b.setState(StateStopped, nil)
				return nil
			}
			if errors.Is(err, ports.ErrConfigurationError) {
				b.logger.Error(ctx, err, op+": Stream worker cannot start, not retrying", b.fields)
				b.setState(StateFailed, err)
				return fmt.Errorf("%s failed: %w: %w", op, ports.ErrStreamFailed, err)
			}
			b.logger.Warn(ctx, op+": Failed to spawn stream worker", b.withFields(map[string]interface{}{"error": err.Error()}))
		} else {
			reason := b.consume(ctx, h)
			b.retire(ctx, h)
			if reason == endCancelled || ctx.Err() != nil {
				b.setState(StateStopped, nil)
				return nil
			}
			err = fmt.Errorf("%w: %s", ports.ErrConnectivity, reason)
			b.logger.Warn(ctx, op+": Stream worker ended", b.withFields(map[string]interface{}{
				"reason": reason.String(), "uptime": b.now().Sub(h.startedAt).String(), "messages": h.messages.Load(),
			}))
			if b.now().Sub(h.startedAt) > b.cfg.FailureWindow {
				bo.Reset()
			}
		}

		if failed := b.recordFailure(err); failed {
			exhausted := fmt.Errorf("%s failed: %w: %d failures within %s: %w", op, ports.ErrStreamFailed, b.cfg.MaxFailures, b.cfg.FailureWindow, err)
			b.logger.Error(ctx, exhausted, op+": Restart budget exhausted, stream marked FAILED", b.fields)
			b.setState(StateFailed, exhausted)
			return exhausted
		}

		delay := bo.Duration()
		b.setState(StateRestarting, err)
		b.logger.Info(ctx, op+": Restarting stream worker", b.withFields(map[string]interface{}{"delay": delay.String()}))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			b.setState(StateStopped, nil)
			return nil
		}
		b.mu.Lock()
		b.restartCount++
		b.mu.Unlock()
		metrics.StreamRestart(b.cfg.Market)
	}
}

// recordFailure adds a failure, prunes those outside the window, and reports whether the budget is spent.
func (b *Bridge) recordFailure(err error) bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastErr = err
	b.recentFailures(now)
	b.failures = append(b.failures, now)
	return len(b.failures) >= b.cfg.MaxFailures
}

// recentFailures drops failures older than the window and returns how many remain.
// A FAILED bridge keeps the failures that exhausted it. Must be called with b.mu held.
func (b *Bridge) recentFailures(now time.Time) int {
	if b.state == StateFailed {
		return len(b.failures)
	}
	kept := b.failures[:0]
	for _, t := range b.failures {
		if now.Sub(t) <= b.cfg.FailureWindow {
			kept = append(kept, t)
		}
	}
	b.failures = kept
	return len(kept)
}

func (b *Bridge) spawn(ctx context.Context) (*handle, error) {
	w, err := b.factory.Spawn(ctx, b.cfg.Subscription)
	if err != nil {
		return nil, err
	}
	now := b.now()
	h := &handle{worker: w, startedAt: now, quit: make(chan struct{})}
	h.lastHeartbeat.Store(now.UnixNano())

	b.mu.Lock()
	b.current = h
	b.mu.Unlock()

	b.logger.Info(ctx, "Stream worker started", b.withFields(map[string]interface{}{"pid": w.Pid()}))
	return h, nil
}

// retire stops the worker, waits for it and its readers, and clears the live handle.
func (b *Bridge) retire(ctx context.Context, h *handle) {
	close(h.quit)
	if err := h.worker.Stop(); err != nil {
		b.logger.Debug(ctx, "Stream worker stop returned error", b.withFields(map[string]interface{}{"error": err.Error()}))
	}
	<-h.worker.Done()
	h.readers.Wait()

	b.mu.Lock()
	if ns := h.lastHeartbeat.Load(); ns > 0 {
		b.lastBeat = time.Unix(0, ns)
	}
	if b.current == h {
		b.current = nil
	}
	b.mu.Unlock()
}

func (b *Bridge) scan(h *handle, r io.Reader, out chan<- string) {
	defer h.readers.Done()
	defer close(out)
	if r == nil {
		return
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		select {
		case out <- sc.Text():
		case <-h.quit:
			return
		}
	}
}

// consume processes worker output until the worker must be replaced or ctx ends.
func (b *Bridge) consume(ctx context.Context, h *handle) endReason {
	lines := make(chan string, 64)
	diags := make(chan string, 16)
	h.readers.Add(2)
	go b.scan(h, h.worker.Output(), lines)
	go b.scan(h, h.worker.Diagnostics(), diags)

	timer := time.NewTimer(b.cfg.HeartbeatTimeout)
	defer timer.Stop()
	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.cfg.HeartbeatTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			return endCancelled
		case <-timer.C:
			return endHeartbeat
		case line, ok := <-diags:
			if !ok {
				diags = nil
				continue
			}
			if b.handleDiagnostic(ctx, h, line) {
				return endDisconnected
			}
		case line, ok := <-lines:
			if !ok {
				return endExited
			}
			reason, alive, done := b.handleLine(ctx, h, line)
			if alive {
				resetTimer()
			}
			if done {
				return reason
			}
		}
	}
}

// handleLine returns whether the line counted as a heartbeat and whether the worker must be replaced.
func (b *Bridge) handleLine(ctx context.Context, h *handle, line string) (endReason, bool, bool) {
	now := b.now()
	msg, err := Decode([]byte(line), now)
	if err != nil {
		metrics.Malformed(b.cfg.Market)
		b.logger.Warn(ctx, "Dropping malformed stream message", b.withFields(map[string]interface{}{"error": err.Error(), "line": truncate(line, 256)}))
		return 0, false, false
	}

	switch msg.Kind {
	case KindDiagnostic:
		return endDisconnected, false, b.handleDiagnostic(ctx, h, msg.Text)
	case KindPrice:
		h.beat(now)
		h.connected.Store(true)
		if b.cache.Update(msg.Tick) {
			metrics.Tick(b.cfg.Market)
		}
		if done, ok := b.candles.Add(msg.Tick); ok {
			b.saveCandle(ctx, done)
		}
	case KindTrade:
		h.beat(now)
		select {
		case b.updates <- msg.Trade:
		default:
			metrics.UpdateDropped(b.cfg.Market)
			b.logger.Warn(ctx, "Trade update queue full, dropping update", b.withFields(map[string]interface{}{"dealId": msg.Trade.DealID, "subtype": string(msg.Trade.Kind)}))
		}
	case KindStatus:
		h.beat(now)
		b.logger.Info(ctx, "Stream status", b.withFields(map[string]interface{}{"status": msg.Status}))
		switch msg.Status {
		case "CONNECTED":
			h.connected.Store(true)
			b.setState(StateStreaming, nil)
		case "DISCONNECTED":
			h.connected.Store(false)
			return endDisconnected, true, true
		}
	case KindHeartbeat:
		h.beat(now)
	default:
		h.beat(now)
		b.logger.Debug(ctx, "Ignoring unknown stream message type", b.withFields(map[string]interface{}{"type": msg.Type}))
	}
	if h.connected.Load() {
		b.mu.Lock()
		if b.state == StateConnecting {
			b.state = StateStreaming
		}
		b.mu.Unlock()
	}
	return 0, true, false
}

// handleDiagnostic logs a diagnostic line and reports whether it announced a disconnect.
func (b *Bridge) handleDiagnostic(ctx context.Context, h *handle, line string) bool {
	level, text, connected, disconnected := ClassifyDiagnostic(line)
	fields := b.withFields(map[string]interface{}{"pid": h.worker.Pid()})
	switch level {
	case "info":
		b.logger.Info(ctx, "[stream] "+text, fields)
	case "error":
		b.logger.Error(ctx, errors.New(text), "[stream] worker reported error", fields)
	default:
		b.logger.Debug(ctx, "[stream raw] "+text, fields)
	}
	if connected {
		h.connected.Store(true)
		b.setState(StateStreaming, nil)
	}
	if disconnected {
		h.connected.Store(false)
	}
	return disconnected
}

func (b *Bridge) saveCandle(ctx context.Context, c *domain.Candle) {
	if b.journal == nil || c == nil {
		return
	}
	if err := b.journal.SaveCandle(ctx, c); err != nil {
		b.logger.Error(ctx, err, "Failed to save candle", b.withFields(map[string]interface{}{"openTime": c.OpenTime}))
	}
}

func (b *Bridge) flushCandles(ctx context.Context) {
	for _, c := range b.candles.Flush() {
		b.saveCandle(ctx, &c)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
