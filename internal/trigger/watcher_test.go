package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"
	"marketOpenBot/internal/pricecache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEpic = "IX.D.FTSE.DAILY.IP"

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type placedOrder struct {
	signalID string
	side     domain.OrderSide
	price    float64
}

type mockPlacer struct {
	mu     sync.Mutex
	orders []placedOrder
	panics bool
}

func (m *mockPlacer) PlaceEntry(ctx context.Context, sig *domain.Signal, tick domain.PriceTick) error {
	if m.panics {
		panic("broker adapter exploded")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, placedOrder{signalID: sig.ID, side: sig.Action, price: tick.EntryPrice(sig.Action)})
	return nil
}

func (m *mockPlacer) placed() []placedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]placedOrder(nil), m.orders...)
}

type mockReevaluator struct {
	mu      sync.Mutex
	calls   int
	results []reevalResult
}

type reevalResult struct {
	sig *domain.Signal
	err error
}

func (m *mockReevaluator) Reevaluate(ctx context.Context, expired *domain.Signal) (*domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.results) == 0 {
		return nil, ports.ErrNoTrade
	}
	r := m.results[0]
	m.results = m.results[1:]
	return r.sig, r.err
}

func (m *mockReevaluator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockAlerter struct {
	count atomic.Int32
}

func (m *mockAlerter) Alert(ctx context.Context, title, message string, priority ports.AlertPriority) error {
	m.count.Add(1)
	return nil
}

func newWatcher(t *testing.T, cfg Config, placer OrderPlacer, reeval Reevaluator, alerter ports.Alerter) *Watcher {
	t.Helper()
	if cfg.Epic == "" {
		cfg.Epic = testEpic
	}
	cfg.Market = "london"
	w, err := New(cfg, placer, reeval, alerter, &mockLogger{}, nil)
	require.NoError(t, err)
	return w
}

func breakout(id string, side domain.OrderSide, trigger float64, validFor time.Duration) *domain.Signal {
	return &domain.Signal{
		ID:           id,
		Epic:         testEpic,
		Action:       side,
		EntryType:    domain.EntryBreakout,
		TriggerPrice: trigger,
		StopLoss:     trigger - 50,
		ValidUntil:   time.Now().Add(validFor),
	}
}

// quote builds a tick with a one point spread where the side's entry price is p.
func quote(side domain.OrderSide, p float64) domain.PriceTick {
	if side == domain.Buy {
		return domain.PriceTick{Epic: testEpic, Bid: p - 1, Offer: p, Timestamp: time.Now()}
	}
	return domain.PriceTick{Epic: testEpic, Bid: p, Offer: p + 1, Timestamp: time.Now()}
}

func TestWatch_Validation(t *testing.T) {
	w := newWatcher(t, Config{}, &mockPlacer{}, &mockReevaluator{}, nil)

	tests := []struct {
		name    string
		sig     func() *domain.Signal
		wantErr error
	}{
		{"nil", func() *domain.Signal { return nil }, ports.ErrInvalidRequest},
		{"bad action", func() *domain.Signal { s := breakout("a", "HOLD", 1, time.Hour); return s }, ports.ErrInvalidRequest},
		{"bad entry type", func() *domain.Signal { s := breakout("b", domain.Buy, 1, time.Hour); s.EntryType = "LIMIT"; return s }, ports.ErrInvalidRequest},
		{"no trigger", func() *domain.Signal { return breakout("c", domain.Buy, 0, time.Hour) }, ports.ErrInvalidRequest},
		{"other epic", func() *domain.Signal { s := breakout("d", domain.Buy, 1, time.Hour); s.Epic = "X"; return s }, ports.ErrInvalidRequest},
		{"already expired", func() *domain.Signal { return breakout("e", domain.Buy, 1, -time.Second) }, ports.ErrInvalidRequest},
		{"already triggered", func() *domain.Signal { s := breakout("f", domain.Buy, 1, time.Hour); s.Claim(); return s }, ports.ErrInvariantViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, w.Watch(tt.sig()), tt.wantErr)
		})
	}
	assert.Equal(t, 0, w.Pending())

	require.NoError(t, w.Watch(breakout("ok", domain.Buy, 1, time.Hour)))
	assert.ErrorIs(t, w.Watch(breakout("ok", domain.Buy, 1, time.Hour)), ports.ErrInvalidRequest, "duplicate id")
}

func TestEvaluate_BreakoutFiresOnceAtCrossingTick(t *testing.T) {
	placer := &mockPlacer{}
	w := newWatcher(t, Config{}, placer, &mockReevaluator{}, nil)
	sig := breakout("s1", domain.Buy, 7500, 30*time.Minute)
	require.NoError(t, w.Watch(sig))

	ctx := context.Background()
	for _, p := range []float64{7498, 7499, 7501} {
		w.Evaluate(ctx, quote(domain.Buy, p))
	}
	w.Evaluate(ctx, quote(domain.Buy, 7503))
	w.Wait()

	orders := placer.placed()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.Buy, orders[0].side)
	assert.Equal(t, 7501.0, orders[0].price)
	assert.Equal(t, domain.SignalTriggered, sig.State())
	assert.Equal(t, 0, w.Pending())
}

func TestEvaluate_SellBreakoutUsesBid(t *testing.T) {
	placer := &mockPlacer{}
	w := newWatcher(t, Config{}, placer, &mockReevaluator{}, nil)
	require.NoError(t, w.Watch(breakout("s1", domain.Sell, 7500, time.Hour)))

	w.Evaluate(context.Background(), domain.PriceTick{Epic: testEpic, Bid: 7500.5, Offer: 7499.5 + 1})
	w.Evaluate(context.Background(), domain.PriceTick{Epic: testEpic, Bid: 7500, Offer: 7501})
	w.Wait()

	orders := placer.placed()
	require.Len(t, orders, 1)
	assert.Equal(t, 7500.0, orders[0].price)
}

func TestEvaluate_ConcurrentSingleFire(t *testing.T) {
	placer := &mockPlacer{}
	w := newWatcher(t, Config{}, placer, &mockReevaluator{}, nil)
	sig := breakout("race", domain.Buy, 7500, time.Hour)
	require.NoError(t, w.Watch(sig))

	const n = 64
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			w.Evaluate(context.Background(), quote(domain.Buy, 7505))
		}()
	}
	close(start)
	wg.Wait()
	w.Wait()

	assert.Len(t, placer.placed(), 1)
	assert.Equal(t, domain.SignalTriggered, sig.State())
}

func TestEvaluate_Pullback(t *testing.T) {
	placer := &mockPlacer{}
	w := newWatcher(t, Config{}, placer, &mockReevaluator{}, nil)
	sig := breakout("pb", domain.Buy, 7500, time.Hour)
	sig.EntryType = domain.EntryPullback
	require.NoError(t, w.Watch(sig))

	ctx := context.Background()
	w.Evaluate(ctx, quote(domain.Buy, 7495)) // Below trigger, not yet armed
	w.Evaluate(ctx, quote(domain.Buy, 7498))
	w.Wait()
	assert.Empty(t, placer.placed())

	w.Evaluate(ctx, quote(domain.Buy, 7510)) // Runs away, arms
	w.Evaluate(ctx, quote(domain.Buy, 7504))
	w.Wait()
	assert.Empty(t, placer.placed())

	w.Evaluate(ctx, quote(domain.Buy, 7500)) // Retraces to trigger
	w.Wait()
	require.Len(t, placer.placed(), 1)
	assert.Equal(t, 7500.0, placer.placed()[0].price)
}

func TestEvaluate_Filters(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		mutate    func(s *domain.Signal)
		tick      domain.PriceTick
		wantFired bool
	}{
		{
			name:      "spread too wide",
			cfg:       Config{MaxSpread: 2},
			tick:      domain.PriceTick{Epic: testEpic, Bid: 7497, Offer: 7501},
			wantFired: false,
		},
		{
			name:      "spread within limit",
			cfg:       Config{MaxSpread: 2},
			tick:      domain.PriceTick{Epic: testEpic, Bid: 7500, Offer: 7501},
			wantFired: true,
		},
		{
			name: "over-extended",
			mutate: func(s *domain.Signal) {
				s.NoChase = domain.NoChaseFilter{Reference: 7480, Unit: 10, MaxMultiple: 1.5}
			},
			tick:      quote(domain.Buy, 7501),
			wantFired: false,
		},
		{
			name: "within chase limit",
			mutate: func(s *domain.Signal) {
				s.NoChase = domain.NoChaseFilter{Reference: 7490, Unit: 10, MaxMultiple: 1.5}
			},
			tick:      quote(domain.Buy, 7501),
			wantFired: true,
		},
		{
			name:      "market not tradeable",
			tick:      domain.PriceTick{Epic: testEpic, Bid: 7500, Offer: 7501, MarketState: "EDIT"},
			wantFired: false,
		},
		{
			name:      "other epic",
			tick:      domain.PriceTick{Epic: "IX.D.DAX.DAILY.IP", Bid: 7500, Offer: 7501},
			wantFired: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			placer := &mockPlacer{}
			w := newWatcher(t, tt.cfg, placer, &mockReevaluator{}, nil)
			sig := breakout("f", domain.Buy, 7500, time.Hour)
			if tt.mutate != nil {
				tt.mutate(sig)
			}
			require.NoError(t, w.Watch(sig))
			w.Evaluate(context.Background(), tt.tick)
			w.Wait()

			if tt.wantFired {
				assert.Len(t, placer.placed(), 1)
				assert.Equal(t, domain.SignalTriggered, sig.State())
			} else {
				assert.Empty(t, placer.placed())
				assert.Equal(t, domain.SignalPendingWatch, sig.State(), "skipped signals keep watching")
			}
		})
	}
}

func TestExpiry_SingleReevaluationAndStaleCannotFire(t *testing.T) {
	placer := &mockPlacer{}
	reeval := &mockReevaluator{}
	w := newWatcher(t, Config{}, placer, reeval, nil)
	sig := breakout("old", domain.Buy, 7500, time.Hour)
	require.NoError(t, w.Watch(sig))

	clock := time.Now().Add(2 * time.Hour)
	w.now = func() time.Time { return clock }

	ctx := context.Background()
	w.SweepExpired(ctx)
	w.SweepExpired(ctx)
	w.Evaluate(ctx, quote(domain.Buy, 7600)) // Late tick that would have triggered
	w.Wait()

	assert.Equal(t, 1, reeval.Calls())
	assert.Equal(t, domain.SignalCancelled, sig.State())
	assert.Empty(t, placer.placed())
	assert.False(t, sig.Claim(), "a cancelled signal can never be claimed")
}

func TestExpiry_ReplacementIsWatched(t *testing.T) {
	placer := &mockPlacer{}
	replacement := breakout("new", domain.Buy, 7550, 3*time.Hour)
	reeval := &mockReevaluator{results: []reevalResult{{sig: replacement}}}
	w := newWatcher(t, Config{}, placer, reeval, nil)
	old := breakout("old", domain.Buy, 7500, time.Hour)
	require.NoError(t, w.Watch(old))

	w.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	ctx := context.Background()
	w.Evaluate(ctx, quote(domain.Buy, 7520))
	w.Wait()

	assert.Equal(t, domain.SignalCancelled, old.State())
	assert.Equal(t, domain.SignalPendingWatch, replacement.State())
	assert.Equal(t, 1, w.Pending())

	w.Evaluate(ctx, quote(domain.Buy, 7551))
	w.Wait()
	orders := placer.placed()
	require.Len(t, orders, 1)
	assert.Equal(t, "new", orders[0].signalID)
}

func TestExpiry_GeneratorExhaustedCoolsDownAndAlerts(t *testing.T) {
	failure := errors.Join(ports.ErrSignalGeneration, errors.New("analyst down"))
	reeval := &mockReevaluator{results: []reevalResult{{err: failure}, {err: failure}}}
	alerter := &mockAlerter{}
	w := newWatcher(t, Config{Cooldown: time.Millisecond, MaxCooldowns: 3}, &mockPlacer{}, reeval, alerter)
	sig := breakout("old", domain.Buy, 7500, time.Hour)
	require.NoError(t, w.Watch(sig))

	w.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	w.SweepExpired(context.Background())
	w.Wait()

	assert.Equal(t, 3, reeval.Calls(), "two failures then a no-trade answer")
	assert.Equal(t, int32(2), alerter.count.Load())
	assert.Equal(t, domain.SignalCancelled, sig.State())
}

func TestHalt_CancelsPendingAndBlocksFiring(t *testing.T) {
	placer := &mockPlacer{}
	w := newWatcher(t, Config{}, placer, &mockReevaluator{}, nil)
	a := breakout("a", domain.Buy, 7500, time.Hour)
	b := breakout("b", domain.Sell, 7400, time.Hour)
	require.NoError(t, w.Watch(a))
	require.NoError(t, w.Watch(b))

	assert.Equal(t, 2, w.Halt())
	w.Evaluate(context.Background(), quote(domain.Buy, 7600))
	w.Wait()

	assert.Empty(t, placer.placed())
	assert.Equal(t, domain.SignalCancelled, a.State())
	assert.Equal(t, domain.SignalCancelled, b.State())
	assert.ErrorIs(t, w.Watch(breakout("c", domain.Buy, 1, time.Hour)), ports.ErrSessionStopping)
}

func TestEvaluate_PlacerPanicIsContained(t *testing.T) {
	var faults atomic.Int32
	w, err := New(Config{Market: "london", Epic: testEpic}, &mockPlacer{panics: true}, &mockReevaluator{}, nil, &mockLogger{},
		func(err error) {
			assert.ErrorIs(t, err, ports.ErrInvariantViolation)
			faults.Add(1)
		})
	require.NoError(t, err)
	require.NoError(t, w.Watch(breakout("p", domain.Buy, 7500, time.Hour)))

	w.Evaluate(context.Background(), quote(domain.Buy, 7501))
	w.Wait()
	assert.Equal(t, int32(1), faults.Load())
}

func TestRun_EvaluatesOnCacheUpdates(t *testing.T) {
	placer := &mockPlacer{}
	w := newWatcher(t, Config{SweepInterval: 10 * time.Millisecond}, placer, &mockReevaluator{}, nil)
	require.NoError(t, w.Watch(breakout("r", domain.Buy, 7500, time.Hour)))

	cache := pricecache.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, cache)
		close(done)
	}()

	cache.Update(quote(domain.Buy, 7499))
	time.Sleep(20 * time.Millisecond)
	cache.Update(domain.PriceTick{Epic: testEpic, Bid: 7501, Offer: 7502, Timestamp: time.Now().Add(time.Second)})

	require.Eventually(t, func() bool { return len(placer.placed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	w.Wait()
}
