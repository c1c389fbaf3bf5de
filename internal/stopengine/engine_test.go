package stopengine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"

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

// mockBroker keeps a broker-side stop per deal and lets tests inject failures.
type mockBroker struct {
	mu          sync.Mutex
	stops       map[string]float64
	bid, offer  float64
	modifyCalls []float64
	modifyErrs  []error // consumed in order before a modify succeeds
	getErr      error
	closed      bool
}

func newMockBroker(dealID string, stop float64) *mockBroker {
	return &mockBroker{stops: map[string]float64{dealID: stop}}
}

func (m *mockBroker) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderConfirmation, error) {
	return nil, ports.ErrInvalidRequest
}

func (m *mockBroker) GetPosition(ctx context.Context, dealID string) (*ports.PositionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.closed {
		return nil, ports.ErrPositionNotFound
	}
	return &ports.PositionStatus{DealID: dealID, StopLevel: m.stops[dealID], Bid: m.bid, Offer: m.offer}, nil
}

func (m *mockBroker) ModifyStop(ctx context.Context, dealID string, level float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modifyCalls = append(m.modifyCalls, level)
	if len(m.modifyErrs) > 0 {
		err := m.modifyErrs[0]
		m.modifyErrs = m.modifyErrs[1:]
		if err != nil {
			return err
		}
	}
	m.stops[dealID] = level
	return nil
}

func (m *mockBroker) GetAccount(ctx context.Context) (*ports.AccountInfo, error) {
	return &ports.AccountInfo{Balance: 10000, Available: 10000}, nil
}

func (m *mockBroker) setStop(dealID string, stop float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops[dealID] = stop
}

func (m *mockBroker) setQuote(bid, offer float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bid, m.offer = bid, offer
}

func (m *mockBroker) calls() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.modifyCalls...)
}

type reauthBroker struct {
	*mockBroker
	reauths atomic.Int32
}

func (r *reauthBroker) Reauthenticate(ctx context.Context) error {
	r.reauths.Add(1)
	return nil
}

type mockJournal struct {
	mu      sync.Mutex
	records []domain.JournalRecord
}

func (j *mockJournal) Append(ctx context.Context, rec *domain.JournalRecord) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, *rec)
	return int64(len(j.records)), nil
}
func (j *mockJournal) SaveCandle(ctx context.Context, c *domain.Candle) error { return nil }
func (j *mockJournal) FindBySession(ctx context.Context, sessionID string) ([]*domain.JournalRecord, error) {
	return nil, nil
}
func (j *mockJournal) Close() error { return nil }

func (j *mockJournal) kinds() []domain.JournalKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]domain.JournalKind, 0, len(j.records))
	for _, r := range j.records {
		out = append(out, r.Kind)
	}
	return out
}

type mockAlerter struct {
	mu         sync.Mutex
	titles     []string
	priorities []ports.AlertPriority
}

func (m *mockAlerter) Alert(ctx context.Context, title, message string, priority ports.AlertPriority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titles = append(m.titles, title)
	m.priorities = append(m.priorities, priority)
	return nil
}

func (m *mockAlerter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.titles)
}

func longPosition() domain.OpenPosition {
	return domain.OpenPosition{
		DealID:      "DEAL1",
		Epic:        testEpic,
		Side:        domain.Buy,
		EntryPrice:  7500,
		SizeUnits:   1,
		InitialStop: 7450,
		ATR:         20,
		Trailing:    domain.TrailingConfig{BreakevenTriggerR: 1.5},
	}
}

func newEngine(t *testing.T, broker ports.Broker, journal ports.Journal, alerter ports.Alerter) *Engine {
	t.Helper()
	e, err := New(Config{Market: "london", Epic: testEpic}, "sess-1", broker, journal, alerter, &mockLogger{}, nil)
	require.NoError(t, err)
	return e
}

func bidTick(bid float64) domain.PriceTick {
	return domain.PriceTick{Epic: testEpic, Bid: bid, Offer: bid + 1, Timestamp: time.Now()}
}

func TestCandidate(t *testing.T) {
	trailing := domain.TrailingConfig{Enabled: true, ActivationATR: 1, DistanceATR: 1.5}
	tests := []struct {
		name      string
		pos       domain.OpenPosition
		price     float64
		wantLevel float64
		wantBE    bool
	}{
		{"below breakeven trigger", longPosition(), 7574, 0, false},
		{"at breakeven trigger", longPosition(), 7575, 7500, true},
		{"breakeven already applied keeps entry", func() domain.OpenPosition {
			p := longPosition()
			p.BreakevenApplied = true
			return p
		}(), 7510, 7500, false},
		{"trailing not yet active", func() domain.OpenPosition {
			p := longPosition()
			p.Trailing = trailing
			return p
		}(), 7520, 0, false},
		{"trailing long", func() domain.OpenPosition {
			p := longPosition()
			p.Trailing = trailing
			return p
		}(), 7560, 7530, false},
		{"trailing short", domain.OpenPosition{
			Side: domain.Sell, EntryPrice: 7500, RiskAmount: 50, ATR: 20, Trailing: trailing,
		}, 7440, 7470, false},
		{"trailing beats breakeven", func() domain.OpenPosition {
			p := longPosition()
			p.RiskAmount = 50
			p.Trailing = trailing
			p.Trailing.BreakevenTriggerR = 1
			return p
		}(), 7600, 7570, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := tt.pos
			if pos.RiskAmount == 0 && pos.InitialStop > 0 {
				pos.RiskAmount = 50
			}
			level, be := Candidate(&pos, tt.price)
			assert.InDelta(t, tt.wantLevel, level, 1e-9)
			assert.Equal(t, tt.wantBE, be)
		})
	}
}

func TestTrack_Validation(t *testing.T) {
	e := newEngine(t, newMockBroker("DEAL1", 7450), nil, nil)
	bad := longPosition()
	bad.DealID = ""
	assert.ErrorIs(t, e.Track(bad), ports.ErrInvalidRequest)
	bad = longPosition()
	bad.Side = ""
	assert.ErrorIs(t, e.Track(bad), ports.ErrInvalidRequest)

	require.NoError(t, e.Track(longPosition()))
	assert.ErrorIs(t, e.Track(longPosition()), ports.ErrInvalidRequest)

	pos := e.Positions()
	require.Len(t, pos, 1)
	assert.Equal(t, 50.0, pos[0].RiskAmount)
	assert.Equal(t, 7450.0, pos[0].CurrentStopLevel)
}

func TestBreakevenAppliedOnceAndNeverUndone(t *testing.T) {
	broker := newMockBroker("DEAL1", 7450)
	journal := &mockJournal{}
	e := newEngine(t, broker, journal, nil)
	require.NoError(t, e.Track(longPosition()))

	ctx := context.Background()
	for _, bid := range []float64{7520, 7560, 7575, 7580, 7560, 7540} {
		e.OnTick(ctx, bidTick(bid))
	}

	assert.Equal(t, []float64{7500}, broker.calls())
	assert.Equal(t, []float64{7500}, e.AppliedLevels("DEAL1"))
	pos := e.Positions()[0]
	assert.True(t, pos.BreakevenApplied)
	assert.Equal(t, 7500.0, pos.CurrentStopLevel)
	assert.Equal(t, []domain.JournalKind{domain.JournalStopModified}, journal.kinds())
}

func TestTrailingRatchets(t *testing.T) {
	broker := newMockBroker("DEAL1", 7450)
	e := newEngine(t, broker, nil, nil)
	pos := longPosition()
	pos.Trailing = domain.TrailingConfig{Enabled: true, ActivationATR: 1, DistanceATR: 1.5}
	require.NoError(t, e.Track(pos))

	ctx := context.Background()
	for _, bid := range []float64{7515, 7530, 7560, 7540, 7590} {
		e.OnTick(ctx, bidTick(bid))
	}
	assert.Equal(t, []float64{7500, 7530, 7560}, e.AppliedLevels("DEAL1"))
	assert.True(t, e.Positions()[0].BreakevenApplied)
}

func TestShortPositionUsesOffer(t *testing.T) {
	broker := newMockBroker("S1", 7550)
	e := newEngine(t, broker, nil, nil)
	require.NoError(t, e.Track(domain.OpenPosition{
		DealID: "S1", Epic: testEpic, Side: domain.Sell, EntryPrice: 7500, InitialStop: 7550,
		Trailing: domain.TrailingConfig{BreakevenTriggerR: 1},
	}))

	e.OnTick(context.Background(), domain.PriceTick{Epic: testEpic, Bid: 7449, Offer: 7451})
	assert.Empty(t, broker.calls(), "offer has not reached 1R yet")
	e.OnTick(context.Background(), domain.PriceTick{Epic: testEpic, Bid: 7448, Offer: 7450})
	assert.Equal(t, []float64{7500}, broker.calls())
}

func TestPoll_AuthoritativePrecedence(t *testing.T) {
	broker := newMockBroker("DEAL1", 7450)
	e := newEngine(t, broker, nil, nil)
	require.NoError(t, e.Track(longPosition()))
	ctx := context.Background()

	// Someone tightened the stop on the broker beyond what the engine would choose.
	broker.setStop("DEAL1", 7520)
	broker.setQuote(7530, 7531)
	e.Poll(ctx)
	assert.Empty(t, broker.calls())
	assert.Equal(t, 7520.0, e.Positions()[0].CurrentStopLevel)

	for _, bid := range []float64{7575, 7600, 7560} {
		e.OnTick(ctx, bidTick(bid))
	}
	assert.Empty(t, broker.calls(), "breakeven at 7500 must not loosen the 7520 stop")
}

func TestPoll_RestoresRegressedStop(t *testing.T) {
	broker := newMockBroker("DEAL1", 7450)
	e := newEngine(t, broker, nil, nil)
	require.NoError(t, e.Track(longPosition()))
	ctx := context.Background()

	e.OnTick(ctx, bidTick(7580))
	require.Equal(t, []float64{7500}, broker.calls())

	// Out-of-band change dropped the stop on the broker.
	broker.setStop("DEAL1", 7460)
	broker.setQuote(7550, 7551)
	e.Poll(ctx)

	assert.Equal(t, []float64{7500, 7500}, broker.calls())
	assert.Equal(t, []float64{7500, 7500}, e.AppliedLevels("DEAL1"))
}

func TestConflict_RepollAndRetryOnce(t *testing.T) {
	broker := newMockBroker("DEAL1", 7450)
	broker.modifyErrs = []error{ports.ErrStopConflict}
	broker.setQuote(7590, 7591)
	alerter := &mockAlerter{}
	e := newEngine(t, broker, nil, alerter)
	require.NoError(t, e.Track(longPosition()))

	e.OnTick(context.Background(), bidTick(7580))
	assert.Equal(t, []float64{7500, 7500}, broker.calls())
	assert.Equal(t, []float64{7500}, e.AppliedLevels("DEAL1"))
	assert.Equal(t, 0, alerter.count())
}

func TestConflict_RepeatedFailureKeepsLastGoodStopAndAlerts(t *testing.T) {
	broker := newMockBroker("DEAL1", 7450)
	broker.modifyErrs = []error{ports.ErrStopConflict, ports.ErrStopConflict}
	broker.setQuote(7590, 7591)
	alerter := &mockAlerter{}
	e := newEngine(t, broker, nil, alerter)
	require.NoError(t, e.Track(longPosition()))

	e.OnTick(context.Background(), bidTick(7580))
	assert.Len(t, broker.calls(), 2, "exactly one retry")
	assert.Empty(t, e.AppliedLevels("DEAL1"))
	assert.Equal(t, 7450.0, e.Positions()[0].CurrentStopLevel)
	assert.Equal(t, 1, alerter.count())
}

func TestModifyStop_RefusedLevelIsNotResent(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"invalid request", fmt.Errorf("%w: stop too close", ports.ErrInvalidRequest)},
		{"business rule", fmt.Errorf("%w: guaranteed stop required", ports.ErrBusinessRule)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := newMockBroker("DEAL1", 7450)
			broker.modifyErrs = []error{tt.err}
			alerter := &mockAlerter{}
			e := newEngine(t, broker, nil, alerter)
			require.NoError(t, e.Track(longPosition()))

			ctx := context.Background()
			for i := 0; i < 200; i++ {
				e.OnTick(ctx, bidTick(7580))
			}
			broker.setQuote(7580, 7581)
			e.Poll(ctx)

			assert.Equal(t, []float64{7500}, broker.calls())
			assert.Empty(t, e.AppliedLevels("DEAL1"))
			assert.Equal(t, 7450.0, e.Positions()[0].CurrentStopLevel)
			assert.Equal(t, []ports.AlertPriority{ports.AlertCritical}, alerter.priorities)
		})
	}
}

func TestModifyStop_TransientFailuresRetryAtPollAndAlert(t *testing.T) {
	broker := newMockBroker("DEAL1", 7450)
	broker.modifyErrs = []error{ports.ErrConnectivity, ports.ErrConnectivity, ports.ErrConnectivity}
	broker.setQuote(7580, 7581)
	alerter := &mockAlerter{}
	e := newEngine(t, broker, nil, alerter)
	require.NoError(t, e.Track(longPosition()))

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		e.OnTick(ctx, bidTick(7580))
	}
	assert.Len(t, broker.calls(), 1, "ticks wait for the next poll after a failure")

	e.Poll(ctx)
	assert.Equal(t, 0, alerter.count())
	e.Poll(ctx)
	assert.Len(t, broker.calls(), 3)
	assert.Equal(t, []ports.AlertPriority{ports.AlertCritical}, alerter.priorities)

	e.Poll(ctx)
	assert.Equal(t, []float64{7500, 7500, 7500, 7500}, broker.calls())
	assert.Equal(t, []float64{7500}, e.AppliedLevels("DEAL1"))
	assert.Equal(t, 1, alerter.count())
}

// haltingBroker stops the engine while re-authenticating.
type haltingBroker struct {
	*mockBroker
	engine *Engine
}

func (h *haltingBroker) Reauthenticate(ctx context.Context) error {
	h.engine.halted.Store(true)
	return nil
}

func TestModifyStop_NoRetryWhenHaltedDuringReauth(t *testing.T) {
	base := newMockBroker("DEAL1", 7450)
	base.modifyErrs = []error{ports.ErrAuthExpired}
	broker := &haltingBroker{mockBroker: base}
	var faults atomic.Int32
	e, err := New(Config{Market: "london", Epic: testEpic}, "s", broker, nil, nil, &mockLogger{}, func(error) { faults.Add(1) })
	require.NoError(t, err)
	broker.engine = e
	require.NoError(t, e.Track(longPosition()))

	e.OnTick(context.Background(), bidTick(7580))
	assert.Equal(t, []float64{7500}, base.calls())
	assert.Empty(t, e.AppliedLevels("DEAL1"))
	assert.Equal(t, int32(0), faults.Load())
}

func TestConflict_BrokerAlreadyBetter(t *testing.T) {
	broker := newMockBroker("DEAL1", 7450)
	broker.modifyErrs = []error{ports.ErrStopConflict}
	e := newEngine(t, broker, nil, nil)
	require.NoError(t, e.Track(longPosition()))

	broker.setStop("DEAL1", 7510)
	broker.setQuote(7580, 7581)
	e.OnTick(context.Background(), bidTick(7580))

	assert.Equal(t, []float64{7500}, broker.calls(), "no retry once the broker holds a better stop")
	assert.Equal(t, 7510.0, e.Positions()[0].CurrentStopLevel)
}

func TestPoll_ClosedPositionIsUntracked(t *testing.T) {
	broker := newMockBroker("DEAL1", 7450)
	broker.closed = true
	journal := &mockJournal{}
	e := newEngine(t, broker, journal, nil)
	require.NoError(t, e.Track(longPosition()))

	e.Poll(context.Background())
	assert.Empty(t, e.Positions())
	assert.Equal(t, []domain.JournalKind{domain.JournalPositionClosed}, journal.kinds())
}

func TestPoll_AuthExpiryReauthenticatesOnce(t *testing.T) {
	base := newMockBroker("DEAL1", 7450)
	broker := &reauthBroker{mockBroker: base}
	base.getErr = ports.ErrAuthExpired
	var faults atomic.Int32
	e, err := New(Config{Market: "london", Epic: testEpic}, "s", broker, nil, &mockAlerter{}, &mockLogger{}, func(error) { faults.Add(1) })
	require.NoError(t, err)
	require.NoError(t, e.Track(longPosition()))

	e.Poll(context.Background())
	assert.Equal(t, int32(1), broker.reauths.Load())
	assert.Equal(t, int32(1), faults.Load(), "still expired after re-authentication escalates")
}

func TestPoll_MaxMonitorDuration(t *testing.T) {
	broker := newMockBroker("DEAL1", 7450)
	alerter := &mockAlerter{}
	journal := &mockJournal{}
	e := newEngine(t, broker, journal, alerter)
	pos := longPosition()
	pos.OpenedAt = time.Now().Add(-5 * time.Hour)
	require.NoError(t, e.Track(pos))

	e.Poll(context.Background())
	assert.Empty(t, e.Positions())
	assert.Equal(t, 1, alerter.count())
	require.Len(t, journal.records, 1)
	assert.Equal(t, domain.CloseReasonTimeLimit, journal.records[0].Reason)
}

func TestHandleTradeUpdate_SchedulesPollForTrackedDeals(t *testing.T) {
	e := newEngine(t, newMockBroker("DEAL1", 7450), nil, nil)
	require.NoError(t, e.Track(longPosition()))
	ctx := context.Background()

	stop := 7400.0
	assert.True(t, e.HandleTradeUpdate(ctx, domain.TradeUpdate{Kind: domain.TradeUpdateOPU, DealID: "DEAL1", Status: "UPDATED", StopLevel: &stop}))
	assert.False(t, e.HandleTradeUpdate(ctx, domain.TradeUpdate{Kind: domain.TradeUpdateOPU, DealID: "OTHER"}))
	assert.Equal(t, 7450.0, e.Positions()[0].CurrentStopLevel, "stream updates never set the stop directly")
	assert.Len(t, e.pollNow, 1)
}

func TestHalt_NoModificationsAfterStop(t *testing.T) {
	broker := newMockBroker("DEAL1", 7450)
	e := newEngine(t, broker, nil, nil)
	require.NoError(t, e.Track(longPosition()))

	open := e.Halt()
	require.Len(t, open, 1)
	e.OnTick(context.Background(), bidTick(7600))
	broker.setQuote(7600, 7601)
	e.Poll(context.Background())
	assert.Empty(t, broker.calls())
	assert.ErrorIs(t, e.Track(domain.OpenPosition{DealID: "D2", Side: domain.Buy, EntryPrice: 1}), ports.ErrSessionStopping)
}

// Applied stops never move backwards whatever mix of ticks and out-of-band broker changes occurs.
func TestStopMonotonicity_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 50; run++ {
		broker := newMockBroker("DEAL1", 7450)
		e := newEngine(t, broker, nil, nil)
		pos := longPosition()
		pos.Trailing = domain.TrailingConfig{Enabled: true, BreakevenTriggerR: 1, ActivationATR: 1, DistanceATR: 1}
		require.NoError(t, e.Track(pos))

		ctx := context.Background()
		price := 7500.0
		for step := 0; step < 200; step++ {
			price += rng.Float64()*20 - 9
			switch rng.Intn(10) {
			case 0:
				broker.setStop("DEAL1", 7400+rng.Float64()*200)
				fallthrough
			case 1:
				broker.setQuote(price, price+1)
				e.Poll(ctx)
			default:
				e.OnTick(ctx, bidTick(price))
			}
		}

		levels := e.AppliedLevels("DEAL1")
		for i := 1; i < len(levels); i++ {
			require.GreaterOrEqual(t, levels[i], levels[i-1], "run %d: applied stops %v", run, levels)
		}
	}
}

func TestRun_PollsAndReactsToUpdates(t *testing.T) {
	broker := newMockBroker("DEAL1", 7450)
	broker.setQuote(7580, 7581)
	journal := &mockJournal{}
	e, err := New(Config{Market: "london", Epic: testEpic, PollInterval: time.Hour}, "s", broker, journal, nil, &mockLogger{}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Track(longPosition()))

	src := &staticSource{notify: make(chan struct{}, 1)}
	updates := make(chan domain.TradeUpdate, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, src, updates)
		close(done)
	}()

	updates <- domain.TradeUpdate{Kind: domain.TradeUpdateOPU, DealID: "DEAL1", Status: "UPDATED"}
	require.Eventually(t, func() bool { return len(broker.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

type staticSource struct {
	notify chan struct{}
}

func (s *staticSource) Snapshot(epic string) (domain.PriceTick, bool) { return domain.PriceTick{}, false }
func (s *staticSource) Subscribe() (<-chan struct{}, func())          { return s.notify, func() {} }
