package trading

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/internal/service/polymarket"
	"UpDownTrader/internal/services/fees"
	"UpDownTrader/internal/services/market"
	"UpDownTrader/internal/services/risk"
	"UpDownTrader/pkg/config"
)

var t0 = time.Date(2026, 6, 2, 14, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeRisk struct {
	mu       sync.Mutex
	reject   *models.Rejection
	opened   []float64
	settled  []models.Outcome
	halted   string
	requests []models.TradeRequest
}

func (r *fakeRisk) Validate(req models.TradeRequest) *models.Rejection {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return r.reject
}

func (r *fakeRisk) OnTradeOpened(notional, _ float64, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, notional)
}

func (r *fakeRisk) OnTradeSettled(_, _ float64, outcome models.Outcome, _ bool, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = append(r.settled, outcome)
}

func (r *fakeRisk) Halt(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halted = reason
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(topic string, _ interface{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return true
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

// gatedExecutor fills every order once release is closed. It announces the first
// submission on started. With ignoreCtx it fills even after cancellation.
type gatedExecutor struct {
	once      sync.Once
	started   chan struct{}
	release   chan struct{}
	ignoreCtx bool
}

func newGatedExecutor(ignoreCtx bool) *gatedExecutor {
	return &gatedExecutor{started: make(chan struct{}), release: make(chan struct{}), ignoreCtx: ignoreCtx}
}

func (g *gatedExecutor) Name() string { return "gated" }

func (g *gatedExecutor) Submit(ctx context.Context, o Order) (Fill, error) {
	g.once.Do(func() { close(g.started) })
	if g.ignoreCtx {
		<-g.release
	} else {
		select {
		case <-g.release:
		case <-ctx.Done():
			return Fill{}, ctx.Err()
		}
	}
	return Fill{OrderID: "o-" + o.PositionID, Filled: true}, nil
}

func (g *gatedExecutor) CancelAll(context.Context) error { return nil }

// scriptedExecutor returns a fixed result, or blocks until its context ends when block is set.
type scriptedExecutor struct {
	fill      Fill
	err       error
	block     bool
	started   chan struct{}
	cancelErr error
}

func (s *scriptedExecutor) Name() string { return "scripted" }

func (s *scriptedExecutor) Submit(ctx context.Context, o Order) (Fill, error) {
	if s.block {
		close(s.started)
		<-ctx.Done()
		return Fill{}, ctx.Err()
	}
	return s.fill, s.err
}

func (s *scriptedExecutor) CancelAll(context.Context) error { return s.cancelErr }

type fixture struct {
	engine *Engine
	risk   *fakeRisk
	state  *market.State
	clock  *fakeClock
	pub    *recordingPublisher
}

func baseConfig() Config {
	return Config{
		InitialBalance: 1000,
		MinTradeAmount: 1,
		Expiry:         15 * time.Minute,
		Fees:           fees.DefaultSchedule(),
		Filter:         Filter{Enabled: true, MaxSpread: 0.02, MinProfitRatio: 1.5},
		AutoStart:      true,
	}
}

func newFixture(t *testing.T, cfg Config, exec Executor) *fixture {
	t.Helper()
	f := &fixture{
		risk:  &fakeRisk{},
		state: market.NewState(),
		clock: &fakeClock{t: t0},
		pub:   &recordingPublisher{},
	}
	if exec == nil {
		exec = SimExecutor{}
	}
	f.engine = NewEngine(cfg, exec, f.risk, f.state, WithClock(f.clock.Now), WithPublisher(f.pub))
	f.setQuote(0.5, 0.01)
	f.state.RecordPrice(60000, t0)
	return f
}

func (f *fixture) setQuote(ask, spread float64) {
	f.state.SetSnapshot(models.MarketSnapshot{
		MarketID:    "m-1",
		UpTokenID:   "tok-up",
		DownTokenID: "tok-down",
		Up:          models.OutcomeQuote{Ask: ask, Bid: ask - spread, Mid: ask - spread/2, Spread: spread},
		Down:        models.OutcomeQuote{Ask: ask, Bid: ask - spread, Mid: ask - spread/2, Spread: spread},
		Timestamp:   f.clock.Now(),
	})
}

func upSignal() *models.CompositeSignal {
	return &models.CompositeSignal{ID: "sig-1", Direction: models.DirectionUp, Confidence: 70}
}

func code(r *models.Rejection) models.RejectionCode {
	if r == nil {
		return ""
	}
	return r.Code
}

func TestExecuteTradeOpensPosition(t *testing.T) {
	f := newFixture(t, baseConfig(), nil)

	pos, rej, err := f.engine.ExecuteTrade(context.Background(), upSignal(), 100)
	require.NoError(t, err)
	require.Nil(t, rej)
	require.NotNil(t, pos)

	assert.Equal(t, models.PositionOpen, pos.Status)
	assert.Equal(t, 0.5, pos.EntryPrice)
	assert.InDelta(t, 200, pos.Shares, 1e-9)
	assert.InDelta(t, 0.2, pos.FeesEntry, 1e-9)
	assert.Equal(t, 60000.0, pos.EntryUnderlying.Price)
	assert.Equal(t, t0.Add(15*time.Minute), pos.ExpiresAt)
	assert.InDelta(t, 899.8, f.engine.Balance(), 1e-9)
	assert.Len(t, f.engine.OpenPositions(), 1)
	assert.Equal(t, []float64{100}, f.risk.opened)
	assert.Equal(t, 1, f.pub.count(models.TopicTradeOpened))
}

func TestExecuteTradeRejectionOrder(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *fixture)
		sig    func() *models.CompositeSignal
		amount float64
		want   models.RejectionCode
	}{
		{
			name:   "stopped engine",
			setup:  func(f *fixture) { f.engine.Stop() },
			amount: 100,
			want:   models.RejectEngineStopped,
		},
		{
			name: "neutral signal",
			sig: func() *models.CompositeSignal {
				return &models.CompositeSignal{Direction: models.DirectionNeutral}
			},
			amount: 100,
			want:   models.RejectNotActionable,
		},
		{
			name: "cooldown",
			sig: func() *models.CompositeSignal {
				s := upSignal()
				s.CooldownBlocked = true
				return s
			},
			amount: 100,
			want:   models.RejectCooldown,
		},
		{
			name:   "no contract price",
			setup:  func(f *fixture) { f.setQuote(0, 0) },
			amount: 100,
			want:   models.RejectNoMarket,
		},
		{
			name:   "risk veto",
			setup:  func(f *fixture) { f.risk.reject = models.Reject(models.RejectHalted, "halted") },
			amount: 100,
			want:   models.RejectHalted,
		},
		{
			name:   "below minimum",
			amount: 0.5,
			want:   models.RejectBelowMinSize,
		},
		{
			name:   "wide spread",
			setup:  func(f *fixture) { f.setQuote(0.5, 0.05) },
			amount: 100,
			want:   models.RejectSpreadTooWide,
		},
		{
			name:   "fees eat the edge",
			setup:  func(f *fixture) { f.setQuote(0.95, 0.01) },
			amount: 100,
			want:   models.RejectInsufficientEdge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, baseConfig(), nil)
			if tt.setup != nil {
				tt.setup(f)
			}
			sig := upSignal()
			if tt.sig != nil {
				sig = tt.sig()
			}
			pos, rej, err := f.engine.ExecuteTrade(context.Background(), sig, tt.amount)
			require.NoError(t, err)
			assert.Nil(t, pos)
			assert.Equal(t, tt.want, code(rej))
			assert.Equal(t, 1000.0, f.engine.Balance())
			assert.Equal(t, 1, f.pub.count(models.TopicTradeRejected))
		})
	}
}

func TestExecuteTradeRequiresTokenForLive(t *testing.T) {
	cfg := baseConfig()
	cfg.RequireToken = true
	f := newFixture(t, cfg, nil)
	f.state.SetSnapshot(models.MarketSnapshot{
		Up:        models.OutcomeQuote{Ask: 0.5, Mid: 0.495, Spread: 0.01},
		Timestamp: t0,
	})

	_, rej, err := f.engine.ExecuteTrade(context.Background(), upSignal(), 100)
	require.NoError(t, err)
	assert.Equal(t, models.RejectNoMarket, code(rej))
}

func TestExecuteTradeCeilings(t *testing.T) {
	cfg := baseConfig()
	cfg.Ceilings = Ceilings{PerTrade: 10, Total: 25}
	f := newFixture(t, cfg, nil)
	ctx := context.Background()

	var amounts []float64
	for i := 0; i < 3; i++ {
		pos, rej, err := f.engine.ExecuteTrade(ctx, upSignal(), 100)
		require.NoError(t, err)
		require.Nil(t, rej)
		amounts = append(amounts, pos.Notional)
	}
	assert.Equal(t, []float64{10, 10, 5}, amounts)

	_, rej, err := f.engine.ExecuteTrade(ctx, upSignal(), 100)
	require.NoError(t, err)
	assert.Equal(t, models.RejectCapExhausted, code(rej))
}

func TestExecuteTradeRollsBackUnfilledOrder(t *testing.T) {
	f := newFixture(t, baseConfig(), &scriptedExecutor{fill: Fill{OrderID: "o-1"}})

	_, rej, err := f.engine.ExecuteTrade(context.Background(), upSignal(), 100)
	require.NoError(t, err)
	assert.Equal(t, models.RejectOrderFailed, code(rej))
	assert.InDelta(t, 1000.0, f.engine.Balance(), 1e-9)
	assert.Empty(t, f.engine.OpenPositions())
	assert.Empty(t, f.risk.opened)
}

func TestExecuteTradeRollsBackOnBackendError(t *testing.T) {
	f := newFixture(t, baseConfig(), &scriptedExecutor{err: errors.New("connection reset")})

	pos, rej, err := f.engine.ExecuteTrade(context.Background(), upSignal(), 100)
	require.Error(t, err)
	assert.Nil(t, pos)
	assert.Nil(t, rej)
	assert.InDelta(t, 1000.0, f.engine.Balance(), 1e-9)
}

func TestEmergencyStopCancelsInFlight(t *testing.T) {
	exec := &scriptedExecutor{block: true, started: make(chan struct{})}
	f := newFixture(t, baseConfig(), exec)

	done := make(chan error, 1)
	go func() {
		_, _, err := f.engine.ExecuteTrade(context.Background(), upSignal(), 100)
		done <- err
	}()
	<-exec.started

	report := f.engine.EmergencyStop(context.Background(), "operator")
	assert.Equal(t, 1, report.InFlightCancelled)
	assert.True(t, report.ExchangeCancelled)
	assert.Equal(t, "operator", f.risk.halted)

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.InDelta(t, 1000.0, f.engine.Balance(), 1e-9)
	assert.True(t, f.engine.Locked())

	_, rej, err := f.engine.ExecuteTrade(context.Background(), upSignal(), 100)
	require.NoError(t, err)
	assert.Equal(t, models.RejectEngineStopped, code(rej))

	f.engine.Reset()
	assert.False(t, f.engine.Locked())
	assert.True(t, f.engine.Running())
}

func TestEmergencyStopReportsCancelFailure(t *testing.T) {
	f := newFixture(t, baseConfig(), &scriptedExecutor{cancelErr: errors.New("exchange down")})

	report := f.engine.EmergencyStop(context.Background(), "drill")
	assert.False(t, report.ExchangeCancelled)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "exchange down")
}

type fakePlacer struct {
	resp  polymarket.OrderResponse
	err   error
	order polymarket.MarketOrder
}

func (p *fakePlacer) PlaceMarketOrder(_ context.Context, o polymarket.MarketOrder) (polymarket.OrderResponse, error) {
	p.order = o
	return p.resp, p.err
}

func (p *fakePlacer) CancelAll(context.Context) error { return nil }

func TestLiveExecutorFill(t *testing.T) {
	placer := &fakePlacer{resp: polymarket.OrderResponse{
		Success: true, OrderID: "o-9", Status: "matched", MakingAmount: "10", TakingAmount: "20",
	}}
	exec := NewLiveExecutor(placer, time.Second, nil)

	fill, err := exec.Submit(context.Background(), Order{TokenID: "tok", Amount: 10, Price: 0.5})
	require.NoError(t, err)
	assert.True(t, fill.Filled)
	assert.Equal(t, 0.5, fill.Price)
	assert.Equal(t, 20.0, fill.Shares)
	assert.Equal(t, polymarket.SideBuy, placer.order.Side)
	assert.Equal(t, polymarket.UnitQuote, placer.order.Unit)
}

func TestLiveExecutorNotFilled(t *testing.T) {
	placer := &fakePlacer{err: polymarket.ErrNotFilled}
	exec := NewLiveExecutor(placer, time.Second, nil)

	fill, err := exec.Submit(context.Background(), Order{TokenID: "tok", Amount: 10, Price: 0.5})
	require.NoError(t, err)
	assert.False(t, fill.Filled)
}

func newRiskEngine(t *testing.T, mutate func(*config.Risk), exec Executor) (*Engine, *risk.Manager) {
	t.Helper()
	rc := config.Default().Risk
	rc.MaxTradesPerHour = 100
	if mutate != nil {
		mutate(&rc)
	}
	clock := &fakeClock{t: t0}
	rm := risk.NewManager(rc, 1000, risk.WithClock(clock.Now))
	f := &fixture{state: market.NewState(), clock: clock}
	if exec == nil {
		exec = SimExecutor{}
	}
	e := NewEngine(baseConfig(), exec, rm, f.state, WithClock(clock.Now))
	f.setQuote(0.5, 0.01)
	f.state.RecordPrice(60000, t0)
	return e, rm
}

func TestExecuteTradeEnforcesRiskCaps(t *testing.T) {
	e, rm := newRiskEngine(t, func(c *config.Risk) {
		c.MaxPerTrade = 50
		c.MaxCumulative = 100
	}, nil)
	ctx := context.Background()

	_, rej, err := e.ExecuteTrade(ctx, upSignal(), 300)
	require.NoError(t, err)
	assert.Equal(t, models.RejectAboveTradeCap, code(rej))

	for i := 0; i < 2; i++ {
		pos, rej, err := e.ExecuteTrade(ctx, upSignal(), 50)
		require.NoError(t, err)
		require.Nil(t, rej, "trade %d", i)
		require.NotNil(t, pos)
	}

	_, rej, err = e.ExecuteTrade(ctx, upSignal(), 50)
	require.NoError(t, err)
	assert.Equal(t, models.RejectCapExhausted, code(rej))
	assert.Len(t, e.OpenPositions(), 2)
	assert.InDelta(t, 100, rm.State().CumulativeNotional, 1e-9)
}

func TestInFlightOrderCountsAgainstLimits(t *testing.T) {
	exec := newGatedExecutor(false)
	e, _ := newRiskEngine(t, func(c *config.Risk) {
		c.MaxOpenPositions = 1
		c.MaxPerTrade = 50
		c.MaxCumulative = 60
	}, exec)

	done := make(chan *models.Rejection, 1)
	go func() {
		_, rej, _ := e.ExecuteTrade(context.Background(), upSignal(), 50)
		done <- rej
	}()
	<-exec.started

	_, rej, err := e.ExecuteTrade(context.Background(), upSignal(), 10)
	require.NoError(t, err)
	assert.Equal(t, models.RejectMaxOpenPositions, code(rej))

	close(exec.release)
	assert.Nil(t, <-done)
	assert.Len(t, e.OpenPositions(), 1)
}

func TestResetDropsInFlightReservation(t *testing.T) {
	exec := newGatedExecutor(false)
	f := newFixture(t, baseConfig(), exec)

	done := make(chan error, 1)
	go func() {
		_, _, err := f.engine.ExecuteTrade(context.Background(), upSignal(), 100)
		done <- err
	}()
	<-exec.started

	f.engine.Reset()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.InDelta(t, 1000.0, f.engine.Balance(), 1e-9)
	assert.Empty(t, f.engine.OpenPositions())
}

func TestFillAfterResetIsNotBooked(t *testing.T) {
	exec := newGatedExecutor(true)
	f := newFixture(t, baseConfig(), exec)

	done := make(chan error, 1)
	go func() {
		_, _, err := f.engine.ExecuteTrade(context.Background(), upSignal(), 100)
		done <- err
	}()
	<-exec.started

	f.engine.Reset()
	close(exec.release)
	assert.ErrorIs(t, <-done, ErrLedgerReset)
	assert.InDelta(t, 1000.0, f.engine.Balance(), 1e-9)
	assert.Empty(t, f.engine.OpenPositions())
	assert.Empty(t, f.risk.opened)
}

func TestLosingSettlementBlocksNextTradeImmediately(t *testing.T) {
	e, rm := newRiskEngine(t, func(c *config.Risk) { c.MaxConsecutiveLosses = 1 }, nil)
	ctx := context.Background()

	pos, rej, err := e.ExecuteTrade(ctx, upSignal(), 20)
	require.NoError(t, err)
	require.Nil(t, rej)

	_, err = e.SettlePosition(ctx, pos.ID, models.PriceSample{}, models.PriceSample{Price: 59000, At: t0.Add(15 * time.Minute), Seq: 2})
	require.NoError(t, err)
	require.True(t, rm.State().BreakerActive)

	_, rej, err = e.ExecuteTrade(ctx, upSignal(), 20)
	require.NoError(t, err)
	assert.Equal(t, models.RejectCircuitBreaker, code(rej))
}
