package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/internal/services/authorization"
	"UpDownTrader/internal/services/fees"
	"UpDownTrader/internal/services/health"
	"UpDownTrader/internal/services/indicators"
	"UpDownTrader/internal/services/market"
	"UpDownTrader/internal/services/risk"
	"UpDownTrader/internal/services/signal"
	"UpDownTrader/internal/services/trading"
	"UpDownTrader/pkg/config"
	"UpDownTrader/pkg/eventbus"
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

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type published struct {
	topic   string
	payload interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(topic string, payload interface{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{topic: topic, payload: payload})
	return true
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.topic == topic {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) last(topic string) interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].topic == topic {
			return p.events[i].payload
		}
	}
	return nil
}

// harness wires the real services the usecases orchestrate.
type harness struct {
	clock    *fakeClock
	bus      *eventbus.Bus
	state    *market.State
	agg      *indicators.Aggregator
	gen      *signal.Generator
	risk     *risk.Manager
	gate     *authorization.Gate
	engine   *trading.Engine
	registry *health.Registry
	control  *Control
}

func newHarness(t *testing.T, mode models.AuthMode) *harness {
	t.Helper()
	h := &harness{
		clock:    &fakeClock{t: t0},
		bus:      eventbus.New(),
		state:    market.NewState(),
		agg:      indicators.NewAggregator(indicators.DefaultConfig()),
		registry: health.NewRegistry(),
	}
	t.Cleanup(func() { _ = h.bus.Close(context.Background()) })

	cfg := config.Default()
	gen, err := signal.NewGenerator(cfg.Signal, signal.WithClock(h.clock.Now), signal.WithPublisher(h.bus))
	require.NoError(t, err)
	h.gen = gen
	h.risk = risk.NewManager(cfg.Risk, 1000, risk.WithClock(h.clock.Now), risk.WithPublisher(h.bus))
	h.gate = authorization.NewGate(authorization.Config{Mode: mode, TTL: 5 * time.Minute},
		authorization.WithClock(h.clock.Now),
		authorization.WithPublisher(h.bus),
		authorization.WithRisk(h.risk),
	)
	h.engine = trading.NewEngine(trading.Config{
		InitialBalance: 1000,
		MinTradeAmount: 1,
		Expiry:         15 * time.Minute,
		Fees:           fees.DefaultSchedule(),
		Filter:         trading.Filter{Enabled: true, MaxSpread: 0.02, MinProfitRatio: 1.5},
		AutoStart:      true,
	}, trading.SimExecutor{}, h.risk, h.state, trading.WithClock(h.clock.Now), trading.WithPublisher(h.bus))
	h.control = NewControl(h.engine, h.gate, h.risk, h.gen, h.registry, h.bus, nil)

	h.setQuote(0.5, 0.01)
	h.state.RecordPrice(60000, t0)
	return h
}

func (h *harness) setQuote(ask, spread float64) {
	q := models.OutcomeQuote{Ask: ask, Bid: ask - spread, Mid: ask - spread/2, Spread: spread}
	h.state.SetSnapshot(models.MarketSnapshot{
		MarketID:    "m-1",
		UpTokenID:   "tok-up",
		DownTokenID: "tok-down",
		Up:          q,
		Down:        q,
		Timestamp:   h.clock.Now(),
	})
}

func (h *harness) pipeline(pub Publisher, gate Proposer) *DecisionPipeline {
	if pub == nil {
		pub = h.bus
	}
	if gate == nil {
		gate = h.gate
	}
	d := NewDecisionPipeline(DecisionConfig{
		MaxMarketAge:         30 * time.Second,
		DefensiveMode:        "defensive",
		DefensiveAfterLosses: 3,
	}, h.agg, h.gen, h.risk, gate, h.engine, h.state, pub, nil, nil)
	d.now = h.clock.Now
	return d
}

func upSignal() *models.CompositeSignal {
	return &models.CompositeSignal{ID: "sig-1", Direction: models.DirectionUp, Confidence: 70}
}
