package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"UpDownTrader/internal/domain/models"
	drepo "UpDownTrader/internal/domain/repository"
	"UpDownTrader/internal/services/authorization"
	"UpDownTrader/internal/services/indicators"
	"UpDownTrader/internal/services/signal"
	"UpDownTrader/internal/services/trading"
	"UpDownTrader/pkg/eventbus"
	"UpDownTrader/pkg/logger"
)

// Publisher is the slice of the event bus the usecases publish through.
type Publisher interface {
	Publish(topic string, payload interface{}) bool
}

// MarketReader is the read side of the market state.
type MarketReader interface {
	Snapshot() (*models.MarketSnapshot, bool)
	Age(now time.Time) time.Duration
}

// Sizer recommends a stake in quote currency; zero means do not trade.
type Sizer interface {
	Size(req models.SizeRequest) float64
}

// Proposer routes an action through the authorization gate.
type Proposer interface {
	Submit(ctx context.Context, req authorization.Request) (*models.Proposal, error)
}

// Engine is what the pipeline needs from the trading engine.
type Engine interface {
	ExecuteTrade(ctx context.Context, sig *models.CompositeSignal, amount float64) (*models.Position, *models.Rejection, error)
	Balance() float64
	Stop()
}

type DecisionConfig struct {
	// MaxMarketAge beyond which the binary market is ignored for sentiment and sizing.
	MaxMarketAge time.Duration
	// DefensiveMode is proposed once ConsecutiveLosses reaches DefensiveAfterLosses.
	// Zero disables the switch.
	DefensiveMode        string
	DefensiveAfterLosses int
}

// DecisionPipeline turns closed bars into proposals and executes what the gate approves.
//
//	bar_closed -> indicators -> signal -> sizing -> gate.Submit
//	proposal_resolved (executable, not shadow) -> engine
//	risk_state_changed (loss streak) -> SWITCH_MODE proposal
type DecisionPipeline struct {
	cfg    DecisionConfig
	agg    *indicators.Aggregator
	gen    *signal.Generator
	sizer  Sizer
	gate   Proposer
	engine Engine
	market MarketReader
	pub    Publisher

	metrics drepo.Metrics
	log     *logger.Logger
	now     func() time.Time

	mu       sync.Mutex
	lastRisk models.RiskState
}

func NewDecisionPipeline(
	cfg DecisionConfig,
	agg *indicators.Aggregator,
	gen *signal.Generator,
	sizer Sizer,
	gate Proposer,
	engine Engine,
	market MarketReader,
	pub Publisher,
	metrics drepo.Metrics,
	log *logger.Logger,
) *DecisionPipeline {
	if metrics == nil {
		metrics = drepo.NopMetrics{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &DecisionPipeline{
		cfg:     cfg,
		agg:     agg,
		gen:     gen,
		sizer:   sizer,
		gate:    gate,
		engine:  engine,
		market:  market,
		pub:     pub,
		metrics: metrics,
		log:     log.Component("decision"),
		now:     time.Now,
	}
}

// Subscribe attaches the pipeline to bus and returns a func that detaches it.
func (d *DecisionPipeline) Subscribe(bus *eventbus.Bus) func() {
	unsubs := []func(){
		eventbus.SubscribeTyped(bus, models.TopicBarClosed, "decision.signal", d.OnBar),
		eventbus.SubscribeTyped(bus, models.TopicProposalResolved, "decision.execute", d.OnProposalResolved),
		eventbus.SubscribeTyped(bus, models.TopicRiskStateChanged, "decision.guard", d.OnRiskState),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// OnBar evaluates one signal cycle. Only actionable signals outside cooldown become
// proposals.
func (d *DecisionPipeline) OnBar(ctx context.Context, bar models.Bar) error {
	start := d.now()
	snap := d.agg.Snapshot(bar.End)
	mkt := d.freshMarket()

	sig := d.gen.Generate(snap, mkt)
	d.pub.Publish(models.TopicSignalGenerated, *sig)
	d.metrics.RecordLatency("signal_cycle", d.now().Sub(start).Seconds())

	if !sig.Direction.Actionable() || sig.CooldownBlocked {
		return nil
	}
	if mkt == nil {
		d.reject(sig, 0, models.Reject(models.RejectNoMarket, "no fresh binary market snapshot"))
		return nil
	}

	quote, _ := mkt.Quote(sig.Direction)
	price := quote.Ask
	if price <= 0 || price >= 1 {
		price = quote.Mid
	}
	balance := d.engine.Balance()
	amount := d.sizer.Size(models.SizeRequest{
		Balance:        balance,
		ContractPrice:  price,
		Confidence:     sig.Confidence,
		MaxPositionPct: d.gen.MaxPositionPct(),
		VolatilityPct:  snap.VolatilityPct,
	})
	if amount <= 0 {
		d.reject(sig, 0, models.Reject(models.RejectBelowMinSize, "sizing returned no stake").With("contract_price", price))
		return nil
	}

	assessment := d.gen.Assess(sig, balance)
	p, err := d.gate.Submit(ctx, authorization.Request{
		Action: models.ActionExecuteTrade,
		Signal: sig,
		Amount: amount,
		Risk:   &assessment,
		Source: "signal",
	})
	if err != nil {
		return fmt.Errorf("submit trade proposal: %w", err)
	}
	d.log.Debug("trade proposed",
		logger.String("proposal_id", p.ID),
		logger.String("direction", string(sig.Direction)),
		logger.Float64("amount", amount),
		logger.String("status", string(p.Status)),
	)
	return nil
}

func (d *DecisionPipeline) freshMarket() *models.MarketSnapshot {
	mkt, ok := d.market.Snapshot()
	if !ok {
		return nil
	}
	if d.cfg.MaxMarketAge > 0 && d.market.Age(d.now()) > d.cfg.MaxMarketAge {
		d.log.Debug("binary market snapshot is stale", logger.String("market_id", mkt.MarketID))
		return nil
	}
	return mkt
}

func (d *DecisionPipeline) reject(sig *models.CompositeSignal, amount float64, rej *models.Rejection) {
	d.metrics.RecordRejection(string(rej.Code))
	d.pub.Publish(models.TopicTradeRejected, models.TradeRejected{
		SignalID:  sig.ID,
		Direction: sig.Direction,
		Amount:    amount,
		Rejection: rej,
		At:        d.now(),
	})
}

// OnProposalResolved runs approved actions in arrival order. Shadow proposals and
// non-executable statuses are ignored.
func (d *DecisionPipeline) OnProposalResolved(ctx context.Context, ev models.ProposalEvent) error {
	p := ev.Proposal
	if p == nil || !p.Status.Executable() || p.Shadow {
		return nil
	}
	switch p.Action {
	case models.ActionExecuteTrade:
		if p.Signal == nil {
			return errors.New("approved trade proposal has no signal")
		}
		_, _, err := d.engine.ExecuteTrade(trading.WithProposal(ctx, p.ID), p.Signal, p.Amount)
		return err
	case models.ActionSwitchMode:
		return d.gen.SetMode(p.Params["mode"], "proposal:"+p.ID)
	case models.ActionPauseTrading:
		d.engine.Stop()
		d.log.Warn("trading paused", logger.String("proposal_id", p.ID), logger.String("reason", p.Reason))
		return nil
	}
	return fmt.Errorf("unknown proposal action %q", p.Action)
}

// OnRiskState proposes the defensive mode the first time the loss streak reaches the
// configured length.
func (d *DecisionPipeline) OnRiskState(ctx context.Context, s models.RiskState) error {
	d.mu.Lock()
	prev := d.lastRisk
	d.lastRisk = s
	d.mu.Unlock()

	n := d.cfg.DefensiveAfterLosses
	if n <= 0 || d.cfg.DefensiveMode == "" {
		return nil
	}
	if s.ConsecutiveLosses < n || prev.ConsecutiveLosses >= n || d.gen.Mode() == d.cfg.DefensiveMode {
		return nil
	}
	_, err := d.gate.Submit(ctx, authorization.Request{
		Action:     models.ActionSwitchMode,
		Params:     map[string]string{"mode": d.cfg.DefensiveMode, "from": d.gen.Mode()},
		Confidence: 90,
		Source:     "risk",
	})
	if err != nil {
		return fmt.Errorf("submit mode switch: %w", err)
	}
	d.log.Info("defensive mode proposed", logger.Int("consecutive_losses", s.ConsecutiveLosses))
	return nil
}
