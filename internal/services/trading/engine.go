// Package trading holds the position ledger shared by the simulation and live backends.
package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/internal/domain/repository"
	"UpDownTrader/internal/domain/service"
	"UpDownTrader/internal/services/fees"
	"UpDownTrader/pkg/logger"
	"UpDownTrader/pkg/tracing"
)

var (
	ErrPositionNotFound  = errors.New("position not found")
	ErrAlreadySettled    = errors.New("position already settled")
	ErrMissingSnapshot   = errors.New("missing underlying price snapshot")
	ErrIdenticalSnapshot = errors.New("entry and exit come from the same price snapshot")
	ErrLedgerReset       = errors.New("ledger was reset while the order was in flight")
)

var _ service.TradingEngine = (*Engine)(nil)

// Publisher is the slice of the event bus the engine needs.
type Publisher interface {
	Publish(topic string, payload interface{}) bool
}

// MarketView is the read side of the shared market state.
type MarketView interface {
	Latest() (models.PriceSample, bool)
	Snapshot() (*models.MarketSnapshot, bool)
}

// Filter rejects trades the fee schedule makes unattractive.
type Filter struct {
	Enabled        bool
	MaxSpread      float64
	MinProfitRatio float64
}

// Ceilings are operator limits independent of risk sizing. Zero disables a ceiling.
type Ceilings struct {
	PerTrade float64
	Total    float64
}

type Config struct {
	InitialBalance float64
	MinTradeAmount float64
	Expiry         time.Duration
	Fees           fees.Schedule
	Filter         Filter
	Ceilings       Ceilings
	// RequireToken rejects markets without an outcome token id, which a live order needs.
	RequireToken bool
	AutoStart    bool
}

type Option func(*Engine)

func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m repository.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

func WithTracer(t *tracing.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the single writer of positions and balance. Every read returns a copy.
type Engine struct {
	mu         sync.Mutex
	cfg        Config
	name       string
	exec       Executor
	risk       service.RiskGate
	market     MarketView
	balance    float64
	committed  float64
	positions  map[string]*models.Position
	order      []string
	inflight   map[uint64]*flight
	nextFlight uint64
	running    bool
	locked     bool
	totalFees  float64
	volume     float64
	curve      []models.PnLPoint
	peak       float64
	maxDD      float64

	pub     Publisher
	log     *logger.Logger
	metrics repository.Metrics
	tracer  *tracing.Tracer
	now     func() time.Time
}

func NewEngine(cfg Config, exec Executor, risk service.RiskGate, market MarketView, opts ...Option) *Engine {
	if cfg.Expiry <= 0 {
		cfg.Expiry = 15 * time.Minute
	}
	e := &Engine{
		cfg:       cfg,
		name:      exec.Name(),
		exec:      exec,
		risk:      risk,
		market:    market,
		balance:   cfg.InitialBalance,
		peak:      cfg.InitialBalance,
		positions: make(map[string]*models.Position),
		inflight:  make(map[uint64]*flight),
		running:   cfg.AutoStart,
		log:       logger.Nop(),
		metrics:   repository.NopMetrics{},
		tracer:    tracing.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Component("engine").With(logger.String("engine", e.name))
	e.metrics.RecordBalance(e.name, e.balance)
	return e
}

func (e *Engine) Name() string { return e.name }

type proposalKey struct{}

// WithProposal tags ctx so the position or rejection produced by ExecuteTrade records
// which proposal authorized it.
func WithProposal(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, proposalKey{}, id)
}

func proposalFrom(ctx context.Context) string {
	id, _ := ctx.Value(proposalKey{}).(string)
	return id
}

// flight is an order between reservation and the risk manager recording it. It holds a
// position slot until filled and its stake until risk has seen the fill.
type flight struct {
	cancel context.CancelFunc
	amount float64
	filled bool
}

// ExecuteTrade opens a position for sig. Rejections are values; err is reserved for
// backend failures, after which nothing has changed.
func (e *Engine) ExecuteTrade(ctx context.Context, sig *models.CompositeSignal, amount float64) (*models.Position, *models.Rejection, error) {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "trading.execute", attribute.String("engine", e.name))
	pos, rej, err := e.execute(ctx, sig, amount)
	tracing.End(span, err)
	e.metrics.RecordLatency("trade_execute", e.now().Sub(start).Seconds())

	switch {
	case err != nil:
		e.metrics.RecordError("trade_execute")
		e.log.Error("trade execution failed", logger.Error(err))
	case rej != nil:
		e.metrics.RecordRejection(string(rej.Code))
		e.log.Info("trade rejected", logger.String("code", string(rej.Code)), logger.String("reason", rej.Reason))
		ev := models.TradeRejected{ProposalID: proposalFrom(ctx), Amount: amount, Rejection: rej, At: e.now()}
		if sig != nil {
			ev.SignalID, ev.Direction = sig.ID, sig.Direction
		}
		e.publish(models.TopicTradeRejected, ev)
	}
	return pos, rej, err
}

func (e *Engine) execute(ctx context.Context, sig *models.CompositeSignal, amount float64) (*models.Position, *models.Rejection, error) {
	now := e.now()

	e.mu.Lock()
	plan, rej := e.checkLocked(sig, amount, now)
	if rej != nil {
		e.mu.Unlock()
		return nil, rej, nil
	}

	// reserve, then talk to the backend without holding the lock
	e.balance -= plan.amount + plan.entryFee
	e.committed += plan.amount
	e.nextFlight++
	id := e.nextFlight
	subCtx, cancel := context.WithCancel(ctx)
	fl := &flight{cancel: cancel, amount: plan.amount}
	e.inflight[id] = fl
	e.mu.Unlock()

	positionID := uuid.NewString()
	fill, err := e.exec.Submit(subCtx, Order{
		PositionID: positionID,
		TokenID:    plan.token,
		Direction:  sig.Direction,
		Amount:     plan.amount,
		Price:      plan.price,
	})
	cancel()

	e.mu.Lock()
	if _, ok := e.inflight[id]; !ok {
		// Reset dropped the reservation along with the ledger it was taken from
		e.mu.Unlock()
		if err == nil && fill.Filled {
			e.metrics.RecordError("fill_after_reset")
			e.log.Warn("fill arrived after ledger reset", logger.String("order_id", fill.OrderID))
		}
		if err != nil {
			return nil, nil, fmt.Errorf("submit order: %w", err)
		}
		return nil, nil, ErrLedgerReset
	}
	if err != nil || !fill.Filled {
		delete(e.inflight, id)
		e.balance += plan.amount + plan.entryFee
		e.committed -= plan.amount
		e.mu.Unlock()
		if err != nil {
			return nil, nil, fmt.Errorf("submit order: %w", err)
		}
		return nil, models.Reject(models.RejectOrderFailed, "order was not filled").With("order_id", fill.OrderID), nil
	}

	price := plan.price
	if fill.Price > 0 {
		price = fill.Price
	}
	shares := plan.amount / price
	if fill.Shares > 0 {
		shares = fill.Shares
	}
	entry, _ := e.market.Latest()
	pos := &models.Position{
		ID:              positionID,
		Engine:          e.name,
		MarketID:        plan.marketID,
		SignalID:        sig.ID,
		ProposalID:      proposalFrom(ctx),
		Direction:       sig.Direction,
		TokenID:         plan.token,
		EntryPrice:      price,
		Notional:        plan.amount,
		Shares:          shares,
		FeesEntry:       plan.entryFee,
		Status:          models.PositionOpen,
		EntryUnderlying: entry,
		OpenedAt:        now,
		ExpiresAt:       now.Add(e.cfg.Expiry),
		OrderID:         fill.OrderID,
	}
	fl.filled = true
	e.positions[pos.ID] = pos
	e.order = append(e.order, pos.ID)
	e.totalFees += plan.entryFee
	e.volume += plan.amount
	balance := e.balance
	out := *pos
	e.mu.Unlock()

	e.risk.OnTradeOpened(plan.amount, balance, now)
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()

	e.metrics.RecordTradeOpened(e.name, string(out.Direction))
	e.metrics.RecordBalance(e.name, balance)
	e.publish(models.TopicTradeOpened, out)
	e.log.Info("position opened",
		logger.String("position_id", out.ID),
		logger.String("direction", string(out.Direction)),
		logger.Float64("amount", out.Notional),
		logger.Float64("price", out.EntryPrice),
		logger.Float64("fee", out.FeesEntry),
		logger.Float64("balance", balance),
	)
	return &out, nil, nil
}

type tradePlan struct {
	amount   float64
	price    float64
	entryFee float64
	token    string
	marketID string
}

// checkLocked runs every pre-trade check in rejection-code order.
func (e *Engine) checkLocked(sig *models.CompositeSignal, amount float64, now time.Time) (tradePlan, *models.Rejection) {
	var plan tradePlan
	if e.locked {
		return plan, models.Reject(models.RejectEngineStopped, "engine locked by emergency stop")
	}
	if !e.running {
		return plan, models.Reject(models.RejectEngineStopped, "engine is not running")
	}
	if sig == nil || !sig.Direction.Actionable() {
		return plan, models.Reject(models.RejectNotActionable, "signal is not actionable")
	}
	if sig.CooldownBlocked {
		return plan, models.Reject(models.RejectCooldown, "signal blocked by %s cooldown", sig.Direction)
	}

	snap, ok := e.market.Snapshot()
	if !ok {
		return plan, models.Reject(models.RejectNoMarket, "no market snapshot")
	}
	quote, token := snap.Quote(sig.Direction)
	price := quote.Ask
	if price <= 0 {
		price = quote.Mid
	}
	if price <= 0 || price >= 1 {
		return plan, models.Reject(models.RejectNoMarket, "no usable contract price").With("price", price)
	}
	if e.cfg.RequireToken && token == "" {
		return plan, models.Reject(models.RejectNoMarket, "market has no token for %s", sig.Direction)
	}

	exhausted := false
	if c := e.cfg.Ceilings; c.PerTrade > 0 || c.Total > 0 {
		if c.PerTrade > 0 && amount > c.PerTrade {
			amount = c.PerTrade
		}
		if c.Total > 0 {
			remaining := c.Total - e.committed
			if remaining < 0.01 {
				exhausted = true
			} else if amount > remaining {
				amount = remaining
			}
		}
		amount = math.Floor(amount*100+1e-9) / 100
	}

	entryFee := e.cfg.Fees.Fee(fees.Buy, amount, price)
	if rej := e.risk.Validate(models.TradeRequest{
		Amount:        amount,
		Notional:      amount + entryFee,
		Pending:       e.pendingLocked(),
		Balance:       e.balance,
		OpenPositions: e.openCountLocked(),
		At:            now,
	}); rej != nil {
		return plan, rej
	}
	if amount < e.cfg.MinTradeAmount || amount <= 0 {
		return plan, models.Reject(models.RejectBelowMinSize, "amount %.2f below minimum %.2f", amount, e.cfg.MinTradeAmount)
	}
	if f := e.cfg.Filter; f.Enabled {
		if quote.Spread > f.MaxSpread {
			return plan, models.Reject(models.RejectSpreadTooWide, "spread %.4f above %.4f", quote.Spread, f.MaxSpread)
		}
		buy, sell := e.cfg.Fees.RoundTrip(amount, price)
		profit := (1/price - 1) * amount
		if profit < (buy+sell)*f.MinProfitRatio {
			return plan, models.Reject(models.RejectInsufficientEdge, "potential profit %.4f below %.1fx fees %.4f", profit, f.MinProfitRatio, buy+sell).
				With("profit", profit).
				With("fees", buy+sell)
		}
	}
	if exhausted {
		return plan, models.Reject(models.RejectCapExhausted, "cumulative ceiling %.2f reached", e.cfg.Ceilings.Total)
	}

	return tradePlan{amount: amount, price: price, entryFee: entryFee, token: token, marketID: snap.MarketID}, nil
}

// openCountLocked counts OPEN positions plus orders still waiting on the backend.
func (e *Engine) openCountLocked() int {
	n := 0
	for _, p := range e.positions {
		if p.Status == models.PositionOpen {
			n++
		}
	}
	for _, f := range e.inflight {
		if !f.filled {
			n++
		}
	}
	return n
}

// pendingLocked is the stake of orders the risk manager has not recorded yet.
func (e *Engine) pendingLocked() float64 {
	var sum float64
	for _, f := range e.inflight {
		sum += f.amount
	}
	return sum
}

func (e *Engine) Balance() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance
}

// OpenPositions returns copies of every OPEN position, oldest first.
func (e *Engine) OpenPositions() []models.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Position, 0)
	for _, id := range e.order {
		if p := e.positions[id]; p.Status == models.PositionOpen {
			out = append(out, *p)
		}
	}
	return out
}

// Position returns a copy of one position.
func (e *Engine) Position(id string) (models.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[id]
	if !ok {
		return models.Position{}, false
	}
	return *p, true
}

func (e *Engine) Start() {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	e.log.Info("engine started")
}

func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.log.Info("engine stopped")
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running && !e.locked
}

func (e *Engine) Locked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locked
}

// Reset wipes the ledger back to the initial balance and lifts an emergency lock.
// In-flight orders are cancelled and their reservations dropped with the old ledger.
func (e *Engine) Reset() {
	e.mu.Lock()
	for _, f := range e.inflight {
		f.cancel()
	}
	e.inflight = make(map[uint64]*flight)
	e.balance = e.cfg.InitialBalance
	e.peak = e.cfg.InitialBalance
	e.maxDD = 0
	e.committed = 0
	e.totalFees = 0
	e.volume = 0
	e.positions = make(map[string]*models.Position)
	e.order = nil
	e.curve = nil
	e.locked = false
	e.mu.Unlock()

	e.metrics.RecordBalance(e.name, e.cfg.InitialBalance)
	e.log.Info("engine reset", logger.Float64("balance", e.cfg.InitialBalance))
}

// EmergencyStop locks the engine, halts risk, cancels in-flight submissions and asks the
// backend to cancel every resting order. Only Reset unlocks.
func (e *Engine) EmergencyStop(ctx context.Context, reason string) models.EmergencyReport {
	now := e.now()

	e.mu.Lock()
	e.locked = true
	cancelled := 0
	for _, f := range e.inflight {
		if !f.filled {
			f.cancel()
			cancelled++
		}
	}
	open := e.openCountLocked() - cancelled
	e.mu.Unlock()

	e.risk.Halt(reason)

	report := models.EmergencyReport{
		Reason:            reason,
		At:                now,
		Engine:            e.name,
		OpenPositions:     open,
		InFlightCancelled: cancelled,
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.exec.CancelAll(cctx); err != nil {
		report.Errors = append(report.Errors, "cancel all: "+err.Error())
		e.metrics.RecordError("cancel_all")
	} else {
		report.ExchangeCancelled = true
	}

	e.log.Warn("emergency stop",
		logger.String("reason", reason),
		logger.Int("open_positions", open),
		logger.Int("in_flight_cancelled", cancelled),
		logger.Bool("exchange_cancelled", report.ExchangeCancelled),
	)
	return report
}

func (e *Engine) publish(topic string, payload interface{}) {
	if e.pub != nil {
		e.pub.Publish(topic, payload)
	}
}
