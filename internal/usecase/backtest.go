package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/internal/services/fees"
	"UpDownTrader/internal/services/indicators"
	"UpDownTrader/internal/services/market"
	"UpDownTrader/internal/services/risk"
	"UpDownTrader/internal/services/signal"
	"UpDownTrader/internal/services/trading"
	"UpDownTrader/pkg/config"
	"UpDownTrader/pkg/logger"
)

var (
	ErrNoBars           = errors.New("no bars to replay")
	ErrBadContractPrice = errors.New("contract price must be within [0.05, 0.95]")
)

// periodsPerYear annualizes per-trade Sharpe for 15-minute contracts.
const periodsPerYear = 96 * 365

// BarSource yields closed bars to replay, oldest first.
type BarSource interface {
	Bars() []models.Bar
}

type BacktestReport struct {
	Mode           string             `json:"mode"`
	Bars           int                `json:"bars"`
	From           time.Time          `json:"from"`
	To             time.Time          `json:"to"`
	Signals        int                `json:"signals"`
	Actionable     int                `json:"actionable"`
	Opened         int                `json:"opened"`
	Rejections     map[string]int     `json:"rejections,omitempty"`
	Unsettled      int                `json:"unsettled"`
	Sharpe         float64            `json:"sharpe"`
	Stats          models.EngineStats `json:"stats"`
	Curve          []models.PnLPoint  `json:"curve"`
	FinalRisk      models.RiskState   `json:"final_risk"`
	ElapsedSeconds float64            `json:"elapsed_seconds"`
	Positions      []models.Position  `json:"-"`
}

type ModeComparison struct {
	Reports map[string]BacktestReport `json:"reports"`
	Best    string                    `json:"best,omitempty"`
}

// Backtester replays closed bars through a private copy of the live decision chain:
// aggregator, generator, risk sizing and checks, and a simulation engine settled by the
// same sweeper the live loop uses. Nothing it builds is shared with the live pipeline.
type Backtester struct {
	cfg    *config.Config
	source BarSource
	log    *logger.Logger
}

func NewBacktester(cfg *config.Config, source BarSource, log *logger.Logger) *Backtester {
	if log == nil {
		log = logger.Nop()
	}
	return &Backtester{cfg: cfg, source: source, log: log.Component("backtest")}
}

// Run replays the source's bars.
func (b *Backtester) Run(ctx context.Context, req models.BacktestRequest) (BacktestReport, error) {
	return b.Replay(ctx, b.source.Bars(), req)
}

// Compare runs the same bars once per configured mode. Best is the mode with the highest
// total PnL among runs that traded.
func (b *Backtester) Compare(ctx context.Context, req models.BacktestRequest) (ModeComparison, error) {
	bars := b.source.Bars()
	modes := b.cfg.Signal.Modes
	if len(modes) == 0 {
		modes = config.DefaultModes()
	}
	names := make([]string, 0, len(modes))
	for name := range modes {
		names = append(names, name)
	}
	sort.Strings(names)

	out := ModeComparison{Reports: make(map[string]BacktestReport, len(names))}
	for _, name := range names {
		r := req
		r.Mode = name
		rep, err := b.Replay(ctx, bars, r)
		if err != nil {
			return ModeComparison{}, fmt.Errorf("mode %s: %w", name, err)
		}
		out.Reports[name] = rep
		if rep.Opened == 0 {
			continue
		}
		if out.Best == "" || rep.Stats.TotalPnL > out.Reports[out.Best].Stats.TotalPnL {
			out.Best = name
		}
	}
	return out, nil
}

type simClock struct{ t time.Time }

func (c *simClock) now() time.Time { return c.t }

// Replay runs bars in start order. Each bar moves the simulated clock to its end, settles
// what expired, then evaluates one signal cycle. Positions still open after the last bar
// are settled against it when it is newer than their entry.
func (b *Backtester) Replay(ctx context.Context, bars []models.Bar, req models.BacktestRequest) (BacktestReport, error) {
	if len(bars) == 0 {
		return BacktestReport{}, ErrNoBars
	}
	if req.ContractPrice == 0 {
		req.ContractPrice = 0.5
	}
	if req.ContractPrice < 0.05 || req.ContractPrice > 0.95 {
		return BacktestReport{}, ErrBadContractPrice
	}
	if req.InitialBalance <= 0 {
		req.InitialBalance = b.cfg.Engine.InitialBalance
	}
	bars = append([]models.Bar(nil), bars...)
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Start.Before(bars[j].Start) })
	if req.Limit > 0 && len(bars) > req.Limit {
		bars = bars[len(bars)-req.Limit:]
	}

	started := time.Now()
	clock := &simClock{t: bars[0].Start}

	sc := b.cfg.Signal
	if req.Mode != "" {
		sc.Mode = req.Mode
	}
	gen, err := signal.NewGenerator(sc, signal.WithClock(clock.now))
	if err != nil {
		return BacktestReport{}, err
	}
	ic := indicators.DefaultConfig()
	ic.MinBars = b.cfg.Signal.MinBars
	agg := indicators.NewAggregator(ic)
	state := market.NewState()
	rm := risk.NewManager(b.cfg.Risk, req.InitialBalance, risk.WithClock(clock.now))
	engine := trading.NewEngine(trading.Config{
		InitialBalance: req.InitialBalance,
		MinTradeAmount: b.cfg.Risk.MinTradeAmount,
		Expiry:         b.cfg.Engine.Expiry,
		Fees: fees.Schedule{
			Buy:  fees.Range{Min: b.cfg.Fees.BuyMin, Max: b.cfg.Fees.BuyMax},
			Sell: fees.Range{Min: b.cfg.Fees.SellMin, Max: b.cfg.Fees.SellMax},
		},
		Filter: trading.Filter{
			Enabled:        b.cfg.Fees.FilterEnabled,
			MaxSpread:      b.cfg.Fees.MaxSpread,
			MinProfitRatio: b.cfg.Fees.MinProfitRatio,
		},
		AutoStart: true,
	}, trading.SimExecutor{}, rm, state, trading.WithClock(clock.now))
	sweeper := NewSettlementSweeper(engine, state, nil, 0, b.log)
	sweeper.now = clock.now

	rep := BacktestReport{
		Mode:       gen.Mode(),
		Bars:       len(bars),
		From:       bars[0].Start,
		To:         bars[len(bars)-1].End,
		Rejections: make(map[string]int),
	}
	p := req.ContractPrice
	for _, bar := range bars {
		if err := ctx.Err(); err != nil {
			return BacktestReport{}, err
		}
		clock.t = bar.End
		state.RecordPrice(bar.Close, bar.End)
		state.SetSnapshot(models.MarketSnapshot{
			MarketID:  "backtest",
			Up:        models.OutcomeQuote{Bid: p, Ask: p, Mid: p},
			Down:      models.OutcomeQuote{Bid: 1 - p, Ask: 1 - p, Mid: 1 - p},
			Timestamp: bar.End,
		})
		if _, err := sweeper.Sweep(ctx); err != nil {
			b.log.Debug("backtest sweep incomplete", logger.Error(err))
		}

		agg.AddBar(bar)
		snap := agg.Snapshot(bar.End)
		sig := gen.Generate(snap, nil)
		rep.Signals++
		if !sig.Direction.Actionable() || sig.CooldownBlocked {
			continue
		}
		rep.Actionable++

		balance := engine.Balance()
		amount := rm.Size(models.SizeRequest{
			Balance:        balance,
			ContractPrice:  p,
			Confidence:     sig.Confidence,
			MaxPositionPct: gen.MaxPositionPct(),
			VolatilityPct:  snap.VolatilityPct,
		})
		if amount <= 0 {
			rep.Rejections[string(models.RejectBelowMinSize)]++
			continue
		}
		pos, rej, err := engine.ExecuteTrade(ctx, sig, amount)
		switch {
		case err != nil:
			return BacktestReport{}, fmt.Errorf("execute at %s: %w", bar.End.Format(time.RFC3339), err)
		case rej != nil:
			rep.Rejections[string(rej.Code)]++
		case pos != nil:
			rep.Opened++
		}
	}

	if last, ok := state.Latest(); ok {
		for _, pos := range engine.OpenPositions() {
			if !last.At.After(pos.EntryUnderlying.At) {
				rep.Unsettled++
				continue
			}
			if _, err := engine.SettlePosition(ctx, pos.ID, models.PriceSample{}, last); err != nil {
				rep.Unsettled++
			}
		}
	}

	rep.Stats = engine.Stats()
	rep.Curve = engine.PnLCurve()
	rep.Positions = engine.History(0)
	rep.Sharpe = sharpe(rep.Curve, req.InitialBalance)
	rep.FinalRisk = rm.State()
	rep.ElapsedSeconds = time.Since(started).Seconds()

	b.log.Info("backtest finished",
		logger.String("mode", rep.Mode),
		logger.Int("bars", rep.Bars),
		logger.Int("opened", rep.Opened),
		logger.Float64("pnl", rep.Stats.TotalPnL),
		logger.Float64("win_rate", rep.Stats.WinRate),
		logger.Float64("sharpe", rep.Sharpe),
	)
	return rep, nil
}

// sharpe is the annualized ratio of per-trade returns, each relative to the equity before
// the trade settled. Fewer than two trades or zero dispersion yield zero.
func sharpe(curve []models.PnLPoint, initial float64) float64 {
	if len(curve) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(curve))
	equity, prevCum := initial, 0.0
	for _, pt := range curve {
		pnl := pt.Cumulative - prevCum
		prevCum = pt.Cumulative
		r := 0.0
		if equity > 0 {
			r = pnl / equity
		}
		returns = append(returns, r)
		equity += pnl
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(returns)))
	if std == 0 {
		return 0
	}
	return math.Round(mean/std*math.Sqrt(periodsPerYear)*100) / 100
}
