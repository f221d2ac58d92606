package usecase

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/internal/services/signal"
	"UpDownTrader/pkg/config"
)

type staticBars []models.Bar

func (s staticBars) Bars() []models.Bar { return append([]models.Bar(nil), s...) }

// trendBars builds n one-minute bars moving step per bar from 50000.
func trendBars(n int, step float64) []models.Bar {
	out := make([]models.Bar, n)
	price := 50000.0
	for i := range out {
		start := t0.Add(time.Duration(i) * time.Minute)
		next := price + step
		out[i] = models.Bar{
			Open:   price,
			High:   math.Max(price, next) + 1,
			Low:    math.Min(price, next) - 1,
			Close:  next,
			Volume: 10,
			Start:  start,
			End:    start.Add(time.Minute),
		}
		price = next
	}
	return out
}

// backtestConfig scores on EMA alone so a steady trend always crosses the threshold.
func backtestConfig() *config.Config {
	cfg := config.Default()
	cfg.Signal.Weights = map[string]float64{"ema": 1}
	cfg.Signal.Cooldown = 10 * time.Minute
	return cfg
}

func TestBacktestReplaysTrendThroughSimulation(t *testing.T) {
	bars := trendBars(60, 10)
	bt := NewBacktester(backtestConfig(), staticBars(bars), nil)

	rep, err := bt.Run(context.Background(), models.BacktestRequest{InitialBalance: 1000, ContractPrice: 0.5})
	require.NoError(t, err)

	assert.Equal(t, "balanced", rep.Mode)
	assert.Equal(t, 60, rep.Bars)
	assert.Equal(t, 60, rep.Signals)
	assert.Equal(t, bars[0].Start, rep.From)
	assert.Equal(t, bars[59].End, rep.To)

	require.GreaterOrEqual(t, rep.Opened, 2)
	assert.Zero(t, rep.Unsettled)
	assert.Equal(t, rep.Opened, rep.Stats.Wins)
	assert.Zero(t, rep.Stats.Losses)
	assert.Zero(t, rep.Stats.OpenTrades)
	assert.Greater(t, rep.Stats.Balance, 1000.0)
	assert.Len(t, rep.Curve, rep.Opened)
	assert.Equal(t, rep.Opened, rep.FinalRisk.TradesToday)
	for _, p := range rep.Positions {
		assert.Equal(t, models.DirectionUp, p.Direction)
		assert.Equal(t, models.OutcomeUp, p.Outcome)
		assert.LessOrEqual(t, p.Notional, 50.0, "per-trade cap applies")
		assert.False(t, p.SettledAt.After(rep.To))
	}
}

func TestBacktestFallingMarketTradesDown(t *testing.T) {
	bt := NewBacktester(backtestConfig(), staticBars(trendBars(60, -10)), nil)

	rep, err := bt.Run(context.Background(), models.BacktestRequest{InitialBalance: 1000})
	require.NoError(t, err)

	require.NotZero(t, rep.Opened)
	for _, p := range rep.Positions {
		assert.Equal(t, models.DirectionDown, p.Direction)
		assert.True(t, p.Won)
	}
}

func TestBacktestSettlesAtExpiry(t *testing.T) {
	cfg := backtestConfig()
	cfg.Risk.MaxOpenPositions = 1
	bt := NewBacktester(cfg, staticBars(trendBars(60, 10)), nil)

	rep, err := bt.Run(context.Background(), models.BacktestRequest{InitialBalance: 1000})
	require.NoError(t, err)

	require.NotEmpty(t, rep.Positions)
	expiring := 0
	for _, p := range rep.Positions {
		if !p.ExpiresAt.After(rep.To) {
			expiring++
			assert.Equal(t, p.ExpiresAt, p.ExitUnderlying.At, "settled against the sample at expiry")
		}
	}
	assert.NotZero(t, expiring)
	assert.NotZero(t, rep.Rejections[string(models.RejectMaxOpenPositions)])
}

func TestBacktestUsesOnlyRecentBarsWithLimit(t *testing.T) {
	bars := trendBars(60, 10)
	bt := NewBacktester(backtestConfig(), staticBars(bars), nil)

	rep, err := bt.Run(context.Background(), models.BacktestRequest{InitialBalance: 1000, Limit: 20})
	require.NoError(t, err)

	assert.Equal(t, 20, rep.Bars)
	assert.Equal(t, bars[40].Start, rep.From)
	assert.Zero(t, rep.Actionable, "20 bars never reach the minimum for indicators")
	assert.Zero(t, rep.Opened)
	assert.Equal(t, 1000.0, rep.Stats.Balance)
}

func TestBacktestSortsBarsByStart(t *testing.T) {
	bars := trendBars(60, 10)
	shuffled := append([]models.Bar(nil), bars[30:]...)
	shuffled = append(shuffled, bars[:30]...)
	bt := NewBacktester(backtestConfig(), staticBars(bars), nil)

	want, err := bt.Replay(context.Background(), bars, models.BacktestRequest{InitialBalance: 1000})
	require.NoError(t, err)
	got, err := bt.Replay(context.Background(), shuffled, models.BacktestRequest{InitialBalance: 1000})
	require.NoError(t, err)

	assert.Equal(t, want.Opened, got.Opened)
	assert.Equal(t, want.Stats.Balance, got.Stats.Balance)
}

func TestBacktestRejectsBadInput(t *testing.T) {
	bt := NewBacktester(backtestConfig(), staticBars(nil), nil)
	ctx := context.Background()

	_, err := bt.Run(ctx, models.BacktestRequest{})
	assert.ErrorIs(t, err, ErrNoBars)

	bars := trendBars(5, 1)
	_, err = bt.Replay(ctx, bars, models.BacktestRequest{ContractPrice: 0.99})
	assert.ErrorIs(t, err, ErrBadContractPrice)

	_, err = bt.Replay(ctx, bars, models.BacktestRequest{Mode: "yolo"})
	assert.ErrorIs(t, err, signal.ErrUnknownMode)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = bt.Replay(cancelled, bars, models.BacktestRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBacktestCompareModes(t *testing.T) {
	bt := NewBacktester(backtestConfig(), staticBars(trendBars(60, 10)), nil)

	cmp, err := bt.Compare(context.Background(), models.BacktestRequest{InitialBalance: 1000})
	require.NoError(t, err)

	for mode := range config.DefaultModes() {
		rep, ok := cmp.Reports[mode]
		require.True(t, ok, mode)
		assert.Equal(t, mode, rep.Mode)
	}
	require.NotEmpty(t, cmp.Best)
	best := cmp.Reports[cmp.Best]
	assert.NotZero(t, best.Opened)
	for _, rep := range cmp.Reports {
		if rep.Opened > 0 {
			assert.GreaterOrEqual(t, best.Stats.TotalPnL, rep.Stats.TotalPnL)
		}
	}
}

func TestSharpe(t *testing.T) {
	assert.Zero(t, sharpe(nil, 100))
	assert.Zero(t, sharpe([]models.PnLPoint{{Cumulative: 10}}, 100))
	assert.Zero(t, sharpe([]models.PnLPoint{{Cumulative: 10}, {Cumulative: 21}}, 100), "equal returns have no dispersion")
	assert.Greater(t, sharpe([]models.PnLPoint{{Cumulative: 10}, {Cumulative: 5}, {Cumulative: 20}}, 100), 0.0)
	assert.Less(t, sharpe([]models.PnLPoint{{Cumulative: -10}, {Cumulative: -5}, {Cumulative: -20}}, 100), 0.0)
}
