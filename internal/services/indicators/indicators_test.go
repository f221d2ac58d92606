package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"UpDownTrader/internal/domain/models"
)

var t0 = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

func trendBars(n int, start, step float64) []models.Bar {
	bars := make([]models.Bar, n)
	p := start
	for i := range bars {
		open := p
		p += step
		bars[i] = models.Bar{
			Open:   open,
			High:   math.Max(open, p) + 1,
			Low:    math.Min(open, p) - 1,
			Close:  p,
			Volume: 10,
			Start:  t0.Add(time.Duration(i) * time.Minute),
			End:    t0.Add(time.Duration(i+1) * time.Minute),
		}
	}
	return bars
}

func closesOf(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func TestEMAConvergesToConstant(t *testing.T) {
	out := EMA([]float64{10, 10, 10, 10}, 3)
	require.Len(t, out, 4)
	for _, v := range out {
		assert.Equal(t, 10.0, v)
	}
	assert.Nil(t, EMA(nil, 3))
}

func TestRSIExtremes(t *testing.T) {
	up := closesOf(trendBars(30, 100, 1))
	down := closesOf(trendBars(30, 100, -1))
	assert.Equal(t, 100.0, RSI(up, 14))
	assert.Equal(t, 0.0, RSI(down, 14))
	assert.Equal(t, 50.0, RSI(up[:5], 14))
}

func TestMACDFollowsTrend(t *testing.T) {
	up := closesOf(trendBars(60, 100, 0.5))
	accel := make([]float64, len(up))
	for i := range up {
		accel[i] = 100 + float64(i*i)*0.05
	}
	assert.Greater(t, MACDHistogram(accel, 12, 26, 9), 0.0)
	assert.Equal(t, 0.0, MACDHistogram(up[:10], 12, 26, 9))
}

func TestVWAPUsesTypicalPrice(t *testing.T) {
	bars := []models.Bar{
		{High: 12, Low: 8, Close: 10, Volume: 1},
		{High: 22, Low: 18, Close: 20, Volume: 3},
	}
	assert.InDelta(t, 17.5, VWAP(bars), 1e-9)
	assert.Equal(t, 5.0, VWAP([]models.Bar{{Close: 5}}))
}

func TestPercentB(t *testing.T) {
	assert.Equal(t, 0.5, PercentB([]float64{1, 1, 1, 1}, 4, 2))
	up := closesOf(trendBars(20, 100, 1))
	assert.Greater(t, PercentB(up, 20, 2), 0.8)
}

func TestHeikinAshiStreakCapsAtMax(t *testing.T) {
	assert.Equal(t, 3, HeikinAshiStreak(trendBars(10, 100, 1), 3))
	assert.Equal(t, -3, HeikinAshiStreak(trendBars(10, 100, -1), 3))
	assert.Equal(t, 0, HeikinAshiStreak(nil, 3))
}

func TestPointOfControlFindsHeavyBin(t *testing.T) {
	bars := []models.Bar{
		{High: 101, Low: 100, Close: 100.5, Volume: 1},
		{High: 110, Low: 109, Close: 109.5, Volume: 50},
	}
	poc := PointOfControl(bars, 10)
	assert.Greater(t, poc, 108.0)
	assert.LessOrEqual(t, poc, 110.0)
}

func TestOrderBookImbalanceAndWalls(t *testing.T) {
	book := models.OrderBook{
		Mid:  100,
		Bids: []models.Level{{Price: 99.9, Size: 30}, {Price: 99.5, Size: 10}, {Price: 90, Size: 1000}},
		Asks: []models.Level{{Price: 100.1, Size: 10}, {Price: 100.5, Size: 10}},
	}
	// the 90 bid is outside a 1% band
	assert.InDelta(t, (40.0-20.0)/60.0, OrderBookImbalance(book, 1.0), 1e-9)

	bw, aw := Walls(book, 3)
	assert.Equal(t, 1, bw)
	assert.Equal(t, 0, aw)
	assert.Equal(t, 0.0, OrderBookImbalance(models.OrderBook{}, 1))
}

func TestCVDWindow(t *testing.T) {
	ticks := []models.TradeTick{
		{Qty: 100, IsBuy: true, Timestamp: t0},
		{Qty: 2, IsBuy: true, Timestamp: t0.Add(10 * time.Minute)},
		{Qty: 1, IsBuy: false, Timestamp: t0.Add(11 * time.Minute)},
	}
	delta, vol := CVD(ticks, 300)
	assert.Equal(t, 1.0, delta)
	assert.Equal(t, 3.0, vol)
}

func TestScoresStayInRange(t *testing.T) {
	scores := []float64{
		EMAScore(110, 100), EMAScore(90, 100),
		MACDScore(50, 100), VWAPScore(1000, 1),
		POCScore(0, 100), RSIScore(0), RSIScore(100),
		BollingerScore(3), BollingerScore(-2), OBIScore(5),
		WallScore(10, 0), HAScore(7, 3), CVDScore(-10, 1),
	}
	for _, s := range scores {
		assert.GreaterOrEqual(t, s, -1.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestScoreDirections(t *testing.T) {
	assert.Greater(t, EMAScore(100.2, 100), 0.0)
	assert.Less(t, VWAPScore(99.8, 100), 0.0)
	assert.Equal(t, 1.0, RSIScore(0))
	assert.Equal(t, -1.0, RSIScore(100))
	assert.Equal(t, 0.0, RSIScore(50))
	assert.Equal(t, -1.0, BollingerScore(1))
	assert.Equal(t, 0.0, BollingerScore(0.5))
	assert.Equal(t, 0.5, WallScore(1, 0))
	assert.Equal(t, -1.0, WallScore(0, 4))
	assert.InDelta(t, 2.0/3.0, HAScore(2, 3), 1e-9)
	assert.Equal(t, 0.0, CVDScore(5, 0))
	assert.InDelta(t, math.Tanh(1), CVDScore(5, 10), 1e-12)
}

func TestRSIScoreIsConvex(t *testing.T) {
	// x = 0.5 -> 0.5^1.5
	assert.InDelta(t, math.Pow(0.5, 1.5), RSIScore(25), 1e-12)
}

func TestLogReturnsAndVolatility(t *testing.T) {
	bars := trendBars(5, 100, 0)
	rets := LogReturns(bars)
	require.Len(t, rets, 4)
	assert.Equal(t, 0.0, RealizedVolatility(rets, 4, 15))
	assert.Equal(t, 0.0, RealizedVolatility(rets, 10, 15))

	r := []float64{0.01, -0.01, 0.01, -0.01}
	v := RealizedVolatility(r, 4, 1)
	assert.Greater(t, v, 0.01)
	assert.InDelta(t, v*2, RealizedVolatility(r, 4, 4), 1e-12)
}

func TestAggregatorNotReadyBelowMinBars(t *testing.T) {
	a := NewAggregator(DefaultConfig())
	for _, b := range trendBars(25, 100, 1) {
		a.AddBar(b)
	}
	snap := a.Snapshot(t0)
	assert.False(t, snap.Ready)
	assert.Equal(t, 25, snap.Bars)
	assert.Empty(t, snap.Readings)
}

func TestAggregatorSnapshotReady(t *testing.T) {
	a := NewAggregator(DefaultConfig())
	for _, b := range trendBars(40, 100, 1) {
		a.AddBar(b)
	}
	a.SetBook(models.OrderBook{
		Mid:  140,
		Bids: []models.Level{{Price: 139.9, Size: 5}},
		Asks: []models.Level{{Price: 140.1, Size: 1}},
	})
	a.AddTrade(models.TradeTick{Price: 140, Qty: 1, IsBuy: true, Timestamp: t0.Add(40 * time.Minute)})

	snap := a.Snapshot(t0.Add(41 * time.Minute))
	require.True(t, snap.Ready)
	assert.Equal(t, 140.0, snap.Price)
	assert.Len(t, snap.Readings, len(models.AllIndicators))
	for _, ind := range models.AllIndicators {
		r, ok := snap.Readings[ind]
		require.True(t, ok, ind)
		assert.GreaterOrEqual(t, r.SubScore, -1.0, ind)
		assert.LessOrEqual(t, r.SubScore, 1.0, ind)
	}
	assert.Greater(t, snap.Readings[models.IndicatorEMA].SubScore, 0.0)
	assert.Greater(t, snap.Readings[models.IndicatorOBI].SubScore, 0.0)
	assert.Equal(t, 1.0, snap.Readings[models.IndicatorCVD].Value)
}

func TestAggregatorReplacesSameStartBar(t *testing.T) {
	a := NewAggregator(Config{MinBars: 1, MaxBars: 3})
	bars := trendBars(2, 100, 1)
	a.AddBar(bars[0])
	a.AddBar(bars[1])

	revised := bars[1]
	revised.Close = 500
	a.AddBar(revised)
	a.AddBar(bars[0]) // stale

	a.mu.RLock()
	defer a.mu.RUnlock()
	require.Len(t, a.bars, 2)
	assert.Equal(t, 500.0, a.bars[1].Close)
}

func TestAggregatorTrimsWindows(t *testing.T) {
	a := NewAggregator(Config{MinBars: 2, MaxBars: 5, TradeWindow: time.Minute})
	for _, b := range trendBars(12, 100, 1) {
		a.AddBar(b)
	}
	a.AddTrade(models.TradeTick{Price: 1, Qty: 1, Timestamp: t0})
	a.AddTrade(models.TradeTick{Price: 2, Qty: 1, Timestamp: t0.Add(2 * time.Minute)})

	a.mu.RLock()
	assert.Len(t, a.bars, 5)
	assert.Len(t, a.ticks, 1)
	a.mu.RUnlock()
}
