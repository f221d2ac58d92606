package indicators

import (
	"sync"
	"time"

	"UpDownTrader/internal/domain/models"
)

type Config struct {
	MinBars      int
	MaxBars      int
	TradeWindow  time.Duration
	RSIPeriod    int
	MACDFast     int
	MACDSlow     int
	MACDSignal   int
	EMAFast      int
	EMASlow      int
	BBPeriod     int
	BBStdDev     float64
	HAStreak     int
	POCBins      int
	OBIBandPct   float64
	WallMult     float64
	VolLookback  int
	ContractSpan time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinBars:      26,
		MaxBars:      240,
		TradeWindow:  5 * time.Minute,
		RSIPeriod:    14,
		MACDFast:     12,
		MACDSlow:     26,
		MACDSignal:   9,
		EMAFast:      5,
		EMASlow:      20,
		BBPeriod:     20,
		BBStdDev:     2,
		HAStreak:     3,
		POCBins:      30,
		OBIBandPct:   1.0,
		WallMult:     5,
		VolLookback:  30,
		ContractSpan: 15 * time.Minute,
	}
}

// Aggregator keeps the rolling windows the indicators need. It is safe for concurrent use.
type Aggregator struct {
	mu     sync.RWMutex
	cfg    Config
	bars   []models.Bar
	ticks  []models.TradeTick
	book   *models.OrderBook
	last   float64
	lastAt time.Time
}

func NewAggregator(cfg Config) *Aggregator {
	if cfg.MinBars <= 0 {
		cfg.MinBars = DefaultConfig().MinBars
	}
	if cfg.MaxBars < cfg.MinBars {
		cfg.MaxBars = cfg.MinBars * 4
	}
	return &Aggregator{cfg: cfg}
}

// AddBar appends a closed bar. A bar with the same start as the last one replaces it;
// older bars are ignored.
func (a *Aggregator) AddBar(b models.Bar) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.bars); n > 0 {
		last := a.bars[n-1]
		switch {
		case b.Start.Equal(last.Start):
			a.bars[n-1] = b
			return
		case b.Start.Before(last.Start):
			return
		}
	}
	a.bars = append(a.bars, b)
	if len(a.bars) > a.cfg.MaxBars {
		a.bars = append(a.bars[:0:0], a.bars[len(a.bars)-a.cfg.MaxBars:]...)
	}
	if b.End.After(a.lastAt) {
		a.last, a.lastAt = b.Close, b.End
	}
}

func (a *Aggregator) AddTrade(t models.TradeTick) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ticks = append(a.ticks, t)
	cutoff := t.Timestamp.Add(-a.cfg.TradeWindow)
	i := 0
	for i < len(a.ticks) && a.ticks[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		a.ticks = append(a.ticks[:0:0], a.ticks[i:]...)
	}
	if !t.Timestamp.Before(a.lastAt) {
		a.last, a.lastAt = t.Price, t.Timestamp
	}
}

func (a *Aggregator) SetBook(b models.OrderBook) {
	a.mu.Lock()
	a.book = &b
	a.mu.Unlock()
}

// Bars returns a copy of the retained closed bars, oldest first.
func (a *Aggregator) Bars() []models.Bar {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]models.Bar(nil), a.bars...)
}

// LastPrice is the most recent underlying price seen from bars or trades.
func (a *Aggregator) LastPrice() (float64, time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last, a.lastAt
}

// Snapshot computes every indicator. With fewer than MinBars bars it returns a snapshot
// with Ready=false and no readings.
func (a *Aggregator) Snapshot(now time.Time) models.IndicatorSnapshot {
	a.mu.RLock()
	bars := append([]models.Bar(nil), a.bars...)
	ticks := append([]models.TradeTick(nil), a.ticks...)
	var book *models.OrderBook
	if a.book != nil {
		b := *a.book
		book = &b
	}
	price := a.last
	a.mu.RUnlock()

	snap := models.IndicatorSnapshot{
		Price:     price,
		Bars:      len(bars),
		Timestamp: now,
	}
	if len(bars) < a.cfg.MinBars || price <= 0 {
		return snap
	}

	c := a.cfg
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	r := make(map[models.Indicator]models.Reading, len(models.AllIndicators))

	fast := EMA(closes, c.EMAFast)
	slow := EMA(closes, c.EMASlow)
	emaDiv := divergence(fast[len(fast)-1], slow[len(slow)-1])
	r[models.IndicatorEMA] = models.Reading{Value: emaDiv, SubScore: EMAScore(fast[len(fast)-1], slow[len(slow)-1])}

	hist := MACDHistogram(closes, c.MACDFast, c.MACDSlow, c.MACDSignal)
	r[models.IndicatorMACD] = models.Reading{Value: hist, SubScore: MACDScore(hist, price)}

	rsi := RSI(closes, c.RSIPeriod)
	r[models.IndicatorRSI] = models.Reading{Value: rsi, SubScore: RSIScore(rsi)}

	pctB := PercentB(closes, c.BBPeriod, c.BBStdDev)
	r[models.IndicatorBB] = models.Reading{Value: pctB, SubScore: BollingerScore(pctB)}

	vwap := VWAP(bars)
	r[models.IndicatorVWAP] = models.Reading{Value: vwap, SubScore: VWAPScore(price, vwap)}

	poc := PointOfControl(bars, c.POCBins)
	r[models.IndicatorPOC] = models.Reading{Value: poc, SubScore: POCScore(price, poc)}

	streak := HeikinAshiStreak(bars, c.HAStreak)
	r[models.IndicatorHA] = models.Reading{Value: float64(streak), SubScore: HAScore(streak, c.HAStreak)}

	delta, vol := CVD(ticks, c.TradeWindow.Seconds())
	r[models.IndicatorCVD] = models.Reading{Value: delta, SubScore: CVDScore(delta, vol)}

	if book != nil {
		obi := OrderBookImbalance(*book, c.OBIBandPct)
		r[models.IndicatorOBI] = models.Reading{Value: obi, SubScore: OBIScore(obi)}
		bw, aw := Walls(*book, c.WallMult)
		r[models.IndicatorWalls] = models.Reading{Value: float64(bw - aw), SubScore: WallScore(bw, aw)}
	} else {
		r[models.IndicatorOBI] = models.Reading{}
		r[models.IndicatorWalls] = models.Reading{}
	}

	snap.Readings = r
	snap.VolatilityPct = WindowVolatilityPct(bars, c.VolLookback, c.ContractSpan)
	snap.Ready = true
	return snap
}
