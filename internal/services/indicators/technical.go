package indicators

import (
	"math"

	"UpDownTrader/internal/domain/models"
)

// EMA returns the exponential moving average series, seeded with the first value.
func EMA(values []float64, period int) []float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}
	k := 2.0 / float64(period+1)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI with Wilder smoothing. Returns 50 when there is not enough data.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) <= period {
		return 50
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACDHistogram returns the latest MACD line minus its signal line.
func MACDHistogram(closes []float64, fast, slow, signal int) float64 {
	if len(closes) < slow {
		return 0
	}
	f := EMA(closes, fast)
	s := EMA(closes, slow)
	line := make([]float64, len(closes))
	for i := range closes {
		line[i] = f[i] - s[i]
	}
	sig := EMA(line, signal)
	return line[len(line)-1] - sig[len(sig)-1]
}

// VWAP over the bars using the typical price.
func VWAP(bars []models.Bar) float64 {
	var pv, vol float64
	for _, b := range bars {
		tp := (b.High + b.Low + b.Close) / 3
		pv += tp * b.Volume
		vol += b.Volume
	}
	if vol == 0 {
		if len(bars) == 0 {
			return 0
		}
		return bars[len(bars)-1].Close
	}
	return pv / vol
}

// PercentB is Bollinger %B of the last close over period with k standard deviations.
// A flat window returns 0.5.
func PercentB(closes []float64, period int, k float64) float64 {
	if len(closes) < period || period <= 0 {
		return 0.5
	}
	window := closes[len(closes)-period:]
	var sum float64
	for _, c := range window {
		sum += c
	}
	mean := sum / float64(period)
	var ss float64
	for _, c := range window {
		ss += (c - mean) * (c - mean)
	}
	sd := math.Sqrt(ss / float64(period))
	if sd == 0 {
		return 0.5
	}
	upper := mean + k*sd
	lower := mean - k*sd
	return (closes[len(closes)-1] - lower) / (upper - lower)
}

// HeikinAshiStreak counts same-colour Heikin-Ashi candles at the end of the series,
// up to max. Bullish streaks are positive, bearish negative.
func HeikinAshiStreak(bars []models.Bar, max int) int {
	if len(bars) == 0 {
		return 0
	}
	colours := make([]int, len(bars))
	haOpen := (bars[0].Open + bars[0].Close) / 2
	haClose := (bars[0].Open + bars[0].High + bars[0].Low + bars[0].Close) / 4
	colours[0] = sign(haClose - haOpen)
	for i := 1; i < len(bars); i++ {
		b := bars[i]
		haOpen = (haOpen + haClose) / 2
		haClose = (b.Open + b.High + b.Low + b.Close) / 4
		colours[i] = sign(haClose - haOpen)
	}

	last := colours[len(colours)-1]
	if last == 0 {
		return 0
	}
	n := 0
	for i := len(colours) - 1; i >= 0 && n < max && colours[i] == last; i-- {
		n++
	}
	return n * last
}

// PointOfControl is the centre of the price bin holding the most volume. Each bar's
// volume is spread evenly across the bins its range touches.
func PointOfControl(bars []models.Bar, bins int) float64 {
	if len(bars) == 0 || bins <= 0 {
		return 0
	}
	lo, hi := bars[0].Low, bars[0].High
	for _, b := range bars {
		lo = math.Min(lo, b.Low)
		hi = math.Max(hi, b.High)
	}
	if hi <= lo {
		return lo
	}
	size := (hi - lo) / float64(bins)
	vols := make([]float64, bins)
	for _, b := range bars {
		from := int((b.Low - lo) / size)
		to := int((b.High - lo) / size)
		if from < 0 {
			from = 0
		}
		if to > bins-1 {
			to = bins - 1
		}
		if from > to {
			from = to
		}
		share := b.Volume / float64(to-from+1)
		for i := from; i <= to; i++ {
			vols[i] += share
		}
	}
	best := 0
	for i, v := range vols {
		if v > vols[best] {
			best = i
		}
	}
	return lo + (float64(best)+0.5)*size
}

// OrderBookImbalance is (bid - ask) / (bid + ask) over levels within bandPct of mid.
func OrderBookImbalance(book models.OrderBook, bandPct float64) float64 {
	mid := book.Mid
	if mid <= 0 {
		return 0
	}
	band := mid * bandPct / 100
	var bid, ask float64
	for _, l := range book.Bids {
		if l.Price >= mid-band {
			bid += l.Size
		}
	}
	for _, l := range book.Asks {
		if l.Price <= mid+band {
			ask += l.Size
		}
	}
	if bid+ask == 0 {
		return 0
	}
	return (bid - ask) / (bid + ask)
}

// Walls counts levels on each side whose size is at least mult times the average level.
func Walls(book models.OrderBook, mult float64) (bidWalls, askWalls int) {
	n := len(book.Bids) + len(book.Asks)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, l := range book.Bids {
		sum += l.Size
	}
	for _, l := range book.Asks {
		sum += l.Size
	}
	threshold := sum / float64(n) * mult
	for _, l := range book.Bids {
		if l.Size >= threshold {
			bidWalls++
		}
	}
	for _, l := range book.Asks {
		if l.Size >= threshold {
			askWalls++
		}
	}
	return bidWalls, askWalls
}

// CVD sums signed volume for ticks inside the window ending at the last tick and
// returns it with the total volume of the same ticks.
func CVD(ticks []models.TradeTick, window float64) (delta, volume float64) {
	if len(ticks) == 0 {
		return 0, 0
	}
	cutoff := ticks[len(ticks)-1].Timestamp.Add(-secondsToDuration(window))
	for _, t := range ticks {
		if t.Timestamp.Before(cutoff) {
			continue
		}
		volume += t.Qty
		if t.IsBuy {
			delta += t.Qty
		} else {
			delta -= t.Qty
		}
	}
	return delta, volume
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
