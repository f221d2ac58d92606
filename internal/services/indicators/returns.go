package indicators

import (
	"math"
	"time"

	"UpDownTrader/internal/domain/models"
)

// LogReturns computes r_t = ln(C_t / C_{t-1}). Non-positive prices yield 0 for that step.
func LogReturns(bars []models.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1].Close, bars[i].Close
		if prev <= 0 || cur <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

// RealizedVolatility is the sample standard deviation of the last window returns,
// scaled by sqrt(horizon) bars.
func RealizedVolatility(returns []float64, window int, horizon float64) float64 {
	if window <= 1 || len(returns) < window {
		return 0
	}
	var sum, sum2 float64
	for _, r := range returns[len(returns)-window:] {
		sum += r
		sum2 += r * r
	}
	n := float64(window)
	mean := sum / n
	variance := (sum2 - n*mean*mean) / (n - 1)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance * horizon)
}

// WindowVolatilityPct is the expected move over window in percent, from bar returns.
func WindowVolatilityPct(bars []models.Bar, lookback int, window time.Duration) float64 {
	if len(bars) < 2 {
		return 0
	}
	barDur := bars[len(bars)-1].End.Sub(bars[len(bars)-1].Start)
	if barDur <= 0 {
		barDur = time.Minute
	}
	rets := LogReturns(bars)
	if lookback > len(rets) {
		lookback = len(rets)
	}
	horizon := float64(window) / float64(barDur)
	return RealizedVolatility(rets, lookback, horizon) * 100
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
