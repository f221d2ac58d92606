package indicators

import "math"

// Scale factors: the divergence ratio at which a tanh transform reaches ~0.76.
const (
	emaScale  = 0.001
	macdScale = 0.0005
	vwapScale = 0.001
	pocScale  = 0.0015
	cvdScale  = 2.0
)

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// signedPow is sign(x)*|x|^p. With p > 1 extremes weigh more than mid-range readings.
func signedPow(x, p float64) float64 {
	if x == 0 {
		return 0
	}
	return math.Copysign(math.Pow(math.Abs(x), p), x)
}

func divergence(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return (a - b) / b
}

// EMAScore: fast above slow is bullish.
func EMAScore(fast, slow float64) float64 {
	return math.Tanh(divergence(fast, slow) / emaScale)
}

func MACDScore(hist, price float64) float64 {
	if price == 0 {
		return 0
	}
	return math.Tanh(hist / price / macdScale)
}

func VWAPScore(price, vwap float64) float64 {
	return math.Tanh(divergence(price, vwap) / vwapScale)
}

func POCScore(price, poc float64) float64 {
	return math.Tanh(divergence(price, poc) / pocScale)
}

// RSIScore is contrarian: overbought is bearish, oversold bullish.
func RSIScore(rsi float64) float64 {
	return signedPow(clamp((50-rsi)/50, -1, 1), 1.5)
}

// BollingerScore is contrarian around the band centre.
func BollingerScore(pctB float64) float64 {
	return -signedPow(clamp((pctB-0.5)*2, -1, 1), 1.5)
}

func OBIScore(obi float64) float64 {
	return clamp(obi, -1, 1)
}

// WallScore nets bid against ask walls, saturating at two walls a side.
func WallScore(bidWalls, askWalls int) float64 {
	b := math.Min(float64(bidWalls), 2)
	a := math.Min(float64(askWalls), 2)
	return (b - a) / 2
}

func HAScore(streak, max int) float64 {
	if max <= 0 {
		return 0
	}
	return clamp(float64(streak)/float64(max), -1, 1)
}

// CVDScore squashes the share of net aggressive volume.
func CVDScore(delta, volume float64) float64 {
	if volume == 0 {
		return 0
	}
	return math.Tanh(delta / volume * cvdScale)
}
