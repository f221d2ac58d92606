package signal

import "math"

// SentimentMultiplier scales a raw score by how the binary market leans. impliedUp is the
// market's probability for UP; sensitivity 0 disables the adjustment.
//
// When the market agrees with the raw score the multiplier amplifies it, unless antiFOMO
// is set, in which case agreement dampens it (the move is likely priced in). When the
// market disagrees the multiplier always dampens.
func SentimentMultiplier(raw, impliedUp, sensitivity float64, antiFOMO bool) float64 {
	if raw == 0 || sensitivity == 0 {
		return 1
	}
	d := 2 * (impliedUp - 0.5)
	mag := sensitivity * math.Abs(d)
	if d == 0 {
		return 1
	}
	aligned := (raw > 0) == (d > 0)
	switch {
	case aligned && antiFOMO:
		return 1 - 0.5*mag
	case aligned:
		return 1 + mag
	default:
		return 1 - mag
	}
}

// Confidence maps an adjusted score to [0, 100]. The curve is continuous and monotonic
// in |score|, reaching 50 exactly at the threshold.
func Confidence(adjusted, threshold float64) float64 {
	a := math.Min(math.Abs(adjusted), 100)
	if threshold <= 0 {
		return a
	}
	if a < threshold {
		return 50 * a / threshold
	}
	if threshold >= 100 {
		return 50
	}
	return 50 + 50*(a-threshold)/(100-threshold)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
