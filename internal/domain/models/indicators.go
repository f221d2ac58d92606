package models

import "time"

type Indicator string

const (
	IndicatorEMA   Indicator = "ema"
	IndicatorOBI   Indicator = "obi"
	IndicatorMACD  Indicator = "macd"
	IndicatorCVD   Indicator = "cvd"
	IndicatorHA    Indicator = "ha"
	IndicatorVWAP  Indicator = "vwap"
	IndicatorRSI   Indicator = "rsi"
	IndicatorBB    Indicator = "bb"
	IndicatorPOC   Indicator = "poc"
	IndicatorWalls Indicator = "walls"
)

// AllIndicators lists every indicator in a stable order.
var AllIndicators = []Indicator{
	IndicatorEMA, IndicatorOBI, IndicatorMACD, IndicatorCVD, IndicatorHA,
	IndicatorVWAP, IndicatorRSI, IndicatorBB, IndicatorPOC, IndicatorWalls,
}

// Reading is the raw indicator value and its sub-score in [-1, 1].
type Reading struct {
	Value    float64 `json:"value"`
	SubScore float64 `json:"sub_score"`
}

// IndicatorSnapshot is recomputed every cycle. VolatilityPct is the expected move of the
// underlying over one contract window, in percent.
type IndicatorSnapshot struct {
	Readings      map[Indicator]Reading `json:"readings"`
	Price         float64               `json:"price"`
	Bars          int                   `json:"bars"`
	VolatilityPct float64               `json:"volatility_pct"`
	Ready         bool                  `json:"ready"`
	Timestamp     time.Time             `json:"timestamp"`
}
