package models

import "time"

// Bar is one closed OHLCV candle of the underlying.
type Bar struct {
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is a depth snapshot of the underlying. Bids are sorted descending, asks ascending.
type OrderBook struct {
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	Mid       float64   `json:"mid"`
	Timestamp time.Time `json:"timestamp"`
}

// TradeTick is a single aggressor trade on the underlying.
type TradeTick struct {
	Price     float64   `json:"price"`
	Qty       float64   `json:"qty"`
	IsBuy     bool      `json:"is_buy"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceSample is one observation of the underlying price. Seq increases monotonically
// per feed so two samples taken from the same snapshot can be told apart from two
// distinct snapshots that happen to share a price.
type PriceSample struct {
	Price float64   `json:"price"`
	At    time.Time `json:"at"`
	Seq   uint64    `json:"seq"`
}

func (s PriceSample) IsZero() bool {
	return s.Price == 0 && s.At.IsZero() && s.Seq == 0
}

// SameSnapshot reports whether s and o were taken from the same observation.
func (s PriceSample) SameSnapshot(o PriceSample) bool {
	if s.Seq != 0 && s.Seq == o.Seq {
		return true
	}
	return s.At.Equal(o.At)
}

// OutcomeQuote is the top of book for one outcome token of the binary market.
type OutcomeQuote struct {
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Mid       float64 `json:"mid"`
	Spread    float64 `json:"spread"`
	Liquidity float64 `json:"liquidity"`
}

// MarketSnapshot is an immutable view of the 15-minute binary market. A newer snapshot
// supersedes it; nothing mutates it in place.
type MarketSnapshot struct {
	MarketID    string       `json:"market_id"`
	Title       string       `json:"title"`
	UpTokenID   string       `json:"up_token_id"`
	DownTokenID string       `json:"down_token_id"`
	Up          OutcomeQuote `json:"up"`
	Down        OutcomeQuote `json:"down"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`
	Timestamp   time.Time    `json:"timestamp"`
}

// ImpliedUpProbability is the market's probability for UP, from the UP mid or, when that
// is missing, the complement of the DOWN mid. ok is false when neither side is quoted.
func (m MarketSnapshot) ImpliedUpProbability() (p float64, ok bool) {
	switch {
	case m.Up.Mid > 0:
		return m.Up.Mid, true
	case m.Down.Mid > 0:
		return 1 - m.Down.Mid, true
	default:
		return 0, false
	}
}

// Quote returns the quote and token for the outcome a direction buys.
func (m MarketSnapshot) Quote(d Direction) (OutcomeQuote, string) {
	if d == DirectionDown {
		return m.Down, m.DownTokenID
	}
	return m.Up, m.UpTokenID
}
