// Package fees models the exchange's price-dependent taker fees. Rates grow with
// distance from 0.5 and selling costs more than buying.
package fees

import (
	"math"

	"github.com/shopspring/decimal"
)

const (
	minPrice = 0.01
	maxPrice = 0.99
	minFee   = 0.0001
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

type Range struct {
	Min float64
	Max float64
}

type Schedule struct {
	Buy  Range
	Sell Range
}

func DefaultSchedule() Schedule {
	return Schedule{
		Buy:  Range{Min: 0.002, Max: 0.016},
		Sell: Range{Min: 0.008, Max: 0.037},
	}
}

// Rate is the fee rate at price: min + dev^1.5 * (max - min), dev = |p - 0.5| * 2.
// Price is clamped to [0.01, 0.99]; the result is rounded to 6 places.
func (s Schedule) Rate(side Side, price float64) float64 {
	r := s.Buy
	if side == Sell {
		r = s.Sell
	}
	p := math.Min(math.Max(price, minPrice), maxPrice)
	dev := math.Abs(p-0.5) * 2
	rate := r.Min + math.Pow(dev, 1.5)*(r.Max-r.Min)
	return round(rate, 6)
}

// Fee for amount at price, rounded to 4 places with a floor of 0.0001.
func (s Schedule) Fee(side Side, amount, price float64) float64 {
	if amount <= 0 {
		return 0
	}
	fee := round(amount*s.Rate(side, price), 4)
	return math.Max(fee, minFee)
}

// RoundTrip estimates buying amount at price and selling the resulting shares at the
// same price.
func (s Schedule) RoundTrip(amount, price float64) (buy, sell float64) {
	buy = s.Fee(Buy, amount, price)
	if price <= 0 {
		return buy, 0
	}
	shares := amount / price
	sell = s.Fee(Sell, shares*price, price)
	return buy, sell
}

func round(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}
