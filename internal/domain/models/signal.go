package models

import "time"

type Direction string

const (
	DirectionUp      Direction = "BUY_UP"
	DirectionDown    Direction = "SELL_DOWN"
	DirectionNeutral Direction = "NEUTRAL"
)

// Actionable reports whether d asks for a position.
func (d Direction) Actionable() bool {
	return d == DirectionUp || d == DirectionDown
}

// Contribution is one indicator's share of the composite score.
type Contribution struct {
	SubScore float64 `json:"sub_score"`
	Weight   float64 `json:"weight"`
	Points   float64 `json:"points"`
}

// CompositeSignal is read-only after the generator returns it.
type CompositeSignal struct {
	ID                  string                     `json:"id"`
	Direction           Direction                  `json:"direction"`
	RawScore            float64                    `json:"raw_score"`
	AdjustedScore       float64                    `json:"adjusted_score"`
	Confidence          float64                    `json:"confidence"`
	CooldownBlocked     bool                       `json:"cooldown_blocked"`
	SentimentMultiplier float64                    `json:"sentiment_multiplier"`
	ImpliedUp           float64                    `json:"implied_up,omitempty"`
	Mode                string                     `json:"mode"`
	Threshold           float64                    `json:"threshold"`
	Contributions       map[Indicator]Contribution `json:"contributions,omitempty"`
	UnderlyingPrice     float64                    `json:"underlying_price"`
	Timestamp           time.Time                  `json:"timestamp"`
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// RiskAssessment is advisory sizing attached to a signal for human reviewers.
type RiskAssessment struct {
	Level           RiskLevel `json:"level"`
	SuggestedAmount float64   `json:"suggested_amount"`
	MaxPositionPct  float64   `json:"max_position_pct"`
}
