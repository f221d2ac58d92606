package risk

import (
	"fmt"
	"math"

	"UpDownTrader/internal/domain/models"
)

// Sizing is the full breakdown of a position size decision.
type Sizing struct {
	Amount         float64 `json:"amount"`
	Kelly          float64 `json:"kelly"`
	Pct            float64 `json:"pct"`
	ConfidenceMult float64 `json:"confidence_mult"`
	VolatilityMult float64 `json:"volatility_mult"`
	StreakPenalty  float64 `json:"streak_penalty"`
	RiskScore      float64 `json:"risk_score"`
	Reason         string  `json:"reason,omitempty"`
}

// Kelly returns the fractional Kelly stake for win probability p at contract price c,
// where the payout odds are b = 1/c - 1. The result is never negative and never above ceiling.
func Kelly(p, c, fraction, ceiling float64) float64 {
	if c <= 0 || c >= 1 {
		return 0
	}
	b := 1/c - 1
	p = math.Max(0, math.Min(1, p))
	f := (p*b - (1 - p)) / b
	if f <= 0 {
		return 0
	}
	return math.Min(f*fraction, ceiling)
}

// Size recommends a stake in quote currency. Zero means do not trade.
func (m *Manager) Size(req models.SizeRequest) float64 {
	return m.SizeDetail(req).Amount
}

func (m *Manager) SizeDetail(req models.SizeRequest) Sizing {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshLocked(m.now())
	s := m.state
	if s.Halted {
		return Sizing{RiskScore: 100, Reason: "halted"}
	}
	if s.BreakerActive {
		return Sizing{RiskScore: 100, Reason: s.BreakerReason}
	}
	if req.Balance <= 0 {
		return Sizing{Reason: "no balance"}
	}

	out := Sizing{
		ConfidenceMult: math.Max(0.25, math.Min(1.5, 0.5+req.Confidence/200)),
		VolatilityMult: m.volatilityMult(req.VolatilityPct),
		StreakPenalty:  streakPenalty(s.ConsecutiveLosses),
	}

	modeMax := req.MaxPositionPct
	if modeMax <= 0 {
		modeMax = m.cfg.MaxPositionPct
	}
	base := modeMax
	if len(s.RecentResults) > 0 {
		out.Kelly = Kelly(winRate(s.RecentResults), req.ContractPrice, m.cfg.KellyFraction, m.cfg.KellyCap)
		if out.Kelly == 0 {
			out.Reason = "no edge at this price"
			out.RiskScore = riskScore(0, req.VolatilityPct, s)
			return out
		}
		base = math.Min(out.Kelly, modeMax)
	}

	pct := base * out.ConfidenceMult * out.VolatilityMult * out.StreakPenalty
	pct = math.Max(m.cfg.MinPositionPct, math.Min(m.cfg.MaxPositionPct, pct))
	out.Pct = pct

	amount := req.Balance * pct
	if m.cfg.MaxPerTrade > 0 && amount > m.cfg.MaxPerTrade {
		amount = m.cfg.MaxPerTrade
	}
	if m.cfg.MaxCumulative > 0 {
		remaining := m.cfg.MaxCumulative - s.CumulativeNotional
		if remaining <= 0 {
			out.Reason = "cumulative cap reached"
			amount = 0
		} else if amount > remaining {
			amount = remaining
		}
	}
	if amount < m.cfg.MinTradeAmount {
		if out.Reason == "" {
			out.Reason = fmt.Sprintf("below minimum trade %.2f", m.cfg.MinTradeAmount)
		}
		amount = 0
	}
	out.Amount = math.Round(amount*100) / 100
	out.RiskScore = riskScore(pct, req.VolatilityPct, s)
	m.state.RiskScore = out.RiskScore
	return out
}

func (m *Manager) volatilityMult(v float64) float64 {
	lo, hi := m.cfg.VolatilityLowPct, m.cfg.VolatilityHighPct
	switch {
	case hi <= lo:
		return 1
	case v > hi:
		return 0.5
	case v > lo:
		return 1 - 0.5*(v-lo)/(hi-lo)
	default:
		return 1
	}
}

func streakPenalty(losses int) float64 {
	if losses < 2 {
		return 1
	}
	return math.Max(0.3, 1-0.15*float64(losses-1))
}

func winRate(results []bool) float64 {
	if len(results) == 0 {
		return 0
	}
	wins := 0
	for _, w := range results {
		if w {
			wins++
		}
	}
	return float64(wins) / float64(len(results))
}

// riskScore is 0 (calm) to 100. Position size, volatility, streak and drawdown each
// contribute a capped share.
func riskScore(pct, volPct float64, s models.RiskState) float64 {
	score := math.Min(30, pct*100) +
		math.Min(25, volPct*15) +
		math.Min(25, float64(s.ConsecutiveLosses)*6) +
		math.Min(20, s.DrawdownPct*2)
	return math.Min(100, score)
}

func formatReason(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}
