package trading

import (
	"math"
	"sort"
	"time"

	"UpDownTrader/internal/domain/models"
)

func (e *Engine) recordCurveLocked(p *models.Position, at time.Time) {
	cum := p.PnL
	if n := len(e.curve); n > 0 {
		cum += e.curve[n-1].Cumulative
	}
	e.curve = append(e.curve, models.PnLPoint{
		At:         at,
		Cumulative: round4(cum),
		Balance:    e.balance,
		PositionID: p.ID,
	})
	if e.balance > e.peak {
		e.peak = e.balance
	}
	if e.peak > 0 {
		if dd := (e.peak - e.balance) / e.peak * 100; dd > e.maxDD {
			e.maxDD = dd
		}
	}
}

// Stats summarizes the ledger. Win rate excludes voids.
func (e *Engine) Stats() models.EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := models.EngineStats{
		Engine:           e.name,
		Running:          e.running && !e.locked,
		Locked:           e.locked,
		Balance:          e.balance,
		InitialBalance:   e.cfg.InitialBalance,
		TotalTrades:      len(e.positions),
		TotalFees:        round4(e.totalFees),
		CumulativeVolume: e.volume,
		MaxDrawdown:      math.Round(e.maxDD*100) / 100,
	}

	var grossWin, grossLoss float64
	for _, p := range e.positions {
		if p.Status == models.PositionOpen {
			s.OpenTrades++
			continue
		}
		s.TotalPnL += p.PnL
		switch {
		case p.Outcome == models.OutcomeVoid:
			s.Voids++
		case p.Won:
			s.Wins++
			grossWin += p.PnL
		default:
			s.Losses++
			grossLoss += -p.PnL
		}
	}
	s.TotalPnL = round4(s.TotalPnL)
	if decided := s.Wins + s.Losses; decided > 0 {
		s.WinRate = float64(s.Wins) / float64(decided) * 100
	}
	if s.Wins > 0 {
		s.AvgWin = round4(grossWin / float64(s.Wins))
	}
	if s.Losses > 0 {
		s.AvgLoss = round4(grossLoss / float64(s.Losses))
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	}
	if e.cfg.InitialBalance > 0 {
		s.ROI = s.TotalPnL / e.cfg.InitialBalance * 100
	}
	return s
}

// History returns settled positions, newest first. limit <= 0 means all.
func (e *Engine) History(limit int) []models.Position {
	e.mu.Lock()
	out := make([]models.Position, 0)
	for _, id := range e.order {
		if p := e.positions[id]; p.Status == models.PositionSettled {
			out = append(out, *p)
		}
	}
	e.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].SettledAt.After(*out[j].SettledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PnLCurve is the cumulative realized PnL after each settlement, in settlement order.
func (e *Engine) PnLCurve() []models.PnLPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.PnLPoint(nil), e.curve...)
}
