package trading

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/internal/services/fees"
	"UpDownTrader/pkg/logger"
	"UpDownTrader/pkg/tracing"
)

// AutoSettleExpired settles every OPEN position whose expiry has passed. Positions that
// fail validation stay OPEN and their errors are joined into err.
func (e *Engine) AutoSettleExpired(ctx context.Context, entry, exit models.PriceSample) ([]models.Settlement, error) {
	now := e.now()

	e.mu.Lock()
	var due []string
	for _, id := range e.order {
		p := e.positions[id]
		if p.Status == models.PositionOpen && !p.ExpiresAt.After(now) {
			due = append(due, id)
		}
	}
	e.mu.Unlock()

	var (
		out  []models.Settlement
		errs []error
	)
	for _, id := range due {
		s, err := e.SettlePosition(ctx, id, entry, exit)
		switch {
		case errors.Is(err, ErrAlreadySettled):
			// settled concurrently through another path
		case err != nil:
			errs = append(errs, fmt.Errorf("position %s: %w", id, err))
		default:
			out = append(out, s)
		}
	}
	return out, errors.Join(errs...)
}

// SettlePosition settles one position. A zero entry sample falls back to the sample
// recorded when the position was opened.
func (e *Engine) SettlePosition(ctx context.Context, id string, entry, exit models.PriceSample) (models.Settlement, error) {
	_, span := e.tracer.Start(ctx, "trading.settle",
		attribute.String("engine", e.name),
		attribute.String("position_id", id),
	)
	s, err := e.settle(id, entry, exit)
	tracing.End(span, err)
	if err != nil {
		if !errors.Is(err, ErrAlreadySettled) {
			e.metrics.RecordError("settlement")
			e.log.Warn("settlement failed", logger.String("position_id", id), logger.Error(err))
		}
		return models.Settlement{}, err
	}

	p := s.Position
	e.risk.OnTradeSettled(s.PnL, s.Balance, s.Outcome, p.Won, *p.SettledAt)
	e.metrics.RecordTradeSettled(e.name, resultLabel(p), s.PnL)
	e.metrics.RecordBalance(e.name, s.Balance)
	e.publish(models.TopicTradeSettled, s)
	e.log.Info("position settled",
		logger.String("position_id", p.ID),
		logger.String("direction", string(p.Direction)),
		logger.String("outcome", string(s.Outcome)),
		logger.Bool("won", p.Won),
		logger.Float64("pnl", s.PnL),
		logger.Float64("balance", s.Balance),
	)
	return s, nil
}

func (e *Engine) settle(id string, entry, exit models.PriceSample) (models.Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.positions[id]
	if !ok {
		return models.Settlement{}, ErrPositionNotFound
	}
	if p.Status == models.PositionSettled {
		return models.Settlement{}, ErrAlreadySettled
	}
	if entry.IsZero() {
		entry = p.EntryUnderlying
	}
	if err := validateSamples(entry, exit); err != nil {
		return models.Settlement{}, err
	}

	outcome := outcomeOf(entry, exit)
	won := (outcome == models.OutcomeUp && p.Direction == models.DirectionUp) ||
		(outcome == models.OutcomeDown && p.Direction == models.DirectionDown)

	var payout, pnl float64
	switch {
	case outcome == models.OutcomeVoid:
		// stake back, the entry fee stays paid
		payout = p.Notional
		pnl = -p.FeesEntry
		p.ExitPrice = p.EntryPrice
	case won:
		payout = p.Shares
		p.FeesExit = e.cfg.Fees.Fee(fees.Sell, payout, p.EntryPrice)
		pnl = payout - p.FeesExit - p.Notional - p.FeesEntry
		p.ExitPrice = 1
	default:
		pnl = -(p.Notional + p.FeesEntry)
		p.ExitPrice = 0
	}
	pnl = round4(pnl)

	now := e.now()
	e.balance += payout - p.FeesExit
	e.totalFees += p.FeesExit
	p.Status = models.PositionSettled
	p.Outcome = outcome
	p.Won = won
	p.PnL = pnl
	p.EntryUnderlying = entry
	p.ExitUnderlying = exit
	p.SettledAt = &now

	e.recordCurveLocked(p, now)

	return models.Settlement{
		Position: *p,
		Outcome:  outcome,
		Payout:   payout,
		PnL:      pnl,
		Balance:  e.balance,
	}, nil
}

func validateSamples(entry, exit models.PriceSample) error {
	if entry.IsZero() || exit.IsZero() || entry.Price <= 0 || exit.Price <= 0 {
		return ErrMissingSnapshot
	}
	if entry.SameSnapshot(exit) || !exit.At.After(entry.At) {
		return ErrIdenticalSnapshot
	}
	return nil
}

func outcomeOf(entry, exit models.PriceSample) models.Outcome {
	switch {
	case exit.Price > entry.Price:
		return models.OutcomeUp
	case exit.Price < entry.Price:
		return models.OutcomeDown
	default:
		return models.OutcomeVoid
	}
}

func resultLabel(p models.Position) string {
	switch {
	case p.Outcome == models.OutcomeVoid:
		return "void"
	case p.Won:
		return "win"
	default:
		return "loss"
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
