package service

import (
	"context"
	"time"

	"UpDownTrader/internal/domain/models"
)

// TradingEngine is the single contract shared by the simulation and live backends.
// Callers never learn which one is active.
type TradingEngine interface {
	// ExecuteTrade opens a position for sig sized at amount (quote currency). Filterable
	// conditions come back as a Rejection with a nil error.
	ExecuteTrade(ctx context.Context, sig *models.CompositeSignal, amount float64) (*models.Position, *models.Rejection, error)
	// AutoSettleExpired settles every open position past expiry using the entry and exit
	// underlying samples. A zero entry sample means each position's own recorded entry.
	AutoSettleExpired(ctx context.Context, entry, exit models.PriceSample) ([]models.Settlement, error)
	Balance() float64
	OpenPositions() []models.Position
	EmergencyStop(ctx context.Context, reason string) models.EmergencyReport
}

// RiskGate is the risk manager surface the engine consults and informs synchronously.
type RiskGate interface {
	Validate(req models.TradeRequest) *models.Rejection
	OnTradeOpened(notional, balance float64, at time.Time)
	OnTradeSettled(pnl, balance float64, outcome models.Outcome, won bool, at time.Time)
	Halt(reason string)
}
