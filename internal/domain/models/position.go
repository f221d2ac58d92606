package models

import "time"

type PositionStatus string

const (
	PositionOpen     PositionStatus = "OPEN"
	PositionSettled  PositionStatus = "SETTLED"
	PositionRejected PositionStatus = "REJECTED"
)

type Outcome string

const (
	OutcomeNone Outcome = ""
	OutcomeUp   Outcome = "UP"
	OutcomeDown Outcome = "DOWN"
	OutcomeVoid Outcome = "VOID"
)

// Position is created on execution and mutated exactly once, at settlement.
type Position struct {
	ID              string         `json:"id"`
	Engine          string         `json:"engine"`
	MarketID        string         `json:"market_id"`
	SignalID        string         `json:"signal_id,omitempty"`
	ProposalID      string         `json:"proposal_id,omitempty"`
	Direction       Direction      `json:"direction"`
	TokenID         string         `json:"token_id,omitempty"`
	EntryPrice      float64        `json:"entry_price"`
	ExitPrice       float64        `json:"exit_price"`
	Notional        float64        `json:"notional"`
	Shares          float64        `json:"shares"`
	FeesEntry       float64        `json:"fees_entry"`
	FeesExit        float64        `json:"fees_exit"`
	Status          PositionStatus `json:"status"`
	Outcome         Outcome        `json:"outcome,omitempty"`
	Won             bool           `json:"won"`
	PnL             float64        `json:"pnl"`
	EntryUnderlying PriceSample    `json:"entry_underlying"`
	ExitUnderlying  PriceSample    `json:"exit_underlying"`
	OpenedAt        time.Time      `json:"opened_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
	SettledAt       *time.Time     `json:"settled_at,omitempty"`
	OrderID         string         `json:"order_id,omitempty"`
}

// Settlement is the result of settling one position.
type Settlement struct {
	Position Position `json:"position"`
	Outcome  Outcome  `json:"outcome"`
	Payout   float64  `json:"payout"`
	PnL      float64  `json:"pnl"`
	Balance  float64  `json:"balance"`
}

// SettlementFailure records a position that could not be settled and stays OPEN.
type SettlementFailure struct {
	PositionID string `json:"position_id"`
	Error      string `json:"error"`
}

type EmergencyReport struct {
	Reason             string    `json:"reason"`
	At                 time.Time `json:"at"`
	Engine             string    `json:"engine"`
	OpenPositions      int       `json:"open_positions"`
	InFlightCancelled  int       `json:"in_flight_cancelled"`
	ExchangeCancelled  bool      `json:"exchange_cancelled"`
	ProposalsCancelled int       `json:"proposals_cancelled"`
	Errors             []string  `json:"errors,omitempty"`
}

type EngineStats struct {
	Engine           string  `json:"engine"`
	Running          bool    `json:"running"`
	Locked           bool    `json:"locked"`
	Balance          float64 `json:"balance"`
	InitialBalance   float64 `json:"initial_balance"`
	TotalPnL         float64 `json:"total_pnl"`
	ROI              float64 `json:"roi"`
	TotalTrades      int     `json:"total_trades"`
	OpenTrades       int     `json:"open_trades"`
	Wins             int     `json:"wins"`
	Losses           int     `json:"losses"`
	Voids            int     `json:"voids"`
	WinRate          float64 `json:"win_rate"`
	TotalFees        float64 `json:"total_fees"`
	CumulativeVolume float64 `json:"cumulative_volume"`
	AvgWin           float64 `json:"avg_win"`
	AvgLoss          float64 `json:"avg_loss"`
	ProfitFactor     float64 `json:"profit_factor"`
	MaxDrawdown      float64 `json:"max_drawdown"`
}

type PnLPoint struct {
	At         time.Time `json:"at"`
	Cumulative float64   `json:"cumulative"`
	Balance    float64   `json:"balance"`
	PositionID string    `json:"position_id"`
}
