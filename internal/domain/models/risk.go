package models

import (
	"fmt"
	"time"
)

type RejectionCode string

const (
	RejectEngineStopped       RejectionCode = "ENGINE_STOPPED"
	RejectNotActionable       RejectionCode = "NOT_ACTIONABLE"
	RejectCooldown            RejectionCode = "COOLDOWN"
	RejectNoMarket            RejectionCode = "NO_MARKET"
	RejectInsufficientBalance RejectionCode = "INSUFFICIENT_BALANCE"
	RejectMaxOpenPositions    RejectionCode = "MAX_OPEN_POSITIONS"
	RejectRateLimited         RejectionCode = "RATE_LIMITED"
	RejectCircuitBreaker      RejectionCode = "CIRCUIT_BREAKER"
	RejectHalted              RejectionCode = "HALTED"
	RejectBelowMinSize        RejectionCode = "BELOW_MIN_SIZE"
	RejectSpreadTooWide       RejectionCode = "SPREAD_TOO_WIDE"
	RejectInsufficientEdge    RejectionCode = "INSUFFICIENT_EDGE"
	RejectCapExhausted        RejectionCode = "CAP_EXHAUSTED"
	RejectAboveTradeCap       RejectionCode = "ABOVE_TRADE_CAP"
	RejectOrderFailed         RejectionCode = "ORDER_NOT_FILLED"
)

// Rejection is a filterable reason a trade did not happen. It is a value, not an error.
type Rejection struct {
	Code    RejectionCode          `json:"code"`
	Reason  string                 `json:"reason"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func Reject(code RejectionCode, format string, args ...interface{}) *Rejection {
	return &Rejection{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// With attaches a detail and returns r for chaining.
func (r *Rejection) With(key string, value interface{}) *Rejection {
	if r.Details == nil {
		r.Details = make(map[string]interface{})
	}
	r.Details[key] = value
	return r
}

func (r *Rejection) String() string {
	return string(r.Code) + ": " + r.Reason
}

type BreakerKind string

const (
	BreakerNone              BreakerKind = ""
	BreakerDailyLoss         BreakerKind = "DAILY_LOSS"
	BreakerConsecutiveLosses BreakerKind = "CONSECUTIVE_LOSSES"
	BreakerDrawdown          BreakerKind = "DRAWDOWN"
)

// RiskState is circuit-breaker bookkeeping. Only the risk manager mutates it.
type RiskState struct {
	Day                string      `json:"day"`
	StartingBalance    float64     `json:"starting_balance"`
	CurrentBalance     float64     `json:"current_balance"`
	PeakBalance        float64     `json:"peak_balance"`
	DrawdownPct        float64     `json:"drawdown_pct"`
	DailyRealizedPnL   float64     `json:"daily_realized_pnl"`
	ConsecutiveLosses  int         `json:"consecutive_losses"`
	TradesToday        int         `json:"trades_today"`
	OpenPositions      int         `json:"open_positions"`
	CumulativeNotional float64     `json:"cumulative_notional"`
	BreakerActive      bool        `json:"breaker_active"`
	BreakerKind        BreakerKind `json:"breaker_kind,omitempty"`
	BreakerReason      string      `json:"breaker_reason,omitempty"`
	BreakerUntil       *time.Time  `json:"breaker_until,omitempty"`
	Halted             bool        `json:"halted"`
	HaltReason         string      `json:"halt_reason,omitempty"`
	RecentResults      []bool      `json:"recent_results,omitempty"`
	RiskScore          float64     `json:"risk_score"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Blocking reports whether new trades are currently refused.
func (s RiskState) Blocking() bool {
	return s.BreakerActive || s.Halted
}

// TradeRequest is what the risk manager validates before an order is placed. Amount is
// the stake the caps apply to, Notional adds the entry fee and is checked against Balance.
// Pending is stake already reserved by orders the manager has not recorded yet.
type TradeRequest struct {
	Amount        float64
	Notional      float64
	Pending       float64
	Balance       float64
	OpenPositions int
	At            time.Time
}

// SizeRequest carries the inputs for position sizing.
type SizeRequest struct {
	Balance        float64
	ContractPrice  float64
	Confidence     float64
	MaxPositionPct float64
	VolatilityPct  float64
}
