package models

// Request models for the control-plane endpoints.

// SwitchModeRequest names a signal mode; the generator rejects names it does not know.
type SwitchModeRequest struct {
	Mode string `json:"mode" validate:"required,max=32"`
	By   string `json:"by" default:"api"`
}

type AuthModeRequest struct {
	Mode string `json:"mode" validate:"required,oneof=AUTO HITL MONITOR auto hitl monitor"`
	By   string `json:"by" default:"api"`
}

type ResolveRequest struct {
	ID     string `param:"id" validate:"required"`
	By     string `json:"by" default:"api"`
	Reason string `json:"reason" validate:"max=256"`
}

type EmergencyStopRequest struct {
	Reason string `json:"reason" default:"operator request" validate:"max=256"`
	By     string `json:"by" default:"api"`
}

type EngineRunRequest struct {
	Running *bool  `json:"running" validate:"required"`
	By      string `json:"by" default:"api"`
}

type ResetRequest struct {
	By string `json:"by" default:"api" validate:"required"`
}

type HistoryRequest struct {
	Limit int `query:"limit" default:"50" validate:"gte=1,lte=500"`
}

// PnLRequest filters the curve to points at or after Since (RFC3339 or unix seconds).
type PnLRequest struct {
	Since string `query:"since"`
}

type ProposalsRequest struct {
	Status string `query:"status" default:"pending" validate:"oneof=pending all"`
	Limit  int    `query:"limit" default:"50" validate:"gte=1,lte=200"`
}

// BacktestRequest replays retained bars. An empty Mode uses the configured one; Compare
// runs every mode instead. ContractPrice is quoted for both outcomes on every bar and
// Limit keeps only the most recent bars.
type BacktestRequest struct {
	Mode           string  `json:"mode" validate:"max=32"`
	Compare        bool    `json:"compare"`
	InitialBalance float64 `json:"initial_balance" default:"1000" validate:"gt=0"`
	ContractPrice  float64 `json:"contract_price" default:"0.5" validate:"gte=0.05,lte=0.95"`
	Limit          int     `json:"limit" validate:"gte=0,lte=10000"`
}
