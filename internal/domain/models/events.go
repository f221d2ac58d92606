package models

import "time"

// Event bus topics.
const (
	TopicBarClosed             = "bar_closed"
	TopicOrderBookUpdate       = "orderbook_update"
	TopicTradeTick             = "trade_tick"
	TopicMarketSnapshot        = "market_snapshot"
	TopicSignalGenerated       = "signal_generated"
	TopicProposalCreated       = "proposal_created"
	TopicProposalResolved      = "proposal_resolved"
	TopicModeChanged           = "mode_changed"
	TopicComponentStateChanged = "component_state_changed"
	TopicTradeOpened           = "trade_opened"
	TopicTradeRejected         = "trade_rejected"
	TopicTradeSettled          = "trade_settled"
	TopicRiskStateChanged      = "risk_state_changed"
	TopicEmergencyStop         = "emergency_stop"
	TopicAuthModeChanged       = "auth_mode_changed"
)

// AllTopics is every topic the audit sink mirrors.
var AllTopics = []string{
	TopicBarClosed, TopicOrderBookUpdate, TopicTradeTick, TopicMarketSnapshot,
	TopicSignalGenerated, TopicProposalCreated, TopicProposalResolved, TopicModeChanged,
	TopicComponentStateChanged, TopicTradeOpened, TopicTradeRejected, TopicTradeSettled,
	TopicRiskStateChanged, TopicEmergencyStop, TopicAuthModeChanged,
}

type ModeChanged struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	By   string    `json:"by"`
	At   time.Time `json:"at"`
}

type AuthModeChanged struct {
	From AuthMode  `json:"from"`
	To   AuthMode  `json:"to"`
	By   string    `json:"by"`
	At   time.Time `json:"at"`
}

type TradeRejected struct {
	SignalID   string     `json:"signal_id,omitempty"`
	ProposalID string     `json:"proposal_id,omitempty"`
	Direction  Direction  `json:"direction"`
	Amount     float64    `json:"amount"`
	Rejection  *Rejection `json:"rejection"`
	At         time.Time  `json:"at"`
}

type EmergencyStop struct {
	Reason string          `json:"reason"`
	By     string          `json:"by"`
	Report EmergencyReport `json:"report"`
}

// ProposalEvent carries a snapshot of the proposal at the time of publishing.
type ProposalEvent struct {
	Proposal *Proposal `json:"proposal"`
}
