package models

import (
	"strings"
	"time"
)

type AuthMode string

const (
	AuthAuto    AuthMode = "AUTO"
	AuthHITL    AuthMode = "HITL"
	AuthMonitor AuthMode = "MONITOR"
)

func ParseAuthMode(s string) (AuthMode, bool) {
	switch m := AuthMode(strings.ToUpper(s)); m {
	case AuthAuto, AuthHITL, AuthMonitor:
		return m, true
	}
	return "", false
}

type ProposalStatus string

const (
	ProposalPending      ProposalStatus = "PENDING"
	ProposalApproved     ProposalStatus = "APPROVED"
	ProposalRejected     ProposalStatus = "REJECTED"
	ProposalExpired      ProposalStatus = "EXPIRED"
	ProposalAutoApproved ProposalStatus = "AUTO_APPROVED"
)

func (s ProposalStatus) Terminal() bool {
	return s != ProposalPending
}

// Executable reports whether a proposal in this status may reach the engine.
func (s ProposalStatus) Executable() bool {
	return s == ProposalApproved || s == ProposalAutoApproved
}

type Action string

const (
	ActionExecuteTrade Action = "EXECUTE_TRADE"
	ActionSwitchMode   Action = "SWITCH_MODE"
	ActionPauseTrading Action = "PAUSE_TRADING"
)

type Severity string

const (
	SeverityNone     Severity = "NONE"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityNone: 0, SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3, SeverityCritical: 4,
}

func (s Severity) Rank() int { return severityRank[s] }

// Raise returns the next higher severity, saturating at CRITICAL.
func (s Severity) Raise() Severity {
	switch s {
	case SeverityNone, SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

func ParseSeverity(s string) (Severity, bool) {
	v := Severity(strings.ToUpper(s))
	_, ok := severityRank[v]
	return v, ok
}

type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

var priorityRank = map[Priority]int{
	PriorityLow: 0, PriorityNormal: 1, PriorityHigh: 2, PriorityCritical: 3,
}

func (p Priority) Rank() int { return priorityRank[p] }

type StatusChange struct {
	From   ProposalStatus `json:"from,omitempty"`
	To     ProposalStatus `json:"to"`
	By     string         `json:"by"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

// Proposal is resolved exactly once: by a human, by policy or by the TTL safety valve.
type Proposal struct {
	ID         string            `json:"id"`
	Action     Action            `json:"action"`
	Signal     *CompositeSignal  `json:"signal,omitempty"`
	Amount     float64           `json:"amount"`
	Params     map[string]string `json:"params,omitempty"`
	Confidence float64           `json:"confidence"`
	Priority   Priority          `json:"priority"`
	Severity   Severity          `json:"severity"`
	Status     ProposalStatus    `json:"status"`
	Source     string            `json:"source"`
	Mode       AuthMode          `json:"mode"`
	Shadow     bool              `json:"shadow"`
	Risk       *RiskAssessment   `json:"risk,omitempty"`
	TTL        time.Duration     `json:"ttl"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy string            `json:"resolved_by,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	History    []StatusChange    `json:"history"`
}

// Clone returns a deep enough copy for readers outside the queue.
func (p *Proposal) Clone() *Proposal {
	c := *p
	c.History = append([]StatusChange(nil), p.History...)
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		c.ResolvedAt = &t
	}
	if p.Params != nil {
		c.Params = make(map[string]string, len(p.Params))
		for k, v := range p.Params {
			c.Params[k] = v
		}
	}
	return &c
}

type AuthorizationStats struct {
	Mode        AuthMode               `json:"mode"`
	Pending     int                    `json:"pending"`
	Created     int                    `json:"created"`
	ByStatus    map[ProposalStatus]int `json:"by_status"`
	SafetyValve int                    `json:"safety_valve"`
	Evicted     int                    `json:"evicted"`
	Conflicts   int                    `json:"conflicts"`
}
