package authorization

import (
	"fmt"
	"strings"
	"time"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/pkg/config"
)

type Config struct {
	Mode                models.AuthMode
	TTL                 time.Duration
	SweepInterval       time.Duration
	MaxPending          int
	HistoryLimit        int
	AutoApproveMax      models.Severity
	OnExpiry            models.ProposalStatus
	EmergencyConfidence float64
	EmergencyActions    []models.Action
	LockTTL             time.Duration
}

// ConfigFrom maps the YAML section onto gate settings.
func ConfigFrom(c config.Authorization) (Config, error) {
	mode, ok := models.ParseAuthMode(c.Mode)
	if !ok {
		return Config{}, fmt.Errorf("unknown authorization mode %q", c.Mode)
	}
	sev, ok := models.ParseSeverity(c.AutoApproveMaxSeverity)
	if !ok {
		return Config{}, fmt.Errorf("unknown severity %q", c.AutoApproveMaxSeverity)
	}
	onExpiry := models.ProposalExpired
	if strings.EqualFold(c.OnExpiry, "rejected") {
		onExpiry = models.ProposalRejected
	}
	actions := make([]models.Action, 0, len(c.EmergencyActions))
	for _, a := range c.EmergencyActions {
		actions = append(actions, models.Action(strings.ToUpper(a)))
	}
	return Config{
		Mode:                mode,
		TTL:                 c.ProposalTTL,
		SweepInterval:       c.SweepInterval,
		MaxPending:          c.MaxPending,
		HistoryLimit:        c.HistoryLimit,
		AutoApproveMax:      sev,
		OnExpiry:            onExpiry,
		EmergencyConfidence: c.EmergencyConfidence,
		EmergencyActions:    actions,
		LockTTL:             c.LockTTL,
	}, nil
}

// SeverityFor grades a request. Degraded components raise it one level; pausing trading
// is always CRITICAL.
func SeverityFor(action models.Action, confidence float64, degraded bool) models.Severity {
	if action == models.ActionPauseTrading {
		return models.SeverityCritical
	}
	var s models.Severity
	switch {
	case confidence >= 80:
		s = models.SeverityLow
	case confidence >= 50:
		s = models.SeverityMedium
	default:
		s = models.SeverityHigh
	}
	if degraded {
		s = s.Raise()
	}
	return s
}

func PriorityFor(action models.Action, severity models.Severity, confidence float64) models.Priority {
	switch {
	case severity == models.SeverityCritical || action == models.ActionPauseTrading:
		return models.PriorityCritical
	case severity == models.SeverityHigh || confidence >= 85:
		return models.PriorityHigh
	case action == models.ActionSwitchMode || confidence >= 60:
		return models.PriorityNormal
	default:
		return models.PriorityLow
	}
}

// safetyValve picks the terminal status for a proposal whose TTL ran out.
func (c Config) safetyValve(p *models.Proposal) (models.ProposalStatus, string) {
	if c.AutoApproveMax != models.SeverityNone && p.Severity.Rank() <= c.AutoApproveMax.Rank() {
		return models.ProposalAutoApproved, fmt.Sprintf("ttl %s elapsed; severity %s within auto-approve limit %s", p.TTL, p.Severity, c.AutoApproveMax)
	}
	return c.OnExpiry, fmt.Sprintf("ttl %s elapsed; severity %s above auto-approve limit %s", p.TTL, p.Severity, c.AutoApproveMax)
}

func (c Config) emergency(action models.Action, confidence float64) bool {
	if c.EmergencyConfidence <= 0 || confidence < c.EmergencyConfidence {
		return false
	}
	for _, a := range c.EmergencyActions {
		if a == action {
			return true
		}
	}
	return false
}
