package usecase

import (
	"context"
	"errors"
	"fmt"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/internal/services/authorization"
	"UpDownTrader/internal/services/health"
	"UpDownTrader/internal/services/risk"
	"UpDownTrader/internal/services/signal"
	"UpDownTrader/internal/services/trading"
	"UpDownTrader/pkg/eventbus"
	"UpDownTrader/pkg/logger"
)

var (
	ErrEngineLocked    = errors.New("engine is locked by an emergency stop, reset it first")
	ErrUnknownAuthMode = errors.New("unknown authorization mode")
)

// Control is the operator surface shared by the HTTP API and the command consumer.
type Control struct {
	engine   *trading.Engine
	gate     *authorization.Gate
	risk     *risk.Manager
	gen      *signal.Generator
	registry *health.Registry
	bus      *eventbus.Bus
	log      *logger.Logger
}

func NewControl(engine *trading.Engine, gate *authorization.Gate, rm *risk.Manager, gen *signal.Generator, registry *health.Registry, bus *eventbus.Bus, log *logger.Logger) *Control {
	if log == nil {
		log = logger.Nop()
	}
	return &Control{
		engine:   engine,
		gate:     gate,
		risk:     rm,
		gen:      gen,
		registry: registry,
		bus:      bus,
		log:      log.Component("control"),
	}
}

func (c *Control) Engine() *trading.Engine { return c.engine }
func (c *Control) Gate() *authorization.Gate { return c.gate }
func (c *Control) Risk() *risk.Manager { return c.risk }
func (c *Control) Signals() *signal.Generator { return c.gen }
func (c *Control) Registry() *health.Registry { return c.registry }
func (c *Control) Bus() *eventbus.Bus { return c.bus }

// EmergencyStop locks the engine, halts risk, cancels every pending proposal and
// announces the stop on the bus.
func (c *Control) EmergencyStop(ctx context.Context, reason, by string) models.EmergencyReport {
	report := c.engine.EmergencyStop(ctx, reason)
	report.ProposalsCancelled = c.gate.CancelPending(by, "emergency stop: "+reason)
	c.bus.Publish(models.TopicEmergencyStop, models.EmergencyStop{Reason: reason, By: by, Report: report})
	c.log.Warn("emergency stop executed",
		logger.String("by", by),
		logger.String("reason", reason),
		logger.Int("proposals_cancelled", report.ProposalsCancelled),
		logger.Strings("errors", report.Errors),
	)
	return report
}

// SetRunning starts or stops intake of new trades. A locked engine cannot be started.
func (c *Control) SetRunning(running bool, by string) error {
	if !running {
		c.engine.Stop()
		return nil
	}
	if c.engine.Locked() {
		return ErrEngineLocked
	}
	c.engine.Start()
	c.log.Info("engine started", logger.String("by", by))
	return nil
}

// ResetEngine wipes the ledger, lifts the emergency lock and starts a fresh risk session
// at the initial balance. A risk halt survives; clear it with ResetRisk.
func (c *Control) ResetEngine(by string) models.EngineStats {
	c.engine.Reset()
	c.risk.Rebase(c.engine.Balance())
	c.log.Info("engine reset", logger.String("by", by))
	return c.engine.Stats()
}

// ResetRisk clears the halt, any breaker and the losing streak.
func (c *Control) ResetRisk(by string) models.RiskState {
	c.risk.Reset(by)
	return c.risk.State()
}

func (c *Control) SwitchMode(mode, by string) error {
	return c.gen.SetMode(mode, by)
}

func (c *Control) SetAuthMode(mode, by string) (models.AuthMode, error) {
	m, ok := models.ParseAuthMode(mode)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAuthMode, mode)
	}
	c.gate.SetMode(m, by)
	return m, nil
}

func (c *Control) Approve(ctx context.Context, id, by, reason string) (*models.Proposal, error) {
	return c.gate.Approve(ctx, id, by, reason)
}

func (c *Control) Reject(ctx context.Context, id, by, reason string) (*models.Proposal, error) {
	return c.gate.Reject(ctx, id, by, reason)
}

// RequestPause asks the gate to pause trading. It is CRITICAL and takes the emergency
// fast path when configured to.
func (c *Control) RequestPause(ctx context.Context, by, reason string) (*models.Proposal, error) {
	return c.gate.Submit(ctx, authorization.Request{
		Action:     models.ActionPauseTrading,
		Params:     map[string]string{"reason": reason},
		Confidence: 100,
		Source:     by,
	})
}
