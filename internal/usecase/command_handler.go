package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	drepo "UpDownTrader/internal/domain/repository"
	"UpDownTrader/internal/services/authorization"
	pkgkafka "UpDownTrader/pkg/kafka"
	"UpDownTrader/pkg/logger"
)

// Command is what the chat bot publishes on the commands topic.
type Command struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	By       string `json:"by"`
	Reason   string `json:"reason,omitempty"`
	Mode     string `json:"mode,omitempty"`
	AuthMode string `json:"auth_mode,omitempty"`
}

const (
	CommandApprove       = "approve"
	CommandReject        = "reject"
	CommandEmergencyStop = "emergency_stop"
	CommandSwitchMode    = "switch_mode"
	CommandAuthMode      = "auth_mode"
	CommandPause         = "pause"
)

// CommandHandler applies operator commands consumed from Kafka.
type CommandHandler struct {
	topic   string
	control *Control
	metrics drepo.Metrics
	log     *logger.Logger
}

var _ pkgkafka.MessageHandler = (*CommandHandler)(nil)

func NewCommandHandler(topic string, control *Control, metrics drepo.Metrics, log *logger.Logger) *CommandHandler {
	if metrics == nil {
		metrics = drepo.NopMetrics{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &CommandHandler{topic: topic, control: control, metrics: metrics, log: log.Component("commands")}
}

func (h *CommandHandler) Topic() string { return h.topic }

// Handle applies one command. A proposal that was already resolved is not an error:
// the late resolver is told and the message is committed.
func (h *CommandHandler) Handle(ctx context.Context, b []byte) error {
	var cmd Command
	if err := json.Unmarshal(b, &cmd); err != nil {
		h.metrics.RecordError("command_unmarshal")
		return fmt.Errorf("decode command: %w", err)
	}
	if cmd.By == "" {
		cmd.By = "chat"
	}
	log := h.log.With(logger.String("type", cmd.Type), logger.String("by", cmd.By))

	var err error
	switch cmd.Type {
	case CommandApprove:
		_, err = h.control.Approve(ctx, cmd.ID, cmd.By, cmd.Reason)
	case CommandReject:
		_, err = h.control.Reject(ctx, cmd.ID, cmd.By, cmd.Reason)
	case CommandEmergencyStop:
		reason := cmd.Reason
		if reason == "" {
			reason = "chat command"
		}
		h.control.EmergencyStop(ctx, reason, cmd.By)
	case CommandSwitchMode:
		err = h.control.SwitchMode(cmd.Mode, cmd.By)
	case CommandAuthMode:
		_, err = h.control.SetAuthMode(cmd.AuthMode, cmd.By)
	case CommandPause:
		_, err = h.control.RequestPause(ctx, cmd.By, cmd.Reason)
	default:
		h.metrics.RecordError("command_unknown")
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}

	var resolved *authorization.ResolvedError
	switch {
	case errors.As(err, &resolved):
		log.Info("proposal already resolved",
			logger.String("id", resolved.ID),
			logger.String("status", string(resolved.Status)),
			logger.String("resolved_by", resolved.By),
		)
		return nil
	case errors.Is(err, authorization.ErrNotFound):
		log.Warn("proposal not found", logger.String("id", cmd.ID))
		return nil
	case err != nil:
		h.metrics.RecordError("command_apply")
		return fmt.Errorf("apply %s: %w", cmd.Type, err)
	}
	log.Info("command applied", logger.String("id", cmd.ID))
	return nil
}
