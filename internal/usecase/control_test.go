package usecase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/internal/services/authorization"
	"UpDownTrader/pkg/eventbus"
)

func submitTrade(t *testing.T, h *harness) *models.Proposal {
	t.Helper()
	p, err := h.gate.Submit(context.Background(), authorization.Request{
		Action: models.ActionExecuteTrade,
		Signal: upSignal(),
		Amount: 20,
		Source: "signal",
	})
	require.NoError(t, err)
	return p
}

func TestControl_EmergencyStop(t *testing.T) {
	h := newHarness(t, models.AuthHITL)
	stops := make(chan models.EmergencyStop, 1)
	eventbus.SubscribeTyped(h.bus, models.TopicEmergencyStop, "test", func(_ context.Context, ev models.EmergencyStop) error {
		stops <- ev
		return nil
	})

	p := submitTrade(t, h)
	require.Equal(t, models.ProposalPending, p.Status)

	report := h.control.EmergencyStop(context.Background(), "manual", "alice")
	assert.Equal(t, 1, report.ProposalsCancelled)
	assert.True(t, h.engine.Locked())
	assert.False(t, h.engine.Running())
	assert.True(t, h.risk.State().Halted)
	assert.Empty(t, h.gate.Pending())

	got, ok := h.gate.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, models.ProposalRejected, got.Status)

	select {
	case ev := <-stops:
		assert.Equal(t, "alice", ev.By)
		assert.Equal(t, "manual", ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("emergency_stop was not published")
	}
}

func TestControl_LockedEngineNeedsReset(t *testing.T) {
	h := newHarness(t, models.AuthHITL)
	h.control.EmergencyStop(context.Background(), "manual", "alice")

	assert.ErrorIs(t, h.control.SetRunning(true, "alice"), ErrEngineLocked)

	stats := h.control.ResetEngine("alice")
	assert.InDelta(t, 1000, stats.Balance, 1e-9)
	assert.False(t, h.engine.Locked())
	assert.True(t, h.risk.State().Halted, "reset of the engine keeps the risk halt")

	rs := h.control.ResetRisk("alice")
	assert.False(t, rs.Halted)

	require.NoError(t, h.control.SetRunning(true, "alice"))
	assert.True(t, h.engine.Running())
	require.NoError(t, h.control.SetRunning(false, "alice"))
	assert.False(t, h.engine.Running())
}

func TestControl_SetAuthMode(t *testing.T) {
	h := newHarness(t, models.AuthHITL)

	m, err := h.control.SetAuthMode("monitor", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.AuthMonitor, m)
	assert.Equal(t, models.AuthMonitor, h.gate.Mode())

	_, err = h.control.SetAuthMode("yolo", "alice")
	assert.ErrorIs(t, err, ErrUnknownAuthMode)
	assert.Equal(t, models.AuthMonitor, h.gate.Mode())
}

func TestCommandHandler(t *testing.T) {
	h := newHarness(t, models.AuthHITL)
	handler := NewCommandHandler("commands", h.control, nil, nil)
	ctx := context.Background()
	assert.Equal(t, "commands", handler.Topic())

	encode := func(cmd Command) []byte {
		b, err := json.Marshal(cmd)
		require.NoError(t, err)
		return b
	}

	p := submitTrade(t, h)
	require.NoError(t, handler.Handle(ctx, encode(Command{Type: CommandApprove, ID: p.ID, By: "bob"})))
	got, ok := h.gate.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, models.ProposalApproved, got.Status)
	assert.Equal(t, "bob", got.ResolvedBy)

	// a second resolver loses the race but the message is still committed
	assert.NoError(t, handler.Handle(ctx, encode(Command{Type: CommandReject, ID: p.ID})))
	got, _ = h.gate.Get(p.ID)
	assert.Equal(t, models.ProposalApproved, got.Status)

	assert.NoError(t, handler.Handle(ctx, encode(Command{Type: CommandApprove, ID: "missing"})))

	require.NoError(t, handler.Handle(ctx, encode(Command{Type: CommandSwitchMode, Mode: "aggressive"})))
	assert.Equal(t, "aggressive", h.gen.Mode())
	assert.Error(t, handler.Handle(ctx, encode(Command{Type: CommandSwitchMode, Mode: "yolo"})))

	require.NoError(t, handler.Handle(ctx, encode(Command{Type: CommandAuthMode, AuthMode: "auto"})))
	assert.Equal(t, models.AuthAuto, h.gate.Mode())

	assert.Error(t, handler.Handle(ctx, encode(Command{Type: "launch"})))
	assert.Error(t, handler.Handle(ctx, []byte("{not json")))

	require.NoError(t, handler.Handle(ctx, encode(Command{Type: CommandEmergencyStop})))
	assert.True(t, h.engine.Locked())
}

func TestCommandHandler_PauseGoesThroughGate(t *testing.T) {
	h := newHarness(t, models.AuthHITL)
	handler := NewCommandHandler("commands", h.control, nil, nil)

	require.NoError(t, handler.Handle(context.Background(), []byte(`{"type":"pause","by":"carol","reason":"news"}`)))

	pending := h.gate.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, models.ActionPauseTrading, pending[0].Action)
	assert.Equal(t, "carol", pending[0].Source)
	assert.True(t, h.engine.Running())
}
