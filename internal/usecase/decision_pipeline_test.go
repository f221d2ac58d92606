package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/internal/services/authorization"
)

type fakeProposer struct {
	mu       sync.Mutex
	requests []authorization.Request
}

func (f *fakeProposer) Submit(_ context.Context, req authorization.Request) (*models.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return &models.Proposal{ID: "p-fake", Action: req.Action, Status: models.ProposalPending}, nil
}

func TestDecisionPipeline_ExecutesApprovedTrade(t *testing.T) {
	h := newHarness(t, models.AuthHITL)
	d := h.pipeline(nil, nil)

	p := &models.Proposal{ID: "p-1", Action: models.ActionExecuteTrade, Status: models.ProposalApproved, Signal: upSignal(), Amount: 20}
	require.NoError(t, d.OnProposalResolved(context.Background(), models.ProposalEvent{Proposal: p}))

	open := h.engine.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, "p-1", open[0].ProposalID)
	assert.Equal(t, models.DirectionUp, open[0].Direction)
	assert.Equal(t, 1, h.risk.State().TradesToday)
}

func TestDecisionPipeline_IgnoresNonExecutableProposals(t *testing.T) {
	cases := []struct {
		name     string
		proposal *models.Proposal
	}{
		{"nil", nil},
		{"pending", &models.Proposal{ID: "a", Action: models.ActionExecuteTrade, Status: models.ProposalPending, Signal: upSignal(), Amount: 20}},
		{"rejected", &models.Proposal{ID: "b", Action: models.ActionExecuteTrade, Status: models.ProposalRejected, Signal: upSignal(), Amount: 20}},
		{"expired", &models.Proposal{ID: "c", Action: models.ActionExecuteTrade, Status: models.ProposalExpired, Signal: upSignal(), Amount: 20}},
		{"shadow", &models.Proposal{ID: "d", Action: models.ActionExecuteTrade, Status: models.ProposalAutoApproved, Shadow: true, Signal: upSignal(), Amount: 20}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, models.AuthHITL)
			d := h.pipeline(nil, nil)
			require.NoError(t, d.OnProposalResolved(context.Background(), models.ProposalEvent{Proposal: tc.proposal}))
			assert.Empty(t, h.engine.OpenPositions())
		})
	}
}

func TestDecisionPipeline_SwitchModeAndPause(t *testing.T) {
	h := newHarness(t, models.AuthHITL)
	d := h.pipeline(nil, nil)
	ctx := context.Background()

	sw := &models.Proposal{ID: "p-mode", Action: models.ActionSwitchMode, Status: models.ProposalApproved, Params: map[string]string{"mode": "conservative"}}
	require.NoError(t, d.OnProposalResolved(ctx, models.ProposalEvent{Proposal: sw}))
	assert.Equal(t, "conservative", h.gen.Mode())

	bad := &models.Proposal{ID: "p-bad", Action: models.ActionSwitchMode, Status: models.ProposalApproved, Params: map[string]string{"mode": "yolo"}}
	assert.Error(t, d.OnProposalResolved(ctx, models.ProposalEvent{Proposal: bad}))
	assert.Equal(t, "conservative", h.gen.Mode())

	require.True(t, h.engine.Running())
	pause := &models.Proposal{ID: "p-pause", Action: models.ActionPauseTrading, Status: models.ProposalAutoApproved}
	require.NoError(t, d.OnProposalResolved(ctx, models.ProposalEvent{Proposal: pause}))
	assert.False(t, h.engine.Running())
}

func TestDecisionPipeline_ApprovedTradeThroughBus(t *testing.T) {
	h := newHarness(t, models.AuthAuto)
	d := h.pipeline(nil, nil)
	unsub := d.Subscribe(h.bus)
	defer unsub()

	p, err := h.gate.Submit(context.Background(), authorization.Request{
		Action: models.ActionExecuteTrade,
		Signal: upSignal(),
		Amount: 20,
		Source: "signal",
	})
	require.NoError(t, err)
	require.Equal(t, models.ProposalAutoApproved, p.Status)

	require.Eventually(t, func() bool { return len(h.engine.OpenPositions()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, p.ID, h.engine.OpenPositions()[0].ProposalID)
}

func TestDecisionPipeline_MonitorModeNeverTrades(t *testing.T) {
	h := newHarness(t, models.AuthMonitor)
	d := h.pipeline(nil, nil)
	unsub := d.Subscribe(h.bus)
	defer unsub()

	p, err := h.gate.Submit(context.Background(), authorization.Request{
		Action: models.ActionExecuteTrade,
		Signal: upSignal(),
		Amount: 20,
	})
	require.NoError(t, err)
	require.True(t, p.Shadow)

	require.NoError(t, h.bus.Close(context.Background()))
	assert.Empty(t, h.engine.OpenPositions())
}

func TestDecisionPipeline_NotReadySignalIsPublishedOnly(t *testing.T) {
	h := newHarness(t, models.AuthAuto)
	pub := &recordingPublisher{}
	prop := &fakeProposer{}
	d := h.pipeline(pub, prop)

	require.NoError(t, d.OnBar(context.Background(), models.Bar{Open: 60000, High: 60010, Low: 59990, Close: 60005, Start: t0, End: t0.Add(time.Minute)}))

	require.Equal(t, 1, pub.count(models.TopicSignalGenerated))
	sig, ok := pub.last(models.TopicSignalGenerated).(models.CompositeSignal)
	require.True(t, ok)
	assert.Equal(t, models.DirectionNeutral, sig.Direction)
	assert.Empty(t, prop.requests)
	assert.Zero(t, pub.count(models.TopicTradeRejected))
}

func TestDecisionPipeline_ProposesDefensiveModeOnce(t *testing.T) {
	h := newHarness(t, models.AuthHITL)
	prop := &fakeProposer{}
	d := h.pipeline(&recordingPublisher{}, prop)
	ctx := context.Background()

	for _, losses := range []int{1, 2, 3, 4, 0, 3} {
		require.NoError(t, d.OnRiskState(ctx, models.RiskState{ConsecutiveLosses: losses}))
	}

	require.Len(t, prop.requests, 2)
	for _, req := range prop.requests {
		assert.Equal(t, models.ActionSwitchMode, req.Action)
		assert.Equal(t, "defensive", req.Params["mode"])
		assert.Equal(t, "balanced", req.Params["from"])
		assert.Equal(t, "risk", req.Source)
	}
}

func TestDecisionPipeline_NoDefensiveProposalWhenAlreadyDefensive(t *testing.T) {
	h := newHarness(t, models.AuthHITL)
	require.NoError(t, h.gen.SetMode("defensive", "test"))
	prop := &fakeProposer{}
	d := h.pipeline(&recordingPublisher{}, prop)

	require.NoError(t, d.OnRiskState(context.Background(), models.RiskState{ConsecutiveLosses: 5}))
	assert.Empty(t, prop.requests)
}
