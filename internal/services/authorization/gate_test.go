package authorization

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/pkg/config"
)

var t0 = time.Date(2026, 7, 9, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ProposalEvent
	topics []string
}

func (p *recordingPublisher) Publish(topic string, payload interface{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	if ev, ok := payload.(models.ProposalEvent); ok && topic == models.TopicProposalResolved {
		p.events = append(p.events, ev)
	}
	return true
}

func (p *recordingPublisher) resolved() []models.ProposalEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ProposalEvent(nil), p.events...)
}

type staticHealth []string

func (h staticHealth) Degraded() []string { return h }

type staticRisk struct{ state models.RiskState }

func (r staticRisk) State() models.RiskState { return r.state }

func defaultConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := ConfigFrom(config.Default().Authorization)
	require.NoError(t, err)
	return cfg
}

func newGate(t *testing.T, mutate func(*Config), opts ...Option) (*Gate, *fakeClock, *recordingPublisher) {
	t.Helper()
	cfg := defaultConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	clock := &fakeClock{t: t0}
	pub := &recordingPublisher{}
	opts = append([]Option{WithClock(clock.Now), WithPublisher(pub)}, opts...)
	return NewGate(cfg, opts...), clock, pub
}

func trade(confidence float64) Request {
	return Request{
		Action: models.ActionExecuteTrade,
		Signal: &models.CompositeSignal{ID: "s", Direction: models.DirectionUp, Confidence: confidence},
		Amount: 25,
		Source: "signal",
	}
}

func TestConfigFromDefaults(t *testing.T) {
	cfg := defaultConfig(t)
	assert.Equal(t, models.AuthHITL, cfg.Mode)
	assert.Equal(t, models.SeverityLow, cfg.AutoApproveMax)
	assert.Equal(t, models.ProposalExpired, cfg.OnExpiry)
	assert.Equal(t, 300*time.Second, cfg.TTL)
	assert.Equal(t, []models.Action{models.ActionPauseTrading}, cfg.EmergencyActions)
}

func TestSeverityAndPriority(t *testing.T) {
	tests := []struct {
		action     models.Action
		confidence float64
		degraded   bool
		severity   models.Severity
		priority   models.Priority
	}{
		{models.ActionExecuteTrade, 90, false, models.SeverityLow, models.PriorityHigh},
		{models.ActionExecuteTrade, 82, false, models.SeverityLow, models.PriorityNormal},
		{models.ActionExecuteTrade, 55, false, models.SeverityMedium, models.PriorityLow},
		{models.ActionExecuteTrade, 30, false, models.SeverityHigh, models.PriorityHigh},
		{models.ActionExecuteTrade, 82, true, models.SeverityMedium, models.PriorityNormal},
		{models.ActionExecuteTrade, 30, true, models.SeverityCritical, models.PriorityCritical},
		{models.ActionSwitchMode, 55, false, models.SeverityMedium, models.PriorityNormal},
		{models.ActionPauseTrading, 10, false, models.SeverityCritical, models.PriorityCritical},
	}
	for _, tt := range tests {
		sev := SeverityFor(tt.action, tt.confidence, tt.degraded)
		assert.Equal(t, tt.severity, sev, "%s %.0f degraded=%v", tt.action, tt.confidence, tt.degraded)
		assert.Equal(t, tt.priority, PriorityFor(tt.action, sev, tt.confidence), "%s %.0f", tt.action, tt.confidence)
	}
}

func TestHITLQueuesAndApprovesOnce(t *testing.T) {
	g, _, pub := newGate(t, nil)
	ctx := context.Background()

	p, err := g.Submit(ctx, trade(70))
	require.NoError(t, err)
	assert.Equal(t, models.ProposalPending, p.Status)
	assert.Len(t, g.Pending(), 1)

	approved, err := g.Approve(ctx, p.ID, "alice", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, models.ProposalApproved, approved.Status)
	require.Len(t, approved.History, 2)
	assert.Equal(t, models.ProposalPending, approved.History[1].From)
	assert.Equal(t, "alice", approved.History[1].By)

	_, err = g.Reject(ctx, p.ID, "bob", "")
	require.ErrorIs(t, err, ErrAlreadyResolved)
	var re *ResolvedError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, models.ProposalApproved, re.Status)

	assert.Len(t, pub.resolved(), 1)
	assert.Empty(t, g.Pending())

	_, err = g.Approve(ctx, "nope", "alice", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentResolutionHasOneWinner(t *testing.T) {
	g, _, pub := newGate(t, nil)
	ctx := context.Background()
	p, err := g.Submit(ctx, trade(70))
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = g.Approve(ctx, p.ID, "op", "")
			} else {
				_, err = g.Reject(ctx, p.ID, "op", "")
			}
			if err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Len(t, pub.resolved(), 1)
	assert.Equal(t, 15, g.Stats().Conflicts)
}

func TestAutoModeApprovesAndDowngradesWhenDegraded(t *testing.T) {
	g, _, _ := newGate(t, func(c *Config) { c.Mode = models.AuthAuto })
	p, err := g.Submit(context.Background(), trade(70))
	require.NoError(t, err)
	assert.Equal(t, models.ProposalAutoApproved, p.Status)
	assert.False(t, p.Shadow)

	g, _, _ = newGate(t, func(c *Config) { c.Mode = models.AuthAuto }, WithHealth(staticHealth{"binance"}))
	p, err = g.Submit(context.Background(), trade(70))
	require.NoError(t, err)
	assert.Equal(t, models.ProposalPending, p.Status)
	assert.Equal(t, models.AuthHITL, p.Mode)
	assert.Equal(t, models.SeverityHigh, p.Severity)
}

func TestMonitorModeCreatesShadowProposals(t *testing.T) {
	g, _, pub := newGate(t, func(c *Config) { c.Mode = models.AuthMonitor })
	p, err := g.Submit(context.Background(), trade(90))
	require.NoError(t, err)
	assert.True(t, p.Shadow)
	assert.True(t, p.Status.Terminal())

	events := pub.resolved()
	require.Len(t, events, 1)
	assert.True(t, events[0].Proposal.Shadow)
}

func TestRiskBreakerRejectsTradesByPolicy(t *testing.T) {
	risk := staticRisk{state: models.RiskState{BreakerActive: true}}
	g, _, _ := newGate(t, func(c *Config) { c.Mode = models.AuthAuto }, WithRisk(risk))

	p, err := g.Submit(context.Background(), trade(90))
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, p.Status)
	assert.Equal(t, "policy", p.ResolvedBy)

	p, err = g.Submit(context.Background(), Request{Action: models.ActionSwitchMode, Confidence: 60, Params: map[string]string{"mode": "defensive"}})
	require.NoError(t, err)
	assert.Equal(t, models.ProposalAutoApproved, p.Status)
}

func TestEmergencyFastPath(t *testing.T) {
	g, _, _ := newGate(t, nil)
	p, err := g.Submit(context.Background(), Request{Action: models.ActionPauseTrading, Confidence: 97})
	require.NoError(t, err)
	assert.Equal(t, models.ProposalAutoApproved, p.Status)
	assert.Equal(t, models.PriorityCritical, p.Priority)

	p, err = g.Submit(context.Background(), Request{Action: models.ActionPauseTrading, Confidence: 90})
	require.NoError(t, err)
	assert.Equal(t, models.ProposalPending, p.Status)
}

func TestSafetyValve(t *testing.T) {
	g, clock, _ := newGate(t, nil)
	ctx := context.Background()

	low, err := g.Submit(ctx, trade(85))
	require.NoError(t, err)
	high, err := g.Submit(ctx, trade(40))
	require.NoError(t, err)

	assert.Zero(t, g.Sweep(clock.Now().Add(299*time.Second)))

	clock.Advance(300 * time.Second)
	assert.Equal(t, 2, g.Sweep(clock.Now()))

	got, ok := g.Get(low.ID)
	require.True(t, ok)
	assert.Equal(t, models.ProposalAutoApproved, got.Status)
	assert.Equal(t, "safety_valve", got.ResolvedBy)
	assert.Contains(t, got.Reason, "within auto-approve limit")

	got, ok = g.Get(high.ID)
	require.True(t, ok)
	assert.Equal(t, models.ProposalExpired, got.Status)
	assert.Equal(t, 2, g.Stats().SafetyValve)

	_, err = g.Approve(ctx, high.ID, "alice", "")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestApproveAfterTTLTakesSafetyValve(t *testing.T) {
	g, clock, _ := newGate(t, nil)
	ctx := context.Background()

	high, err := g.Submit(ctx, trade(40))
	require.NoError(t, err)
	low, err := g.Submit(ctx, trade(85))
	require.NoError(t, err)

	// no sweep runs between expiry and the late decisions
	clock.Advance(400 * time.Second)

	p, err := g.Approve(ctx, high.ID, "alice", "looks fine")
	assert.Nil(t, p)
	require.ErrorIs(t, err, ErrAlreadyResolved)
	var resolved *ResolvedError
	require.ErrorAs(t, err, &resolved)
	assert.Equal(t, models.ProposalExpired, resolved.Status)
	assert.Equal(t, "safety_valve", resolved.By)

	_, err = g.Reject(ctx, low.ID, "alice", "")
	require.ErrorIs(t, err, ErrAlreadyResolved)
	got, ok := g.Get(low.ID)
	require.True(t, ok)
	assert.Equal(t, models.ProposalAutoApproved, got.Status)

	assert.Empty(t, g.Pending())
	assert.Equal(t, 2, g.Stats().SafetyValve)
}

func TestSafetyValveNoneNeverApproves(t *testing.T) {
	g, clock, _ := newGate(t, func(c *Config) {
		c.AutoApproveMax = models.SeverityNone
		c.OnExpiry = models.ProposalRejected
	})
	p, err := g.Submit(context.Background(), trade(99))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	g.Sweep(clock.Now())

	got, _ := g.Get(p.ID)
	assert.Equal(t, models.ProposalRejected, got.Status)
}

func TestPendingOrderAndEviction(t *testing.T) {
	g, clock, _ := newGate(t, func(c *Config) { c.MaxPending = 3 })
	ctx := context.Background()

	first, err := g.Submit(ctx, trade(55))
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = g.Submit(ctx, trade(90))
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = g.Submit(ctx, trade(65))
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = g.Submit(ctx, trade(30))
	require.NoError(t, err)

	pending := g.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, []models.Priority{models.PriorityHigh, models.PriorityHigh, models.PriorityNormal},
		[]models.Priority{pending[0].Priority, pending[1].Priority, pending[2].Priority})
	assert.Equal(t, 90.0, pending[0].Confidence)

	evicted, ok := g.Get(first.ID)
	require.True(t, ok)
	assert.Equal(t, models.ProposalExpired, evicted.Status)
	assert.Equal(t, 1, g.Stats().Evicted)
}

func TestCancelPendingAndModeSwitch(t *testing.T) {
	g, _, pub := newGate(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := g.Submit(ctx, trade(70))
		require.NoError(t, err)
	}

	assert.Equal(t, 3, g.CancelPending("emergency", "emergency stop"))
	assert.Empty(t, g.Pending())

	g.SetMode(models.AuthMonitor, "ops")
	assert.Equal(t, models.AuthMonitor, g.Mode())
	assert.Contains(t, pub.topics, models.TopicAuthModeChanged)
}

type fakeLocker struct {
	held map[string]bool
	mu   sync.Mutex
}

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLocker) Unlock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

func TestLockerConflict(t *testing.T) {
	locker := &fakeLocker{held: map[string]bool{}}
	g, _, _ := newGate(t, nil, WithLocker(locker))
	p, err := g.Submit(context.Background(), trade(70))
	require.NoError(t, err)

	locker.held["proposal:"+p.ID] = true
	_, err = g.Approve(context.Background(), p.ID, "a", "")
	assert.ErrorIs(t, err, ErrLocked)

	delete(locker.held, "proposal:"+p.ID)
	_, err = g.Approve(context.Background(), p.ID, "a", "")
	require.NoError(t, err)
	assert.Empty(t, locker.held)
}
