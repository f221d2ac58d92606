// Package authorization decides whether a proposed action may reach the engine: at
// once, after a human approves it, or never.
package authorization

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/internal/domain/repository"
	"UpDownTrader/pkg/logger"
)

var (
	ErrAlreadyResolved = errors.New("proposal already resolved")
	ErrNotFound        = errors.New("proposal not found")
	ErrLocked          = errors.New("proposal is being resolved elsewhere")
)

// ResolvedError is returned to a late resolver and carries the terminal status.
type ResolvedError struct {
	ID     string
	Status models.ProposalStatus
	By     string
}

func (e *ResolvedError) Error() string {
	return fmt.Sprintf("proposal %s already %s by %s", e.ID, e.Status, e.By)
}

func (e *ResolvedError) Is(target error) bool { return target == ErrAlreadyResolved }

// Publisher is the slice of the event bus the gate needs.
type Publisher interface {
	Publish(topic string, payload interface{}) bool
}

// HealthView reports components currently DEGRADED.
type HealthView interface {
	Degraded() []string
}

// RiskView exposes whether a breaker or halt is active.
type RiskView interface {
	State() models.RiskState
}

type Option func(*Gate)

func WithLogger(l *logger.Logger) Option {
	return func(g *Gate) { g.log = l }
}

func WithMetrics(m repository.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

func WithPublisher(p Publisher) Option {
	return func(g *Gate) { g.pub = p }
}

func WithHealth(h HealthView) Option {
	return func(g *Gate) { g.health = h }
}

func WithRisk(r RiskView) Option {
	return func(g *Gate) { g.risk = r }
}

// WithLocker adds a cross-process lock around resolution.
func WithLocker(l repository.Locker) Option {
	return func(g *Gate) { g.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// Request is what a producer asks the gate to authorize.
type Request struct {
	Action     models.Action
	Signal     *models.CompositeSignal
	Amount     float64
	Params     map[string]string
	Confidence float64
	Risk       *models.RiskAssessment
	Source     string
}

// Gate is the proposal queue. Every status change happens under mu, so a proposal is
// resolved exactly once.
type Gate struct {
	mu      sync.Mutex
	cfg     Config
	mode    models.AuthMode
	pending map[string]*models.Proposal
	history []*models.Proposal
	stats   models.AuthorizationStats

	pub     Publisher
	health  HealthView
	risk    RiskView
	locker  repository.Locker
	log     *logger.Logger
	metrics repository.Metrics
	now     func() time.Time
}

func NewGate(cfg Config, opts ...Option) *Gate {
	if cfg.TTL <= 0 {
		cfg.TTL = 300 * time.Second
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 50
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.OnExpiry == "" {
		cfg.OnExpiry = models.ProposalExpired
	}
	if cfg.Mode == "" {
		cfg.Mode = models.AuthHITL
	}
	g := &Gate{
		cfg:     cfg,
		mode:    cfg.Mode,
		pending: make(map[string]*models.Proposal),
		stats:   models.AuthorizationStats{ByStatus: make(map[models.ProposalStatus]int)},
		log:     logger.Nop(),
		metrics: repository.NopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.Component("authorization")
	return g
}

func (g *Gate) degraded() bool {
	return g.health != nil && len(g.health.Degraded()) > 0
}

func (g *Gate) riskBlocking() bool {
	return g.risk != nil && g.risk.State().Blocking()
}

// Submit creates a proposal and applies the active mode's policy to it. The returned
// proposal is a copy; terminal proposals have already been published as resolved.
func (g *Gate) Submit(ctx context.Context, req Request) (*models.Proposal, error) {
	if req.Action == "" {
		return nil, errors.New("proposal action is required")
	}
	if req.Action == models.ActionExecuteTrade && (req.Signal == nil || !req.Signal.Direction.Actionable()) {
		return nil, errors.New("trade proposal needs an actionable signal")
	}
	confidence := req.Confidence
	if req.Signal != nil {
		confidence = req.Signal.Confidence
	}
	source := req.Source
	if source == "" {
		source = "system"
	}

	degraded := g.degraded()
	blocking := req.Action == models.ActionExecuteTrade && g.riskBlocking()
	severity := SeverityFor(req.Action, confidence, degraded)
	now := g.now()

	g.mu.Lock()
	mode := g.mode
	if mode == models.AuthAuto && degraded {
		mode = models.AuthHITL
	}
	p := &models.Proposal{
		ID:         uuid.NewString(),
		Action:     req.Action,
		Signal:     req.Signal,
		Amount:     req.Amount,
		Params:     req.Params,
		Confidence: confidence,
		Priority:   PriorityFor(req.Action, severity, confidence),
		Severity:   severity,
		Status:     models.ProposalPending,
		Source:     source,
		Mode:       mode,
		Shadow:     mode == models.AuthMonitor,
		Risk:       req.Risk,
		TTL:        g.cfg.TTL,
		CreatedAt:  now,
		ExpiresAt:  now.Add(g.cfg.TTL),
		History:    []models.StatusChange{{To: models.ProposalPending, By: source, At: now}},
	}
	g.stats.Created++

	var (
		resolved []*models.Proposal
		to       models.ProposalStatus
		by       string
		reason   string
	)
	switch {
	case blocking:
		to, by, reason = models.ProposalRejected, "policy", "risk circuit breaker or halt active"
	case g.cfg.emergency(req.Action, confidence):
		to, by, reason = models.ProposalAutoApproved, "policy", fmt.Sprintf("emergency fast path at confidence %.1f", confidence)
	case mode == models.AuthMonitor:
		to, by, reason = models.ProposalAutoApproved, "monitor", "shadow proposal, not executed"
	case mode == models.AuthAuto:
		to, by, reason = models.ProposalAutoApproved, "auto", "auto mode"
	}

	created := p.Clone()
	if to != "" {
		g.resolveLocked(p, to, by, reason, now)
		resolved = append(resolved, p.Clone())
	} else {
		g.pending[p.ID] = p
		resolved = append(resolved, g.evictLocked(now)...)
	}
	out := p.Clone()
	g.mu.Unlock()

	g.publish(models.TopicProposalCreated, models.ProposalEvent{Proposal: created})
	g.announce(resolved)
	g.log.Info("proposal created",
		logger.String("id", out.ID),
		logger.String("action", string(out.Action)),
		logger.String("mode", string(out.Mode)),
		logger.String("severity", string(out.Severity)),
		logger.String("status", string(out.Status)),
		logger.Float64("confidence", confidence),
		logger.Bool("degraded", degraded),
	)
	return out, nil
}

// evictLocked expires the oldest pending proposals beyond MaxPending.
func (g *Gate) evictLocked(now time.Time) []*models.Proposal {
	var out []*models.Proposal
	for len(g.pending) > g.cfg.MaxPending {
		var oldest *models.Proposal
		for _, p := range g.pending {
			if oldest == nil || p.CreatedAt.Before(oldest.CreatedAt) {
				oldest = p
			}
		}
		g.resolveLocked(oldest, models.ProposalExpired, "system", "evicted: pending queue full", now)
		g.stats.Evicted++
		out = append(out, oldest.Clone())
	}
	return out
}

func (g *Gate) resolveLocked(p *models.Proposal, to models.ProposalStatus, by, reason string, now time.Time) {
	p.History = append(p.History, models.StatusChange{From: p.Status, To: to, By: by, Reason: reason, At: now})
	p.Status = to
	p.ResolvedAt = &now
	p.ResolvedBy = by
	p.Reason = reason
	delete(g.pending, p.ID)

	g.stats.ByStatus[to]++
	g.history = append(g.history, p)
	if n := len(g.history) - g.cfg.HistoryLimit; n > 0 {
		g.history = append([]*models.Proposal(nil), g.history[n:]...)
	}
}

func (g *Gate) Approve(ctx context.Context, id, by, reason string) (*models.Proposal, error) {
	return g.resolve(ctx, id, models.ProposalApproved, by, reason)
}

func (g *Gate) Reject(ctx context.Context, id, by, reason string) (*models.Proposal, error) {
	return g.resolve(ctx, id, models.ProposalRejected, by, reason)
}

func (g *Gate) resolve(ctx context.Context, id string, to models.ProposalStatus, by, reason string) (*models.Proposal, error) {
	if g.locker != nil {
		key := "proposal:" + id
		ok, err := g.locker.TryLock(ctx, key, g.cfg.LockTTL)
		if err != nil {
			g.log.Warn("proposal lock unavailable, resolving locally", logger.String("id", id), logger.Error(err))
		} else if !ok {
			g.mu.Lock()
			g.stats.Conflicts++
			g.mu.Unlock()
			return nil, ErrLocked
		} else {
			defer func() {
				if err := g.locker.Unlock(context.WithoutCancel(ctx), key); err != nil {
					g.log.Warn("proposal unlock failed", logger.String("id", id), logger.Error(err))
				}
			}()
		}
	}

	g.mu.Lock()
	p, ok := g.pending[id]
	if !ok {
		defer g.mu.Unlock()
		if done := g.findLocked(id); done != nil {
			g.stats.Conflicts++
			return nil, &ResolvedError{ID: id, Status: done.Status, By: done.ResolvedBy}
		}
		return nil, ErrNotFound
	}
	now := g.now()
	if !now.Before(p.ExpiresAt) {
		// expired but not swept yet
		g.valveLocked(p, now)
		out := p.Clone()
		g.mu.Unlock()

		g.logValve(out)
		g.announce([]*models.Proposal{out})
		return nil, &ResolvedError{ID: id, Status: out.Status, By: out.ResolvedBy}
	}
	g.resolveLocked(p, to, by, reason, now)
	out := p.Clone()
	g.mu.Unlock()

	g.announce([]*models.Proposal{out})
	return out, nil
}

func (g *Gate) valveLocked(p *models.Proposal, now time.Time) {
	to, reason := g.cfg.safetyValve(p)
	g.resolveLocked(p, to, "safety_valve", reason, now)
	g.stats.SafetyValve++
}

func (g *Gate) logValve(p *models.Proposal) {
	g.log.Warn("safety valve resolved proposal",
		logger.String("id", p.ID),
		logger.String("status", string(p.Status)),
		logger.String("reason", p.Reason),
	)
}

func (g *Gate) findLocked(id string) *models.Proposal {
	if p, ok := g.pending[id]; ok {
		return p
	}
	for i := len(g.history) - 1; i >= 0; i-- {
		if g.history[i].ID == id {
			return g.history[i]
		}
	}
	return nil
}

// Sweep resolves every pending proposal whose TTL has run out through the safety valve.
func (g *Gate) Sweep(now time.Time) int {
	g.mu.Lock()
	var resolved []*models.Proposal
	for _, p := range g.pending {
		if now.Before(p.ExpiresAt) {
			continue
		}
		g.valveLocked(p, now)
		resolved = append(resolved, p.Clone())
	}
	g.mu.Unlock()

	sort.Slice(resolved, func(i, j int) bool { return resolved[i].CreatedAt.Before(resolved[j].CreatedAt) })
	for _, p := range resolved {
		g.logValve(p)
	}
	g.announce(resolved)
	return len(resolved)
}

// Run sweeps expired proposals until ctx ends.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(g.now())
		}
	}
}

// CancelPending rejects every pending proposal, e.g. on emergency stop.
func (g *Gate) CancelPending(by, reason string) int {
	now := g.now()
	g.mu.Lock()
	resolved := make([]*models.Proposal, 0, len(g.pending))
	for _, p := range g.pending {
		g.resolveLocked(p, models.ProposalRejected, by, reason, now)
		resolved = append(resolved, p.Clone())
	}
	g.mu.Unlock()

	g.announce(resolved)
	return len(resolved)
}

func (g *Gate) announce(resolved []*models.Proposal) {
	for _, p := range resolved {
		g.metrics.RecordProposalResolved(string(p.Status), string(p.Mode))
		g.publish(models.TopicProposalResolved, models.ProposalEvent{Proposal: p})
	}
}

func (g *Gate) SetMode(mode models.AuthMode, by string) {
	g.mu.Lock()
	from := g.mode
	g.mode = mode
	g.mu.Unlock()
	if from == mode {
		return
	}
	g.publish(models.TopicAuthModeChanged, models.AuthModeChanged{From: from, To: mode, By: by, At: g.now()})
	g.log.Info("authorization mode changed",
		logger.String("from", string(from)),
		logger.String("to", string(mode)),
		logger.String("by", by),
	)
}

func (g *Gate) Mode() models.AuthMode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// Pending lists open proposals by priority, then creation time.
func (g *Gate) Pending() []*models.Proposal {
	g.mu.Lock()
	out := make([]*models.Proposal, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.Clone())
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Recent returns resolved proposals, newest first.
func (g *Gate) Recent(limit int) []*models.Proposal {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*models.Proposal, 0, len(g.history))
	for i := len(g.history) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, g.history[i].Clone())
	}
	return out
}

func (g *Gate) Get(id string) (*models.Proposal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.findLocked(id)
	if p == nil {
		return nil, false
	}
	return p.Clone(), true
}

func (g *Gate) Stats() models.AuthorizationStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stats
	s.Mode = g.mode
	s.Pending = len(g.pending)
	s.ByStatus = make(map[models.ProposalStatus]int, len(g.stats.ByStatus))
	for k, v := range g.stats.ByStatus {
		s.ByStatus[k] = v
	}
	return s
}

func (g *Gate) publish(topic string, payload interface{}) {
	if g.pub != nil {
		g.pub.Publish(topic, payload)
	}
}
