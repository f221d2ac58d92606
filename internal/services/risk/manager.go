package risk

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/internal/domain/repository"
	"UpDownTrader/pkg/config"
	"UpDownTrader/pkg/logger"
)

const (
	dayLayout = "2006-01-02"
	// capSlack absorbs cent rounding when a stake sits exactly on a cap.
	capSlack = 1e-9
)

// Publisher is the slice of the event bus the manager needs.
type Publisher interface {
	Publish(topic string, payload interface{}) bool
}

type Option func(*Manager)

func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithMetrics(r repository.Metrics) Option {
	return func(m *Manager) { m.metrics = r }
}

func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.pub = p }
}

// WithStateStore persists every state change and lets Restore pick it up after a restart.
func WithStateStore(s repository.StateStore) Option {
	return func(m *Manager) { m.store = s }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns RiskState. Every mutation goes through it, under its mutex.
type Manager struct {
	mu      sync.Mutex
	cfg     config.Risk
	limiter *rate.Limiter
	state   models.RiskState

	store   repository.StateStore
	pub     Publisher
	log     *logger.Logger
	metrics repository.Metrics
	now     func() time.Time
}

func NewManager(cfg config.Risk, initialBalance float64, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		log:     logger.Nop(),
		metrics: repository.NopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Component("risk")
	m.limiter = newLimiter(cfg.MaxTradesPerHour)

	now := m.now()
	m.state = models.RiskState{
		Day:             now.UTC().Format(dayLayout),
		StartingBalance: initialBalance,
		CurrentBalance:  initialBalance,
		PeakBalance:     initialBalance,
		UpdatedAt:       now,
	}
	return m
}

// newLimiter returns nil when there is no hourly limit.
func newLimiter(perHour int) *rate.Limiter {
	if perHour <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour)
}

// Restore loads the last persisted snapshot, if any. Breakers and halts survive restarts.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	s, err := m.store.LoadRiskState(ctx)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	m.mu.Lock()
	m.state = *s
	m.rolloverLocked(m.now())
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info("risk state restored",
		logger.String("day", snap.Day),
		logger.Bool("breaker", snap.BreakerActive),
		logger.Bool("halted", snap.Halted),
	)
	return nil
}

// State returns a copy of the current risk state.
func (m *Manager) State() models.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked(m.now())
	return m.snapshotLocked()
}

// Validate runs the pre-trade checks. The first failing check wins.
func (m *Manager) Validate(req models.TradeRequest) *models.Rejection {
	at := req.At
	if at.IsZero() {
		at = m.now()
	}

	m.mu.Lock()
	changed := m.refreshLocked(at)
	rej := m.validateLocked(req, at)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if changed {
		m.emit(snap)
	}
	return rej
}

func (m *Manager) validateLocked(req models.TradeRequest, at time.Time) *models.Rejection {
	if req.Notional <= 0 || req.Notional > req.Balance {
		return models.Reject(models.RejectInsufficientBalance,
			"amount %.2f exceeds available balance %.2f", req.Notional, req.Balance).
			With("amount", req.Notional).With("balance", req.Balance)
	}
	if req.OpenPositions >= m.cfg.MaxOpenPositions {
		return models.Reject(models.RejectMaxOpenPositions,
			"%d open positions, limit %d", req.OpenPositions, m.cfg.MaxOpenPositions)
	}
	if c := m.cfg.MaxPerTrade; c > 0 && req.Amount > c+capSlack {
		return models.Reject(models.RejectAboveTradeCap,
			"amount %.2f above per-trade cap %.2f", req.Amount, c).
			With("amount", req.Amount).With("cap", c)
	}
	if c := m.cfg.MaxCumulative; c > 0 {
		used := m.state.CumulativeNotional + req.Pending
		if used+req.Amount > c+capSlack {
			return models.Reject(models.RejectCapExhausted,
				"amount %.2f exceeds remaining cumulative room %.2f", req.Amount, math.Max(0, c-used)).
				With("used", used).With("cap", c)
		}
	}
	if m.state.TradesToday >= m.cfg.MaxDailyTrades {
		return models.Reject(models.RejectRateLimited,
			"%d trades today, daily limit %d", m.state.TradesToday, m.cfg.MaxDailyTrades)
	}
	if m.limiter != nil && m.limiter.TokensAt(at) < 1 {
		return models.Reject(models.RejectRateLimited,
			"more than %d trades in the last hour", m.cfg.MaxTradesPerHour)
	}
	if m.state.Halted {
		return models.Reject(models.RejectHalted, "trading halted: %s", m.state.HaltReason)
	}
	if m.state.BreakerActive {
		rej := models.Reject(models.RejectCircuitBreaker, "%s", m.state.BreakerReason).
			With("breaker", string(m.state.BreakerKind))
		if m.state.BreakerUntil != nil {
			rej.With("until", m.state.BreakerUntil.UTC().Format(time.RFC3339))
		}
		return rej
	}
	return nil
}

// OnTradeOpened records a fill. It consumes one rate-limit token.
func (m *Manager) OnTradeOpened(notional, balance float64, at time.Time) {
	m.mu.Lock()
	m.rolloverLocked(at)
	if m.limiter != nil {
		m.limiter.AllowN(at, 1)
	}
	m.state.TradesToday++
	m.state.OpenPositions++
	m.state.CumulativeNotional += notional
	m.state.CurrentBalance = balance
	m.state.UpdatedAt = at
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(snap)
}

// OnTradeSettled updates PnL, streak and drawdown, then evaluates the breakers. A VOID
// outcome neither extends nor resets the losing streak.
func (m *Manager) OnTradeSettled(pnl, balance float64, outcome models.Outcome, won bool, at time.Time) {
	m.mu.Lock()
	m.rolloverLocked(at)
	s := &m.state
	if s.OpenPositions > 0 {
		s.OpenPositions--
	}
	s.DailyRealizedPnL += pnl
	s.CurrentBalance = balance
	if balance > s.PeakBalance {
		s.PeakBalance = balance
	}
	if s.PeakBalance > 0 {
		s.DrawdownPct = (s.PeakBalance - balance) / s.PeakBalance * 100
	}
	if outcome != models.OutcomeVoid {
		if won {
			s.ConsecutiveLosses = 0
		} else {
			s.ConsecutiveLosses++
		}
		s.RecentResults = append(s.RecentResults, won)
		if n := m.cfg.Lookback; n > 0 && len(s.RecentResults) > n {
			s.RecentResults = append([]bool(nil), s.RecentResults[len(s.RecentResults)-n:]...)
		}
	}
	s.UpdatedAt = at
	tripped := m.checkBreakersLocked(at)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if tripped {
		m.log.Warn("circuit breaker tripped",
			logger.String("breaker", string(snap.BreakerKind)),
			logger.String("reason", snap.BreakerReason),
		)
		m.metrics.RecordBreaker(string(snap.BreakerKind), true)
	}
	m.emit(snap)
}

// Halt stops all new trading until Reset. It is the risk side of an emergency stop.
func (m *Manager) Halt(reason string) {
	m.mu.Lock()
	if m.state.Halted {
		m.mu.Unlock()
		return
	}
	m.state.Halted = true
	m.state.HaltReason = reason
	m.state.UpdatedAt = m.now()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.log.Warn("trading halted", logger.String("reason", reason))
	m.metrics.RecordBreaker("halt", true)
	m.emit(snap)
}

// Reset is the operator override: it clears the halt, any breaker and the losing streak.
func (m *Manager) Reset(by string) {
	m.mu.Lock()
	kind := m.state.BreakerKind
	m.clearBreakerLocked()
	m.state.Halted = false
	m.state.HaltReason = ""
	m.state.ConsecutiveLosses = 0
	m.state.UpdatedAt = m.now()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info("risk state reset", logger.String("by", by))
	if kind != models.BreakerNone {
		m.metrics.RecordBreaker(string(kind), false)
	}
	m.metrics.RecordBreaker("halt", false)
	m.emit(snap)
}

// Rebase starts a fresh session at balance, as after an engine reset. Halts survive it.
func (m *Manager) Rebase(balance float64) {
	at := m.now()
	m.mu.Lock()
	halted, reason := m.state.Halted, m.state.HaltReason
	m.state = models.RiskState{
		Day:             at.UTC().Format(dayLayout),
		StartingBalance: balance,
		CurrentBalance:  balance,
		PeakBalance:     balance,
		Halted:          halted,
		HaltReason:      reason,
		UpdatedAt:       at,
	}
	m.limiter = newLimiter(m.cfg.MaxTradesPerHour)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(snap)
}

// refreshLocked applies calendar rollover and breaker cooldown expiry.
func (m *Manager) refreshLocked(at time.Time) bool {
	changed := m.rolloverLocked(at)
	s := &m.state
	if s.BreakerActive && s.BreakerUntil != nil && !at.Before(*s.BreakerUntil) {
		kind := s.BreakerKind
		switch kind {
		case models.BreakerConsecutiveLosses:
			s.ConsecutiveLosses = 0
		case models.BreakerDrawdown:
			s.PeakBalance = s.CurrentBalance
			s.DrawdownPct = 0
		}
		m.clearBreakerLocked()
		s.UpdatedAt = at
		m.log.Info("circuit breaker cooled down", logger.String("breaker", string(kind)))
		m.metrics.RecordBreaker(string(kind), false)
		if m.checkBreakersLocked(at) {
			m.log.Warn("circuit breaker tripped",
				logger.String("breaker", string(s.BreakerKind)),
				logger.String("reason", s.BreakerReason),
			)
			m.metrics.RecordBreaker(string(s.BreakerKind), true)
		}
		changed = true
	}
	return changed
}

func (m *Manager) rolloverLocked(at time.Time) bool {
	day := at.UTC().Format(dayLayout)
	s := &m.state
	if day <= s.Day {
		return false
	}
	s.Day = day
	s.TradesToday = 0
	s.DailyRealizedPnL = 0
	s.StartingBalance = s.CurrentBalance
	if s.BreakerActive && s.BreakerKind == models.BreakerDailyLoss {
		m.clearBreakerLocked()
		m.metrics.RecordBreaker(string(models.BreakerDailyLoss), false)
	}
	s.UpdatedAt = at
	return true
}

// checkBreakersLocked trips at most one breaker. The daily loss breaker replaces a
// cooldown breaker, since it holds until the day ends. Any other active breaker stays.
func (m *Manager) checkBreakersLocked(at time.Time) bool {
	s := &m.state
	if s.BreakerActive && s.BreakerKind == models.BreakerDailyLoss {
		return false
	}
	limit := m.cfg.DailyLossPct / 100 * s.StartingBalance
	if s.DailyRealizedPnL < 0 && -s.DailyRealizedPnL > limit {
		if s.BreakerActive {
			m.metrics.RecordBreaker(string(s.BreakerKind), false)
		}
		m.tripLocked(models.BreakerDailyLoss,
			formatReason("daily loss %.2f exceeds %.1f%% of starting balance", -s.DailyRealizedPnL, m.cfg.DailyLossPct), nil)
		return true
	}
	if s.BreakerActive {
		return false
	}
	if s.ConsecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		until := at.Add(m.cfg.ConsecutiveLossCooldown)
		m.tripLocked(models.BreakerConsecutiveLosses,
			formatReason("%d consecutive losses", s.ConsecutiveLosses), &until)
		return true
	}
	if m.cfg.MaxDrawdownPct > 0 && s.DrawdownPct >= m.cfg.MaxDrawdownPct {
		until := at.Add(2 * m.cfg.ConsecutiveLossCooldown)
		m.tripLocked(models.BreakerDrawdown,
			formatReason("drawdown %.1f%% from peak", s.DrawdownPct), &until)
		return true
	}
	return false
}

func (m *Manager) tripLocked(kind models.BreakerKind, reason string, until *time.Time) {
	m.state.BreakerActive = true
	m.state.BreakerKind = kind
	m.state.BreakerReason = reason
	m.state.BreakerUntil = until
}

func (m *Manager) clearBreakerLocked() {
	m.state.BreakerActive = false
	m.state.BreakerKind = models.BreakerNone
	m.state.BreakerReason = ""
	m.state.BreakerUntil = nil
}

func (m *Manager) snapshotLocked() models.RiskState {
	s := m.state
	s.RecentResults = append([]bool(nil), m.state.RecentResults...)
	if m.state.BreakerUntil != nil {
		t := *m.state.BreakerUntil
		s.BreakerUntil = &t
	}
	return s
}

func (m *Manager) emit(snap models.RiskState) {
	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.store.SaveRiskState(ctx, snap); err != nil {
			m.log.Warn("persist risk state", logger.Error(err))
			m.metrics.RecordError("risk_state_store")
		}
		cancel()
	}
	if m.pub != nil {
		m.pub.Publish(models.TopicRiskStateChanged, snap)
	}
}
