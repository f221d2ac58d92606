package signal

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/internal/domain/repository"
	"UpDownTrader/pkg/config"
	"UpDownTrader/pkg/logger"
)

var ErrUnknownMode = errors.New("unknown trading mode")

// Publisher is the slice of the event bus the generator needs.
type Publisher interface {
	Publish(topic string, payload interface{}) bool
}

type Option func(*Generator)

func WithLogger(l *logger.Logger) Option {
	return func(g *Generator) { g.log = l }
}

func WithMetrics(m repository.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

func WithPublisher(p Publisher) Option {
	return func(g *Generator) { g.pub = p }
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// Generator turns indicator snapshots into composite signals. Cooldown state belongs to
// the instance, so two generators never share it.
type Generator struct {
	mu        sync.Mutex
	base      map[models.Indicator]float64
	modes     map[string]config.Mode
	mode      string
	cooldown  time.Duration
	lastFired map[models.Direction]time.Time

	pub     Publisher
	log     *logger.Logger
	metrics repository.Metrics
	now     func() time.Time
}

func NewGenerator(cfg config.Signal, opts ...Option) (*Generator, error) {
	weights := cfg.Weights
	if len(weights) == 0 {
		weights = config.DefaultWeights()
	}
	modes := cfg.Modes
	if len(modes) == 0 {
		modes = config.DefaultModes()
	}
	if _, ok := modes[cfg.Mode]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}

	g := &Generator{
		base:      make(map[models.Indicator]float64, len(weights)),
		modes:     modes,
		mode:      cfg.Mode,
		cooldown:  cfg.Cooldown,
		lastFired: make(map[models.Direction]time.Time),
		log:       logger.Nop(),
		metrics:   repository.NopMetrics{},
		now:       time.Now,
	}
	for k, w := range weights {
		g.base[models.Indicator(k)] = w
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.Component("signal")
	return g, nil
}

// Generate scores snap. market may be nil, in which case no sentiment adjustment is
// applied. A snapshot that is not ready yields NEUTRAL with zero confidence.
func (g *Generator) Generate(snap models.IndicatorSnapshot, market *models.MarketSnapshot) *models.CompositeSignal {
	g.mu.Lock()
	defer g.mu.Unlock()

	mode := g.modes[g.mode]
	at := snap.Timestamp
	if at.IsZero() {
		at = g.now()
	}
	sig := &models.CompositeSignal{
		ID:                  uuid.NewString(),
		Direction:           models.DirectionNeutral,
		SentimentMultiplier: 1,
		Mode:                g.mode,
		Threshold:           mode.Threshold,
		UnderlyingPrice:     snap.Price,
		Timestamp:           at,
	}
	if !snap.Ready {
		g.metrics.RecordSignal(string(sig.Direction), g.mode, false)
		return sig
	}

	weights := g.weightsFor(mode)
	contributions := make(map[models.Indicator]models.Contribution, len(weights))
	var num, den float64
	for ind, w := range weights {
		s := clamp(snap.Readings[ind].SubScore, -1, 1)
		num += w * s
		den += w
		contributions[ind] = models.Contribution{SubScore: s, Weight: w}
	}
	var raw float64
	if den > 0 {
		raw = clamp(100*num/den, -100, 100)
		for ind, c := range contributions {
			c.Points = 100 * c.Weight * c.SubScore / den
			contributions[ind] = c
		}
	}

	m := 1.0
	if market != nil {
		if p, ok := market.ImpliedUpProbability(); ok {
			sig.ImpliedUp = p
			m = SentimentMultiplier(raw, p, mode.SentimentSensitivity, mode.AntiFOMO)
		}
	}
	adjusted := clamp(raw*m, -100, 100)

	sig.RawScore = raw
	sig.AdjustedScore = adjusted
	sig.SentimentMultiplier = m
	sig.Contributions = contributions
	sig.Confidence = Confidence(adjusted, mode.Threshold)

	switch {
	case adjusted >= mode.Threshold:
		sig.Direction = models.DirectionUp
	case adjusted <= -mode.Threshold:
		sig.Direction = models.DirectionDown
	}

	if sig.Direction.Actionable() {
		if last, ok := g.lastFired[sig.Direction]; ok && at.Sub(last) <= g.cooldown {
			sig.CooldownBlocked = true
		} else {
			g.lastFired[sig.Direction] = at
		}
	}

	g.metrics.RecordSignal(string(sig.Direction), g.mode, sig.CooldownBlocked)
	if sig.Direction.Actionable() {
		g.log.Debug("signal",
			logger.String("direction", string(sig.Direction)),
			logger.Float64("raw", raw),
			logger.Float64("adjusted", adjusted),
			logger.Float64("confidence", sig.Confidence),
			logger.Bool("cooldown_blocked", sig.CooldownBlocked),
		)
	}
	return sig
}

func (g *Generator) weightsFor(mode config.Mode) map[models.Indicator]float64 {
	out := make(map[models.Indicator]float64, len(g.base))
	for ind, w := range g.base {
		mult, ok := mode.Multipliers[string(ind)]
		if !ok {
			mult = 1
		}
		out[ind] = w * mult
	}
	return out
}

func (g *Generator) Mode() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// Modes lists the configured mode names in sorted order.
func (g *Generator) Modes() []string {
	names := make([]string, 0, len(g.modes))
	for name := range g.modes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetMode switches the active mode and publishes mode_changed. Switching to the current
// mode is a no-op.
func (g *Generator) SetMode(name, by string) error {
	g.mu.Lock()
	if _, ok := g.modes[name]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}
	from := g.mode
	if from == name {
		g.mu.Unlock()
		return nil
	}
	g.mode = name
	at := g.now()
	g.mu.Unlock()

	g.log.Info("trading mode changed",
		logger.String("from", from),
		logger.String("to", name),
		logger.String("by", by),
	)
	if g.pub != nil {
		g.pub.Publish(models.TopicModeChanged, models.ModeChanged{From: from, To: name, By: by, At: at})
	}
	return nil
}

// MaxPositionPct of the active mode.
func (g *Generator) MaxPositionPct() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.modes[g.mode].MaxPositionPct
}

// ResetCooldown forgets when each direction last fired.
func (g *Generator) ResetCooldown() {
	g.mu.Lock()
	g.lastFired = make(map[models.Direction]time.Time)
	g.mu.Unlock()
}

// Assess attaches advisory sizing for a human reviewer.
func (g *Generator) Assess(sig *models.CompositeSignal, balance float64) models.RiskAssessment {
	g.mu.Lock()
	mode, ok := g.modes[sig.Mode]
	if !ok {
		mode = g.modes[g.mode]
	}
	g.mu.Unlock()
	return RiskAssessment(sig, balance, mode.MaxPositionPct)
}

// RiskAssessment grades a signal by confidence and suggests a stake proportional to it.
func RiskAssessment(sig *models.CompositeSignal, balance, maxPositionPct float64) models.RiskAssessment {
	level := models.RiskHigh
	switch {
	case sig.Confidence >= 80:
		level = models.RiskLow
	case sig.Confidence >= 50:
		level = models.RiskMedium
	}
	amount := 0.0
	if balance > 0 && sig.Direction.Actionable() {
		amount = balance * maxPositionPct * sig.Confidence / 100
	}
	return models.RiskAssessment{
		Level:           level,
		SuggestedAmount: amount,
		MaxPositionPct:  maxPositionPct,
	}
}
