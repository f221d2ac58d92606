package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/internal/services/health"
	"UpDownTrader/internal/services/trading"
	"UpDownTrader/pkg/logger"
)

var ErrNoExitSample = errors.New("no underlying sample to settle against")

type Settler interface {
	AutoSettleExpired(ctx context.Context, entry, exit models.PriceSample) ([]models.Settlement, error)
	SettlePosition(ctx context.Context, id string, entry, exit models.PriceSample) (models.Settlement, error)
	OpenPositions() []models.Position
}

// SampleSource is the numbered history of underlying prices.
type SampleSource interface {
	Latest() (models.PriceSample, bool)
	SampleAt(t time.Time) (models.PriceSample, bool)
}

// SettlementSweeper settles expired positions against the underlying price at expiry.
// Entry samples always come from the position itself.
type SettlementSweeper struct {
	engine   Settler
	samples  SampleSource
	tracker  *health.Tracker
	interval time.Duration
	log      *logger.Logger
	now      func() time.Time
}

func NewSettlementSweeper(engine Settler, samples SampleSource, tracker *health.Tracker, interval time.Duration, log *logger.Logger) *SettlementSweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &SettlementSweeper{
		engine:   engine,
		samples:  samples,
		tracker:  tracker,
		interval: interval,
		log:      log.Component("settlement"),
		now:      time.Now,
	}
}

func (s *SettlementSweeper) Run(ctx context.Context) {
	if s.tracker != nil {
		_ = s.tracker.Ready()
		_ = s.tracker.Run()
		defer func() { _ = s.tracker.Stop("shutdown") }()
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := s.Sweep(ctx)
			if s.tracker == nil {
				continue
			}
			if err != nil {
				s.tracker.RecordFailure(err)
			} else {
				s.tracker.RecordSuccess()
			}
		}
	}
}

// Sweep settles each expired position against the last sample at or before its expiry.
// When no newer sample than the entry exists by then, the latest sample is used.
// Failed positions stay open and are retried on the next sweep.
func (s *SettlementSweeper) Sweep(ctx context.Context) ([]models.Settlement, error) {
	now := s.now()
	var (
		out  []models.Settlement
		errs []error
	)
	for _, p := range s.engine.OpenPositions() {
		if p.ExpiresAt.After(now) {
			continue
		}
		exit, ok := s.samples.SampleAt(p.ExpiresAt)
		if !ok || exit.Seq <= p.EntryUnderlying.Seq {
			exit, ok = s.samples.Latest()
		}
		if !ok {
			errs = append(errs, fmt.Errorf("position %s: %w", p.ID, ErrNoExitSample))
			continue
		}
		st, err := s.engine.SettlePosition(ctx, p.ID, models.PriceSample{}, exit)
		switch {
		case errors.Is(err, trading.ErrAlreadySettled):
		case err != nil:
			errs = append(errs, fmt.Errorf("position %s: %w", p.ID, err))
		default:
			out = append(out, st)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		s.log.Warn("settlement sweep incomplete", logger.Int("settled", len(out)), logger.Error(err))
	}
	return out, err
}

// Final settles everything already expired against the latest sample. Used on shutdown.
func (s *SettlementSweeper) Final(ctx context.Context) ([]models.Settlement, error) {
	exit, ok := s.samples.Latest()
	if !ok {
		return nil, ErrNoExitSample
	}
	out, err := s.engine.AutoSettleExpired(ctx, models.PriceSample{}, exit)
	s.log.Info("final settlement sweep", logger.Int("settled", len(out)), logger.Error(err))
	return out, err
}
