package usecase

import (
	"context"
	"time"

	"UpDownTrader/internal/domain/models"
	drepo "UpDownTrader/internal/domain/repository"
	"UpDownTrader/internal/services/health"
	"UpDownTrader/pkg/logger"
)

// SnapshotSetter is where the poller stores the binary market view.
type SnapshotSetter interface {
	SetSnapshot(m models.MarketSnapshot) bool
}

// BookPoller refreshes the binary market snapshot on an interval.
type BookPoller struct {
	source   drepo.BookSource
	state    SnapshotSetter
	pub      Publisher
	tracker  *health.Tracker
	metrics  drepo.Metrics
	log      *logger.Logger
	interval time.Duration
}

func NewBookPoller(source drepo.BookSource, state SnapshotSetter, pub Publisher, tracker *health.Tracker, interval time.Duration, metrics drepo.Metrics, log *logger.Logger) *BookPoller {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if metrics == nil {
		metrics = drepo.NopMetrics{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &BookPoller{
		source:   source,
		state:    state,
		pub:      pub,
		tracker:  tracker,
		metrics:  metrics,
		log:      log.Component("book_poller"),
		interval: interval,
	}
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (p *BookPoller) Run(ctx context.Context) {
	_ = p.tracker.Ready()
	_ = p.tracker.Run()
	defer func() { _ = p.tracker.Stop("shutdown") }()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		_ = p.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches one snapshot, stores it and publishes it.
func (p *BookPoller) Poll(ctx context.Context) error {
	start := time.Now()
	snap, err := p.source.FetchSnapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.metrics.RecordError("book_poll")
		p.tracker.RecordFailure(err)
		p.log.Warn("snapshot fetch failed", logger.Error(err))
		return err
	}
	p.metrics.RecordLatency("book_poll", time.Since(start).Seconds())
	p.tracker.RecordSuccess()
	if !p.state.SetSnapshot(*snap) {
		p.log.Debug("stale snapshot ignored", logger.Time("timestamp", snap.Timestamp))
		return nil
	}
	if p.pub != nil {
		p.pub.Publish(models.TopicMarketSnapshot, *snap)
	}
	return nil
}
