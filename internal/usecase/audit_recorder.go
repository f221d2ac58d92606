package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"UpDownTrader/internal/domain/models"
	drepo "UpDownTrader/internal/domain/repository"
	"UpDownTrader/pkg/eventbus"
	"UpDownTrader/pkg/logger"
)

type AuditConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	// MaxBacklog bounds rows kept for retry after a failed flush.
	MaxBacklog int
	// MirrorTopics are forwarded to the event sink. Empty means every topic.
	MirrorTopics []string
}

// AuditRecorder batches positions, proposal status changes and signals into the audit
// store and mirrors bus events to the event sink. Either side may be nil.
type AuditRecorder struct {
	cfg     AuditConfig
	store   drepo.AuditStore
	sink    drepo.EventSink
	metrics drepo.Metrics
	log     *logger.Logger

	mu        sync.Mutex
	positions []models.Position
	changes   []drepo.ProposalChange
	signals   []models.CompositeSignal
	flushCh   chan struct{}
}

func NewAuditRecorder(cfg AuditConfig, store drepo.AuditStore, sink drepo.EventSink, metrics drepo.Metrics, log *logger.Logger) *AuditRecorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.MaxBacklog < cfg.BatchSize {
		cfg.MaxBacklog = cfg.BatchSize * 10
	}
	if len(cfg.MirrorTopics) == 0 {
		cfg.MirrorTopics = models.AllTopics
	}
	if metrics == nil {
		metrics = drepo.NopMetrics{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &AuditRecorder{
		cfg:     cfg,
		store:   store,
		sink:    sink,
		metrics: metrics,
		log:     log.Component("audit"),
		flushCh: make(chan struct{}, 1),
	}
}

func (r *AuditRecorder) Subscribe(bus *eventbus.Bus) func() {
	var unsubs []func()
	if r.sink != nil {
		for _, topic := range r.cfg.MirrorTopics {
			unsubs = append(unsubs, bus.Subscribe(topic, "audit.mirror", r.mirror))
		}
	}
	if r.store != nil {
		unsubs = append(unsubs,
			eventbus.SubscribeTyped(bus, models.TopicTradeOpened, "audit.positions", r.onPosition),
			eventbus.SubscribeTyped(bus, models.TopicTradeSettled, "audit.settlements", r.onSettlement),
			eventbus.SubscribeTyped(bus, models.TopicProposalCreated, "audit.proposals", r.onProposal),
			eventbus.SubscribeTyped(bus, models.TopicProposalResolved, "audit.proposals", r.onProposal),
			eventbus.SubscribeTyped(bus, models.TopicSignalGenerated, "audit.signals", r.onSignal),
		)
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (r *AuditRecorder) mirror(ctx context.Context, ev eventbus.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.sink.Publish(ctx, ev.Topic, eventKey(ev.Payload), ev.Payload); err != nil {
		r.metrics.RecordError("audit_mirror")
		return err
	}
	return nil
}

// eventKey keeps every event of one entity on one partition.
func eventKey(payload interface{}) []byte {
	switch v := payload.(type) {
	case models.Position:
		return []byte(v.ID)
	case models.Settlement:
		return []byte(v.Position.ID)
	case models.ProposalEvent:
		if v.Proposal != nil {
			return []byte(v.Proposal.ID)
		}
	case models.CompositeSignal:
		return []byte(v.ID)
	case models.TradeRejected:
		return []byte(v.SignalID)
	case models.ComponentStateChanged:
		return []byte(v.Name)
	}
	return nil
}

func (r *AuditRecorder) onPosition(_ context.Context, p models.Position) error {
	r.mu.Lock()
	r.positions = append(r.positions, p)
	r.mu.Unlock()
	r.maybeFlush()
	return nil
}

func (r *AuditRecorder) onSettlement(ctx context.Context, s models.Settlement) error {
	return r.onPosition(ctx, s.Position)
}

// onProposal records the most recent status change carried by the event.
func (r *AuditRecorder) onProposal(_ context.Context, ev models.ProposalEvent) error {
	p := ev.Proposal
	if p == nil || len(p.History) == 0 {
		return errors.New("proposal event without history")
	}
	row := drepo.ProposalChange{
		ProposalID: p.ID,
		Action:     p.Action,
		Mode:       p.Mode,
		Severity:   p.Severity,
		Confidence: p.Confidence,
		Change:     p.History[len(p.History)-1],
	}
	r.mu.Lock()
	r.changes = append(r.changes, row)
	r.mu.Unlock()
	r.maybeFlush()
	return nil
}

func (r *AuditRecorder) onSignal(_ context.Context, s models.CompositeSignal) error {
	r.mu.Lock()
	r.signals = append(r.signals, s)
	r.mu.Unlock()
	r.maybeFlush()
	return nil
}

func (r *AuditRecorder) maybeFlush() {
	r.mu.Lock()
	full := len(r.positions) >= r.cfg.BatchSize || len(r.changes) >= r.cfg.BatchSize || len(r.signals) >= r.cfg.BatchSize
	r.mu.Unlock()
	if !full {
		return
	}
	select {
	case r.flushCh <- struct{}{}:
	default:
	}
}

// Run flushes on the interval or when a batch fills up, and once more when ctx ends.
func (r *AuditRecorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = r.Flush(fctx)
			cancel()
			return
		case <-ticker.C:
			_ = r.Flush(ctx)
		case <-r.flushCh:
			_ = r.Flush(ctx)
		}
	}
}

// Pending returns the number of buffered rows.
func (r *AuditRecorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.positions) + len(r.changes) + len(r.signals)
}

// Flush writes every buffered row. Rows of a failed batch go back to the buffer,
// bounded by MaxBacklog.
func (r *AuditRecorder) Flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.mu.Lock()
	positions, changes, signals := r.positions, r.changes, r.signals
	r.positions, r.changes, r.signals = nil, nil, nil
	r.mu.Unlock()

	start := time.Now()
	var errs []error
	if len(positions) > 0 {
		if err := r.store.SavePositions(ctx, positions); err != nil {
			errs = append(errs, err)
			r.mu.Lock()
			r.positions = requeue(positions, r.positions, r.cfg.MaxBacklog)
			r.mu.Unlock()
		}
	}
	if len(changes) > 0 {
		if err := r.store.SaveProposalChanges(ctx, changes); err != nil {
			errs = append(errs, err)
			r.mu.Lock()
			r.changes = requeue(changes, r.changes, r.cfg.MaxBacklog)
			r.mu.Unlock()
		}
	}
	if len(signals) > 0 {
		if err := r.store.SaveSignals(ctx, signals); err != nil {
			errs = append(errs, err)
			r.mu.Lock()
			r.signals = requeue(signals, r.signals, r.cfg.MaxBacklog)
			r.mu.Unlock()
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		r.metrics.RecordError("audit_flush")
		r.log.Warn("audit flush failed", logger.Error(err))
		return err
	}
	r.metrics.RecordLatency("audit_flush", time.Since(start).Seconds())
	return nil
}

// requeue puts failed rows ahead of rows that arrived meanwhile and drops the oldest
// beyond limit.
func requeue[T any](failed, arrived []T, limit int) []T {
	out := append(failed, arrived...)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
