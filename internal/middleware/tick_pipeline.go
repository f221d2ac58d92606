package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"UpDownTrader/internal/domain/models"
	domrepo "UpDownTrader/internal/domain/repository"
	"UpDownTrader/pkg/logger"
)

var ErrNotDelivered = errors.New("no subscriber accepted the event")

// Publisher is the slice of the event bus the pipeline forwards to.
type Publisher interface {
	Publish(topic string, payload interface{}) bool
}

// Indicators receives every accepted event before it is published, so subscribers of
// bar_closed always see the bar in the indicator windows.
type Indicators interface {
	AddBar(b models.Bar)
	AddTrade(t models.TradeTick)
	SetBook(b models.OrderBook)
}

// PriceRecorder numbers underlying observations for settlement.
type PriceRecorder interface {
	RecordPrice(price float64, at time.Time) models.PriceSample
}

// TickPipeline sits between the market stream and the event bus.
// It validates, throttles high-frequency kinds, updates the indicator windows and the
// market state, and publishes. Closed bars that nobody accepted are buffered and retried.
type TickPipeline struct {
	ind     Indicators
	prices  PriceRecorder
	pub     Publisher
	metrics domrepo.Metrics
	log     *logger.Logger

	maxRPS  int
	bufSize int
	bufCh   chan models.Bar
	stopCh  chan struct{}
	started bool
	mu      sync.Mutex

	lastSeen map[domrepo.StreamKind]time.Time // per-kind last accepted time
	lastSeq  uint64
	now      func() time.Time
}

type PipelineOption func(*TickPipeline)

// WithMaxRPS sets the max book and trade events per second per kind. Bars are never throttled.
func WithMaxRPS(n int) PipelineOption {
	return func(p *TickPipeline) {
		if n > 0 {
			p.maxRPS = n
		}
	}
}

// WithBufferSize sets how many closed bars are kept while no subscriber accepts them.
func WithBufferSize(n int) PipelineOption {
	return func(p *TickPipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

func WithMetrics(m domrepo.Metrics) PipelineOption {
	return func(p *TickPipeline) { p.metrics = m }
}

func WithLogger(l *logger.Logger) PipelineOption {
	return func(p *TickPipeline) { p.log = l }
}

func WithClock(now func() time.Time) PipelineOption {
	return func(p *TickPipeline) { p.now = now }
}

func NewTickPipeline(ind Indicators, prices PriceRecorder, pub Publisher, opts ...PipelineOption) *TickPipeline {
	p := &TickPipeline{
		ind:      ind,
		prices:   prices,
		pub:      pub,
		metrics:  domrepo.NopMetrics{},
		log:      logger.Nop(),
		maxRPS:   20,
		bufSize:  256,
		stopCh:   make(chan struct{}),
		lastSeen: make(map[domrepo.StreamKind]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan models.Bar, p.bufSize)
	p.log = p.log.Component("tick_pipeline")
	return p
}

// Start launches background redelivery of buffered bars.
func (p *TickPipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	stop := p.stopCh
	p.mu.Unlock()

	go func() {
		backoff := 50 * time.Millisecond
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case b := <-p.bufCh:
				if p.pub.Publish(models.TopicBarClosed, b) {
					backoff = 50 * time.Millisecond
					continue
				}
				if backoff < 2*time.Second {
					backoff *= 2
				}
				p.metrics.RecordError("pipeline_redeliver")
				select {
				case <-time.After(backoff):
				case <-stop:
					return
				case <-ctx.Done():
					return
				}
				select {
				case p.bufCh <- b:
				default:
					p.metrics.RecordError("pipeline_buffer_drop")
				}
			}
		}
	}()
}

// Stop stops background redelivery. Buffered bars are discarded.
func (p *TickPipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.started = false
	close(p.stopCh)
	p.stopCh = make(chan struct{})
}

// Buffered is the number of bars waiting for redelivery.
func (p *TickPipeline) Buffered() int { return len(p.bufCh) }

// Process validates ev, throttles it, updates state and publishes it. A throttled or
// duplicate event is dropped silently. A bar nobody accepted is buffered and
// ErrNotDelivered is returned.
func (p *TickPipeline) Process(ctx context.Context, ev domrepo.StreamEvent) error {
	start := p.now()
	if err := validateEvent(ev); err != nil {
		p.metrics.RecordError("pipeline_validate")
		return err
	}
	if !p.fresh(ev.Seq) {
		p.metrics.RecordError("pipeline_duplicate")
		return nil
	}
	if ev.Kind != domrepo.StreamBar && !p.allow(ev.Kind, start) {
		p.metrics.RecordError("pipeline_throttle")
		return nil
	}

	switch ev.Kind {
	case domrepo.StreamBar:
		b := *ev.Bar
		p.ind.AddBar(b)
		p.prices.RecordPrice(b.Close, b.End)
		if !p.pub.Publish(models.TopicBarClosed, b) {
			select {
			case p.bufCh <- b:
			default:
				p.metrics.RecordError("pipeline_buffer_full")
				p.log.Warn("bar dropped, buffer full", logger.Time("start", b.Start))
			}
			return fmt.Errorf("bar %s: %w", b.Start.Format(time.RFC3339), ErrNotDelivered)
		}
	case domrepo.StreamTrade:
		t := *ev.Tick
		p.ind.AddTrade(t)
		p.prices.RecordPrice(t.Price, t.Timestamp)
		p.pub.Publish(models.TopicTradeTick, t)
	case domrepo.StreamBook:
		p.ind.SetBook(*ev.Book)
		p.pub.Publish(models.TopicOrderBookUpdate, *ev.Book)
	}
	p.metrics.RecordLatency("pipeline_process", p.now().Sub(start).Seconds())
	return nil
}

// fresh drops an event repeating the previous sequence number. Zero means unnumbered.
func (p *TickPipeline) fresh(seq uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq == 0 {
		return true
	}
	if seq == p.lastSeq {
		return false
	}
	p.lastSeq = seq
	return true
}

func (p *TickPipeline) allow(kind domrepo.StreamKind, now time.Time) bool {
	if p.maxRPS <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	last := p.lastSeen[kind]
	if !last.IsZero() && now.Sub(last) < time.Second/time.Duration(p.maxRPS) {
		return false
	}
	p.lastSeen[kind] = now
	return true
}

func validateEvent(ev domrepo.StreamEvent) error {
	switch ev.Kind {
	case domrepo.StreamBar:
		b := ev.Bar
		if b == nil {
			return fmt.Errorf("bar event without bar")
		}
		if b.Start.IsZero() || !b.End.After(b.Start) {
			return fmt.Errorf("bar window invalid")
		}
		if b.Close <= 0 || b.High < b.Low || b.Volume < 0 {
			return fmt.Errorf("bar prices invalid")
		}
	case domrepo.StreamTrade:
		t := ev.Tick
		if t == nil {
			return fmt.Errorf("trade event without tick")
		}
		if t.Timestamp.IsZero() {
			return fmt.Errorf("timestamp invalid")
		}
		if t.Price <= 0 || t.Qty < 0 {
			return fmt.Errorf("negative price/qty")
		}
	case domrepo.StreamBook:
		if ev.Book == nil {
			return fmt.Errorf("book event without book")
		}
		if len(ev.Book.Bids) == 0 && len(ev.Book.Asks) == 0 {
			return fmt.Errorf("book empty")
		}
	default:
		return fmt.Errorf("unknown stream kind %q", ev.Kind)
	}
	return nil
}
