package repository

import (
	"context"
	"time"

	"UpDownTrader/internal/domain/models"
)

type StreamKind string

const (
	StreamBar   StreamKind = "bar"
	StreamBook  StreamKind = "book"
	StreamTrade StreamKind = "trade"
)

// StreamEvent is one decoded message from the underlying feed. Exactly one of Bar, Book
// or Tick is set, matching Kind. Seq increases per connection lifetime of the stream.
type StreamEvent struct {
	Kind StreamKind
	Bar  *models.Bar
	Book *models.OrderBook
	Tick *models.TradeTick
	Seq  uint64
}

// MarketStream is a reconnecting feed of the underlying asset.
type MarketStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan StreamEvent, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// BookSource returns the current state of the binary market.
type BookSource interface {
	FetchSnapshot(ctx context.Context) (*models.MarketSnapshot, error)
}

// EventSink mirrors bus events to an external log (Kafka).
type EventSink interface {
	Publish(ctx context.Context, topic string, key []byte, payload interface{}) error
	Close() error
}

// AuditStore persists what regression and audit need: positions with both underlying
// samples, every proposal status change and every signal.
type AuditStore interface {
	Init(ctx context.Context) error
	SavePositions(ctx context.Context, positions []models.Position) error
	SaveProposalChanges(ctx context.Context, rows []ProposalChange) error
	SaveSignals(ctx context.Context, signals []models.CompositeSignal) error
	ProposalHistory(ctx context.Context, id string) ([]models.StatusChange, error)
	Health(ctx context.Context) error
	Close() error
}

// ProposalChange is one row of proposal status history.
type ProposalChange struct {
	ProposalID string
	Action     models.Action
	Mode       models.AuthMode
	Severity   models.Severity
	Confidence float64
	Change     models.StatusChange
}

// StateStore keeps the latest risk snapshot across restarts.
type StateStore interface {
	SaveRiskState(ctx context.Context, s models.RiskState) error
	LoadRiskState(ctx context.Context) (*models.RiskState, error)
}

// Locker is a short-lived mutual exclusion across processes.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

type Metrics interface {
	RecordSignal(direction, mode string, cooldownBlocked bool)
	RecordRejection(code string)
	RecordTradeOpened(engine, direction string)
	RecordTradeSettled(engine, result string, pnl float64)
	RecordBalance(engine string, balance float64)
	RecordBreaker(kind string, active bool)
	RecordProposalResolved(status, mode string)
	RecordComponentState(component, state string)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordSignal(string, string, bool) {}
func (NopMetrics) RecordRejection(string) {}
func (NopMetrics) RecordTradeOpened(string, string) {}
func (NopMetrics) RecordTradeSettled(string, string, float64) {}
func (NopMetrics) RecordBalance(string, float64) {}
func (NopMetrics) RecordBreaker(string, bool) {}
func (NopMetrics) RecordProposalResolved(string, string) {}
func (NopMetrics) RecordComponentState(string, string) {}
func (NopMetrics) RecordError(string) {}
func (NopMetrics) RecordLatency(string, float64) {}
