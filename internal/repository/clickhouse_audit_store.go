package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"UpDownTrader/internal/domain/models"
	domrepo "UpDownTrader/internal/domain/repository"
	pkgch "UpDownTrader/pkg/clickhouse"
	applogger "UpDownTrader/pkg/logger"
)

var auditSchema = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		id String,
		engine LowCardinality(String),
		market_id String,
		signal_id String,
		direction LowCardinality(String),
		token_id String,
		entry_price Float64,
		exit_price Float64,
		notional Float64,
		shares Float64,
		fees_entry Float64,
		fees_exit Float64,
		status LowCardinality(String),
		outcome LowCardinality(String),
		won UInt8,
		pnl Float64,
		entry_underlying Float64,
		entry_underlying_at DateTime64(3, 'UTC'),
		entry_underlying_seq UInt64,
		exit_underlying Float64,
		exit_underlying_at DateTime64(3, 'UTC'),
		exit_underlying_seq UInt64,
		opened_at DateTime64(3, 'UTC'),
		expires_at DateTime64(3, 'UTC'),
		settled_at DateTime64(3, 'UTC'),
		order_id String,
		version DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree(version)
	ORDER BY (id)`,
	`CREATE TABLE IF NOT EXISTS proposal_history (
		proposal_id String,
		action LowCardinality(String),
		mode LowCardinality(String),
		severity LowCardinality(String),
		confidence Float64,
		from_status LowCardinality(String),
		to_status LowCardinality(String),
		changed_by String,
		reason String,
		changed_at DateTime64(3, 'UTC')
	) ENGINE = MergeTree
	ORDER BY (proposal_id, changed_at)`,
	`CREATE TABLE IF NOT EXISTS signals (
		id String,
		ts DateTime64(3, 'UTC'),
		direction LowCardinality(String),
		mode LowCardinality(String),
		raw_score Float64,
		adjusted_score Float64,
		confidence Float64,
		threshold Float64,
		sentiment_multiplier Float64,
		implied_up Float64,
		cooldown_blocked UInt8,
		underlying_price Float64,
		contributions String
	) ENGINE = MergeTree
	ORDER BY (ts)`,
}

const (
	insertPosition = `INSERT INTO positions (id, engine, market_id, signal_id, direction, token_id,
		entry_price, exit_price, notional, shares, fees_entry, fees_exit, status, outcome, won, pnl,
		entry_underlying, entry_underlying_at, entry_underlying_seq,
		exit_underlying, exit_underlying_at, exit_underlying_seq,
		opened_at, expires_at, settled_at, order_id, version)`
	insertProposalChange = `INSERT INTO proposal_history (proposal_id, action, mode, severity, confidence,
		from_status, to_status, changed_by, reason, changed_at)`
	insertSignal = `INSERT INTO signals (id, ts, direction, mode, raw_score, adjusted_score, confidence,
		threshold, sentiment_multiplier, implied_up, cooldown_blocked, underlying_price, contributions)`
)

// batchClient is the part of the ClickHouse client the audit store writes through.
type batchClient interface {
	InitSchema(ctx context.Context, stmts []string) error
	InsertBatch(ctx context.Context, query string, rows [][]interface{}) error
	DB() *sql.DB
	Health(ctx context.Context) error
	Close() error
}

// CHAuditStore implements AuditStore backed by ClickHouse.
type CHAuditStore struct {
	ch batchClient
	l  *applogger.Logger
}

var _ domrepo.AuditStore = (*CHAuditStore)(nil)

func NewCHAuditStore(ch *pkgch.Client, l *applogger.Logger) *CHAuditStore {
	return newAuditStore(ch, l)
}

func newAuditStore(ch batchClient, l *applogger.Logger) *CHAuditStore {
	if l == nil {
		l = applogger.Nop()
	}
	return &CHAuditStore{ch: ch, l: l.Component("audit_store")}
}

func (s *CHAuditStore) Init(ctx context.Context) error {
	return s.ch.InitSchema(ctx, auditSchema)
}

func (s *CHAuditStore) SavePositions(ctx context.Context, positions []models.Position) error {
	rows := make([][]interface{}, 0, len(positions))
	for _, p := range positions {
		rows = append(rows, positionRow(p))
	}
	return s.insert(ctx, "positions", insertPosition, rows)
}

func (s *CHAuditStore) SaveProposalChanges(ctx context.Context, changes []domrepo.ProposalChange) error {
	rows := make([][]interface{}, 0, len(changes))
	for _, c := range changes {
		rows = append(rows, proposalChangeRow(c))
	}
	return s.insert(ctx, "proposal_history", insertProposalChange, rows)
}

func (s *CHAuditStore) SaveSignals(ctx context.Context, signals []models.CompositeSignal) error {
	rows := make([][]interface{}, 0, len(signals))
	for _, sig := range signals {
		row, err := signalRow(sig)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return s.insert(ctx, "signals", insertSignal, rows)
}

func (s *CHAuditStore) insert(ctx context.Context, table, query string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	start := time.Now()
	if err := s.ch.InsertBatch(ctx, query, rows); err != nil {
		s.l.Error("clickhouse insert error",
			applogger.String("table", table),
			applogger.Int("rows", len(rows)),
			applogger.Error(err),
		)
		return fmt.Errorf("insert %s: %w", table, err)
	}
	s.l.Debug("clickhouse insert ok",
		applogger.String("table", table),
		applogger.Int("rows", len(rows)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return nil
}

// ProposalHistory returns the persisted status changes of one proposal in order.
func (s *CHAuditStore) ProposalHistory(ctx context.Context, id string) ([]models.StatusChange, error) {
	const q = `
        SELECT from_status, to_status, changed_by, reason, changed_at
        FROM proposal_history
        WHERE proposal_id = ?
        ORDER BY changed_at ASC
    `
	rows, err := s.ch.DB().QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("proposal history: %w", err)
	}
	defer rows.Close()

	var out []models.StatusChange
	for rows.Next() {
		var (
			c        models.StatusChange
			from, to string
		)
		if err := rows.Scan(&from, &to, &c.By, &c.Reason, &c.At); err != nil {
			return nil, fmt.Errorf("scan proposal change: %w", err)
		}
		c.From, c.To = models.ProposalStatus(from), models.ProposalStatus(to)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *CHAuditStore) Health(ctx context.Context) error {
	return s.ch.Health(ctx)
}

func (s *CHAuditStore) Close() error {
	return s.ch.Close()
}

func positionRow(p models.Position) []interface{} {
	var settled time.Time
	if p.SettledAt != nil {
		settled = *p.SettledAt
	}
	version := p.OpenedAt
	if !settled.IsZero() {
		version = settled
	}
	return []interface{}{
		p.ID, p.Engine, p.MarketID, p.SignalID, string(p.Direction), p.TokenID,
		p.EntryPrice, p.ExitPrice, p.Notional, p.Shares, p.FeesEntry, p.FeesExit,
		string(p.Status), string(p.Outcome), boolByte(p.Won), p.PnL,
		p.EntryUnderlying.Price, p.EntryUnderlying.At, p.EntryUnderlying.Seq,
		p.ExitUnderlying.Price, p.ExitUnderlying.At, p.ExitUnderlying.Seq,
		p.OpenedAt, p.ExpiresAt, settled, p.OrderID, version,
	}
}

func proposalChangeRow(c domrepo.ProposalChange) []interface{} {
	return []interface{}{
		c.ProposalID, string(c.Action), string(c.Mode), string(c.Severity), c.Confidence,
		string(c.Change.From), string(c.Change.To), c.Change.By, c.Change.Reason, c.Change.At,
	}
}

func signalRow(s models.CompositeSignal) ([]interface{}, error) {
	contrib, err := json.Marshal(s.Contributions)
	if err != nil {
		return nil, fmt.Errorf("encode contributions: %w", err)
	}
	return []interface{}{
		s.ID, s.Timestamp, string(s.Direction), s.Mode, s.RawScore, s.AdjustedScore, s.Confidence,
		s.Threshold, s.SentimentMultiplier, s.ImpliedUp, boolByte(s.CooldownBlocked), s.UnderlyingPrice,
		string(contrib),
	}, nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
