// Package binance streams klines, depth and aggregated trades for one symbol.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"UpDownTrader/internal/domain/repository"
	"UpDownTrader/pkg/logger"
)

var ErrNotConnected = errors.New("binance stream not connected")

type Config struct {
	// URLs are combined-stream endpoints tried in order; a reconnect moves to the next.
	URLs           []string
	Symbol         string
	BarInterval    string
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	MaxBackoff     time.Duration
	BufferSize     int
	// MaxTicksPerSec throttles trade ticks; bars and books always pass.
	MaxTicksPerSec int
}

// Client implements repository.MarketStream over a Binance combined websocket stream.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *logger.Logger
	ticks  *rate.Limiter

	mu        sync.Mutex
	conn      *websocket.Conn
	urlIdx    int
	backoff   time.Duration
	connected atomic.Bool
	seq       atomic.Uint64
}

var _ repository.MarketStream = (*Client)(nil)

func New(cfg Config, log *logger.Logger) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxBackoff < cfg.ReconnectDelay {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BarInterval == "" {
		cfg.BarInterval = "1m"
	}
	cfg.Symbol = strings.ToLower(cfg.Symbol)
	if log == nil {
		log = logger.Nop()
	}
	c := &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:     log.Component("binance"),
		backoff: cfg.ReconnectDelay,
	}
	if cfg.MaxTicksPerSec > 0 {
		c.ticks = rate.NewLimiter(rate.Limit(cfg.MaxTicksPerSec), cfg.MaxTicksPerSec)
	}
	return c
}

func (c *Client) streams() []string {
	s := c.cfg.Symbol
	return []string{
		s + "@kline_" + c.cfg.BarInterval,
		s + "@depth20@100ms",
		s + "@aggTrade",
	}
}

// Connect dials the current endpoint.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cfg.URLs) == 0 {
		return errors.New("no binance urls configured")
	}
	url := c.cfg.URLs[c.urlIdx%len(c.cfg.URLs)]
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("binance connect %s: %w", url, err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(3 * c.cfg.PingInterval))
	})
	_ = conn.SetReadDeadline(time.Now().Add(3 * c.cfg.PingInterval))
	c.conn = conn
	c.connected.Store(true)
	c.log.Info("connected", logger.String("url", url))
	return nil
}

type subscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Subscribe asks for klines, depth and aggregated trades of the symbol.
func (c *Client) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	msg := subscribeMsg{Method: "SUBSCRIBE", Params: c.streams(), ID: time.Now().UnixNano()}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.log.Info("subscribed", logger.Strings("streams", msg.Params))
	return nil
}

// Read streams decoded events until ctx ends or the connection fails. The event channel
// is closed when reading stops; at most one error is delivered.
func (c *Client) Read(ctx context.Context) (<-chan repository.StreamEvent, <-chan error) {
	events := make(chan repository.StreamEvent, c.cfg.BufferSize)
	errs := make(chan error, 1)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		errs <- ErrNotConnected
		close(events)
		close(errs)
		return events, errs
	}

	readCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-readCtx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				c.mu.Unlock()
				if err != nil {
					c.log.Debug("ping failed", logger.Error(err))
				}
			}
		}
	}()

	go func() {
		<-readCtx.Done()
		// unblock ReadMessage on shutdown
		if ctx.Err() != nil {
			_ = conn.Close()
		}
	}()

	go func() {
		defer cancel()
		defer close(events)
		defer close(errs)
		dropped := 0
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				c.connected.Store(false)
				if ctx.Err() == nil {
					errs <- fmt.Errorf("binance read: %w", err)
				}
				return
			}
			ev, ok, err := decode(frame, time.Now().UTC())
			if err != nil {
				c.log.Debug("skipping frame", logger.Error(err))
				continue
			}
			if !ok {
				continue
			}
			if ev.Kind == repository.StreamTrade && c.ticks != nil && !c.ticks.Allow() {
				continue
			}
			ev.Seq = c.seq.Add(1)
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			default:
				dropped++
				if dropped%100 == 1 {
					c.log.Warn("event buffer full, dropping", logger.Int("dropped", dropped))
				}
			}
		}
	}()

	return events, errs
}

// Reconnect closes the connection, waits with exponential backoff and dials the next
// endpoint. The backoff resets after a successful subscribe.
func (c *Client) Reconnect(ctx context.Context) error {
	_ = c.Close()

	c.mu.Lock()
	c.urlIdx++
	wait := c.backoff
	c.backoff *= 2
	if c.backoff > c.cfg.MaxBackoff {
		c.backoff = c.cfg.MaxBackoff
	}
	c.mu.Unlock()

	c.log.Warn("reconnecting", logger.Duration("backoff_ms", wait))
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := c.Subscribe(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.backoff = c.cfg.ReconnectDelay
	c.mu.Unlock()
	return nil
}

func (c *Client) Close() error {
	c.connected.Store(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) IsConnected() bool { return c.connected.Load() }
