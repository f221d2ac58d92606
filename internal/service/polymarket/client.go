// Package polymarket is a REST client for the binary market's central limit order book.
package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"UpDownTrader/internal/domain/models"
	xhttp "UpDownTrader/pkg/http"
	"UpDownTrader/pkg/logger"
	"UpDownTrader/pkg/util"
)

var ErrNoCredentials = errors.New("clob credentials are not configured")

type Config struct {
	// Hosts are tried in order for reads.
	Hosts []string
	// OrderHost receives authenticated requests. Defaults to Hosts[0].
	OrderHost   string
	MarketID    string
	Title       string
	UpTokenID   string
	DownTokenID string
	Window      time.Duration
	Timeout     time.Duration
	Retries     int
	Credentials Credentials
}

type Option func(*Client)

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithSigner(s OrderSigner) Option {
	return func(c *Client) { c.signer = s }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func WithHTTPOptions(opts ...xhttp.ClientOption) Option {
	return func(c *Client) { c.httpOpts = append(c.httpOpts, opts...) }
}

type Client struct {
	cfg      Config
	http     *xhttp.Client
	httpOpts []xhttp.ClientOption
	signer   OrderSigner
	log      *logger.Logger
	now      func() time.Time
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	for i, h := range cfg.Hosts {
		cfg.Hosts[i] = strings.TrimRight(h, "/")
	}
	if cfg.OrderHost == "" && len(cfg.Hosts) > 0 {
		cfg.OrderHost = cfg.Hosts[0]
	}
	cfg.OrderHost = strings.TrimRight(cfg.OrderHost, "/")

	c := &Client{cfg: cfg, log: logger.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Component("polymarket")
	c.http = xhttp.NewClient(append([]xhttp.ClientOption{xhttp.WithTimeout(cfg.Timeout)}, c.httpOpts...)...)
	return c
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
}

// FetchQuote reads the order book for one outcome token and reduces it to top of book.
func (c *Client) FetchQuote(ctx context.Context, tokenID string) (models.OutcomeQuote, error) {
	var book bookResponse
	err := c.getWithFailover(ctx, "/book", map[string][]string{"token_id": {tokenID}}, &book)
	if err != nil {
		return models.OutcomeQuote{}, fmt.Errorf("fetch book %s: %w", shortID(tokenID), err)
	}
	return quoteFromBook(book), nil
}

// FetchSnapshot implements repository.BookSource for the configured market.
func (c *Client) FetchSnapshot(ctx context.Context) (*models.MarketSnapshot, error) {
	if c.cfg.UpTokenID == "" || c.cfg.DownTokenID == "" {
		return nil, errors.New("market token ids are not configured")
	}
	up, err := c.FetchQuote(ctx, c.cfg.UpTokenID)
	if err != nil {
		return nil, err
	}
	down, err := c.FetchQuote(ctx, c.cfg.DownTokenID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	start, end := util.Window(now, c.cfg.Window)
	return &models.MarketSnapshot{
		MarketID:    c.cfg.MarketID,
		Title:       c.cfg.Title,
		UpTokenID:   c.cfg.UpTokenID,
		DownTokenID: c.cfg.DownTokenID,
		Up:          up,
		Down:        down,
		WindowStart: start,
		WindowEnd:   end,
		Timestamp:   now,
	}, nil
}

func quoteFromBook(b bookResponse) models.OutcomeQuote {
	var q models.OutcomeQuote
	for _, l := range b.Bids {
		p, s := parseLevel(l)
		if p > q.Bid {
			q.Bid = p
		}
		q.Liquidity += s
	}
	for _, l := range b.Asks {
		p, s := parseLevel(l)
		if p > 0 && (q.Ask == 0 || p < q.Ask) {
			q.Ask = p
		}
		q.Liquidity += s
	}
	switch {
	case q.Bid > 0 && q.Ask > 0:
		q.Mid = (q.Bid + q.Ask) / 2
		q.Spread = q.Ask - q.Bid
	case q.Ask > 0:
		q.Mid = q.Ask
	case q.Bid > 0:
		q.Mid = q.Bid
	}
	return q
}

func parseLevel(l bookLevel) (price, size float64) {
	price, _ = strconv.ParseFloat(l.Price, 64)
	size, _ = strconv.ParseFloat(l.Size, 64)
	return price, size
}

// PlaceMarketOrder signs and submits a FOK order. A response that did not fill is
// returned together with ErrNotFilled.
func (c *Client) PlaceMarketOrder(ctx context.Context, order MarketOrder) (OrderResponse, error) {
	if !c.cfg.Credentials.Valid() {
		return OrderResponse{}, ErrNoCredentials
	}
	if c.signer == nil {
		return OrderResponse{}, errors.New("no order signer configured")
	}
	signed, err := c.signer.Sign(ctx, order)
	if err != nil {
		return OrderResponse{}, err
	}
	body, err := json.Marshal(postOrderRequest{
		Order:     signed,
		Owner:     c.cfg.Credentials.APIKey,
		OrderType: OrderTypeFOK,
	})
	if err != nil {
		return OrderResponse{}, fmt.Errorf("encode order: %w", err)
	}

	var resp OrderResponse
	if err := c.authorized(ctx, xhttp.MethodPost, "/order", body, &resp); err != nil {
		return OrderResponse{}, fmt.Errorf("post order: %w", err)
	}
	if !resp.Filled() {
		return resp, fmt.Errorf("%w: status=%q error=%q", ErrNotFilled, resp.Status, resp.ErrorMsg)
	}
	c.log.Info("order filled",
		logger.String("order_id", resp.OrderID),
		logger.String("token", shortID(order.TokenID)),
		logger.Float64("amount", order.Amount),
	)
	return resp, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	body, _ := json.Marshal(map[string]string{"orderID": orderID})
	return c.authorized(ctx, xhttp.MethodDelete, "/order", body, nil)
}

// CancelAll cancels every resting order of the account.
func (c *Client) CancelAll(ctx context.Context) error {
	if !c.cfg.Credentials.Valid() {
		return ErrNoCredentials
	}
	return c.authorized(ctx, xhttp.MethodDelete, "/cancel-all", nil, nil)
}

// authorized sends one signed request to the order host with bounded retry.
func (c *Client) authorized(ctx context.Context, method, path string, body []byte, dest interface{}) error {
	return c.retry(ctx, func() error {
		headers, err := l2Headers(c.cfg.Credentials, c.now(), method, path, string(body))
		if err != nil {
			return err
		}
		opts := &xhttp.RequestOptions{Method: method, URL: c.cfg.OrderHost + path, Headers: headers}
		if body != nil {
			opts.Body = body
		}
		return c.http.SendAndParse(ctx, opts, dest)
	})
}

func (c *Client) getWithFailover(ctx context.Context, path string, query map[string][]string, dest interface{}) error {
	if len(c.cfg.Hosts) == 0 {
		return errors.New("no clob hosts configured")
	}
	var lastErr error
	for _, host := range c.cfg.Hosts {
		err := c.retry(ctx, func() error {
			return c.http.SendAndParse(ctx, &xhttp.RequestOptions{
				Method:      xhttp.MethodGet,
				URL:         host + path,
				QueryParams: query,
			}, dest)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		var se *xhttp.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return err
		}
		c.log.Warn("clob host failed, trying next", logger.String("host", host), logger.Error(err))
		lastErr = err
	}
	return lastErr
}

func (c *Client) retry(ctx context.Context, fn func() error) error {
	var err error
	for i := 1; i <= c.cfg.Retries; i++ {
		err = fn()
		if err == nil || !xhttp.IsRetryable(err) || i == c.cfg.Retries {
			return err
		}
		backoff := time.Duration(1<<uint(i-1)) * 100 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "…"
}
