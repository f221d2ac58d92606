package trading

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/internal/service/polymarket"
	"UpDownTrader/pkg/logger"
)

// Order is what the engine asks a backend to buy: amount in quote currency of the
// outcome token at the quoted contract price.
type Order struct {
	PositionID string
	TokenID    string
	Direction  models.Direction
	Amount     float64
	Price      float64
}

// Fill reports what the backend actually got. Filled is false for a FOK order the book
// could not absorb; Price and Shares may be zero when the backend does not report them.
type Fill struct {
	OrderID string
	Price   float64
	Shares  float64
	Filled  bool
}

// Executor is the backend-specific half of the engine.
type Executor interface {
	Name() string
	Submit(ctx context.Context, o Order) (Fill, error)
	CancelAll(ctx context.Context) error
}

// SimExecutor fills every order immediately at the quoted price.
type SimExecutor struct{}

func (SimExecutor) Name() string { return "simulation" }

func (SimExecutor) Submit(ctx context.Context, o Order) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	return Fill{
		OrderID: "sim-" + uuid.NewString(),
		Price:   o.Price,
		Shares:  o.Amount / o.Price,
		Filled:  true,
	}, nil
}

func (SimExecutor) CancelAll(context.Context) error { return nil }

// OrderPlacer is the CLOB client surface the live executor needs.
type OrderPlacer interface {
	PlaceMarketOrder(ctx context.Context, order polymarket.MarketOrder) (polymarket.OrderResponse, error)
	CancelAll(ctx context.Context) error
}

// LiveExecutor sends FOK market buys to the exchange.
type LiveExecutor struct {
	client  OrderPlacer
	timeout time.Duration
	log     *logger.Logger
}

func NewLiveExecutor(client OrderPlacer, timeout time.Duration, log *logger.Logger) *LiveExecutor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &LiveExecutor{client: client, timeout: timeout, log: log.Component("live_executor")}
}

func (l *LiveExecutor) Name() string { return "live" }

func (l *LiveExecutor) Submit(ctx context.Context, o Order) (Fill, error) {
	mo, err := polymarket.NewMarketOrder(o.TokenID, polymarket.SideBuy, o.Amount, polymarket.UnitQuote, o.Price)
	if err != nil {
		return Fill{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	resp, err := l.client.PlaceMarketOrder(ctx, mo)
	if errors.Is(err, polymarket.ErrNotFilled) {
		l.log.Warn("order not filled",
			logger.String("position_id", o.PositionID),
			logger.String("status", resp.Status),
			logger.String("reason", resp.ErrorMsg),
		)
		return Fill{OrderID: resp.OrderID}, nil
	}
	if err != nil {
		return Fill{}, err
	}

	fill := Fill{OrderID: resp.OrderID, Filled: true}
	spent, _ := strconv.ParseFloat(resp.MakingAmount, 64)
	shares, _ := strconv.ParseFloat(resp.TakingAmount, 64)
	if spent > 0 && shares > 0 {
		fill.Price = spent / shares
		fill.Shares = shares
	}
	return fill, nil
}

func (l *LiveExecutor) CancelAll(ctx context.Context) error {
	return l.client.CancelAll(ctx)
}
