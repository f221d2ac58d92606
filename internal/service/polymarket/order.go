package polymarket

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrUnitMismatch  = errors.New("order amount unit does not match side")
	ErrInvalidAmount = errors.New("order amount must be positive")
	ErrNotFilled     = errors.New("order not filled")
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Unit says what an order amount is denominated in.
type Unit string

const (
	UnitQuote Unit = "QUOTE"
	UnitBase  Unit = "BASE"
)

const OrderTypeFOK = "FOK"

// MarketOrder is an unsigned fill-or-kill market order. Buys are sized in quote currency
// (USDC to spend), sells in base units (shares to sell).
type MarketOrder struct {
	TokenID   string  `json:"token_id"`
	Side      Side    `json:"side"`
	Amount    float64 `json:"amount"`
	Unit      Unit    `json:"unit"`
	Price     float64 `json:"price"`
	OrderType string  `json:"order_type"`
}

func NewMarketOrder(tokenID string, side Side, amount float64, unit Unit, price float64) (MarketOrder, error) {
	switch {
	case side == SideBuy && unit != UnitQuote, side == SideSell && unit != UnitBase:
		return MarketOrder{}, fmt.Errorf("%w: %s sized in %s", ErrUnitMismatch, side, unit)
	case side != SideBuy && side != SideSell:
		return MarketOrder{}, fmt.Errorf("unknown side %q", side)
	case amount <= 0 || math.IsNaN(amount):
		return MarketOrder{}, ErrInvalidAmount
	case tokenID == "":
		return MarketOrder{}, errors.New("token id is required")
	}
	return MarketOrder{
		TokenID:   tokenID,
		Side:      side,
		Amount:    math.Floor(amount*100+1e-9) / 100,
		Unit:      unit,
		Price:     price,
		OrderType: OrderTypeFOK,
	}, nil
}

// SignedOrder is the exchange order payload produced by an OrderSigner.
type SignedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type postOrderRequest struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
}

// OrderResponse is the exchange's answer to POST /order.
type OrderResponse struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"`
	MakingAmount string `json:"makingAmount"`
	TakingAmount string `json:"takingAmount"`
}

// Filled reports whether a FOK order executed.
func (r OrderResponse) Filled() bool {
	return r.Success && r.ErrorMsg == "" && (r.Status == "matched" || r.Status == "MATCHED")
}
