// Package broker provides order execution: the Executor interface, an
// Alpaca REST implementation, a paper simulator and a leg-by-leg executor
// for multi-leg option structures.
package broker

import (
	"context"
	"time"

	"optionsbot/internal/models"
)

// Executor places and closes orders with a broker.
type Executor interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// ClosePosition liquidates the whole position in symbol.
	ClosePosition(ctx context.Context, symbol string) (*OrderResult, error)
	GetAccount(ctx context.Context) (*Account, error)
}

// AssetClass distinguishes equity from option orders.
type AssetClass string

const (
	AssetEquity AssetClass = "us_equity"
	AssetOption AssetClass = "us_option"
)

// OrderRequest is a single-symbol order.
type OrderRequest struct {
	Symbol      string
	AssetClass  AssetClass
	Side        models.OrderSide
	Qty         int
	Type        models.OrderType
	LimitPrice  float64
	TimeInForce string
	// StopLoss and TakeProfit turn an equity order into a bracket order
	// when both are positive.
	StopLoss      float64
	TakeProfit    float64
	ClientOrderID string
}

// IsBracket reports whether the request carries both bracket legs.
func (r OrderRequest) IsBracket() bool {
	return r.StopLoss > 0 && r.TakeProfit > 0
}

// OrderResult represents the result of an order placement.
type OrderResult struct {
	OrderID     string
	Symbol      string
	Status      string
	FilledQty   int
	FilledPrice float64
	SubmittedAt time.Time
	Message     string
}

// Account is the broker account summary.
type Account struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
	Status      string
}
