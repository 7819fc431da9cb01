package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/models"
)

// PaperExecutor simulates fills in memory. Limit orders fill at their limit
// price; market orders fill at the last price seen for the symbol.
type PaperExecutor struct {
	mu        sync.Mutex
	cash      float64
	positions map[string]*paperPosition
	prices    map[string]float64
	orders    []OrderResult
	quoter    Quoter
	now       func() time.Time
	logger    zerolog.Logger
}

type paperPosition struct {
	qty      int // negative when short
	avgPrice float64
	mult     float64
}

// NewPaperExecutor creates a simulator with the given starting equity.
func NewPaperExecutor(equity float64, logger zerolog.Logger) *PaperExecutor {
	if equity <= 0 {
		equity = 100000
	}
	return &PaperExecutor{
		cash:      equity,
		positions: make(map[string]*paperPosition),
		prices:    make(map[string]float64),
		now:       time.Now,
		logger:    logger.With().Str("component", "paper").Logger(),
	}
}

// WithQuoter makes market orders fill at prices fetched from q. When q
// fails the last price seen for the symbol is used.
func (p *PaperExecutor) WithQuoter(q Quoter) *PaperExecutor {
	p.quoter = q
	return p
}

// SetPrice records the reference price market orders in symbol fill at.
func (p *PaperExecutor) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func (p *PaperExecutor) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewOrderError("", req.Symbol, string(req.Side), "cancelled", err)
	}
	if req.Qty <= 0 {
		return nil, apperrors.NewOrderError("", req.Symbol, string(req.Side), "quantity must be positive", apperrors.ErrOrderRejected)
	}

	limit := req.Type == models.OrderTypeLimit && req.LimitPrice > 0
	var quoted float64
	if !limit && p.quoter != nil {
		q, err := p.quoter.Quote(ctx, req.Symbol)
		if err != nil {
			p.logger.Warn().Err(err).Str("symbol", req.Symbol).Msg("No quote, using last price")
		} else {
			quoted = q
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	price := p.prices[req.Symbol]
	switch {
	case limit:
		price = req.LimitPrice
	case quoted > 0:
		price = quoted
	}
	p.prices[req.Symbol] = price

	mult := 1.0
	if req.AssetClass == AssetOption {
		mult = models.ContractMultiplier
	}
	value := price * float64(req.Qty) * mult
	if req.Side == models.OrderSideBuy {
		p.cash -= value
	} else {
		p.cash += value
	}
	p.updatePosition(req.Symbol, req.Side, req.Qty, price, mult)

	res := OrderResult{
		OrderID:     uuid.NewString(),
		Symbol:      req.Symbol,
		Status:      "filled",
		FilledQty:   req.Qty,
		FilledPrice: price,
		SubmittedAt: p.now(),
		Message:     "Paper order filled",
	}
	p.orders = append(p.orders, res)
	return &res, nil
}

func (p *PaperExecutor) updatePosition(symbol string, side models.OrderSide, qty int, price, mult float64) {
	signed := qty
	if side == models.OrderSideSell {
		signed = -qty
	}
	pos, ok := p.positions[symbol]
	if !ok {
		p.positions[symbol] = &paperPosition{qty: signed, avgPrice: price, mult: mult}
		return
	}

	newQty := pos.qty + signed
	switch {
	case newQty == 0:
		delete(p.positions, symbol)
	case (pos.qty > 0) == (signed > 0):
		pos.avgPrice = (pos.avgPrice*float64(abs(pos.qty)) + price*float64(qty)) / float64(abs(newQty))
		pos.qty = newQty
	case (pos.qty > 0) != (newQty > 0):
		// Flipped through zero: the remainder opens at this price.
		pos.qty = newQty
		pos.avgPrice = price
	default:
		pos.qty = newQty
	}
}

func (p *PaperExecutor) ClosePosition(ctx context.Context, symbol string) (*OrderResult, error) {
	p.mu.Lock()
	pos, ok := p.positions[symbol]
	var held paperPosition
	if ok {
		held = *pos
	}
	p.mu.Unlock()
	if !ok {
		return nil, apperrors.NewOrderError("", symbol, "close", "no position", apperrors.ErrPositionNotFound)
	}

	side := models.OrderSideSell
	if held.qty < 0 {
		side = models.OrderSideBuy
	}
	asset := AssetEquity
	if held.mult != 1 {
		asset = AssetOption
	}
	return p.SubmitOrder(ctx, OrderRequest{
		Symbol:     symbol,
		AssetClass: asset,
		Side:       side,
		Qty:        abs(held.qty),
		Type:       models.OrderTypeMarket,
	})
}

// GetAccount values open positions at their last seen prices.
func (p *PaperExecutor) GetAccount(ctx context.Context) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	equity := p.cash
	for symbol, pos := range p.positions {
		equity += p.prices[symbol] * float64(pos.qty) * pos.mult
	}
	return &Account{
		Equity:      equity,
		Cash:        p.cash,
		BuyingPower: p.cash,
		Status:      "PAPER",
	}, nil
}

// Orders returns the fills so far, oldest first.
func (p *PaperExecutor) Orders() []OrderResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OrderResult(nil), p.orders...)
}

// PositionQty returns the signed quantity held in symbol.
func (p *PaperExecutor) PositionQty(symbol string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[symbol]; ok {
		return pos.qty
	}
	return 0
}

func (p *PaperExecutor) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("paper(cash=%.2f, positions=%d)", p.cash, len(p.positions))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
