package broker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/models"
)

func TestOCCSymbol(t *testing.T) {
	exp := time.Date(2026, 11, 20, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "SPY261120C00450000", OCCSymbol("SPY", exp, models.Call, 450))
	assert.Equal(t, "AAPL261120P00182500", OCCSymbol("aapl", exp, models.Put, 182.5))
	assert.Equal(t, "F261120C00012500", OCCSymbol("F", exp, models.Call, 12.5))
}

func TestParseOCCSymbol(t *testing.T) {
	ticker, exp, kind, strike, err := ParseOCCSymbol("AAPL261120P00182500")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", ticker)
	assert.Equal(t, time.Date(2026, 11, 20, 0, 0, 0, 0, time.UTC), exp)
	assert.Equal(t, models.Put, kind)
	assert.InDelta(t, 182.5, strike, 1e-9)

	for _, bad := range []string{"SPY", "SPY26112XC00450000", "SPY261120X00450000", "SPY261120C0045000a"} {
		_, _, _, _, err := ParseOCCSymbol(bad)
		assert.Error(t, err, bad)
	}
}

func TestPriceString(t *testing.T) {
	assert.Equal(t, "1.20", priceString(1.2))
	assert.Equal(t, "0.35", priceString(0.345000001))
	assert.Equal(t, "102.00", priceString(102))
}

func TestPaperExecutor_LimitAndMarketFills(t *testing.T) {
	ctx := context.Background()
	p := NewPaperExecutor(10000, zerolog.Nop())

	res, err := p.SubmitOrder(ctx, OrderRequest{
		Symbol:     "SPY261120C00450000",
		AssetClass: AssetOption,
		Side:       models.OrderSideSell,
		Qty:        2,
		Type:       models.OrderTypeLimit,
		LimitPrice: 1.25,
	})
	require.NoError(t, err)
	assert.Equal(t, "filled", res.Status)
	assert.NotEmpty(t, res.OrderID)
	assert.Equal(t, 1.25, res.FilledPrice)
	assert.Equal(t, -2, p.PositionQty("SPY261120C00450000"))

	acct, err := p.GetAccount(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10250, acct.Cash, 1e-9)
	// Short two contracts marked at 1.25 cancel the credit.
	assert.InDelta(t, 10000, acct.Equity, 1e-9)

	p.SetPrice("AAPL", 180)
	res, err = p.SubmitOrder(ctx, OrderRequest{Symbol: "AAPL", AssetClass: AssetEquity, Side: models.OrderSideBuy, Qty: 10, Type: models.OrderTypeMarket})
	require.NoError(t, err)
	assert.Equal(t, 180.0, res.FilledPrice)
	assert.Len(t, p.Orders(), 2)
}

func TestPaperExecutor_AveragesAndFlips(t *testing.T) {
	ctx := context.Background()
	p := NewPaperExecutor(0, zerolog.Nop())

	buy := func(qty int, price float64) {
		p.SetPrice("X", price)
		_, err := p.SubmitOrder(ctx, OrderRequest{Symbol: "X", AssetClass: AssetEquity, Side: models.OrderSideBuy, Qty: qty, Type: models.OrderTypeMarket})
		require.NoError(t, err)
	}
	sell := func(qty int, price float64) {
		p.SetPrice("X", price)
		_, err := p.SubmitOrder(ctx, OrderRequest{Symbol: "X", AssetClass: AssetEquity, Side: models.OrderSideSell, Qty: qty, Type: models.OrderTypeMarket})
		require.NoError(t, err)
	}

	buy(10, 100)
	buy(10, 110)
	assert.InDelta(t, 105, p.positions["X"].avgPrice, 1e-9)

	sell(25, 120)
	assert.Equal(t, -5, p.PositionQty("X"))
	assert.InDelta(t, 120, p.positions["X"].avgPrice, 1e-9)

	res, err := p.ClosePosition(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 5, res.FilledQty)
	assert.Equal(t, 0, p.PositionQty("X"))
}

func TestPaperExecutor_Rejections(t *testing.T) {
	p := NewPaperExecutor(1000, zerolog.Nop())

	_, err := p.SubmitOrder(context.Background(), OrderRequest{Symbol: "X", Side: models.OrderSideBuy, Qty: 0})
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)

	_, err = p.ClosePosition(context.Background(), "NOPE")
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.SubmitOrder(ctx, OrderRequest{Symbol: "X", Side: models.OrderSideBuy, Qty: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

type quoteMap map[string]float64

func (q quoteMap) Quote(_ context.Context, symbol string) (float64, error) {
	if p, ok := q[symbol]; ok {
		return p, nil
	}
	return 0, apperrors.NewDataError("quote", symbol, "unknown", nil)
}

func TestPaperExecutor_Quoter(t *testing.T) {
	ctx := context.Background()
	p := NewPaperExecutor(10000, zerolog.Nop()).WithQuoter(quoteMap{"AAPL": 181.5})

	res, err := p.SubmitOrder(ctx, OrderRequest{Symbol: "AAPL", AssetClass: AssetEquity, Side: models.OrderSideBuy, Qty: 1, Type: models.OrderTypeMarket})
	require.NoError(t, err)
	assert.Equal(t, 181.5, res.FilledPrice)

	// Limit orders ignore the quote.
	res, err = p.SubmitOrder(ctx, OrderRequest{Symbol: "AAPL", AssetClass: AssetEquity, Side: models.OrderSideBuy, Qty: 1, Type: models.OrderTypeLimit, LimitPrice: 180})
	require.NoError(t, err)
	assert.Equal(t, 180.0, res.FilledPrice)

	// Unknown symbols fall back to the last price seen.
	p.SetPrice("MSFT", 400)
	res, err = p.SubmitOrder(ctx, OrderRequest{Symbol: "MSFT", AssetClass: AssetEquity, Side: models.OrderSideBuy, Qty: 1, Type: models.OrderTypeMarket})
	require.NoError(t, err)
	assert.Equal(t, 400.0, res.FilledPrice)
}
