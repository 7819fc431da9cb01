package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/models"
)

var testExp = time.Date(2026, 11, 20, 0, 0, 0, 0, time.UTC)

// flakyExecutor fails every order for the listed symbols and records the
// rest on a paper simulator.
type flakyExecutor struct {
	*PaperExecutor
	fail     map[string]bool
	requests []OrderRequest
}

func newFlaky(fail ...string) *flakyExecutor {
	f := &flakyExecutor{PaperExecutor: NewPaperExecutor(0, zerolog.Nop()), fail: map[string]bool{}}
	for _, s := range fail {
		f.fail[s] = true
	}
	return f
}

func (f *flakyExecutor) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	f.requests = append(f.requests, req)
	if f.fail[req.Symbol] {
		return nil, apperrors.NewOrderError("", req.Symbol, string(req.Side), "rejected", apperrors.ErrOrderRejected)
	}
	return f.PaperExecutor.SubmitOrder(ctx, req)
}

func condor() models.Signal {
	return models.Signal{
		Ticker:     "SPY",
		Strategy:   models.StrategyVolArb,
		TradeType:  models.TradeIronCondor,
		Direction:  models.DirectionNeutralSell,
		Expiration: testExp,
		Contracts:  2,
		Legs: []models.Leg{
			{Action: models.OrderSideBuy, Kind: models.Put, Strike: 79, Mid: 0.2},
			{Action: models.OrderSideSell, Kind: models.Put, Strike: 84, Mid: 0.8},
			{Action: models.OrderSideSell, Kind: models.Call, Strike: 116, Mid: 0.9},
			{Action: models.OrderSideBuy, Kind: models.Call, Strike: 121, Mid: 0},
		},
	}
}

func TestLegExecutor_ExecutesEveryLeg(t *testing.T) {
	exec := newFlaky()
	le := NewLegExecutor(exec, nil, zerolog.Nop())

	out, err := le.Execute(context.Background(), condor())
	require.NoError(t, err)
	assert.Len(t, out.OrderIDs, 4)
	assert.Empty(t, out.Failed)

	require.Len(t, exec.requests, 4)
	first := exec.requests[0]
	assert.Equal(t, "SPY261120P00079000", first.Symbol)
	assert.Equal(t, AssetOption, first.AssetClass)
	assert.Equal(t, models.OrderTypeLimit, first.Type)
	assert.Equal(t, 0.2, first.LimitPrice)
	assert.Equal(t, 2, first.Qty)

	// No quote on the last wing: it goes at market.
	assert.Equal(t, models.OrderTypeMarket, exec.requests[3].Type)

	assert.Equal(t, int64(4), le.Tracker().Stats().Fills)
}

func TestLegExecutor_PartialFailureKeepsGoing(t *testing.T) {
	exec := newFlaky("SPY261120P00084000")
	le := NewLegExecutor(exec, nil, zerolog.Nop())

	out, err := le.Execute(context.Background(), condor())
	require.NoError(t, err)
	assert.True(t, out.Partial())
	assert.Len(t, out.OrderIDs, 3)
	require.Len(t, out.Failed, 1)
	assert.Equal(t, "SPY261120P00084000", out.Failed[0].Symbol)
	assert.ErrorIs(t, out.Failed[0].Err, apperrors.ErrOrderRejected)

	// The legs after the failure were still sent.
	assert.Len(t, exec.requests, 4)

	stats := le.Tracker().Stats()
	assert.Equal(t, int64(1), stats.Rejections)
	assert.InDelta(t, 25, stats.RejectionRate, 1e-9)
}

func TestLegExecutor_AllLegsFail(t *testing.T) {
	exec := newFlaky("SPY261120P00079000", "SPY261120P00084000", "SPY261120C00116000", "SPY261120C00121000")
	le := NewLegExecutor(exec, nil, zerolog.Nop())

	out, err := le.Execute(context.Background(), condor())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrExecution)
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
	assert.Empty(t, out.OrderIDs)
	assert.Len(t, out.Failed, 4)

	var orderErr *apperrors.OrderError
	require.True(t, errors.As(err, &orderErr))
	assert.Equal(t, "SPY", orderErr.Symbol)
}

func TestLegExecutor_StockBracket(t *testing.T) {
	exec := newFlaky()
	exec.SetPrice("AAPL", 97)
	le := NewLegExecutor(exec, nil, zerolog.Nop())

	sig := models.Signal{
		Ticker:          "AAPL",
		Strategy:        models.StrategyMeanReversion,
		TradeType:       models.TradeStock,
		Direction:       models.DirectionBearish,
		UnderlyingPrice: 97,
		StockQty:        51,
		StopLoss:        99.91,
		TakeProfit:      94.18,
	}
	out, err := le.Execute(context.Background(), sig)
	require.NoError(t, err)
	assert.Len(t, out.OrderIDs, 1)

	require.Len(t, exec.requests, 1)
	req := exec.requests[0]
	assert.Equal(t, "AAPL", req.Symbol)
	assert.Equal(t, AssetEquity, req.AssetClass)
	assert.Equal(t, models.OrderSideSell, req.Side)
	assert.Equal(t, 51, req.Qty)
	assert.True(t, req.IsBracket())
	assert.Equal(t, -51, exec.PositionQty("AAPL"))
}

func TestLegExecutor_CloseReversesLegs(t *testing.T) {
	exec := newFlaky()
	le := NewLegExecutor(exec, nil, zerolog.Nop())

	sig := condor()
	_, err := le.Execute(context.Background(), sig)
	require.NoError(t, err)

	pos := &models.Position{
		ID:         "SPY_vol_arb_20261014_150000",
		Ticker:     "SPY",
		TradeType:  models.TradeIronCondor,
		Expiration: testExp,
		Legs:       sig.Legs,
		Contracts:  2,
	}
	out, err := le.Close(context.Background(), pos)
	require.NoError(t, err)
	assert.Len(t, out.OrderIDs, 4)

	closing := exec.requests[4:]
	require.Len(t, closing, 4)
	for i, req := range closing {
		assert.Equal(t, sig.Legs[i].Action.Opposite(), req.Side)
		assert.Equal(t, models.OrderTypeMarket, req.Type)
		assert.Equal(t, 0, exec.PositionQty(req.Symbol))
	}
}

func TestLegExecutor_PartialCloseFailsAndRetriesOpenLegs(t *testing.T) {
	exec := newFlaky()
	le := NewLegExecutor(exec, nil, zerolog.Nop())

	sig := condor()
	_, err := le.Execute(context.Background(), sig)
	require.NoError(t, err)

	pos := &models.Position{
		ID:         "SPY_vol_arb_20261014_150000",
		Ticker:     "SPY",
		TradeType:  models.TradeIronCondor,
		Expiration: testExp,
		Legs:       sig.Legs,
		Contracts:  2,
	}
	exec.fail["SPY261120C00116000"] = true
	out, err := le.Close(context.Background(), pos)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
	assert.True(t, out.Partial())
	assert.Equal(t, []int{0, 1, 3}, out.Legs)
	assert.Equal(t, -2, exec.PositionQty("SPY261120C00116000"))

	pos.ClosedLegs = out.Legs
	delete(exec.fail, "SPY261120C00116000")
	sent := len(exec.requests)
	out, err = le.Close(context.Background(), pos)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, out.Legs)

	retry := exec.requests[sent:]
	require.Len(t, retry, 1)
	assert.Equal(t, "SPY261120C00116000", retry[0].Symbol)
	for _, leg := range sig.Legs {
		assert.Equal(t, 0, exec.PositionQty(OCCSymbol("SPY", testExp, leg.Kind, leg.Strike)))
	}

	pos.ClosedLegs = []int{0, 1, 2, 3}
	out, err = le.Close(context.Background(), pos)
	require.NoError(t, err)
	assert.Empty(t, out.OrderIDs)
}

func TestLegExecutor_CloseStock(t *testing.T) {
	exec := newFlaky()
	exec.SetPrice("AAPL", 100)
	_, err := exec.SubmitOrder(context.Background(), OrderRequest{Symbol: "AAPL", AssetClass: AssetEquity, Side: models.OrderSideBuy, Qty: 50, Type: models.OrderTypeMarket})
	require.NoError(t, err)

	le := NewLegExecutor(exec, nil, zerolog.Nop())
	out, err := le.Close(context.Background(), &models.Position{ID: "p", Ticker: "AAPL", TradeType: models.TradeStock, StockQty: 50})
	require.NoError(t, err)
	assert.Len(t, out.OrderIDs, 1)
	assert.Equal(t, 0, exec.PositionQty("AAPL"))

	_, err = le.Close(context.Background(), &models.Position{ID: "q", Ticker: "MSFT", TradeType: models.TradeStock, StockQty: 5})
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)
}

func TestFillTracker_Slippage(t *testing.T) {
	tr := NewFillTracker(2)

	tr.Record(Fill{OrderID: "a", Side: "buy", Expected: 1.00, Actual: 1.05, Latency: 10 * time.Millisecond})
	tr.Record(Fill{OrderID: "b", Side: "sell", Expected: 2.00, Actual: 1.90, Latency: 30 * time.Millisecond})
	tr.Record(Fill{OrderID: "c", Side: "sell", Rejected: true, Reason: "no"})

	stats := tr.Stats()
	assert.Equal(t, int64(2), stats.Fills)
	assert.Equal(t, int64(1), stats.Rejections)
	assert.InDelta(t, 5, stats.AvgSlippagePct, 1e-9)
	assert.InDelta(t, 5, stats.MaxSlippagePct, 1e-9)
	assert.Equal(t, int64(20), stats.AvgLatencyMs)
	assert.InDelta(t, 100.0/3, stats.RejectionRate, 1e-9)

	recent := tr.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].OrderID)
	assert.Equal(t, "c", recent[1].OrderID)
}
