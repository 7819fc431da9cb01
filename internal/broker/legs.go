package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/logging"
	"optionsbot/internal/models"
)

// Execution is the outcome of executing a signal or closing a position.
type Execution struct {
	OrderIDs []string
	Failed   []LegFailure
	// Legs holds the indexes of the position legs whose close order went
	// through.
	Legs []int
}

// LegFailure is a leg order that did not go through.
type LegFailure struct {
	Symbol string
	Side   models.OrderSide
	Err    error
}

// Partial reports whether some but not all orders went through.
func (e Execution) Partial() bool {
	return len(e.OrderIDs) > 0 && len(e.Failed) > 0
}

// LegExecutor turns signals into orders, one order per leg. A failed leg is
// logged and recorded; the remaining legs are still sent and nothing is
// unwound.
type LegExecutor struct {
	exec    Executor
	tracker *FillTracker
	logger  zerolog.Logger
}

// NewLegExecutor wraps exec. tracker may be nil.
func NewLegExecutor(exec Executor, tracker *FillTracker, logger zerolog.Logger) *LegExecutor {
	if tracker == nil {
		tracker = NewFillTracker(0)
	}
	return &LegExecutor{
		exec:    exec,
		tracker: tracker,
		logger:  logger.With().Str("component", "executor").Logger(),
	}
}

// Tracker returns the fill-quality tracker.
func (l *LegExecutor) Tracker() *FillTracker {
	return l.tracker
}

// Execute sends the orders for sig. The error is non-nil only when no
// order went through.
func (l *LegExecutor) Execute(ctx context.Context, sig models.Signal) (Execution, error) {
	logger := logging.WithStrategy(logging.WithTicker(l.logger, sig.Ticker), sig.Strategy)

	if sig.TradeType == models.TradeStock {
		return l.executeStock(ctx, logger, sig)
	}

	var out Execution
	for _, leg := range sig.Legs {
		req := OrderRequest{
			Symbol:      OCCSymbol(sig.Ticker, sig.Expiration, leg.Kind, leg.Strike),
			AssetClass:  AssetOption,
			Side:        leg.Action,
			Qty:         sig.Contracts,
			Type:        models.OrderTypeMarket,
			TimeInForce: "day",
		}
		if leg.Mid > 0 {
			req.Type = models.OrderTypeLimit
			req.LimitPrice = math.Round(leg.Mid*100) / 100
		}
		l.submit(ctx, logger, req, leg.Mid, &out)
	}
	return out, l.outcome(sig.Ticker, "open", out)
}

func (l *LegExecutor) executeStock(ctx context.Context, logger zerolog.Logger, sig models.Signal) (Execution, error) {
	side := models.OrderSideBuy
	if sig.Direction == models.DirectionBearish {
		side = models.OrderSideSell
	}
	req := OrderRequest{
		Symbol:      sig.Ticker,
		AssetClass:  AssetEquity,
		Side:        side,
		Qty:         sig.StockQty,
		Type:        models.OrderTypeMarket,
		TimeInForce: "day",
		StopLoss:    sig.StopLoss,
		TakeProfit:  sig.TakeProfit,
	}
	var out Execution
	l.submit(ctx, logger, req, sig.UnderlyingPrice, &out)
	return out, l.outcome(sig.Ticker, "open", out)
}

// Close exits pos: stock positions are liquidated, option structures are
// closed by reversing each leg at market. Legs closed by an earlier attempt
// are skipped. Unlike Execute, a close that leaves any leg open is an error.
func (l *LegExecutor) Close(ctx context.Context, pos *models.Position) (Execution, error) {
	logger := logging.WithPosition(l.logger, pos.ID)
	var out Execution

	if pos.TradeType == models.TradeStock {
		start := time.Now()
		res, err := l.exec.ClosePosition(ctx, pos.Ticker)
		if err != nil {
			l.fail(logger, pos.Ticker, models.OrderSideSell, err, &out)
		} else {
			l.filled(logger, res, string(models.OrderSideSell), pos.Quantity(), 0, time.Since(start), &out)
		}
		return out, l.outcome(pos.Ticker, "close", out)
	}

	pending := 0
	for i, leg := range pos.Legs {
		if pos.LegClosed(i) {
			continue
		}
		pending++
		req := OrderRequest{
			Symbol:      OCCSymbol(pos.Ticker, pos.Expiration, leg.Kind, leg.Strike),
			AssetClass:  AssetOption,
			Side:        leg.Action.Opposite(),
			Qty:         pos.Contracts,
			Type:        models.OrderTypeMarket,
			TimeInForce: "day",
		}
		if l.submit(ctx, logger, req, 0, &out) {
			out.Legs = append(out.Legs, i)
		}
	}
	if pending == 0 {
		return out, nil
	}
	if out.Partial() {
		return out, apperrors.NewOrderError("", pos.Ticker, "close",
			fmt.Sprintf("%d of %d leg orders failed", len(out.Failed), pending), joinFailures(out.Failed))
	}
	return out, l.outcome(pos.Ticker, "close", out)
}

func (l *LegExecutor) submit(ctx context.Context, logger zerolog.Logger, req OrderRequest, expected float64, out *Execution) bool {
	start := time.Now()
	res, err := l.exec.SubmitOrder(ctx, req)
	if err != nil {
		l.fail(logger, req.Symbol, req.Side, err, out)
		return false
	}
	l.filled(logger, res, string(req.Side), req.Qty, expected, time.Since(start), out)
	return true
}

func (l *LegExecutor) filled(logger zerolog.Logger, res *OrderResult, side string, qty int, expected float64, latency time.Duration, out *Execution) {
	out.OrderIDs = append(out.OrderIDs, res.OrderID)
	logging.LogOrder(logger, res.OrderID, res.Symbol, side, qty, res.Status)
	l.tracker.Record(Fill{
		OrderID:  res.OrderID,
		Symbol:   res.Symbol,
		Side:     side,
		Expected: expected,
		Actual:   res.FilledPrice,
		Latency:  latency,
	})
}

func (l *LegExecutor) fail(logger zerolog.Logger, symbol string, side models.OrderSide, err error, out *Execution) {
	out.Failed = append(out.Failed, LegFailure{Symbol: symbol, Side: side, Err: err})
	logger.Error().Err(err).Str("symbol", symbol).Str("side", string(side)).Msg("Leg order failed")
	l.tracker.Record(Fill{Symbol: symbol, Side: string(side), Rejected: true, Reason: err.Error()})
}

func (l *LegExecutor) outcome(ticker, action string, out Execution) error {
	if len(out.OrderIDs) > 0 {
		if out.Partial() {
			l.logger.Warn().
				Str("ticker", ticker).
				Int("filled", len(out.OrderIDs)).
				Int("failed", len(out.Failed)).
				Msg("Partial execution, remaining legs left as is")
		}
		return nil
	}
	return apperrors.NewOrderError("", ticker, action, fmt.Sprintf("all %d orders failed", len(out.Failed)), joinFailures(out.Failed))
}

func joinFailures(failed []LegFailure) error {
	errs := make([]error, 0, len(failed))
	for _, f := range failed {
		errs = append(errs, f.Err)
	}
	if cause := errors.Join(errs...); cause != nil {
		return cause
	}
	return apperrors.ErrExecution
}
