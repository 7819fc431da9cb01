package broker

import (
	"context"
	"fmt"

	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/market"
)

// Quoter supplies reference prices for market orders.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (float64, error)
}

// ProviderQuoter prices equity symbols at their last trade and OCC option
// symbols at the mid of the matching chain quote.
type ProviderQuoter struct {
	Provider market.Provider
}

func (q ProviderQuoter) Quote(ctx context.Context, symbol string) (float64, error) {
	ticker, exp, kind, strike, err := ParseOCCSymbol(symbol)
	if err != nil {
		return q.Provider.LastPrice(ctx, symbol)
	}

	chain, err := q.Provider.OptionChain(ctx, ticker, exp)
	if err != nil {
		return 0, err
	}
	quote, ok := chain.Quote(kind, strike)
	if !ok {
		return 0, apperrors.NewDataError("quote", ticker, fmt.Sprintf("no %s at %.2f in chain", kind, strike), nil)
	}
	return quote.Mid(), nil
}
