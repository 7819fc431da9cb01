package broker

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"optionsbot/internal/models"
)

// Property: formatting then parsing an OCC symbol returns the same ticker,
// expiration date, option kind and strike (to the tenth of a cent).
func TestProperty_OCCSymbolRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	tickers := gen.OneConstOf("SPY", "AAPL", "QQQ", "F", "GOOGL", "TSLA")
	kinds := gen.OneConstOf(models.Call, models.Put)
	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	properties.Property("OCC symbols round trip", prop.ForAll(
		func(ticker string, kind models.OptionKind, days int, halfDollars int) bool {
			exp := base.AddDate(0, 0, days)
			strike := float64(halfDollars) / 2
			sym := OCCSymbol(ticker, exp, kind, strike)
			if len(sym) != len(ticker)+15 {
				return false
			}
			gotTicker, gotExp, gotKind, gotStrike, err := ParseOCCSymbol(sym)
			if err != nil {
				return false
			}
			return gotTicker == ticker &&
				gotExp.Equal(exp) &&
				gotKind == kind &&
				math.Abs(gotStrike-strike) < 1e-3
		},
		tickers,
		kinds,
		gen.IntRange(0, 3000),
		gen.IntRange(1, 20000),
	))

	properties.TestingRun(t)
}

// Property: buying and then selling the same quantity in the paper
// simulator leaves no position behind, and cash moves by the price spread.
func TestProperty_PaperRoundTripFlattens(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("buy then sell flattens the position", prop.ForAll(
		func(qty int, entry, exit float64) bool {
			ctx := context.Background()
			p := NewPaperExecutor(50000, zerolog.Nop())

			p.SetPrice("XYZ", entry)
			if _, err := p.SubmitOrder(ctx, OrderRequest{Symbol: "XYZ", AssetClass: AssetEquity, Side: models.OrderSideBuy, Qty: qty, Type: models.OrderTypeMarket}); err != nil {
				return false
			}
			p.SetPrice("XYZ", exit)
			if _, err := p.ClosePosition(ctx, "XYZ"); err != nil {
				return false
			}
			acct, _ := p.GetAccount(ctx)
			want := 50000 + (exit-entry)*float64(qty)
			return p.PositionQty("XYZ") == 0 && math.Abs(acct.Cash-want) < 1e-6
		},
		gen.IntRange(1, 500),
		gen.Float64Range(1, 500),
		gen.Float64Range(1, 500),
	))

	properties.TestingRun(t)
}
