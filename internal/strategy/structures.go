package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/market"
	"optionsbot/internal/models"
)

// verticalStrikeTolerance is how far the short strike of a vertical may sit
// from its target.
const verticalStrikeTolerance = 2.5

// roundToHalf rounds a strike target to the nearest 0.5.
func roundToHalf(x float64) float64 {
	return math.Round(x/0.5) * 0.5
}

// contractsFor returns how many contracts of riskPerContract fit the cap,
// at least one.
func contractsFor(limit, riskPerContract float64) int {
	if riskPerContract <= 0 {
		return 1
	}
	return max(1, int(limit/riskPerContract))
}

// expirations returns the listed expirations of ticker within the DTE range.
func (d *Deps) expirations(ctx context.Context, ticker string, minDTE, maxDTE int) ([]time.Time, error) {
	exps, err := d.Provider.Expirations(ctx, ticker)
	if err != nil {
		return nil, err
	}
	in := market.ExpirationsBetween(exps, d.now(), minDTE, maxDTE)
	if len(in) == 0 {
		return nil, apperrors.NewDataError("expirations", ticker,
			fmt.Sprintf("no expiration within %d-%d DTE", minDTE, maxDTE), nil)
	}
	return in, nil
}

// middleExpiration returns the middle of the expirations in range.
func (d *Deps) middleExpiration(ctx context.Context, ticker string, minDTE, maxDTE int) (time.Time, error) {
	exps, err := d.expirations(ctx, ticker, minDTE, maxDTE)
	if err != nil {
		return time.Time{}, err
	}
	return exps[len(exps)/2], nil
}

// ironCondor is a short put spread plus a short call spread.
type ironCondor struct {
	LongPut, ShortPut, ShortCall, LongCall models.OptionQuote
	Credit                                 float64
	Width                                  float64
}

// Legs returns the condor legs, lowest strike first.
func (c ironCondor) Legs() []models.Leg {
	return []models.Leg{
		leg(models.OrderSideBuy, c.LongPut),
		leg(models.OrderSideSell, c.ShortPut),
		leg(models.OrderSideSell, c.ShortCall),
		leg(models.OrderSideBuy, c.LongCall),
	}
}

// RiskPerContract is the loss if price finishes beyond either long strike.
func (c ironCondor) RiskPerContract() float64 {
	return (c.Width - c.Credit) * models.ContractMultiplier
}

// buildIronCondor places the short strikes one implied standard deviation
// from price and the wings wingWidth further out.
func buildIronCondor(chain *models.OptionChain, price, iv float64, dte int, wingWidth float64) (ironCondor, bool) {
	if chain.Empty() || price <= 0 || iv <= 0 || dte <= 0 {
		return ironCondor{}, false
	}
	stdDev := price * iv * math.Sqrt(float64(dte)/365)
	shortPutK := roundToHalf(price - stdDev)
	shortCallK := roundToHalf(price + stdDev)

	var c ironCondor
	var ok [4]bool
	c.ShortPut, ok[0] = chain.Closest(models.Put, shortPutK)
	c.LongPut, ok[1] = chain.Closest(models.Put, shortPutK-wingWidth)
	c.ShortCall, ok[2] = chain.Closest(models.Call, shortCallK)
	c.LongCall, ok[3] = chain.Closest(models.Call, shortCallK+wingWidth)
	for _, found := range ok {
		if !found {
			return ironCondor{}, false
		}
	}

	c.Credit = (c.ShortPut.Mid() - c.LongPut.Mid()) + (c.ShortCall.Mid() - c.LongCall.Mid())
	c.Width = math.Max(c.ShortPut.Strike-c.LongPut.Strike, c.LongCall.Strike-c.ShortCall.Strike)
	return c, true
}

// vertical is a debit spread: long the near-the-money strike, short the
// one width further out of the money.
type vertical struct {
	Long, Short models.OptionQuote
	Debit       float64
}

func (v vertical) Legs() []models.Leg {
	return []models.Leg{leg(models.OrderSideBuy, v.Long), leg(models.OrderSideSell, v.Short)}
}

// MaxProfit is the per-contract value at full width, less the debit.
func (v vertical) MaxProfit() float64 {
	return (math.Abs(v.Short.Strike-v.Long.Strike) - v.Debit) * models.ContractMultiplier
}

// buildVertical buys the strike nearest price and sells the strike nearest
// width away (above for calls, below for puts).
func buildVertical(chain *models.OptionChain, kind models.OptionKind, price, width float64) (vertical, bool) {
	long, ok := chain.Closest(kind, price)
	if !ok {
		return vertical{}, false
	}
	target := long.Strike + width
	if kind == models.Put {
		target = long.Strike - width
	}
	short, ok := chain.ClosestWhere(kind, target, func(q models.OptionQuote) bool {
		return math.Abs(q.Strike-target) <= verticalStrikeTolerance && q.Strike != long.Strike
	})
	if !ok {
		return vertical{}, false
	}
	return vertical{Long: long, Short: short, Debit: long.Mid() - short.Mid()}, true
}

// strangle is a long OTM put plus a long OTM call.
type strangle struct {
	Put, Call models.OptionQuote
	Debit     float64
}

func (s strangle) Legs() []models.Leg {
	return []models.Leg{leg(models.OrderSideBuy, s.Put), leg(models.OrderSideBuy, s.Call)}
}

func buildStrangle(chain *models.OptionChain, price, otmPct float64) (strangle, bool) {
	put, okPut := chain.Closest(models.Put, roundToHalf(price*(1-otmPct)))
	call, okCall := chain.Closest(models.Call, roundToHalf(price*(1+otmPct)))
	if !okPut || !okCall {
		return strangle{}, false
	}
	return strangle{Put: put, Call: call, Debit: put.Mid() + call.Mid()}, true
}

func leg(action models.OrderSide, q models.OptionQuote) models.Leg {
	return models.Leg{Action: action, Kind: q.Kind, Strike: q.Strike, Mid: q.Mid()}
}

// newSignal fills the fields every signal shares.
func (d *Deps) newSignal(ticker, strategy string, tt models.TradeType, dir models.Direction, exp time.Time, price float64) models.Signal {
	now := d.now()
	sig := models.Signal{
		Ticker:          ticker,
		Strategy:        strategy,
		TradeType:       tt,
		Direction:       dir,
		UnderlyingPrice: price,
		CreatedAt:       now,
	}
	if !exp.IsZero() {
		sig.Expiration = exp
		sig.DTE = models.DaysToExpiration(now, exp)
	}
	return sig
}

// condorSignal turns a priced condor into a credit signal sized to the cap.
func (d *Deps) condorSignal(ticker, strategy string, dir models.Direction, chain *models.OptionChain, price float64, c ironCondor) models.Signal {
	n := contractsFor(d.MaxRiskPerTrade, c.RiskPerContract())
	sig := d.newSignal(ticker, strategy, models.TradeIronCondor, dir, chain.Expiration, price)
	sig.Legs = c.Legs()
	sig.NetCredit = c.Credit
	sig.Contracts = n
	sig.MaxRisk = c.RiskPerContract() * float64(n)
	sig.ProfitTarget = c.Credit * d.CreditTargetPct * models.ContractMultiplier * float64(n)
	return sig
}
