// Package volatility measures realized volatility and compares it with the
// implied volatility priced into option chains.
package volatility

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"optionsbot/internal/market"
	"optionsbot/internal/models"
	"optionsbot/internal/pricing"
)

const (
	// TradingDays annualizes daily volatility.
	TradingDays = 252
	// PercentileWindow is the rolling HV window used as the IV percentile
	// distribution.
	PercentileWindow = 30
	// MinRollingSamples is the minimum rolling HV series length for any
	// distribution statistic.
	MinRollingSamples = 30
	// MinHistoryBars is the minimum daily history for distribution statistics.
	MinHistoryBars = 60
	// minZScoreStd guards the z-score against a degenerate distribution.
	minZScoreStd = 0.001

	skewPutMoneyness  = 0.95
	skewCallMoneyness = 1.05
)

func logReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		out = append(out, math.Log(closes[i]/closes[i-1]))
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

// sampleStd is the standard deviation with Bessel's correction.
func sampleStd(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var ss float64
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1))
}

// HistoricalVolatility returns the annualized close-to-close volatility of
// the trailing lookback+1 closes.
func HistoricalVolatility(closes []float64, lookback int) (float64, bool) {
	if lookback < 2 || len(closes) < lookback+1 {
		return 0, false
	}
	returns := logReturns(closes[len(closes)-lookback-1:])
	if len(returns) < 2 {
		return 0, false
	}
	return sampleStd(returns) * math.Sqrt(TradingDays), true
}

// RollingVolatility returns the annualized HV of every window-length run
// of log returns, oldest first.
func RollingVolatility(closes []float64, window int) []float64 {
	returns := logReturns(closes)
	if window < 2 || len(returns) < window {
		return nil
	}
	annualize := math.Sqrt(TradingDays)
	out := make([]float64, 0, len(returns)-window+1)
	for i := window; i <= len(returns); i++ {
		out = append(out, sampleStd(returns[i-window:i])*annualize)
	}
	return out
}

// IVPercentile returns the percent of 30-day rolling HV samples over the
// trailing year that lie strictly below currentIV. Realized volatility
// stands in for an IV history.
func IVPercentile(closes []float64, currentIV float64) (float64, bool) {
	if len(closes) < MinHistoryBars {
		return 0, false
	}
	if len(closes) > TradingDays+1 {
		closes = closes[len(closes)-TradingDays-1:]
	}
	rolling := RollingVolatility(closes, PercentileWindow)
	if len(rolling) < MinRollingSamples {
		return 0, false
	}
	below := 0
	for _, v := range rolling {
		if v < currentIV {
			below++
		}
	}
	return float64(below) / float64(len(rolling)) * 100, true
}

// IVvsHVZScore returns how many standard deviations currentIV sits from the
// mean of the rolling lookback-day HV series.
func IVvsHVZScore(currentIV float64, closes []float64, lookback int) (float64, bool) {
	if len(closes) < MinHistoryBars {
		return 0, false
	}
	rolling := RollingVolatility(closes, lookback)
	if len(rolling) < MinRollingSamples {
		return 0, false
	}
	std := sampleStd(rolling)
	if std < minZScoreStd {
		return 0, false
	}
	return (currentIV - mean(rolling)) / std, true
}

// ATMImpliedVol returns the implied volatility of the call nearest to the
// underlying price, solved from its mid. The provider-reported IV is the
// fallback when the solve fails.
func ATMImpliedVol(chain *models.OptionChain, price, T, r float64) (float64, bool) {
	if chain == nil || price <= 0 {
		return 0, false
	}
	call, ok := chain.Closest(models.Call, price)
	if !ok {
		return 0, false
	}
	if mid := call.Mid(); mid > 0 {
		if iv, ok := pricing.ImpliedVolatility(mid, price, call.Strike, T, r, models.Call); ok {
			return iv, true
		}
	}
	if call.ImpliedVol > 0 {
		return call.ImpliedVol, true
	}
	return 0, false
}

// Skew returns mean OTM put IV (strikes below 95% of price) minus mean OTM
// call IV (strikes above 105%), using provider-reported IVs.
func Skew(chain *models.OptionChain, price float64) (float64, bool) {
	if chain.Empty() || price <= 0 {
		return 0, false
	}
	var puts, calls []float64
	for _, q := range chain.Puts {
		if q.Strike < price*skewPutMoneyness && q.ImpliedVol > 0 {
			puts = append(puts, q.ImpliedVol)
		}
	}
	for _, q := range chain.Calls {
		if q.Strike > price*skewCallMoneyness && q.ImpliedVol > 0 {
			calls = append(calls, q.ImpliedVol)
		}
	}
	if len(puts) == 0 || len(calls) == 0 {
		return 0, false
	}
	return mean(puts) - mean(calls), true
}

// Snapshot is the volatility picture of one ticker. Nil fields are
// unavailable.
type Snapshot struct {
	Ticker       string
	ATMIV        float64
	HV           *float64
	IVPercentile *float64
	ZScore       *float64
	Skew         *float64
}

func (s Snapshot) String() string {
	f := func(p *float64, format string) string {
		if p == nil {
			return "n/a"
		}
		return fmt.Sprintf(format, *p)
	}
	return fmt.Sprintf("%s IV=%.1f%% HV=%s pctile=%s z=%s",
		s.Ticker, s.ATMIV*100, f(s.HV, "%.3f"), f(s.IVPercentile, "%.0f"), f(s.ZScore, "%.2f"))
}

// Analyzer computes volatility snapshots from provider history.
type Analyzer struct {
	provider     market.Provider
	riskFreeRate float64
	hvLookback   int
	logger       zerolog.Logger
}

// NewAnalyzer creates an analyzer; hvLookback is the HV/z-score window in
// trading days.
func NewAnalyzer(provider market.Provider, riskFreeRate float64, hvLookback int, logger zerolog.Logger) *Analyzer {
	return &Analyzer{
		provider:     provider,
		riskFreeRate: riskFreeRate,
		hvLookback:   hvLookback,
		logger:       logger.With().Str("component", "volatility").Logger(),
	}
}

// ATMImpliedVol solves the chain's ATM IV at the analyzer's risk-free rate.
func (a *Analyzer) ATMImpliedVol(chain *models.OptionChain, price float64, now time.Time) (float64, bool) {
	return ATMImpliedVol(chain, price, models.YearsToExpiration(now, chain.Expiration), a.riskFreeRate)
}

// Snapshot fetches a year of history and fills every statistic that the
// data supports. chain may be nil, in which case skew is left out.
func (a *Analyzer) Snapshot(ctx context.Context, ticker string, atmIV float64, chain *models.OptionChain, price float64) (Snapshot, error) {
	candles, err := a.provider.PriceHistory(ctx, ticker, market.Period1Y)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load history for %s: %w", ticker, err)
	}
	closes := models.ClosePrices(candles)

	snap := Snapshot{Ticker: ticker, ATMIV: atmIV}
	if hv, ok := HistoricalVolatility(closes, a.hvLookback); ok {
		snap.HV = &hv
	}
	if p, ok := IVPercentile(closes, atmIV); ok {
		snap.IVPercentile = &p
	}
	if z, ok := IVvsHVZScore(atmIV, closes, a.hvLookback); ok {
		snap.ZScore = &z
	}
	if chain != nil {
		if s, ok := Skew(chain, price); ok {
			snap.Skew = &s
		}
	}

	a.logger.Debug().Str("ticker", ticker).Int("bars", len(closes)).Msg(snap.String())
	return snap, nil
}
