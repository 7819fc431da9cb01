package strategy

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"optionsbot/internal/advisory"
	"optionsbot/internal/config"
	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/market"
	"optionsbot/internal/models"
	"optionsbot/internal/pricing"
	"optionsbot/internal/volatility"
)

const testRate = 0.045

var testNow = time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)

func day(offset int) time.Time {
	return time.Date(2026, 10, 14+offset, 0, 0, 0, 0, time.UTC)
}

// fakeProvider serves canned market data. history is returned for any
// period not listed in byPeriod.
type fakeProvider struct {
	price    float64
	vix      float64
	exps     []time.Time
	chains   map[time.Time]*models.OptionChain
	history  []models.Candle
	byPeriod map[market.Period][]models.Candle
}

func (p *fakeProvider) Expirations(_ context.Context, ticker string) ([]time.Time, error) {
	if len(p.exps) == 0 {
		return nil, apperrors.NewDataError("expirations", ticker, "none listed", nil)
	}
	return p.exps, nil
}

func (p *fakeProvider) OptionChain(_ context.Context, ticker string, exp time.Time) (*models.OptionChain, error) {
	chain, ok := p.chains[exp]
	if !ok {
		return nil, apperrors.NewDataError("option_chain", ticker, "no chain", nil)
	}
	return chain, nil
}

func (p *fakeProvider) PriceHistory(_ context.Context, ticker string, period market.Period) ([]models.Candle, error) {
	if c, ok := p.byPeriod[period]; ok {
		return c, nil
	}
	if len(p.history) == 0 {
		return nil, apperrors.NewDataError("price_history", ticker, "no bars", nil)
	}
	return p.history, nil
}

func (p *fakeProvider) LastPrice(context.Context, string) (float64, error) {
	return p.price, nil
}

func (p *fakeProvider) VolatilityIndex(context.Context) (float64, error) {
	return p.vix, nil
}

func (p *fakeProvider) VolatilityIndexHistory(context.Context, market.Period) ([]float64, error) {
	return nil, nil
}

// addChain lists a Black-Scholes priced chain at sigma, strikes lo..hi.
func (p *fakeProvider) addChain(exp time.Time, price, sigma, lo, hi, step float64) {
	if p.chains == nil {
		p.chains = make(map[time.Time]*models.OptionChain)
	}
	T := models.YearsToExpiration(testNow, exp)
	chain := &models.OptionChain{Ticker: "TEST", Expiration: exp}
	for k := lo; k <= hi+1e-9; k += step {
		for _, kind := range []models.OptionKind{models.Call, models.Put} {
			mid := pricing.Price(price, k, T, testRate, sigma, kind)
			q := models.OptionQuote{
				Ticker: "TEST", Expiration: exp, Strike: k, Kind: kind,
				Bid: math.Max(0, mid-0.05), Ask: mid + 0.05, ImpliedVol: sigma,
			}
			if kind == models.Call {
				chain.Calls = append(chain.Calls, q)
			} else {
				chain.Puts = append(chain.Puts, q)
			}
		}
	}
	p.chains[exp] = chain
	p.exps = append(p.exps, exp)
}

// oscillatingCandles builds n daily bars whose log returns alternate in
// sign, giving a 30-day HV between roughly 20% and 30%.
func oscillatingCandles(n int) []models.Candle {
	candles := make([]models.Candle, n)
	c := 100.0
	for i := range candles {
		if i > 0 {
			s := 0.01575 + 0.0032*math.Sin(float64(i)/20)
			if i%2 == 0 {
				s = -s
			}
			c *= math.Exp(s)
		}
		candles[i] = models.Candle{
			Timestamp: testNow.AddDate(0, 0, i-n),
			Close:     c,
			Volume:    1000,
		}
	}
	return candles
}

func testConfig() *config.Config {
	return config.Default()
}

func testDeps(p market.Provider) *Deps {
	cfg := testConfig()
	return &Deps{
		Provider:        p,
		Analyzer:        volatility.NewAnalyzer(p, testRate, cfg.Strategies.VolArb.HVLookback, zerolog.Nop()),
		MaxRiskPerTrade: cfg.Risk.MaxRiskPerTrade,
		CreditTargetPct: cfg.Risk.ProfitTargetPct,
		Now:             func() time.Time { return testNow },
		Logger:          zerolog.Nop(),
	}
}

type fakeCalendar struct {
	dates map[string]time.Time
	past  map[string][]time.Time
	err   error
}

func (c fakeCalendar) PastEarnings(_ context.Context, ticker string, n int) ([]time.Time, error) {
	past := c.past[ticker]
	return past[:min(n, len(past))], nil
}

func (c fakeCalendar) NextEarnings(_ context.Context, ticker string) (time.Time, bool, error) {
	if c.err != nil {
		return time.Time{}, false, c.err
	}
	d, ok := c.dates[ticker]
	return d, ok, nil
}

type fakeGate struct {
	verdict advisory.Verdict
	err     error
	seen    []advisory.TradeContext
}

func (g *fakeGate) Evaluate(_ context.Context, tc advisory.TradeContext) (advisory.Verdict, error) {
	g.seen = append(g.seen, tc)
	return g.verdict, g.err
}
