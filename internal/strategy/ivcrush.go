package strategy

import (
	"context"
	"fmt"
	"slices"
	"time"

	"optionsbot/internal/advisory"
	"optionsbot/internal/config"
	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/market"
	"optionsbot/internal/models"
)

const (
	pastEarningsCount  = 8
	earningsMoveWindow = 3 * 24 * time.Hour
)

// IVCrush sells iron condors ahead of earnings when implied volatility is
// rich, betting on the post-announcement collapse.
type IVCrush struct {
	deps     *Deps
	cfg      config.IVCrushConfig
	calendar market.EarningsCalendar
	gate     advisory.Gatekeeper
}

// NewIVCrush creates the earnings premium-selling scanner.
func NewIVCrush(deps *Deps, cfg config.IVCrushConfig, calendar market.EarningsCalendar, gate advisory.Gatekeeper) *IVCrush {
	return &IVCrush{deps: deps, cfg: cfg, calendar: calendar, gate: gate}
}

func (s *IVCrush) Name() string { return models.StrategyIVCrush }

func (s *IVCrush) Scan(ctx context.Context, ticker string) ([]models.Signal, error) {
	earnings, ok, err := s.calendar.NextEarnings(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	logger := s.deps.Logger.With().Str("ticker", ticker).Time("earnings", earnings).Logger()
	logger.Info().Msg("IV crush scan")

	price, err := s.deps.Provider.LastPrice(ctx, ticker)
	if err != nil {
		return nil, err
	}

	exp, err := s.expirationAfter(ctx, ticker, earnings)
	if err != nil {
		return nil, err
	}
	chain, err := s.deps.Provider.OptionChain(ctx, ticker, exp)
	if err != nil {
		return nil, err
	}

	now := s.deps.now()
	atmIV, ok := s.deps.Analyzer.ATMImpliedVol(chain, price, now)
	if !ok {
		return nil, apperrors.NewComputationError("atm_iv", ticker+": could not determine ATM IV")
	}
	snap, err := s.deps.Analyzer.Snapshot(ctx, ticker, atmIV, chain, price)
	if err != nil {
		return nil, err
	}
	if snap.IVPercentile == nil {
		return nil, apperrors.NewComputationError("iv_percentile", ticker+": not enough history")
	}
	pctile := *snap.IVPercentile
	if pctile < s.cfg.PercentileThreshold {
		logger.Info().Float64("iv_percentile", pctile).Msg("IV percentile below threshold")
		return nil, nil
	}

	verdict, err := s.gate.Evaluate(ctx, s.tradeContext(ctx, ticker, earnings, chain, price, atmIV, pctile))
	if err != nil {
		logger.Warn().Err(err).Msg("Advisory failed, applying fallback policy")
	}
	if !verdict.ShouldTrade {
		logger.Info().Int("conviction", verdict.Conviction).Msg("Advisory says skip: " + verdict.Reasoning)
		return nil, nil
	}

	dte := models.DaysToExpiration(now, exp)
	condor, ok := buildIronCondor(chain, price, atmIV, dte, s.cfg.WingWidth)
	if !ok || condor.Credit <= 0 {
		return nil, apperrors.NewComputationError("iron_condor", ticker+": no credit available")
	}
	if risk := condor.RiskPerContract(); risk <= 0 || risk > s.deps.MaxRiskPerTrade {
		logger.Info().Float64("max_risk", risk).Msg("Iron condor risk outside limit")
		return nil, nil
	}

	sig := s.deps.condorSignal(ticker, s.Name(), models.DirectionNeutral, chain, price, condor)
	sig.Details = models.IVCrushDetails{
		ATMIV:             atmIV,
		IVPercentile:      pctile,
		EarningsDate:      earnings,
		Conviction:        verdict.Conviction,
		AdvisoryReasoning: verdict.Reasoning,
	}
	sig.Reason = fmt.Sprintf("IV Crush: %s earnings %s, IV %.0f%% at %.0fth pctile, credit $%.2f/contract | LLM: %d/10 %s",
		ticker, earnings.Format("2006-01-02"), atmIV*100, pctile, condor.Credit, verdict.Conviction, verdict.Direction)
	return []models.Signal{sig}, nil
}

// expirationAfter picks the nearest expiration strictly after the
// announcement date, so the condor holds through the event.
func (s *IVCrush) expirationAfter(ctx context.Context, ticker string, earnings time.Time) (time.Time, error) {
	exps, err := s.deps.expirations(ctx, ticker, s.cfg.DTEMin, s.cfg.DTEMax)
	if err != nil {
		return time.Time{}, err
	}
	day := earnings.Format("2006-01-02")
	for _, exp := range exps {
		if exp.Format("2006-01-02") > day {
			return exp, nil
		}
	}
	return time.Time{}, apperrors.NewDataError("expirations", ticker, "no expiration after earnings "+day, nil)
}

// tradeContext gathers what the advisory model sees. Missing pieces are
// left empty rather than failing the scan.
func (s *IVCrush) tradeContext(ctx context.Context, ticker string, earnings time.Time, chain *models.OptionChain, price, atmIV, pctile float64) advisory.TradeContext {
	tc := advisory.TradeContext{
		Ticker:       ticker,
		EarningsDate: earnings,
		ATMIV:        atmIV,
		IVPercentile: pctile,
	}

	if candles, err := s.deps.Provider.PriceHistory(ctx, ticker, market.Period1M); err == nil {
		tc.RecentChanges = dailyChanges(candles, 5)
	}
	call, okCall := chain.Closest(models.Call, price)
	put, okPut := chain.Closest(models.Put, price)
	if okCall && okPut && price > 0 {
		tc.ImpliedMovePct = (call.Mid() + put.Mid()) / price * 100
	}
	if vix, err := s.deps.Provider.VolatilityIndex(ctx); err == nil {
		tc.VIX = vix
	}
	tc.EarningsMoves = s.earningsMoves(ctx, ticker)
	return tc
}

// earningsMoves measures how the stock moved around its last reported
// announcements, oldest first. It is empty when the calendar has no
// history.
func (s *IVCrush) earningsMoves(ctx context.Context, ticker string) []float64 {
	hist, ok := s.calendar.(market.EarningsHistory)
	if !ok {
		return nil
	}
	dates, err := hist.PastEarnings(ctx, ticker, pastEarningsCount)
	if err != nil || len(dates) == 0 {
		return nil
	}
	candles, err := s.deps.Provider.PriceHistory(ctx, ticker, market.Period2Y)
	if err != nil {
		return nil
	}
	dates = slices.Clone(dates)
	slices.SortFunc(dates, time.Time.Compare)
	return movesAround(candles, dates, earningsMoveWindow)
}

// movesAround returns, for each date, the close-to-close change across the
// bars within window of it. Dates with fewer than two such bars are skipped.
func movesAround(candles []models.Candle, dates []time.Time, window time.Duration) []float64 {
	var out []float64
	for _, d := range dates {
		var first, last float64
		n := 0
		for _, c := range candles {
			if diff := c.Timestamp.Sub(d); diff < -window || diff > window {
				continue
			}
			if n == 0 {
				first = c.Close
			}
			last = c.Close
			n++
		}
		if n >= 2 && first > 0 {
			out = append(out, last/first-1)
		}
	}
	return out
}

// dailyChanges returns the last n close-to-close fractional changes.
func dailyChanges(candles []models.Candle, n int) []float64 {
	var out []float64
	for i := max(1, len(candles)-n); i < len(candles); i++ {
		if prev := candles[i-1].Close; prev > 0 {
			out = append(out, candles[i].Close/prev-1)
		}
	}
	return out
}
