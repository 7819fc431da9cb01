package strategy

import (
	"context"
	"fmt"
	"math"
	"strings"

	"optionsbot/internal/analysis/indicators"
	"optionsbot/internal/config"
	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/market"
	"optionsbot/internal/models"
)

const (
	momentumMinBars        = 30
	relaxedMoveThreshold   = 0.02
	relaxedVolumeThreshold = 2.0
)

// Momentum buys a slightly in-the-money option when an RSI extreme, a MACD
// cross and a volume surge line up.
type Momentum struct {
	deps *Deps
	cfg  config.MomentumConfig
	rsi  *indicators.RSI
	macd *indicators.MACD
}

// NewMomentum creates the momentum scanner with RSI(14) and MACD(12,26,9).
func NewMomentum(deps *Deps, cfg config.MomentumConfig) *Momentum {
	return &Momentum{
		deps: deps,
		cfg:  cfg,
		rsi:  indicators.NewRSI(rsiPeriod),
		macd: indicators.NewMACD(12, 26, 9),
	}
}

func (s *Momentum) Name() string { return models.StrategyMomentum }

// direction decides whether the technicals call for a trade.
func (s *Momentum) direction(rsi, change, volumeRatio float64, cross indicators.Cross) (models.Direction, bool) {
	switch {
	case rsi <= s.cfg.RSIOversold && cross == indicators.CrossBullish && volumeRatio > s.cfg.VolumeSurge:
		return models.DirectionBullish, true
	case rsi >= s.cfg.RSIOverbought && cross == indicators.CrossBearish && volumeRatio > s.cfg.VolumeSurge:
		return models.DirectionBearish, true
	case math.Abs(change) > relaxedMoveThreshold && volumeRatio > relaxedVolumeThreshold:
		if change > 0 && cross == indicators.CrossBullish {
			return models.DirectionBullish, true
		}
		if change < 0 && cross == indicators.CrossBearish {
			return models.DirectionBearish, true
		}
	}
	return "", false
}

func (s *Momentum) Scan(ctx context.Context, ticker string) ([]models.Signal, error) {
	candles, err := s.deps.Provider.PriceHistory(ctx, ticker, market.Period3M)
	if err != nil {
		return nil, err
	}
	if len(candles) < momentumMinBars {
		return nil, apperrors.NewDataError("price_history", ticker,
			fmt.Sprintf("need %d bars, have %d", momentumMinBars, len(candles)), nil)
	}
	price := candles[len(candles)-1].Close

	rsi, ok := s.rsi.Latest(candles)
	if !ok {
		return nil, apperrors.NewComputationError("rsi", ticker+": RSI unavailable")
	}
	change, _ := indicators.DailyChange(candles)
	volumeRatio, err := indicators.VolumeRatio(candles, volumeWindow)
	if err != nil {
		volumeRatio = 1
	}
	macd, err := s.macd.Latest(candles)
	if err != nil {
		macd = indicators.MACDResult{Cross: indicators.CrossNone}
	}

	s.deps.Logger.Debug().
		Str("ticker", ticker).
		Float64("rsi", rsi).
		Str("macd_cross", string(macd.Cross)).
		Float64("volume_ratio", volumeRatio).
		Msg("Momentum scan")

	dir, ok := s.direction(rsi, change, volumeRatio, macd.Cross)
	if !ok {
		return nil, nil
	}

	sig, err := s.directional(ctx, ticker, dir, price)
	if err != nil {
		return nil, err
	}
	sig.Details = models.MomentumDetails{
		RSI:           rsi,
		VolumeRatio:   volumeRatio,
		DailyChange:   change,
		MACDCross:     string(macd.Cross),
		MACDHistogram: macd.Histogram,
	}
	sig.Reason = fmt.Sprintf("Momentum %s: %s RSI=%.0f MACD=%s vol=%.1fx, buying %g %s for $%.2f",
		strings.ToUpper(string(dir)), ticker, rsi, macd.Cross, volumeRatio, sig.Legs[0].Strike, sig.Legs[0].Kind, sig.NetDebit)
	return []models.Signal{sig}, nil
}

// directional buys the nearest expiration in range, strike offset slightly
// in the money.
func (s *Momentum) directional(ctx context.Context, ticker string, dir models.Direction, price float64) (models.Signal, error) {
	exps, err := s.deps.expirations(ctx, ticker, s.cfg.DTEMin, s.cfg.DTEMax)
	if err != nil {
		return models.Signal{}, err
	}
	chain, err := s.deps.Provider.OptionChain(ctx, ticker, exps[0])
	if err != nil {
		return models.Signal{}, err
	}

	kind, tt := models.Call, models.TradeLongCall
	target := roundToHalf(price * (1 - s.cfg.StrikeOffsetPct))
	if dir == models.DirectionBearish {
		kind, tt = models.Put, models.TradeLongPut
		target = roundToHalf(price * (1 + s.cfg.StrikeOffsetPct))
	}
	q, ok := chain.Closest(kind, target)
	if !ok {
		return models.Signal{}, apperrors.NewDataError("option_chain", ticker, "no "+string(kind)+" quotes", nil)
	}
	mid := q.Mid()
	if mid <= 0 {
		return models.Signal{}, apperrors.NewComputationError(string(tt), ticker+": no market for option")
	}

	riskPerContract := mid * models.ContractMultiplier
	n := contractsFor(s.deps.MaxRiskPerTrade, riskPerContract)
	if s.cfg.MaxContracts > 0 {
		n = min(n, s.cfg.MaxContracts)
	}
	stop := mid * (1 - s.cfg.StopLossPct)
	target = mid * (1 + s.cfg.ProfitTargetPct)

	sig := s.deps.newSignal(ticker, s.Name(), tt, dir, chain.Expiration, price)
	sig.Legs = []models.Leg{leg(models.OrderSideBuy, q)}
	sig.NetDebit = mid
	sig.Contracts = n
	sig.StopLoss = stop
	sig.TakeProfit = target
	sig.MaxRisk = riskPerContract * float64(n)
	sig.ProfitTarget = (target - mid) * models.ContractMultiplier * float64(n)
	return sig, nil
}
