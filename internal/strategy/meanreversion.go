package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"optionsbot/internal/analysis/indicators"
	"optionsbot/internal/config"
	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/market"
	"optionsbot/internal/models"
)

const (
	volumeWindow       = 5
	multiDayWindow     = 3
	multiDayDrop       = -0.03
	multiDayRally      = 0.04
	multiDayDropVolume = 1.0
	weakRallyVolume    = 0.8
	rsiPeriod          = 14
)

// MeanReversion fades sharp moves: debit spreads and stock trades against
// the direction of a large or stretched move.
type MeanReversion struct {
	deps          *Deps
	cfg           config.MeanReversionConfig
	stock         config.StockConfig
	stockPosition float64
	rsi           *indicators.RSI
}

// NewMeanReversion creates the mean reversion scanner. stockPositionMax
// caps the notional of a single stock trade.
func NewMeanReversion(deps *Deps, cfg config.MeanReversionConfig, stock config.StockConfig, stockPositionMax float64) *MeanReversion {
	return &MeanReversion{
		deps:          deps,
		cfg:           cfg,
		stock:         stock,
		stockPosition: stockPositionMax,
		rsi:           indicators.NewRSI(rsiPeriod),
	}
}

func (s *MeanReversion) Name() string { return models.StrategyMeanReversion }

// moveStats is the price action the triggers look at.
type moveStats struct {
	Price        float64
	Change       float64
	VolumeRatio  float64
	ThreeDayMove float64
	RSI          float64
	HasRSI       bool
}

func (s *MeanReversion) stats(candles []models.Candle, ticker string) (moveStats, error) {
	change, err := indicators.DailyChange(candles)
	if err != nil {
		return moveStats{}, apperrors.NewDataError("price_history", ticker, "need two daily bars", err)
	}
	st := moveStats{
		Price:       candles[len(candles)-1].Close,
		Change:      change,
		VolumeRatio: 1,
	}
	if vr, err := indicators.VolumeRatio(candles, volumeWindow); err == nil {
		st.VolumeRatio = vr
	}
	if len(candles) >= volumeWindow {
		if m, err := indicators.MoveOver(candles, multiDayWindow); err == nil {
			st.ThreeDayMove = m
		}
		st.RSI, st.HasRSI = s.rsi.Latest(candles)
	}
	return st, nil
}

// bullishTrigger reports the first oversold condition that holds. A large
// single-day move may be an earnings gap; it is not checked against the
// earnings calendar.
func (s *MeanReversion) bullishTrigger(st moveStats) (string, bool) {
	switch {
	case st.Change <= s.cfg.DropThreshold && st.VolumeRatio >= s.cfg.VolumeRatioMin:
		return fmt.Sprintf("1-day drop %.1f%% on %.1fx volume", st.Change*100, st.VolumeRatio), true
	case st.ThreeDayMove <= multiDayDrop && st.VolumeRatio >= multiDayDropVolume:
		return fmt.Sprintf("3-day drop %.1f%%", st.ThreeDayMove*100), true
	case st.HasRSI && st.RSI <= s.cfg.RSIOversold && st.Change < 0:
		return fmt.Sprintf("RSI=%.0f oversold + down %.1f%%", st.RSI, st.Change*100), true
	}
	return "", false
}

// bearishTrigger reports the first overbought condition that holds. Rallies
// only count on fading volume.
func (s *MeanReversion) bearishTrigger(st moveStats) (string, bool) {
	switch {
	case st.Change >= s.cfg.RallyThreshold && st.VolumeRatio < weakRallyVolume:
		return fmt.Sprintf("Rally %.1f%% on weak %.1fx volume", st.Change*100, st.VolumeRatio), true
	case st.ThreeDayMove >= multiDayRally && st.VolumeRatio < multiDayDropVolume:
		return fmt.Sprintf("3-day rally %.1f%% on declining volume", st.ThreeDayMove*100), true
	case st.HasRSI && st.RSI >= s.cfg.RSIOverbought && st.Change > 0:
		return fmt.Sprintf("RSI=%.0f overbought + up %.1f%%", st.RSI, st.Change*100), true
	}
	return "", false
}

func (s *MeanReversion) Scan(ctx context.Context, ticker string) ([]models.Signal, error) {
	candles, err := s.deps.Provider.PriceHistory(ctx, ticker, market.Period1M)
	if err != nil {
		return nil, err
	}
	st, err := s.stats(candles, ticker)
	if err != nil {
		return nil, err
	}
	if st.Price <= 0 {
		return nil, apperrors.NewDataError("price_history", ticker, "no price", nil)
	}
	s.deps.Logger.Debug().
		Str("ticker", ticker).
		Float64("change", st.Change).
		Float64("volume_ratio", st.VolumeRatio).
		Float64("three_day", st.ThreeDayMove).
		Msg("Mean reversion scan")

	var signals []models.Signal
	var errs []error
	if trigger, ok := s.bullishTrigger(st); ok {
		sigs, err := s.fade(ctx, ticker, models.DirectionBullish, trigger, st)
		signals = append(signals, sigs...)
		errs = append(errs, err)
	}
	if trigger, ok := s.bearishTrigger(st); ok {
		sigs, err := s.fade(ctx, ticker, models.DirectionBearish, trigger, st)
		signals = append(signals, sigs...)
		errs = append(errs, err)
	}
	return signals, errors.Join(errs...)
}

// fade builds the spread and the stock trade for one direction. A failed
// spread does not suppress the stock trade.
func (s *MeanReversion) fade(ctx context.Context, ticker string, dir models.Direction, trigger string, st moveStats) ([]models.Signal, error) {
	var out []models.Signal
	details := models.MeanReversionDetails{
		DailyChange:  st.Change,
		VolumeRatio:  st.VolumeRatio,
		ThreeDayMove: st.ThreeDayMove,
		RSI:          st.RSI,
		HasRSI:       st.HasRSI,
		Trigger:      trigger,
	}

	spread, spreadErr := s.spread(ctx, ticker, dir, st.Price)
	if spreadErr == nil {
		label := "Bull"
		if dir == models.DirectionBearish {
			label = "Bear"
		}
		spread.Details = details
		spread.Reason = fmt.Sprintf("Mean Rev %s (options): %s", label, trigger)
		out = append(out, spread)
	}

	if s.stock.Enabled {
		if sig, ok := s.stockTrade(ticker, dir, st.Price); ok {
			sig.Details = details
			sig.Reason = fmt.Sprintf("Mean Rev Stock %s: %s", strings.ToUpper(string(dir)), trigger)
			out = append(out, sig)
		}
	}
	return out, spreadErr
}

func (s *MeanReversion) spread(ctx context.Context, ticker string, dir models.Direction, price float64) (models.Signal, error) {
	exp, err := s.deps.middleExpiration(ctx, ticker, s.cfg.DTEMin, s.cfg.DTEMax)
	if err != nil {
		return models.Signal{}, err
	}
	chain, err := s.deps.Provider.OptionChain(ctx, ticker, exp)
	if err != nil {
		return models.Signal{}, err
	}

	kind, tt := models.Call, models.TradeBullCallSpread
	if dir == models.DirectionBearish {
		kind, tt = models.Put, models.TradeBearPutSpread
	}
	v, ok := buildVertical(chain, kind, price, s.cfg.SpreadWidth)
	if !ok || v.Debit <= 0 {
		return models.Signal{}, apperrors.NewComputationError(string(tt), ticker+": no debit spread available")
	}

	riskPerContract := v.Debit * models.ContractMultiplier
	n := 1
	if riskPerContract <= s.deps.MaxRiskPerTrade {
		n = contractsFor(s.deps.MaxRiskPerTrade, riskPerContract)
	}

	sig := s.deps.newSignal(ticker, s.Name(), tt, dir, chain.Expiration, price)
	sig.Legs = v.Legs()
	sig.NetDebit = v.Debit
	sig.Contracts = n
	sig.MaxRisk = riskPerContract * float64(n)
	sig.ProfitTarget = v.MaxProfit() * float64(n) * 0.5
	return sig, nil
}

// stockTrade sizes a share position so the stop loses at most the per-trade
// cap and the notional stays under the stock position limit.
func (s *MeanReversion) stockTrade(ticker string, dir models.Direction, price float64) (models.Signal, bool) {
	riskPerShare := price * s.stock.StopLossPct
	if riskPerShare <= 0 {
		return models.Signal{}, false
	}
	qty := max(1, int(s.deps.MaxRiskPerTrade/riskPerShare))
	qty = min(qty, int(s.stockPosition/price))
	if qty < 1 {
		return models.Signal{}, false
	}

	sig := s.deps.newSignal(ticker, s.Name(), models.TradeStock, dir, time.Time{}, price)
	sig.StockQty = qty
	if dir == models.DirectionBullish {
		sig.StopLoss = roundCents(price * (1 - s.stock.StopLossPct))
		sig.TakeProfit = roundCents(price * (1 + s.stock.TakeProfitPct))
	} else {
		sig.StopLoss = roundCents(price * (1 + s.stock.StopLossPct))
		sig.TakeProfit = roundCents(price * (1 - s.stock.TakeProfitPct))
	}
	sig.MaxRisk = riskPerShare * float64(qty)
	sig.ProfitTarget = s.stock.TakeProfitPct * price * float64(qty)
	return sig, true
}

func roundCents(x float64) float64 {
	return math.Round(x*100) / 100
}
