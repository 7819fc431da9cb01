package strategy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsbot/internal/advisory"
	"optionsbot/internal/analysis/indicators"
	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/market"
	"optionsbot/internal/models"
)

func volArbProvider(sigma float64) *fakeProvider {
	p := &fakeProvider{price: 100, history: oscillatingCandles(300)}
	p.addChain(day(45), 100, sigma, 50, 150, 1)
	return p
}

func TestVolArbSellsRichPremium(t *testing.T) {
	p := volArbProvider(0.45)
	s := NewVolArb(testDeps(p), testConfig().Strategies.VolArb)

	signals, err := s.Scan(context.Background(), "TEST")
	require.NoError(t, err)
	require.Len(t, signals, 1)

	sig := signals[0]
	assert.Equal(t, models.TradeIronCondor, sig.TradeType)
	assert.Equal(t, models.DirectionNeutralSell, sig.Direction)
	assert.Equal(t, 45, sig.DTE)
	assert.Greater(t, sig.NetCredit, 0.0)
	require.NoError(t, sig.Validate())

	require.Len(t, sig.Legs, 4)
	assert.Equal(t, 79.0, sig.Legs[0].Strike)
	assert.Equal(t, 84.0, sig.Legs[1].Strike)
	assert.Equal(t, 116.0, sig.Legs[2].Strike)
	assert.Equal(t, 121.0, sig.Legs[3].Strike)

	d, ok := sig.Details.(models.VolArbDetails)
	require.True(t, ok)
	assert.GreaterOrEqual(t, d.ZScore, 1.0)
	assert.InDelta(t, 0.45, d.ATMIV, 1e-3)
	assert.LessOrEqual(t, sig.MaxRisk, 990.0)
	assert.Contains(t, sig.Reason, "Vol Arb SELL")
}

func TestVolArbBuysCheapPremium(t *testing.T) {
	p := volArbProvider(0.10)
	s := NewVolArb(testDeps(p), testConfig().Strategies.VolArb)

	signals, err := s.Scan(context.Background(), "TEST")
	require.NoError(t, err)
	require.Len(t, signals, 1)

	sig := signals[0]
	assert.Equal(t, models.TradeLongStrangle, sig.TradeType)
	assert.Equal(t, models.DirectionNeutralBuy, sig.Direction)
	require.Len(t, sig.Legs, 2)
	assert.Equal(t, models.Put, sig.Legs[0].Kind)
	assert.Equal(t, 95.0, sig.Legs[0].Strike)
	assert.Equal(t, models.Call, sig.Legs[1].Kind)
	assert.Equal(t, 105.0, sig.Legs[1].Strike)
	assert.Greater(t, sig.NetDebit, 0.0)
	assert.InDelta(t, sig.NetDebit*100*float64(sig.Contracts), sig.MaxRisk, 1e-9)
	require.NoError(t, sig.Validate())
}

func TestVolArbStaysFlatNearFairValue(t *testing.T) {
	p := volArbProvider(0.25)
	s := NewVolArb(testDeps(p), testConfig().Strategies.VolArb)

	signals, err := s.Scan(context.Background(), "TEST")
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestVolArbNeedsExpirationInRange(t *testing.T) {
	p := &fakeProvider{price: 100, history: oscillatingCandles(300)}
	p.addChain(day(5), 100, 0.45, 50, 150, 1)
	s := NewVolArb(testDeps(p), testConfig().Strategies.VolArb)

	_, err := s.Scan(context.Background(), "TEST")
	assert.ErrorIs(t, err, apperrors.ErrDataUnavailable)
}

func dropCandles() []models.Candle {
	var candles []models.Candle
	for i := 0; i < 21; i++ {
		candles = append(candles, models.Candle{Timestamp: testNow.AddDate(0, 0, i-22), Close: 100, Volume: 1000})
	}
	return append(candles, models.Candle{Timestamp: testNow, Close: 97, Volume: 2000})
}

func TestMeanReversionFadesDrop(t *testing.T) {
	p := &fakeProvider{price: 97, history: dropCandles()}
	p.addChain(day(35), 97, 0.30, 80, 120, 2.5)
	cfg := testConfig()
	s := NewMeanReversion(testDeps(p), cfg.Strategies.MeanReversion, cfg.Strategies.Stock, cfg.Risk.StockPositionMax)

	signals, err := s.Scan(context.Background(), "TEST")
	require.NoError(t, err)
	require.Len(t, signals, 2)

	spread := signals[0]
	assert.Equal(t, models.TradeBullCallSpread, spread.TradeType)
	assert.Equal(t, models.DirectionBullish, spread.Direction)
	require.Len(t, spread.Legs, 2)
	assert.Equal(t, 97.5, spread.Legs[0].Strike)
	assert.Equal(t, 102.5, spread.Legs[1].Strike)
	assert.Greater(t, spread.NetDebit, 0.0)
	assert.True(t, strings.HasPrefix(spread.Reason, "Mean Rev Bull (options)"))
	require.NoError(t, spread.Validate())

	stock := signals[1]
	assert.Equal(t, models.TradeStock, stock.TradeType)
	assert.Equal(t, 51, stock.StockQty)
	assert.Equal(t, 94.09, stock.StopLoss)
	assert.Equal(t, 102.82, stock.TakeProfit)
	assert.True(t, stock.Expiration.IsZero())
	assert.Contains(t, stock.Reason, "Mean Rev Stock BULLISH")
	require.NoError(t, stock.Validate())

	d, ok := stock.Details.(models.MeanReversionDetails)
	require.True(t, ok)
	assert.InDelta(t, 2000.0/1200.0, d.VolumeRatio, 1e-9)
	assert.InDelta(t, -0.03, d.DailyChange, 1e-12)
}

func TestMeanReversionStockSurvivesMissingChain(t *testing.T) {
	p := &fakeProvider{price: 97, history: dropCandles()}
	cfg := testConfig()
	s := NewMeanReversion(testDeps(p), cfg.Strategies.MeanReversion, cfg.Strategies.Stock, cfg.Risk.StockPositionMax)

	signals, err := s.Scan(context.Background(), "TEST")
	assert.ErrorIs(t, err, apperrors.ErrDataUnavailable)
	require.Len(t, signals, 1)
	assert.Equal(t, models.TradeStock, signals[0].TradeType)
}

func TestMeanReversionQuietTape(t *testing.T) {
	candles := oscillatingCandles(22)
	p := &fakeProvider{price: candles[len(candles)-1].Close, history: candles}
	cfg := testConfig()
	s := NewMeanReversion(testDeps(p), cfg.Strategies.MeanReversion, cfg.Strategies.Stock, cfg.Risk.StockPositionMax)

	signals, err := s.Scan(context.Background(), "TEST")
	require.NoError(t, err)
	assert.Empty(t, signals)
}

// reversalCandles is an accelerating decline followed by a sharp up day on
// heavy volume.
func reversalCandles() []models.Candle {
	var candles []models.Candle
	for i := 0; i < 60; i++ {
		x := float64(i)
		candles = append(candles, models.Candle{Close: 200 - x - 0.01*x*x, Volume: 1000})
	}
	return append(candles, models.Candle{Close: 140, Volume: 5000})
}

func TestMomentumRelaxedBreakout(t *testing.T) {
	p := &fakeProvider{
		price:    140,
		byPeriod: map[market.Period][]models.Candle{market.Period3M: reversalCandles()},
	}
	p.addChain(day(21), 140, 0.30, 120, 160, 1)
	cfg := testConfig().Strategies.Momentum
	s := NewMomentum(testDeps(p), cfg)

	signals, err := s.Scan(context.Background(), "TEST")
	require.NoError(t, err)
	require.Len(t, signals, 1)

	sig := signals[0]
	assert.Equal(t, models.TradeLongCall, sig.TradeType)
	assert.Equal(t, models.DirectionBullish, sig.Direction)
	require.Len(t, sig.Legs, 1)
	assert.Equal(t, 136.0, sig.Legs[0].Strike)
	assert.GreaterOrEqual(t, sig.Contracts, 1)
	assert.LessOrEqual(t, sig.Contracts, cfg.MaxContracts)
	assert.InDelta(t, sig.NetDebit*(1-cfg.StopLossPct), sig.StopLoss, 1e-9)
	assert.InDelta(t, sig.NetDebit*(1+cfg.ProfitTargetPct), sig.TakeProfit, 1e-9)
	require.NoError(t, sig.Validate())

	d, ok := sig.Details.(models.MomentumDetails)
	require.True(t, ok)
	assert.Equal(t, string(indicators.CrossBullish), d.MACDCross)
	assert.Greater(t, d.VolumeRatio, 2.0)
}

func TestMomentumNeedsHistory(t *testing.T) {
	p := &fakeProvider{
		price:    140,
		byPeriod: map[market.Period][]models.Candle{market.Period3M: reversalCandles()[:20]},
	}
	s := NewMomentum(testDeps(p), testConfig().Strategies.Momentum)

	_, err := s.Scan(context.Background(), "TEST")
	assert.ErrorIs(t, err, apperrors.ErrDataUnavailable)
}

func ivCrushProvider() *fakeProvider {
	p := &fakeProvider{price: 100, vix: 18, history: oscillatingCandles(300)}
	p.addChain(day(2), 100, 0.45, 50, 150, 1)
	p.addChain(day(10), 100, 0.45, 50, 150, 1)
	p.addChain(day(17), 100, 0.45, 50, 150, 1)
	return p
}

func TestIVCrushSellsCondorAfterEarnings(t *testing.T) {
	p := ivCrushProvider()
	cal := fakeCalendar{dates: map[string]time.Time{"TEST": day(3)}}
	gate := &fakeGate{verdict: advisory.Verdict{ShouldTrade: true, Conviction: 8, Strategy: "iron_condor", Direction: "flat"}}
	s := NewIVCrush(testDeps(p), testConfig().Strategies.IVCrush, cal, gate)

	signals, err := s.Scan(context.Background(), "TEST")
	require.NoError(t, err)
	require.Len(t, signals, 1)

	sig := signals[0]
	assert.Equal(t, models.TradeIronCondor, sig.TradeType)
	assert.Equal(t, models.DirectionNeutral, sig.Direction)
	assert.Equal(t, day(10), sig.Expiration)
	assert.Greater(t, sig.NetCredit, 0.0)
	assert.Contains(t, sig.Reason, "LLM: 8/10 flat")
	require.NoError(t, sig.Validate())

	d, ok := sig.Details.(models.IVCrushDetails)
	require.True(t, ok)
	assert.Equal(t, 8, d.Conviction)
	assert.GreaterOrEqual(t, d.IVPercentile, 65.0)

	require.Len(t, gate.seen, 1)
	tc := gate.seen[0]
	assert.Equal(t, 18.0, tc.VIX)
	assert.Len(t, tc.RecentChanges, 5)
	assert.Greater(t, tc.ImpliedMovePct, 0.0)
	assert.Empty(t, tc.EarningsMoves)
}

func TestIVCrushPassesHistoricalEarningsMoves(t *testing.T) {
	p := ivCrushProvider()
	past := []time.Time{day(-91), day(-182), day(-400)}
	cal := fakeCalendar{
		dates: map[string]time.Time{"TEST": day(3)},
		past:  map[string][]time.Time{"TEST": past},
	}
	gate := &fakeGate{verdict: advisory.Verdict{ShouldTrade: true, Conviction: 7, Direction: "flat"}}
	s := NewIVCrush(testDeps(p), testConfig().Strategies.IVCrush, cal, gate)

	_, err := s.Scan(context.Background(), "TEST")
	require.NoError(t, err)
	require.Len(t, gate.seen, 1)

	// The oldest date predates the history and yields no move.
	tc := gate.seen[0]
	require.Len(t, tc.EarningsMoves, 2)
	want := movesAround(p.history, []time.Time{day(-182), day(-91)}, earningsMoveWindow)
	assert.Equal(t, want, tc.EarningsMoves)
	assert.NotContains(t, advisory.BuildPrompt(tc), "Historical earnings moves (last 6 quarters): N/A")
}

func TestMovesAround(t *testing.T) {
	candles := []models.Candle{
		{Timestamp: day(-10), Close: 90},
		{Timestamp: day(-2), Close: 100},
		{Timestamp: day(0), Close: 104},
		{Timestamp: day(1), Close: 110},
		{Timestamp: day(5), Close: 200},
		{Timestamp: day(20), Close: 50},
	}
	moves := movesAround(candles, []time.Time{day(0), day(20), day(40)}, earningsMoveWindow)
	require.Len(t, moves, 1)
	assert.InDelta(t, 0.10, moves[0], 1e-12)
}

func TestIVCrushRespectsAdvisory(t *testing.T) {
	p := ivCrushProvider()
	cal := fakeCalendar{dates: map[string]time.Time{"TEST": day(3)}}
	gate := &fakeGate{verdict: advisory.Verdict{ShouldTrade: false, Conviction: 3}}
	s := NewIVCrush(testDeps(p), testConfig().Strategies.IVCrush, cal, gate)

	signals, err := s.Scan(context.Background(), "TEST")
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestIVCrushFallbackVerdictStillTrades(t *testing.T) {
	p := ivCrushProvider()
	cal := fakeCalendar{dates: map[string]time.Time{"TEST": day(3)}}
	gate := &fakeGate{
		verdict: advisory.Verdict{ShouldTrade: true, Conviction: advisory.ConvictionUnavailable, Direction: "flat"},
		err:     apperrors.NewAdvisoryError("TEST", "complete", errors.New("503")),
	}
	s := NewIVCrush(testDeps(p), testConfig().Strategies.IVCrush, cal, gate)

	signals, err := s.Scan(context.Background(), "TEST")
	require.NoError(t, err)
	assert.Len(t, signals, 1)
}

func TestIVCrushSkipsWithoutEarnings(t *testing.T) {
	p := ivCrushProvider()
	gate := &fakeGate{}
	s := NewIVCrush(testDeps(p), testConfig().Strategies.IVCrush, fakeCalendar{}, gate)

	signals, err := s.Scan(context.Background(), "TEST")
	require.NoError(t, err)
	assert.Empty(t, signals)
	assert.Empty(t, gate.seen)
}

func TestIVCrushSkipsLowPercentile(t *testing.T) {
	p := &fakeProvider{price: 100, history: oscillatingCandles(300)}
	p.addChain(day(10), 100, 0.05, 50, 150, 1)
	cal := fakeCalendar{dates: map[string]time.Time{"TEST": day(3)}}
	gate := &fakeGate{}
	s := NewIVCrush(testDeps(p), testConfig().Strategies.IVCrush, cal, gate)

	signals, err := s.Scan(context.Background(), "TEST")
	require.NoError(t, err)
	assert.Empty(t, signals)
	assert.Empty(t, gate.seen)
}

func TestIVCrushNoExpirationAfterEarnings(t *testing.T) {
	p := ivCrushProvider()
	cal := fakeCalendar{dates: map[string]time.Time{"TEST": day(20)}}
	s := NewIVCrush(testDeps(p), testConfig().Strategies.IVCrush, cal, &fakeGate{})

	_, err := s.Scan(context.Background(), "TEST")
	assert.ErrorIs(t, err, apperrors.ErrDataUnavailable)
}
