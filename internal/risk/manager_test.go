package risk

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsbot/internal/config"
	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/ledger"
	"optionsbot/internal/models"
)

var now = time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)

func defaultRisk() config.RiskConfig {
	return config.Default().Risk
}

func newTestManager(t *testing.T, cfg config.RiskConfig) (*Manager, *ledger.SQLiteLedger) {
	t.Helper()
	l, err := ledger.NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	m, err := NewManager(context.Background(), cfg, l, zerolog.Nop())
	require.NoError(t, err)
	return m, l
}

func condorSignal(ticker string) models.Signal {
	return models.Signal{
		Ticker:     ticker,
		Strategy:   models.StrategyVolArb,
		TradeType:  models.TradeIronCondor,
		Direction:  models.DirectionNeutralSell,
		Expiration: now.AddDate(0, 0, 45),
		DTE:        45,
		Legs: []models.Leg{
			{Action: models.OrderSideBuy, Kind: models.Put, Strike: 79, Mid: 0.4},
			{Action: models.OrderSideSell, Kind: models.Put, Strike: 84, Mid: 1.0},
			{Action: models.OrderSideSell, Kind: models.Call, Strike: 116, Mid: 0.9},
			{Action: models.OrderSideBuy, Kind: models.Call, Strike: 121, Mid: 0.3},
		},
		NetCredit:    1.2,
		Contracts:    2,
		MaxRisk:      760,
		ProfitTarget: 120,
	}
}

func stockSignal(ticker string, maxRisk float64) models.Signal {
	return models.Signal{
		Ticker:          ticker,
		Strategy:        models.StrategyMeanReversion,
		TradeType:       models.TradeStock,
		Direction:       models.DirectionBullish,
		UnderlyingPrice: 100,
		StockQty:        50,
		StopLoss:        97,
		TakeProfit:      106,
		MaxRisk:         maxRisk,
		ProfitTarget:    300,
	}
}

func longCallSignal(ticker string, contracts int) models.Signal {
	return models.Signal{
		Ticker:       ticker,
		Strategy:     models.StrategyMomentum,
		TradeType:    models.TradeLongCall,
		Direction:    models.DirectionBullish,
		Expiration:   now.AddDate(0, 0, 28),
		Legs:         []models.Leg{{Action: models.OrderSideBuy, Kind: models.Call, Strike: 136, Mid: 5}},
		NetDebit:     5,
		Contracts:    contracts,
		StopLoss:     3.5,
		TakeProfit:   8.75,
		MaxRisk:      500 * float64(contracts),
		ProfitTarget: 375 * float64(contracts),
	}
}

func mustOpen(t *testing.T, m *Manager, sig models.Signal, at time.Time) *models.Position {
	t.Helper()
	require.NoError(t, m.CanOpen(sig))
	pos, err := m.Open(context.Background(), sig, []string{"order-1"}, at)
	require.NoError(t, err)
	return pos
}

func requireRule(t *testing.T, err error, rule string) {
	t.Helper()
	var re *apperrors.RiskError
	require.True(t, errors.As(err, &re), "expected RiskError, got %v", err)
	assert.Equal(t, rule, re.Rule)
}

func TestCanOpenMaxPositions(t *testing.T) {
	m, _ := newTestManager(t, defaultRisk())
	for i := 0; i < 8; i++ {
		mustOpen(t, m, stockSignal(fmt.Sprintf("T%d", i), 150), now.Add(time.Duration(i)*time.Second))
	}
	requireRule(t, m.CanOpen(stockSignal("NEW", 150)), RuleMaxPositions)
}

func TestCanOpenDuplicateTicker(t *testing.T) {
	m, _ := newTestManager(t, defaultRisk())
	mustOpen(t, m, condorSignal("SPY"), now)
	requireRule(t, m.CanOpen(stockSignal("SPY", 150)), RuleDuplicate)
	assert.NoError(t, m.CanOpen(stockSignal("QQQ", 150)))
}

func TestCanOpenRiskCap(t *testing.T) {
	m, _ := newTestManager(t, defaultRisk())
	assert.NoError(t, m.CanOpen(stockSignal("SPY", 1485)))
	requireRule(t, m.CanOpen(stockSignal("SPY", 1485.01)), RuleMaxRisk)
}

func TestCanOpenDeployment(t *testing.T) {
	cfg := defaultRisk()
	cfg.TotalAllocation = 3000
	m, _ := newTestManager(t, cfg)
	mustOpen(t, m, stockSignal("A", 990), now)
	mustOpen(t, m, stockSignal("B", 990), now.Add(time.Second))
	requireRule(t, m.CanOpen(stockSignal("C", 990)), RuleMaxDeployment)
	assert.NoError(t, m.CanOpen(stockSignal("C", 420)))
}

func TestCanOpenNetDelta(t *testing.T) {
	m, _ := newTestManager(t, defaultRisk())
	// Admitted at +50 per contract, carried at +65 once open.
	mustOpen(t, m, longCallSignal("AAPL", 2), now)
	delta, _ := m.PortfolioGreeks()
	require.InDelta(t, 130, delta, 1e-9)

	requireRule(t, m.CanOpen(longCallSignal("MSFT", 1)), RuleMaxNetDelta)
	requireRule(t, m.CanOpen(condorSignal("QQQ")), RuleMaxNetDelta)
	requireRule(t, m.CanOpen(stockSignal("QQQ", 150)), RuleMaxNetDelta)

	put := longCallSignal("MSFT", 1)
	put.TradeType = models.TradeLongPut
	assert.NoError(t, m.CanOpen(put), "a trade that brings delta back inside the bound is admitted")
}

func TestCanOpenNetDeltaFlatBook(t *testing.T) {
	m, _ := newTestManager(t, defaultRisk())
	mustOpen(t, m, longCallSignal("AAPL", 1), now)
	assert.NoError(t, m.CanOpen(condorSignal("QQQ")))
}

func TestSize(t *testing.T) {
	m, _ := newTestManager(t, defaultRisk())

	sig := condorSignal("SPY")
	sig.Contracts = 5
	sig.MaxRisk = 1900
	sig.ProfitTarget = 300
	sized := m.Size(sig, 0.6)
	assert.Equal(t, 3, sized.Contracts)
	assert.InDelta(t, 1140, sized.MaxRisk, 1e-9)
	assert.InDelta(t, 180, sized.ProfitTarget, 1e-9)
	assert.Equal(t, sig.NetCredit, sized.NetCredit)

	single := m.Size(condorSignal("SPY"), 0.25)
	assert.Equal(t, 1, single.Contracts)
	assert.InDelta(t, 380, single.MaxRisk, 1e-9)

	stock := m.Size(stockSignal("SPY", 150), 0.8)
	assert.Equal(t, 40, stock.StockQty)
	assert.InDelta(t, 120, stock.MaxRisk, 1e-9)

	unchanged := m.Size(condorSignal("SPY"), 1)
	assert.Equal(t, condorSignal("SPY"), unchanged)
}

func TestOpenCreditPosition(t *testing.T) {
	m, l := newTestManager(t, defaultRisk())
	pos := mustOpen(t, m, condorSignal("SPY"), now)

	assert.Equal(t, "SPY_vol_arb_20261014_150000", pos.ID)
	assert.Equal(t, models.StateOpen, pos.State)
	assert.True(t, pos.Short)
	assert.Equal(t, 1.2, pos.EntryPrice)
	assert.InDelta(t, 3.6, pos.StopPrice, 1e-9)
	assert.InDelta(t, 0.6, pos.TargetPrice, 1e-9)
	assert.Equal(t, 21, pos.MinDTEClose)
	assert.False(t, pos.Trailing)

	persisted, err := l.Open(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, pos.ID, persisted[0].ID)
}

func TestOpenDebitAndStockPositions(t *testing.T) {
	m, _ := newTestManager(t, defaultRisk())

	call := mustOpen(t, m, longCallSignal("AAPL", 1), now)
	assert.False(t, call.Short)
	assert.Equal(t, 5.0, call.EntryPrice)
	assert.Equal(t, 3.5, call.StopPrice)
	assert.Equal(t, 8.75, call.TargetPrice)

	short := stockSignal("TSLA", 150)
	short.Direction = models.DirectionBearish
	short.StopLoss, short.TakeProfit = 103, 94
	pos := mustOpen(t, m, short, now.Add(time.Second))
	assert.True(t, pos.Short)
	assert.True(t, pos.Trailing)
	assert.Equal(t, 100.0, pos.EntryPrice)
	assert.Zero(t, pos.MinDTEClose)
}

func TestNewManagerRestoresPositions(t *testing.T) {
	m, l := newTestManager(t, defaultRisk())
	pos := mustOpen(t, m, condorSignal("SPY"), now)

	restored, err := NewManager(context.Background(), defaultRisk(), l, zerolog.Nop())
	require.NoError(t, err)
	got, ok := restored.Get(pos.ID)
	require.True(t, ok)
	assert.Equal(t, pos.EntryPrice, got.EntryPrice)
	requireRule(t, restored.CanOpen(condorSignal("SPY")), RuleDuplicate)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, defaultRisk())
	condor := mustOpen(t, m, condorSignal("SPY"), now)
	stock := mustOpen(t, m, stockSignal("QQQ", 150), now.Add(time.Second))

	closed, err := m.Close(ctx, condor.ID, 0.6, "take profit", now.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, models.StateClosed, closed.State)
	assert.InDelta(t, 120, closed.RealizedPnL, 1e-9)

	closed, err = m.Close(ctx, stock.ID, 97, "stop", now.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.InDelta(t, -150, closed.RealizedPnL, 1e-9)

	assert.Empty(t, m.Positions())

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTrades)
	assert.Equal(t, 1, stats.Winners)
	assert.Equal(t, 1, stats.Losers)
	assert.Equal(t, 50.0, stats.WinRate)
	assert.Equal(t, map[string]float64{"2026-10-17": -30}, stats.DailyPnL)

	_, err = m.Close(ctx, condor.ID, 0.6, "again", now)
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)
}

func TestPortfolioGreeks(t *testing.T) {
	m, _ := newTestManager(t, defaultRisk())
	mustOpen(t, m, condorSignal("SPY"), now)
	mustOpen(t, m, longCallSignal("AAPL", 1), now.Add(time.Second))
	mustOpen(t, m, stockSignal("QQQ", 150), now.Add(2*time.Second))

	delta, theta := m.PortfolioGreeks()
	assert.Equal(t, 65.0, delta)
	assert.InDelta(t, 1.2*2*2-5*1.5, theta, 1e-9)

	st := m.State()
	assert.Equal(t, 3, st.OpenPositions)
	assert.InDelta(t, 760+500+150, st.CapitalAtRisk, 1e-9)
	assert.InDelta(t, 33000-1410, m.CapitalAvailable(), 1e-9)
}

// Property: the open position count never exceeds the limit however many
// admissions are attempted.
func TestProperty_MaxPositionsNeverExceeded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("admitted positions ≤ limit", prop.ForAll(
		func(attempts int, limit int) bool {
			cfg := defaultRisk()
			cfg.MaxConcurrentPositions = limit
			m, _ := newTestManager(t, cfg)
			for i := 0; i < attempts; i++ {
				sig := stockSignal(fmt.Sprintf("T%d", i), 100)
				if m.CanOpen(sig) != nil {
					continue
				}
				if _, err := m.Open(context.Background(), sig, nil, now.Add(time.Duration(i)*time.Second)); err != nil {
					return false
				}
			}
			return len(m.Positions()) == min(attempts, limit)
		},
		gen.IntRange(0, 15),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
