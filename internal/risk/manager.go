// Package risk admits signals against portfolio limits, sizes them, tracks
// open positions and drives their exit state machine.
package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"optionsbot/internal/config"
	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/ledger"
	"optionsbot/internal/logging"
	"optionsbot/internal/models"
)

// Risk rule names reported in RiskError.Rule.
const (
	RuleMaxPositions  = "max_positions"
	RuleMaxRisk       = "max_risk_per_trade"
	RuleDuplicate     = "duplicate_ticker"
	RuleMaxDeployment = "max_deployment"
	RuleMaxNetDelta   = "max_net_delta"
)

// directionalDelta is the delta assumed per contract of a new directional
// trade when checking the portfolio delta bound.
const directionalDelta = 50

// Manager owns the open positions. Every mutation is written through to
// the ledger before it becomes visible.
type Manager struct {
	cfg    config.RiskConfig
	ledger ledger.Ledger
	logger zerolog.Logger

	mu        sync.RWMutex
	positions map[string]*models.Position
}

// NewManager creates a manager and restores open positions from the ledger.
func NewManager(ctx context.Context, cfg config.RiskConfig, l ledger.Ledger, logger zerolog.Logger) (*Manager, error) {
	m := &Manager{
		cfg:       cfg,
		ledger:    l,
		logger:    logger.With().Str("component", "risk").Logger(),
		positions: make(map[string]*models.Position),
	}
	open, err := l.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to restore open positions: %w", err)
	}
	for _, pos := range open {
		m.positions[pos.ID] = pos
	}
	if len(open) > 0 {
		m.logger.Info().Int("positions", len(open)).Msg("Restored open positions")
	}
	return m, nil
}

// CanOpen checks the signal against every admission rule and returns a
// *RiskError naming the first one it breaks.
func (m *Manager) CanOpen(sig models.Signal) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n := len(m.positions); n >= m.cfg.MaxConcurrentPositions {
		return apperrors.NewRiskError(RuleMaxPositions, float64(n), float64(m.cfg.MaxConcurrentPositions),
			fmt.Sprintf("max positions reached (%d)", n))
	}
	if limit := m.cfg.MaxRiskPerTrade * m.cfg.RiskBuffer; sig.MaxRisk > limit {
		return apperrors.NewRiskError(RuleMaxRisk, sig.MaxRisk, limit,
			fmt.Sprintf("risk $%.0f exceeds cap $%.0f", sig.MaxRisk, limit))
	}
	for _, pos := range m.positions {
		if pos.Ticker == sig.Ticker {
			return apperrors.NewRiskError(RuleDuplicate, 0, 0,
				fmt.Sprintf("already have position in %s", sig.Ticker))
		}
	}

	deployed := m.capitalAtRisk()
	if limit := m.cfg.TotalAllocation * m.cfg.MaxDeploymentPct; deployed+sig.MaxRisk > limit {
		return apperrors.NewRiskError(RuleMaxDeployment, deployed+sig.MaxRisk, limit,
			fmt.Sprintf("would exceed %.0f%% deployment", m.cfg.MaxDeploymentPct*100))
	}

	if projected := m.greeks().NetDelta + signalDelta(sig); math.Abs(projected) > m.cfg.MaxNetDelta {
		return apperrors.NewRiskError(RuleMaxNetDelta, projected, m.cfg.MaxNetDelta,
			fmt.Sprintf("portfolio delta would be %.0f", projected))
	}
	return nil
}

// signalDelta is the admission-time delta estimate of a new trade.
func signalDelta(sig models.Signal) float64 {
	n := float64(sig.Contracts)
	switch sig.TradeType {
	case models.TradeLongCall, models.TradeBullCallSpread:
		return directionalDelta * n
	case models.TradeLongPut, models.TradeBearPutSpread:
		return -directionalDelta * n
	}
	return 0
}

// Size scales the signal's quantity by multiplier (floored, at least one)
// and scales its risk and target with it.
func (m *Manager) Size(sig models.Signal, multiplier float64) models.Signal {
	qty := sig.Quantity()
	if qty < 1 || multiplier <= 0 || multiplier == 1 {
		return sig
	}
	sized := max(1, int(math.Floor(float64(qty)*multiplier)))
	if sized == qty {
		return sig
	}
	scale := float64(sized) / float64(qty)
	if sig.TradeType == models.TradeStock {
		sig.StockQty = sized
	} else {
		sig.Contracts = sized
	}
	sig.MaxRisk *= scale
	sig.ProfitTarget *= scale
	return sig
}

// TradeID formats the position identifier.
func TradeID(ticker, strategy string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s", ticker, strategy, at.Format("20060102_150405"))
}

// Open records an executed signal as a position and persists it.
func (m *Manager) Open(ctx context.Context, sig models.Signal, orderIDs []string, now time.Time) (*models.Position, error) {
	pos := m.newPosition(sig, orderIDs, now)
	if err := m.ledger.SaveOpen(ctx, pos); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.positions[pos.ID] = pos
	m.mu.Unlock()

	plog := logging.WithPosition(m.logger, pos.ID)
	plog.Info().
		Str("trade_type", string(pos.TradeType)).
		Int("quantity", pos.Quantity()).
		Float64("entry", pos.EntryPrice).
		Float64("stop", pos.StopPrice).
		Float64("target", pos.TargetPrice).
		Float64("max_risk", pos.MaxRisk).
		Msg("Position opened")
	return copyPosition(pos), nil
}

func (m *Manager) newPosition(sig models.Signal, orderIDs []string, now time.Time) *models.Position {
	pos := &models.Position{
		ID:           TradeID(sig.Ticker, sig.Strategy, now),
		Ticker:       sig.Ticker,
		Strategy:     sig.Strategy,
		TradeType:    sig.TradeType,
		Direction:    sig.Direction,
		Expiration:   sig.Expiration,
		Legs:         append([]models.Leg(nil), sig.Legs...),
		Contracts:    sig.Contracts,
		StockQty:     sig.StockQty,
		MaxRisk:      sig.MaxRisk,
		ProfitTarget: sig.ProfitTarget,
		State:        models.StateOpen,
		OrderIDs:     append([]string(nil), orderIDs...),
		Reason:       sig.Reason,
		OpenedAt:     now,
	}

	unit := pos.Multiplier() * float64(max(1, sig.Quantity()))
	switch {
	case sig.TradeType == models.TradeStock:
		pos.Short = sig.Direction == models.DirectionBearish
		pos.EntryPrice = sig.UnderlyingPrice
		pos.StopPrice = sig.StopLoss
		pos.TargetPrice = sig.TakeProfit
		pos.Trailing = true
	case sig.IsCredit():
		// Marks are the cost to buy the structure back.
		pos.Short = true
		pos.EntryPrice = sig.NetCredit
		pos.StopPrice = sig.NetCredit * (1 + m.cfg.MaxLossShortMult)
		pos.TargetPrice = math.Max(0, sig.NetCredit-sig.ProfitTarget/unit)
		pos.MinDTEClose = m.cfg.MinDTEClose
	default:
		pos.EntryPrice = sig.NetDebit
		pos.StopPrice = sig.NetDebit * (1 - m.cfg.MaxLossLongPct)
		pos.TargetPrice = sig.NetDebit + sig.ProfitTarget/unit
		if sig.StopLoss > 0 {
			pos.StopPrice = sig.StopLoss
		}
		if sig.TakeProfit > 0 {
			pos.TargetPrice = sig.TakeProfit
		}
		pos.MinDTEClose = m.cfg.MinDTEClose
	}
	pos.LastMark = pos.EntryPrice
	return pos
}

// Close realizes the position at exitPrice, moves it to the ledger's closed
// set and forgets it.
func (m *Manager) Close(ctx context.Context, id string, exitPrice float64, reason string, now time.Time) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, id)
	}

	closed := copyPosition(pos)
	closed.State = models.StateClosed
	closed.ClosedAt = now
	closed.ExitPrice = exitPrice
	closed.ExitReason = reason
	closed.RealizedPnL = math.Round(closed.PnL(exitPrice)*100) / 100

	if err := m.ledger.SaveClosed(ctx, closed); err != nil {
		return nil, err
	}
	delete(m.positions, id)

	plog := logging.WithPosition(m.logger, id)
	plog.Info().
		Float64("exit", exitPrice).
		Float64("pnl", closed.RealizedPnL).
		Str("reason", reason).
		Msg("Position closed")
	return copyPosition(closed), nil
}

// RecordClosedLegs notes legs of a position that a partial close already
// reversed, with their order IDs, so a retry only sends the rest.
func (m *Manager) RecordClosedLegs(ctx context.Context, id string, legs []int, orderIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, id)
	}
	updated := copyPosition(pos)
	for _, i := range legs {
		if !updated.LegClosed(i) {
			updated.ClosedLegs = append(updated.ClosedLegs, i)
		}
	}
	updated.OrderIDs = append(updated.OrderIDs, orderIDs...)
	if err := m.ledger.SaveOpen(ctx, updated); err != nil {
		return err
	}
	m.positions[id] = updated
	return nil
}

// Get returns a copy of the open position with id.
func (m *Manager) Get(id string) (*models.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[id]
	if !ok {
		return nil, false
	}
	return copyPosition(pos), true
}

// Positions returns copies of the open positions, oldest first.
func (m *Manager) Positions() []*models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted()
}

func (m *Manager) sorted() []*models.Position {
	out := make([]*models.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, copyPosition(pos))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats returns the closed-trade statistics from the ledger.
func (m *Manager) Stats(ctx context.Context) (models.TradeStats, error) {
	return m.ledger.Stats(ctx)
}

// State returns the aggregate portfolio view.
func (m *Manager) State() models.PortfolioState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.greeks()
}

// PortfolioGreeks returns the heuristic net delta and theta of the open
// positions.
func (m *Manager) PortfolioGreeks() (delta, theta float64) {
	st := m.State()
	return st.NetDelta, st.NetTheta
}

// greeks requires m.mu to be held.
func (m *Manager) greeks() models.PortfolioState {
	st := models.PortfolioState{OpenPositions: len(m.positions)}
	for _, pos := range m.positions {
		n := float64(pos.Contracts)
		switch pos.TradeType {
		case models.TradeIronCondor:
			st.NetTheta += pos.EntryPrice * n * 2
		case models.TradeLongCall:
			st.NetDelta += 65 * n
			st.NetTheta -= pos.EntryPrice * n * 1.5
		case models.TradeLongPut:
			st.NetDelta -= 65 * n
			st.NetTheta -= pos.EntryPrice * n * 1.5
		case models.TradeBullCallSpread:
			st.NetDelta += 30 * n
			st.NetTheta -= pos.EntryPrice * n
		case models.TradeBearPutSpread:
			st.NetDelta -= 30 * n
			st.NetTheta -= pos.EntryPrice * n
		case models.TradeLongStrangle:
			st.NetTheta -= pos.EntryPrice * n * 2
		}
		st.CapitalAtRisk += pos.MaxRisk
	}
	st.NetDelta = math.Round(st.NetDelta*10) / 10
	st.NetTheta = math.Round(st.NetTheta*100) / 100
	return st
}

// capitalAtRisk requires m.mu to be held.
func (m *Manager) capitalAtRisk() float64 {
	var total float64
	for _, pos := range m.positions {
		total += pos.MaxRisk
	}
	return total
}

// CapitalAvailable is the allocation not yet at risk.
func (m *Manager) CapitalAvailable() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.TotalAllocation - m.capitalAtRisk()
}

func copyPosition(pos *models.Position) *models.Position {
	c := *pos
	c.Legs = append([]models.Leg(nil), pos.Legs...)
	c.ClosedLegs = append([]int(nil), pos.ClosedLegs...)
	c.OrderIDs = append([]string(nil), pos.OrderIDs...)
	return &c
}
