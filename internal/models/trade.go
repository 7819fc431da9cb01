package models

import "time"

// PositionState is a step of the exit state machine.
type PositionState string

const (
	StateOpen         PositionState = "OPEN"
	StateNearExpiry   PositionState = "NEAR_EXPIRY"
	StateStopHit      PositionState = "STOP_HIT"
	StateTakeProfit   PositionState = "TAKE_PROFIT"
	StateTrailingStop PositionState = "TRAILING_STOP"
	StateClosed       PositionState = "CLOSED"
)

// Position is an accepted and executed signal.
//
// Prices are marks: for option structures the per-contract value of the
// whole structure (credit received or debit paid at entry, cost to close
// afterwards); for stock trades the share price. Short positions profit
// when the mark falls.
type Position struct {
	ID         string
	Ticker     string
	Strategy   string
	TradeType  TradeType
	Direction  Direction
	Expiration time.Time
	Legs       []Leg
	ClosedLegs []int // indexes into Legs already reversed by an earlier partial close
	Contracts  int
	StockQty   int
	Short      bool

	EntryPrice   float64
	StopPrice    float64
	TargetPrice  float64
	MaxRisk      float64
	ProfitTarget float64
	MinDTEClose  int

	Trailing    bool
	TrailActive bool
	BestPrice   float64
	TrailStop   float64
	LastMark    float64

	State    PositionState
	OrderIDs []string
	Reason   string
	OpenedAt time.Time

	ClosedAt    time.Time
	ExitPrice   float64
	ExitReason  string
	RealizedPnL float64
}

// LegClosed reports whether leg i was already reversed.
func (p *Position) LegClosed(i int) bool {
	for _, c := range p.ClosedLegs {
		if c == i {
			return true
		}
	}
	return false
}

// Quantity returns contracts for option positions and shares for stock positions.
func (p *Position) Quantity() int {
	if p.TradeType == TradeStock {
		return p.StockQty
	}
	return p.Contracts
}

// Multiplier returns the per-unit value multiplier.
func (p *Position) Multiplier() float64 {
	if p.TradeType == TradeStock {
		return 1
	}
	return ContractMultiplier
}

// PnL returns the P&L of the position at the given mark.
func (p *Position) PnL(mark float64) float64 {
	diff := mark - p.EntryPrice
	if p.Short {
		diff = p.EntryPrice - mark
	}
	return diff * p.Multiplier() * float64(p.Quantity())
}

// IsOpen reports whether the position has not been closed yet.
func (p *Position) IsOpen() bool {
	return p.State != StateClosed
}

// PortfolioState aggregates the open positions. Derived on demand.
type PortfolioState struct {
	NetDelta      float64
	NetTheta      float64
	CapitalAtRisk float64
	OpenPositions int
}

// TradeStats aggregates closed-trade performance.
type TradeStats struct {
	TotalTrades int                `json:"total_trades"`
	Winners     int                `json:"winners"`
	Losers      int                `json:"losers"`
	WinRate     float64            `json:"win_rate"` // percent
	TotalPnL    float64            `json:"total_pnl"`
	AvgPnL      float64            `json:"avg_pnl"`
	BestTrade   float64            `json:"best_trade"`
	WorstTrade  float64            `json:"worst_trade"`
	DailyPnL    map[string]float64 `json:"daily_pnl"` // YYYY-MM-DD -> realized P&L
}
