package models

import (
	"fmt"
	"math"
	"time"
)

// Strategy names.
const (
	StrategyIVCrush       = "iv_crush"
	StrategyMeanReversion = "mean_reversion"
	StrategyVolArb        = "vol_arb"
	StrategyMomentum      = "momentum"
)

// Direction is the directional bias of a signal.
type Direction string

const (
	DirectionBullish     Direction = "bullish"
	DirectionBearish     Direction = "bearish"
	DirectionNeutral     Direction = "neutral"
	DirectionNeutralBuy  Direction = "neutral_buy"
	DirectionNeutralSell Direction = "neutral_sell"
)

// TradeType identifies the structure of a signal's legs.
type TradeType string

const (
	TradeIronCondor     TradeType = "iron_condor"
	TradeBullCallSpread TradeType = "bull_call_spread"
	TradeBearPutSpread  TradeType = "bear_put_spread"
	TradeLongStrangle   TradeType = "long_strangle"
	TradeLongCall       TradeType = "long_call"
	TradeLongPut        TradeType = "long_put"
	TradeStock          TradeType = "stock_trade"
)

// LegCount returns the number of option legs the trade type requires.
func (t TradeType) LegCount() int {
	switch t {
	case TradeIronCondor:
		return 4
	case TradeBullCallSpread, TradeBearPutSpread, TradeLongStrangle:
		return 2
	case TradeLongCall, TradeLongPut:
		return 1
	default:
		return 0
	}
}

// IsOption reports whether the trade type is built from option legs.
func (t TradeType) IsOption() bool {
	return t != TradeStock
}

// ContractMultiplier is the share count per option contract.
const ContractMultiplier = 100

// Leg is one option order within a signal.
type Leg struct {
	Action OrderSide
	Kind   OptionKind
	Strike float64
	Mid    float64
}

// Signed returns the leg's contribution to net credit (sells positive).
func (l Leg) Signed() float64 {
	if l.Action == OrderSideSell {
		return l.Mid
	}
	return -l.Mid
}

// Details is the strategy-specific payload of a signal. The concrete types
// below are the only implementations.
type Details interface {
	strategy() string
}

// IVCrushDetails carries the context of an earnings premium-selling signal.
type IVCrushDetails struct {
	ATMIV             float64
	IVPercentile      float64
	EarningsDate      time.Time
	Conviction        int
	AdvisoryReasoning string
}

// MeanReversionDetails carries the context of a mean reversion signal.
type MeanReversionDetails struct {
	DailyChange  float64
	VolumeRatio  float64
	ThreeDayMove float64
	RSI          float64
	HasRSI       bool
	Trigger      string
}

// VolArbDetails carries the context of a volatility arbitrage signal.
type VolArbDetails struct {
	ATMIV         float64
	HV            float64
	ZScore        float64
	IVPercentile  float64
	HasPercentile bool
}

// MomentumDetails carries the context of a momentum signal.
type MomentumDetails struct {
	RSI           float64
	VolumeRatio   float64
	DailyChange   float64
	MACDCross     string
	MACDHistogram float64
}

func (IVCrushDetails) strategy() string       { return StrategyIVCrush }
func (MeanReversionDetails) strategy() string { return StrategyMeanReversion }
func (VolArbDetails) strategy() string        { return StrategyVolArb }
func (MomentumDetails) strategy() string      { return StrategyMomentum }

// Signal is a candidate trade emitted by a scanner. Money fields ending in
// Total or named MaxRisk/ProfitTarget are USD for the whole position; NetCredit
// and NetDebit are per contract (per share for stock trades).
type Signal struct {
	Ticker          string
	Strategy        string
	TradeType       TradeType
	Direction       Direction
	Expiration      time.Time // zero for stock trades
	DTE             int
	UnderlyingPrice float64
	Legs            []Leg
	NetCredit       float64
	NetDebit        float64
	Contracts       int
	StockQty        int
	StopLoss        float64 // exit mark, 0 lets the risk manager derive it
	TakeProfit      float64 // exit mark, 0 lets the risk manager derive it
	MaxRisk         float64
	ProfitTarget    float64
	Score           float64
	Reason          string
	Details         Details
	CreatedAt       time.Time
}

// IsCredit reports whether the position is opened for a net credit.
func (s *Signal) IsCredit() bool {
	return s.NetCredit > 0
}

// Quantity returns contracts for option trades and shares for stock trades.
func (s *Signal) Quantity() int {
	if s.TradeType == TradeStock {
		return s.StockQty
	}
	return s.Contracts
}

// Multiplier returns the per-unit value multiplier.
func (s *Signal) Multiplier() float64 {
	if s.TradeType == TradeStock {
		return 1
	}
	return ContractMultiplier
}

// NetCreditTotal returns the credit received for the whole position.
func (s *Signal) NetCreditTotal() float64 {
	return s.NetCredit * s.Multiplier() * float64(s.Quantity())
}

// LegNet sums signed leg mids: positive for a credit, negative for a debit.
func (s *Signal) LegNet() float64 {
	var net float64
	for _, l := range s.Legs {
		net += l.Signed()
	}
	return net
}

// Validate checks the structural invariants of the signal.
func (s *Signal) Validate() error {
	if s.Ticker == "" {
		return fmt.Errorf("signal has no ticker")
	}
	if s.MaxRisk < 0 {
		return fmt.Errorf("%s %s: negative max risk %.2f", s.Ticker, s.TradeType, s.MaxRisk)
	}
	if s.Quantity() < 1 {
		return fmt.Errorf("%s %s: quantity must be at least 1", s.Ticker, s.TradeType)
	}
	if want := s.TradeType.LegCount(); len(s.Legs) != want {
		return fmt.Errorf("%s %s: expected %d legs, got %d", s.Ticker, s.TradeType, want, len(s.Legs))
	}
	if s.TradeType.IsOption() {
		if s.Expiration.IsZero() {
			return fmt.Errorf("%s %s: option trade without expiration", s.Ticker, s.TradeType)
		}
		if diff := math.Abs(s.LegNet() - (s.NetCredit - s.NetDebit)); diff > 1e-6 {
			return fmt.Errorf("%s %s: legs net %.4f does not match credit %.4f / debit %.4f",
				s.Ticker, s.TradeType, s.LegNet(), s.NetCredit, s.NetDebit)
		}
	}
	if s.Details != nil && s.Details.strategy() != s.Strategy {
		return fmt.Errorf("%s: details for %s attached to %s signal", s.Ticker, s.Details.strategy(), s.Strategy)
	}
	return nil
}
