package models

import (
	"math"
	"time"
)

// OptionKind is call or put.
type OptionKind string

const (
	Call OptionKind = "call"
	Put  OptionKind = "put"
)

// OptionQuote is an immutable snapshot of one contract from the data provider.
type OptionQuote struct {
	Ticker       string
	Symbol       string // provider contract symbol, if any
	Expiration   time.Time
	Strike       float64
	Kind         OptionKind
	Bid          float64
	Ask          float64
	Last         float64
	ImpliedVol   float64 // provider-reported, 0 if unknown
	Volume       int64
	OpenInterest int64
}

// Mid returns the bid/ask midpoint.
func (q OptionQuote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// OptionChain holds calls and puts for one expiration.
type OptionChain struct {
	Ticker     string
	Expiration time.Time
	Calls      []OptionQuote
	Puts       []OptionQuote
}

// Empty reports whether either side of the chain is missing.
func (c *OptionChain) Empty() bool {
	return c == nil || len(c.Calls) == 0 || len(c.Puts) == 0
}

// Side returns the quotes of the given kind.
func (c *OptionChain) Side(kind OptionKind) []OptionQuote {
	if kind == Call {
		return c.Calls
	}
	return c.Puts
}

// Closest returns the quote whose strike is nearest to target.
func (c *OptionChain) Closest(kind OptionKind, target float64) (OptionQuote, bool) {
	return closestStrike(c.Side(kind), target, func(OptionQuote) bool { return true })
}

// ClosestWhere returns the nearest quote among those accepted by keep.
func (c *OptionChain) ClosestWhere(kind OptionKind, target float64, keep func(OptionQuote) bool) (OptionQuote, bool) {
	return closestStrike(c.Side(kind), target, keep)
}

func closestStrike(quotes []OptionQuote, target float64, keep func(OptionQuote) bool) (OptionQuote, bool) {
	var best OptionQuote
	bestDist := math.Inf(1)
	found := false
	for _, q := range quotes {
		if !keep(q) {
			continue
		}
		if d := math.Abs(q.Strike - target); d < bestDist {
			best, bestDist, found = q, d, true
		}
	}
	return best, found
}

// Quote returns the quote at exactly strike.
func (c *OptionChain) Quote(kind OptionKind, strike float64) (OptionQuote, bool) {
	for _, q := range c.Side(kind) {
		if math.Abs(q.Strike-strike) < 1e-9 {
			return q, true
		}
	}
	return OptionQuote{}, false
}
