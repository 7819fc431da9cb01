// Package regime classifies the volatility regime from the VIX and biases
// strategy scores and position sizes accordingly.
package regime

import (
	"fmt"
	"sync"
	"time"

	"optionsbot/internal/config"
	"optionsbot/internal/models"
)

// State is the classified volatility regime.
type State string

const (
	StateLowVol   State = "low_vol"
	StateNormal   State = "normal"
	StateHighVol  State = "high_vol"
	StateVIXSpike State = "vix_spike"
)

// Trend is the direction of the VIX.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
	TrendSpiking Trend = "spiking"
)

// Regime is a point-in-time classification. Never persisted.
type Regime struct {
	State      State
	VIX        float64
	PrevVIX    float64
	Trend      Trend
	LastUpdate time.Time
}

// FavorSelling reports whether premium-selling structures are preferred.
func (r Regime) FavorSelling() bool {
	return r.State == StateHighVol || r.State == StateNormal
}

// FavorBuying reports whether premium-buying structures are preferred.
func (r Regime) FavorBuying() bool {
	return r.State == StateLowVol
}

// String returns a human-readable representation.
func (r Regime) String() string {
	return fmt.Sprintf("Regime: %s | VIX: %.2f | Trend: %s", r.State, r.VIX, r.Trend)
}

// Classifier tracks the regime across cycles. The previous reading is kept
// in memory only, so the first reading after a restart can never spike.
type Classifier struct {
	mu     sync.RWMutex
	config config.RegimeConfig
	now    func() time.Time

	current Regime
}

// NewClassifier creates a classifier starting in the normal regime.
func NewClassifier(cfg config.RegimeConfig) *Classifier {
	return &Classifier{
		config:  cfg,
		now:     time.Now,
		current: Regime{State: StateNormal, Trend: TrendStable},
	}
}

// Update classifies a new VIX reading. history holds recent daily VIX
// closes (oldest first) and may be empty. A non-positive vix leaves the
// current regime unchanged.
func (c *Classifier) Update(vix float64, history []float64) Regime {
	c.mu.Lock()
	defer c.mu.Unlock()

	if vix <= 0 {
		return c.current
	}

	prev := c.current.VIX
	next := Regime{
		State:      c.classifyLevel(vix),
		VIX:        vix,
		PrevVIX:    prev,
		Trend:      c.current.Trend,
		LastUpdate: c.now(),
	}

	if prev > 0 {
		change := (vix - prev) / prev
		switch {
		case change >= c.config.SpikePct:
			next.State = StateVIXSpike
			next.Trend = TrendSpiking
		case change > c.config.TrendPct:
			next.Trend = TrendRising
		case change < -c.config.TrendPct:
			next.Trend = TrendFalling
		default:
			next.Trend = TrendStable
		}
	}

	if len(history) >= 2 && history[0] > 0 {
		move := (history[len(history)-1] - history[0]) / history[0]
		if move > c.config.HistoryMovePct {
			next.Trend = TrendRising
		} else if move < -c.config.HistoryMovePct {
			next.Trend = TrendFalling
		}
	}

	c.current = next
	return next
}

func (c *Classifier) classifyLevel(vix float64) State {
	switch {
	case vix > c.config.VIXHigh:
		return StateHighVol
	case vix < c.config.VIXLow:
		return StateLowVol
	default:
		return StateNormal
	}
}

// Current returns the latest classification.
func (c *Classifier) Current() Regime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// ShouldSkipEntry reports whether new entries must wait. Only a VIX spike
// blocks entries.
func (c *Classifier) ShouldSkipEntry() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current.State == StateVIXSpike {
		return true, fmt.Sprintf("VIX spike detected (%.1f), waiting for settlement", c.current.VIX)
	}
	return false, "OK"
}

// AdjustScore returns the additive score adjustment for a trade type in
// the current regime.
func (c *Classifier) AdjustScore(tradeType models.TradeType) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return adjustment(c.current.State, tradeType)
}

func adjustment(state State, tradeType models.TradeType) float64 {
	switch {
	case isPremiumSelling(tradeType):
		switch state {
		case StateHighVol:
			return 15
		case StateLowVol:
			return -10
		}
	case isPremiumBuying(tradeType):
		switch state {
		case StateHighVol:
			return -10
		case StateLowVol:
			return 10
		}
	case tradeType == models.TradeBullCallSpread || tradeType == models.TradeBearPutSpread:
		return 5
	case tradeType == models.TradeStock:
		if state == StateNormal {
			return 5
		}
	}
	return 0
}

func isPremiumSelling(t models.TradeType) bool {
	return t == models.TradeIronCondor
}

func isPremiumBuying(t models.TradeType) bool {
	switch t {
	case models.TradeLongStrangle, models.TradeLongCall, models.TradeLongPut:
		return true
	}
	return false
}

// SizeMultiplier returns the position size multiplier for the current regime.
func (c *Classifier) SizeMultiplier() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.current.State {
	case StateVIXSpike:
		return 0.25
	case StateHighVol:
		return 0.6
	case StateLowVol:
		return 1.0
	default:
		return 0.8
	}
}
