package broker

import (
	"sync"
	"time"
)

// Fill is the execution record of one leg order.
type Fill struct {
	OrderID     string
	Symbol      string
	Side        string
	Expected    float64 // quoted mid at submission
	Actual      float64
	SlippagePct float64
	Latency     time.Duration
	Rejected    bool
	Reason      string
	At          time.Time
}

// FillStats summarizes execution quality.
type FillStats struct {
	Fills          int64   `json:"fills"`
	Rejections     int64   `json:"rejections"`
	RejectionRate  float64 `json:"rejection_rate_pct"`
	AvgSlippagePct float64 `json:"avg_slippage_pct"`
	MaxSlippagePct float64 `json:"max_slippage_pct"`
	AvgLatencyMs   int64   `json:"avg_latency_ms"`
}

// FillTracker keeps running execution-quality totals and a bounded window
// of recent fills. Slippage is signed against the trader: paying above the
// mid on a buy or receiving below it on a sell is positive.
type FillTracker struct {
	mu          sync.RWMutex
	window      int
	recent      []Fill
	fills       int64
	rejections  int64
	slippageSum float64
	maxSlippage float64
	latencySum  time.Duration
}

// NewFillTracker creates a tracker keeping the last window fills.
func NewFillTracker(window int) *FillTracker {
	if window <= 0 {
		window = 100
	}
	return &FillTracker{window: window}
}

// Record adds one leg outcome.
func (t *FillTracker) Record(f Fill) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f.At.IsZero() {
		f.At = time.Now()
	}
	if f.Rejected {
		t.rejections++
	} else {
		if f.Expected > 0 && f.Actual > 0 {
			f.SlippagePct = (f.Actual - f.Expected) / f.Expected * 100
			if f.Side == "sell" {
				f.SlippagePct = -f.SlippagePct
			}
		}
		t.fills++
		t.slippageSum += f.SlippagePct
		t.latencySum += f.Latency
		if f.SlippagePct > t.maxSlippage {
			t.maxSlippage = f.SlippagePct
		}
	}

	t.recent = append(t.recent, f)
	if len(t.recent) > t.window {
		t.recent = t.recent[1:]
	}
}

// Stats returns the running totals.
func (t *FillTracker) Stats() FillStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := FillStats{
		Fills:          t.fills,
		Rejections:     t.rejections,
		MaxSlippagePct: t.maxSlippage,
	}
	if t.fills > 0 {
		s.AvgSlippagePct = t.slippageSum / float64(t.fills)
		s.AvgLatencyMs = (t.latencySum / time.Duration(t.fills)).Milliseconds()
	}
	if total := t.fills + t.rejections; total > 0 {
		s.RejectionRate = float64(t.rejections) / float64(total) * 100
	}
	return s
}

// Recent returns up to limit of the most recent records, oldest first.
func (t *FillTracker) Recent(limit int) []Fill {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.recent) {
		limit = len(t.recent)
	}
	out := make([]Fill, limit)
	copy(out, t.recent[len(t.recent)-limit:])
	return out
}
