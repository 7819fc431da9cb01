package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"optionsbot/internal/broker"
	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/models"
)

// Status is the dashboard snapshot written after every cycle.
type Status struct {
	BotName      string                    `json:"bot_name"`
	Mode         string                    `json:"mode"`
	Status       string                    `json:"status"`
	PID          int                       `json:"pid"`
	UpdatedAt    time.Time                 `json:"updated_at"`
	LastScan     *time.Time                `json:"last_scan,omitempty"`
	CycleID      string                    `json:"cycle_id,omitempty"`
	SignalsFound int                       `json:"signals_found_last_scan"`
	MarketOpen   bool                      `json:"market_open"`
	VIX          float64                   `json:"vix"`
	Regime       string                    `json:"regime"`
	EntryPaused  string                    `json:"entry_paused,omitempty"`
	Capital      CapitalStatus             `json:"capital"`
	Positions    PositionCount             `json:"positions"`
	Greeks       GreeksStatus              `json:"portfolio_greeks"`
	Performance  models.TradeStats         `json:"performance"`
	Execution    broker.FillStats          `json:"execution"`
	ActiveTrades map[string]ActiveTrade    `json:"active_trades"`
	Strategies   map[string]StrategyStatus `json:"strategies"`
	Watchlist    []string                  `json:"watchlist"`
}

type CapitalStatus struct {
	TotalAllocation float64 `json:"total_allocation"`
	Deployed        float64 `json:"deployed"`
	Available       float64 `json:"available"`
}

type PositionCount struct {
	Active int `json:"active"`
	Max    int `json:"max"`
}

type GreeksStatus struct {
	NetDelta float64 `json:"net_delta"`
	NetTheta float64 `json:"net_theta"`
}

// ActiveTrade is the dashboard view of an open position.
type ActiveTrade struct {
	Ticker     string  `json:"ticker"`
	Strategy   string  `json:"strategy"`
	TradeType  string  `json:"trade_type"`
	Direction  string  `json:"direction"`
	Expiration string  `json:"expiration,omitempty"`
	MaxRisk    float64 `json:"max_risk"`
	Entry      float64 `json:"entry"`
	LastMark   float64 `json:"last_mark"`
	State      string  `json:"state"`
	OpenedAt   string  `json:"opened_at"`
	Reason     string  `json:"reason"`
}

type StrategyStatus struct {
	Enabled bool `json:"enabled"`
}

// Snapshot builds the current status.
func (e *Engine) Snapshot(ctx context.Context) (Status, error) {
	st := e.risk.State()
	stats, err := e.risk.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	r := e.classifier.Current()
	now := e.now()

	s := Status{
		BotName:      "optionsbot",
		Mode:         e.cfg.Engine.Mode,
		Status:       "running",
		PID:          os.Getpid(),
		UpdatedAt:    now.UTC(),
		SignalsFound: e.lastSignals,
		MarketOpen:   e.session.IsOpen(now),
		VIX:          r.VIX,
		Regime:       string(r.State),
		Capital: CapitalStatus{
			TotalAllocation: e.cfg.Risk.TotalAllocation,
			Deployed:        st.CapitalAtRisk,
			Available:       e.cfg.Risk.TotalAllocation - st.CapitalAtRisk,
		},
		Positions:    PositionCount{Active: st.OpenPositions, Max: e.cfg.Risk.MaxConcurrentPositions},
		Greeks:       GreeksStatus{NetDelta: st.NetDelta, NetTheta: st.NetTheta},
		Performance:  stats,
		Execution:    e.executor.Tracker().Stats(),
		ActiveTrades: make(map[string]ActiveTrade),
		Strategies: map[string]StrategyStatus{
			models.StrategyIVCrush:       {Enabled: e.cfg.Strategies.IVCrush.Enabled},
			models.StrategyMeanReversion: {Enabled: e.cfg.Strategies.MeanReversion.Enabled},
			models.StrategyVolArb:        {Enabled: e.cfg.Strategies.VolArb.Enabled},
			models.StrategyMomentum:      {Enabled: e.cfg.Strategies.Momentum.Enabled},
		},
		Watchlist: e.cfg.Engine.Watchlist,
	}
	if !e.lastScan.IsZero() {
		t := e.lastScan.UTC()
		s.LastScan = &t
	}
	if skip, reason := e.classifier.ShouldSkipEntry(); skip {
		s.EntryPaused = reason
	}

	for _, pos := range e.risk.Positions() {
		t := ActiveTrade{
			Ticker:    pos.Ticker,
			Strategy:  pos.Strategy,
			TradeType: string(pos.TradeType),
			Direction: string(pos.Direction),
			MaxRisk:   pos.MaxRisk,
			Entry:     pos.EntryPrice,
			LastMark:  pos.LastMark,
			State:     string(pos.State),
			OpenedAt:  pos.OpenedAt.UTC().Format(time.RFC3339),
			Reason:    truncate(pos.Reason, 100),
		}
		if !pos.Expiration.IsZero() {
			t.Expiration = pos.Expiration.Format("2006-01-02")
		}
		s.ActiveTrades[pos.ID] = t
	}
	return s, nil
}

func (e *Engine) writeStatus(ctx context.Context, rep *CycleReport) error {
	s, err := e.Snapshot(ctx)
	if err != nil {
		return err
	}
	s.CycleID = rep.ID
	s.EntryPaused = rep.EntryPaused
	return WriteStatus(e.cfg.StatusPath(), s)
}

func (e *Engine) writeStopped() error {
	// The run context is already cancelled; the ledger read gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := e.Snapshot(ctx)
	if err != nil {
		return err
	}
	s.Status = "stopped"
	return WriteStatus(e.cfg.StatusPath(), s)
}

// WriteStatus writes s to path through a temp file and an atomic rename,
// so readers never see a partial snapshot.
func WriteStatus(path string, s Status) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return apperrors.NewPersistenceError("marshal status", path, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return apperrors.NewPersistenceError("create status dir", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".status-*.json")
	if err != nil {
		return apperrors.NewPersistenceError("create temp status", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperrors.NewPersistenceError("write status", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apperrors.NewPersistenceError("sync status", path, err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.NewPersistenceError("close status", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return apperrors.NewPersistenceError("rename status", path, err)
	}
	return nil
}

// ReadStatus loads a snapshot written by WriteStatus.
func ReadStatus(path string) (Status, error) {
	var s Status
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("reading status: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parsing status %s: %w", path, err)
	}
	return s, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
