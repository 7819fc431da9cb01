package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"optionsbot/internal/engine"
	"optionsbot/internal/ledger"
	"optionsbot/internal/models"
	"optionsbot/internal/risk"
	"optionsbot/pkg/utils"
)

// withLedger opens the ledger for a read-only command.
func withLedger(app *App, fn func(ctx context.Context, output *Output, l ledger.Ledger) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := cycleContext(cmd)
		defer stop()

		db, err := ledger.NewSQLiteLedger(app.Config.LedgerPath())
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(ctx, NewOutput(cmd), db)
	}
}

type positionView struct {
	ID         string  `json:"id"`
	Ticker     string  `json:"ticker"`
	Strategy   string  `json:"strategy"`
	TradeType  string  `json:"trade_type"`
	Expiration string  `json:"expiration,omitempty"`
	Quantity   int     `json:"quantity"`
	Entry      float64 `json:"entry"`
	Stop       float64 `json:"stop"`
	Target     float64 `json:"target"`
	LastMark   float64 `json:"last_mark"`
	PnL        float64 `json:"pnl"`
	MaxRisk    float64 `json:"max_risk"`
	State      string  `json:"state"`
	OpenedAt   string  `json:"opened_at"`
	ClosedAt   string  `json:"closed_at,omitempty"`
	ExitReason string  `json:"exit_reason,omitempty"`
}

func viewPosition(p *models.Position) positionView {
	v := positionView{
		ID:        p.ID,
		Ticker:    p.Ticker,
		Strategy:  p.Strategy,
		TradeType: string(p.TradeType),
		Quantity:  p.Quantity(),
		Entry:     p.EntryPrice,
		Stop:      p.StopPrice,
		Target:    p.TargetPrice,
		LastMark:  p.LastMark,
		PnL:       p.PnL(p.LastMark),
		MaxRisk:   p.MaxRisk,
		State:     string(p.State),
		OpenedAt:  p.OpenedAt.Format(time.RFC3339),
	}
	if !p.Expiration.IsZero() {
		v.Expiration = FormatDate(p.Expiration)
	}
	if !p.IsOpen() {
		v.PnL = p.RealizedPnL
		v.ClosedAt = p.ClosedAt.Format(time.RFC3339)
		v.ExitReason = p.ExitReason
	}
	return v
}

func newPositionsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "positions",
		Aliases: []string{"pos"},
		Short:   "Show open positions and portfolio greeks",
		RunE: withLedger(app, func(ctx context.Context, output *Output, l ledger.Ledger) error {
			mgr, err := risk.NewManager(ctx, app.Config.Risk, l, app.Logger)
			if err != nil {
				return err
			}
			positions := mgr.Positions()
			views := make([]positionView, len(positions))
			for i, p := range positions {
				views[i] = viewPosition(p)
			}
			return printPositions(output, views, mgr.State(), mgr.CapitalAvailable())
		}),
	}
}

func printPositions(output *Output, views []positionView, st models.PortfolioState, available float64) error {
	if output.IsJSON() {
		return output.JSON(map[string]interface{}{
			"positions":       views,
			"net_delta":       st.NetDelta,
			"net_theta":       st.NetTheta,
			"capital_at_risk": st.CapitalAtRisk,
			"available":       available,
		})
	}

	if len(views) == 0 {
		output.Dim("No open positions")
	} else {
		table := NewTable(output, "ID", "TYPE", "EXP", "QTY", "ENTRY", "STOP", "TARGET", "MARK", "P&L", "STATE")
		for _, v := range views {
			table.AddRow(
				v.ID,
				v.TradeType,
				v.Expiration,
				fmt.Sprint(v.Quantity),
				fmt.Sprintf("%.2f", v.Entry),
				fmt.Sprintf("%.2f", v.Stop),
				fmt.Sprintf("%.2f", v.Target),
				fmt.Sprintf("%.2f", v.LastMark),
				output.PnL(v.PnL),
				v.State,
			)
		}
		table.Render()
	}
	output.Println()
	output.Printf("Capital at risk: %s  Available: %s\n", utils.FormatUSD(st.CapitalAtRisk), utils.FormatUSD(available))
	output.Printf("Net delta: %.1f  Net theta: %.2f/day\n", st.NetDelta, st.NetTheta)
	return nil
}

func newHistoryCmd(app *App) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show closed trades, most recent first",
		RunE: withLedger(app, func(ctx context.Context, output *Output, l ledger.Ledger) error {
			closed, err := l.Closed(ctx, limit)
			if err != nil {
				return err
			}
			views := make([]positionView, len(closed))
			for i, p := range closed {
				views[i] = viewPosition(p)
			}
			if output.IsJSON() {
				return output.JSON(views)
			}
			if len(views) == 0 {
				output.Dim("No closed trades")
				return nil
			}
			table := NewTable(output, "ID", "TYPE", "ENTRY", "EXIT", "P&L", "CLOSED", "REASON")
			for i, v := range views {
				table.AddRow(
					v.ID,
					v.TradeType,
					fmt.Sprintf("%.2f", v.Entry),
					fmt.Sprintf("%.2f", closed[i].ExitPrice),
					output.PnL(v.PnL),
					FormatDate(closed[i].ClosedAt),
					TruncateString(v.ExitReason, 40),
				)
			}
			table.Render()
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of trades (0 for all)")
	return cmd
}

func newStatsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show closed-trade performance",
		RunE: withLedger(app, func(ctx context.Context, output *Output, l ledger.Ledger) error {
			stats, err := l.Stats(ctx)
			if err != nil {
				return err
			}
			return printStats(output, stats)
		}),
	}
}

func printStats(output *Output, s models.TradeStats) error {
	if output.IsJSON() {
		return output.JSON(s)
	}
	if s.TotalTrades == 0 {
		output.Dim("No closed trades yet")
		return nil
	}
	output.Bold("Performance")
	output.Printf("  Trades:    %d (%d winners, %d losers)\n", s.TotalTrades, s.Winners, s.Losers)
	output.Printf("  Win rate:  %.1f%%\n", s.WinRate)
	output.Printf("  Total P&L: %s\n", output.PnL(s.TotalPnL))
	output.Printf("  Avg P&L:   %s\n", output.PnL(s.AvgPnL))
	output.Printf("  Best:      %s\n", output.PnL(s.BestTrade))
	output.Printf("  Worst:     %s\n", output.PnL(s.WorstTrade))

	days := make([]string, 0, len(s.DailyPnL))
	for d := range s.DailyPnL {
		days = append(days, d)
	}
	sort.Strings(days)
	if len(days) > 10 {
		days = days[len(days)-10:]
	}
	if len(days) > 0 {
		output.Bold("Daily P&L")
		for _, d := range days {
			output.Printf("  %s  %s\n", d, output.PnL(s.DailyPnL[d]))
		}
	}
	return nil
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the snapshot written by the running engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			s, err := engine.ReadStatus(app.Config.StatusPath())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(s)
			}

			output.Bold("%s [%s] %s", s.BotName, s.Mode, s.Status)
			output.Printf("  Updated:   %s (%s ago)\n", s.UpdatedAt.Format(time.RFC3339), FormatDuration(time.Since(s.UpdatedAt)))
			if s.LastScan != nil {
				output.Printf("  Last scan: %s, %d signals\n", s.LastScan.Format(time.RFC3339), s.SignalsFound)
			}
			output.Printf("  Market:    open=%t  VIX %.2f  regime %s\n", s.MarketOpen, s.VIX, s.Regime)
			if s.EntryPaused != "" {
				output.Warning("  Entries paused: %s", s.EntryPaused)
			}
			output.Printf("  Capital:   %s deployed, %s available\n", utils.FormatUSD(s.Capital.Deployed), utils.FormatUSD(s.Capital.Available))
			output.Printf("  Positions: %d/%d  delta %.1f  theta %.2f\n", s.Positions.Active, s.Positions.Max, s.Greeks.NetDelta, s.Greeks.NetTheta)
			output.Printf("  Fills:     %d, %d rejected, avg slippage %s\n", s.Execution.Fills, s.Execution.Rejections, utils.FormatPercent(s.Execution.AvgSlippagePct))
			return nil
		},
	}
}
