package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"optionsbot/internal/engine"
	"optionsbot/internal/models"
	"optionsbot/internal/regime"
	"optionsbot/pkg/utils"
)

func newScanCmd(app *App) *cobra.Command {
	var tickers []string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the watchlist once and print ranked signals",
		Long: `Scan runs the regime update, every enabled strategy and the ranker
without opening positions or placing orders.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := cycleContext(cmd)
			defer stop()

			cfg := *app.Config
			if len(tickers) > 0 {
				cfg.Engine.Watchlist = upper(tickers)
			}
			s, err := buildStack(ctx, &cfg, app.Logger, false)
			if err != nil {
				return err
			}
			defer s.Close()

			signals, r := s.Engine.Scan(ctx)
			return printSignals(NewOutput(cmd), signals, r)
		},
	}

	cmd.Flags().StringSliceVarP(&tickers, "tickers", "t", nil, "scan these tickers instead of the watchlist")
	return cmd
}

func upper(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}

type signalView struct {
	Rank         int     `json:"rank"`
	Ticker       string  `json:"ticker"`
	Strategy     string  `json:"strategy"`
	TradeType    string  `json:"trade_type"`
	Direction    string  `json:"direction"`
	Expiration   string  `json:"expiration,omitempty"`
	Quantity     int     `json:"quantity"`
	NetCredit    float64 `json:"net_credit,omitempty"`
	NetDebit     float64 `json:"net_debit,omitempty"`
	MaxRisk      float64 `json:"max_risk"`
	ProfitTarget float64 `json:"profit_target"`
	Score        float64 `json:"score"`
	Legs         string  `json:"legs,omitempty"`
	Reason       string  `json:"reason"`
}

func viewSignal(i int, sig models.Signal) signalView {
	v := signalView{
		Rank:         i + 1,
		Ticker:       sig.Ticker,
		Strategy:     sig.Strategy,
		TradeType:    string(sig.TradeType),
		Direction:    string(sig.Direction),
		Quantity:     sig.Quantity(),
		NetCredit:    sig.NetCredit,
		NetDebit:     sig.NetDebit,
		MaxRisk:      sig.MaxRisk,
		ProfitTarget: sig.ProfitTarget,
		Score:        sig.Score,
		Legs:         formatLegs(sig.Legs),
		Reason:       sig.Reason,
	}
	if !sig.Expiration.IsZero() {
		v.Expiration = FormatDate(sig.Expiration)
	}
	return v
}

func formatLegs(legs []models.Leg) string {
	parts := make([]string, len(legs))
	for i, l := range legs {
		kind := "C"
		if l.Kind == models.Put {
			kind = "P"
		}
		sign := "+"
		if l.Action == models.OrderSideSell {
			sign = "-"
		}
		parts[i] = fmt.Sprintf("%s%g%s", sign, l.Strike, kind)
	}
	return strings.Join(parts, " ")
}

func printSignals(output *Output, signals []models.Signal, r regime.Regime) error {
	views := make([]signalView, len(signals))
	for i, sig := range signals {
		views[i] = viewSignal(i, sig)
	}
	if output.IsJSON() {
		return output.JSON(map[string]interface{}{
			"regime":  r.State,
			"vix":     r.VIX,
			"signals": views,
		})
	}

	output.Bold("%s", r.String())
	if len(views) == 0 {
		output.Dim("No signals")
		return nil
	}
	table := NewTable(output, "#", "TICKER", "STRATEGY", "TYPE", "EXP", "QTY", "RISK", "SCORE", "LEGS", "REASON")
	for _, v := range views {
		table.AddRow(
			fmt.Sprint(v.Rank),
			v.Ticker,
			v.Strategy,
			v.TradeType,
			v.Expiration,
			fmt.Sprint(v.Quantity),
			utils.FormatUSD(v.MaxRisk),
			fmt.Sprintf("%.1f", v.Score),
			v.Legs,
			TruncateString(v.Reason, 50),
		)
	}
	table.Render()
	return nil
}

func printCycle(output *Output, rep *engine.CycleReport) error {
	if output.IsJSON() {
		rejected := make([]map[string]string, len(rep.Rejected))
		for i, r := range rep.Rejected {
			rejected[i] = map[string]string{"ticker": r.Signal.Ticker, "strategy": r.Signal.Strategy, "reason": r.Reason}
		}
		opened := make([]string, len(rep.Opened))
		for i, p := range rep.Opened {
			opened[i] = p.ID
		}
		closed := make([]string, len(rep.Closed))
		for i, p := range rep.Closed {
			closed[i] = p.ID
		}
		return output.JSON(map[string]interface{}{
			"cycle_id":     rep.ID,
			"market_open":  rep.MarketOpen,
			"regime":       rep.Regime.State,
			"entry_paused": rep.EntryPaused,
			"signals":      len(rep.Signals),
			"opened":       opened,
			"rejected":     rejected,
			"exits":        len(rep.Exits),
			"closed":       closed,
			"duration_ms":  rep.Duration.Milliseconds(),
		})
	}

	output.Bold("Cycle %s (%s)", rep.ID, FormatDuration(rep.Duration))
	output.Printf("  %s\n", rep.Regime)
	if !rep.MarketOpen {
		output.Warning("  Market closed: exits reported only")
	}
	if rep.EntryPaused != "" {
		output.Warning("  Entries paused: %s", rep.EntryPaused)
	}
	output.Printf("  Signals: %d  Opened: %d  Rejected: %d  Exits: %d  Closed: %d\n",
		len(rep.Signals), len(rep.Opened), len(rep.Rejected), len(rep.Exits), len(rep.Closed))
	for _, p := range rep.Opened {
		output.Success("  + %s %s %s risk %s", p.Ticker, p.Strategy, p.TradeType, utils.FormatUSD(p.MaxRisk))
	}
	for _, r := range rep.Rejected {
		output.Dim("  - %s %s: %s", r.Signal.Ticker, r.Signal.Strategy, r.Reason)
	}
	for _, p := range rep.Closed {
		output.Printf("  x %s %s\n", p.ID, output.PnL(p.RealizedPnL))
	}
	return nil
}
