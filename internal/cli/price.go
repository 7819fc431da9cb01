package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"optionsbot/internal/models"
	"optionsbot/internal/pricing"
)

type priceParams struct {
	Spot   float64
	Strike float64
	Days   float64
	Rate   float64
	Vol    float64
	Kind   string
	Market float64
}

type priceResult struct {
	Kind       string   `json:"kind"`
	Spot       float64  `json:"spot"`
	Strike     float64  `json:"strike"`
	Years      float64  `json:"years"`
	Rate       float64  `json:"rate"`
	Vol        float64  `json:"vol"`
	Price      float64  `json:"price"`
	Delta      float64  `json:"delta"`
	Gamma      float64  `json:"gamma"`
	Theta      float64  `json:"theta"`
	Vega       float64  `json:"vega"`
	Intrinsic  float64  `json:"intrinsic"`
	ImpliedVol *float64 `json:"implied_vol,omitempty"`
}

func newPriceCmd() *cobra.Command {
	var p priceParams

	cmd := &cobra.Command{
		Use:   "price",
		Short: "Black-Scholes price, Greeks and implied volatility",
		Example: `  optionsbot price --spot 100 --strike 105 --days 30 --vol 0.25 --type call
  optionsbot price --spot 100 --strike 95 --days 45 --type put --market 2.40`,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := computePrice(p)
			if err != nil {
				return err
			}
			return printPrice(NewOutput(cmd), res)
		},
	}

	cmd.Flags().Float64Var(&p.Spot, "spot", 0, "underlying price")
	cmd.Flags().Float64Var(&p.Strike, "strike", 0, "strike price")
	cmd.Flags().Float64Var(&p.Days, "days", 30, "calendar days to expiration")
	cmd.Flags().Float64Var(&p.Rate, "rate", 0.045, "annual risk-free rate")
	cmd.Flags().Float64Var(&p.Vol, "vol", 0.25, "annual volatility")
	cmd.Flags().StringVar(&p.Kind, "type", "call", "call or put")
	cmd.Flags().Float64Var(&p.Market, "market", 0, "market premium to solve implied volatility from")
	_ = cmd.MarkFlagRequired("spot")
	_ = cmd.MarkFlagRequired("strike")
	return cmd
}

func computePrice(p priceParams) (priceResult, error) {
	var kind models.OptionKind
	switch strings.ToLower(p.Kind) {
	case "call", "c":
		kind = models.Call
	case "put", "p":
		kind = models.Put
	default:
		return priceResult{}, fmt.Errorf("unknown option type %q (call or put)", p.Kind)
	}
	if p.Spot <= 0 || p.Strike <= 0 {
		return priceResult{}, fmt.Errorf("spot and strike must be positive")
	}
	if p.Days < 0 {
		return priceResult{}, fmt.Errorf("days must not be negative")
	}

	years := p.Days / 365
	vol := p.Vol
	var implied *float64
	if p.Market > 0 {
		iv, ok := pricing.ImpliedVolatility(p.Market, p.Spot, p.Strike, years, p.Rate, kind)
		if !ok {
			return priceResult{}, fmt.Errorf("no volatility reproduces a premium of %.2f", p.Market)
		}
		implied = &iv
		vol = iv
	}

	g := pricing.Compute(p.Spot, p.Strike, years, p.Rate, vol, kind)
	return priceResult{
		Kind:       string(kind),
		Spot:       p.Spot,
		Strike:     p.Strike,
		Years:      years,
		Rate:       p.Rate,
		Vol:        vol,
		Price:      g.Price,
		Delta:      g.Delta,
		Gamma:      g.Gamma,
		Theta:      g.Theta,
		Vega:       g.Vega,
		Intrinsic:  pricing.Intrinsic(p.Spot, p.Strike, kind),
		ImpliedVol: implied,
	}, nil
}

func printPrice(output *Output, r priceResult) error {
	if output.IsJSON() {
		return output.JSON(r)
	}
	output.Bold("%s %.2f on %.2f, %.0f days, r=%.2f%%", strings.ToUpper(r.Kind), r.Strike, r.Spot, r.Years*365, r.Rate*100)
	if r.ImpliedVol != nil {
		output.Printf("  Implied vol: %.2f%%\n", *r.ImpliedVol*100)
	} else {
		output.Printf("  Volatility:  %.2f%%\n", r.Vol*100)
	}
	output.Printf("  Price:       %.4f (intrinsic %.4f)\n", r.Price, r.Intrinsic)
	output.Printf("  Delta:       %.4f\n", r.Delta)
	output.Printf("  Gamma:       %.4f\n", r.Gamma)
	output.Printf("  Theta:       %.4f /day\n", r.Theta)
	output.Printf("  Vega:        %.4f /vol pt\n", r.Vega)
	return nil
}
