package pricing

import (
	"math"

	"optionsbot/internal/models"
)

// Newton-Raphson parameters for implied volatility.
const (
	ivInitialGuess   = 0.3
	ivMaxIterations  = 100
	ivTolerance      = 1e-6
	ivMinSigma       = 0.001
	ivMaxSigma       = 5.0
	ivMinVega        = 1e-10
	ivAcceptableDiff = 0.5
)

// ImpliedVolatility solves for the volatility that reproduces marketPrice.
// It returns false when the market price or time to expiration is not
// positive, or when the final estimate still misprices by half a dollar
// or more.
func ImpliedVolatility(marketPrice, S, K, T, r float64, kind models.OptionKind) (float64, bool) {
	if marketPrice <= 0 || T <= 0 {
		return 0, false
	}

	sigma := ivInitialGuess
	for i := 0; i < ivMaxIterations; i++ {
		diff := Price(S, K, T, r, sigma, kind) - marketPrice
		if math.Abs(diff) < ivTolerance {
			return sigma, true
		}

		// Vega is per volatility point; Newton needs the raw derivative.
		vega := Vega(S, K, T, r, sigma) * 100
		if math.Abs(vega) < ivMinVega {
			break
		}
		sigma = clamp(sigma-diff/vega, ivMinSigma, ivMaxSigma)
	}

	if math.Abs(Price(S, K, T, r, sigma, kind)-marketPrice) < ivAcceptableDiff {
		return sigma, true
	}
	return 0, false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
