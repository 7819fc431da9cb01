// Package pricing provides Black-Scholes valuation, Greeks and implied
// volatility inversion for European options.
//
// Inputs follow the usual convention: S spot, K strike, T years to
// expiration, r continuously compounded risk-free rate, sigma annualized
// volatility. T <= 0 or sigma <= 0 is the degenerate (expiry) case and
// yields intrinsic value with step-function delta.
package pricing

import (
	"math"

	"optionsbot/internal/models"
)

// Greeks holds a theoretical price and its sensitivities.
// Theta is per calendar day, vega per one volatility point (1%).
type Greeks struct {
	Price float64
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func degenerate(S, K, T, sigma float64) bool {
	return T <= 0 || sigma <= 0 || S <= 0 || K <= 0
}

func d1d2(S, K, T, r, sigma float64) (float64, float64) {
	sqrtT := math.Sqrt(T)
	d1 := (math.Log(S/K) + (r+0.5*sigma*sigma)*T) / (sigma * sqrtT)
	return d1, d1 - sigma*sqrtT
}

// Intrinsic returns the exercise value of the option.
func Intrinsic(S, K float64, kind models.OptionKind) float64 {
	if kind == models.Call {
		return math.Max(0, S-K)
	}
	return math.Max(0, K-S)
}

// Price returns the Black-Scholes value of the option.
func Price(S, K, T, r, sigma float64, kind models.OptionKind) float64 {
	if degenerate(S, K, T, sigma) {
		return Intrinsic(S, K, kind)
	}
	d1, d2 := d1d2(S, K, T, r, sigma)
	discount := K * math.Exp(-r*T)
	if kind == models.Call {
		return S*normCDF(d1) - discount*normCDF(d2)
	}
	return discount*normCDF(-d2) - S*normCDF(-d1)
}

// Delta returns the option's sensitivity to the underlying price.
func Delta(S, K, T, r, sigma float64, kind models.OptionKind) float64 {
	if degenerate(S, K, T, sigma) {
		if kind == models.Call {
			if S > K {
				return 1
			}
			return 0
		}
		if S < K {
			return -1
		}
		return 0
	}
	d1, _ := d1d2(S, K, T, r, sigma)
	if kind == models.Call {
		return normCDF(d1)
	}
	return normCDF(d1) - 1
}

// Gamma returns the rate of change of delta. Identical for calls and puts.
func Gamma(S, K, T, r, sigma float64) float64 {
	if degenerate(S, K, T, sigma) {
		return 0
	}
	d1, _ := d1d2(S, K, T, r, sigma)
	return normPDF(d1) / (S * sigma * math.Sqrt(T))
}

// Theta returns the time decay per calendar day.
func Theta(S, K, T, r, sigma float64, kind models.OptionKind) float64 {
	if degenerate(S, K, T, sigma) {
		return 0
	}
	d1, d2 := d1d2(S, K, T, r, sigma)
	decay := -S * normPDF(d1) * sigma / (2 * math.Sqrt(T))
	carry := r * K * math.Exp(-r*T)
	var annual float64
	if kind == models.Call {
		annual = decay - carry*normCDF(d2)
	} else {
		annual = decay + carry*normCDF(-d2)
	}
	return annual / 365
}

// Vega returns the price change for a one point (1%) move in volatility.
func Vega(S, K, T, r, sigma float64) float64 {
	if degenerate(S, K, T, sigma) {
		return 0
	}
	d1, _ := d1d2(S, K, T, r, sigma)
	return S * normPDF(d1) * math.Sqrt(T) / 100
}

// Compute returns the price and all Greeks in one call.
func Compute(S, K, T, r, sigma float64, kind models.OptionKind) Greeks {
	return Greeks{
		Price: Price(S, K, T, r, sigma, kind),
		Delta: Delta(S, K, T, r, sigma, kind),
		Gamma: Gamma(S, K, T, r, sigma),
		Theta: Theta(S, K, T, r, sigma, kind),
		Vega:  Vega(S, K, T, r, sigma),
	}
}
