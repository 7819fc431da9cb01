package indicators

import (
	"fmt"

	"optionsbot/internal/models"
)

// RSI calculates the Relative Strength Index.
type RSI struct {
	period int
}

// NewRSI creates a new RSI indicator.
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string {
	return fmt.Sprintf("RSI_%d", r.period)
}

func (r *RSI) Period() int {
	return r.period
}

// Calculate returns the RSI series over simple rolling averages of gains
// and losses. Values before index period are zero.
func (r *RSI) Calculate(candles []models.Candle) ([]float64, error) {
	if r.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < r.period+1 {
		return nil, ErrInsufficientData
	}

	n := len(candles)
	result := make([]float64, n)
	closes := closePrices(candles)

	gains := make([]float64, n)
	losses := make([]float64, n)
	for i := 1; i < n; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains[i] = change
		} else {
			losses[i] = -change
		}
	}

	avgGains, err := SMA(gains[1:], r.period)
	if err != nil {
		return nil, err
	}
	avgLosses, err := SMA(losses[1:], r.period)
	if err != nil {
		return nil, err
	}
	// avgGains[i] covers the changes ending at bar i+1.
	for i := r.period; i < n; i++ {
		result[i] = rsiValue(avgGains[i-1], avgLosses[i-1])
	}

	return result, nil
}

// Latest returns the most recent RSI value.
func (r *RSI) Latest(candles []models.Candle) (float64, bool) {
	values, err := r.Calculate(candles)
	if err != nil {
		return 0, false
	}
	return last(values), true
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// DailyChange returns the fractional change of the last close versus the
// one before it.
func DailyChange(candles []models.Candle) (float64, error) {
	if len(candles) < 2 {
		return 0, ErrInsufficientData
	}
	prev := candles[len(candles)-2].Close
	if prev <= 0 {
		return 0, ErrInsufficientData
	}
	return (candles[len(candles)-1].Close - prev) / prev, nil
}

// MoveOver returns the fractional change of the last close versus the close
// `days` bars earlier.
func MoveOver(candles []models.Candle, days int) (float64, error) {
	if days <= 0 {
		return 0, ErrInvalidPeriod
	}
	if len(candles) < days+1 {
		return 0, ErrInsufficientData
	}
	base := candles[len(candles)-1-days].Close
	if base <= 0 {
		return 0, ErrInsufficientData
	}
	return (candles[len(candles)-1].Close - base) / base, nil
}
