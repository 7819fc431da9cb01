package indicators

import (
	"fmt"

	"optionsbot/internal/models"
)

// SMA returns the rolling mean of values over period. Values before index
// period-1 are zero.
func SMA(values []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(values) < period {
		return nil, ErrInsufficientData
	}

	result := make([]float64, len(values))
	for i := period - 1; i < len(values); i++ {
		result[i] = mean(values[i-period+1 : i+1])
	}
	return result, nil
}

// CalculateEMA calculates EMA on raw values, seeded with the SMA of the
// first period values.
func CalculateEMA(values []float64, period int) []float64 {
	if len(values) < period || period <= 0 {
		return nil
	}

	result := make([]float64, len(values))
	multiplier := 2.0 / float64(period+1)

	result[period-1] = mean(values[:period])

	for i := period; i < len(values); i++ {
		result[i] = (values[i]-result[i-1])*multiplier + result[i-1]
	}

	return result
}

// Cross is the direction of a MACD histogram sign change on the last bar.
type Cross string

const (
	CrossNone    Cross = ""
	CrossBullish Cross = "bullish"
	CrossBearish Cross = "bearish"
)

// MACDResult holds the latest MACD readings.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
	Cross     Cross
}

// MACD calculates Moving Average Convergence Divergence.
type MACD struct {
	fastPeriod   int
	slowPeriod   int
	signalPeriod int
}

// NewMACD creates a new MACD indicator; the usual periods are (12, 26, 9).
func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{
		fastPeriod:   fast,
		slowPeriod:   slow,
		signalPeriod: signal,
	}
}

func (m *MACD) Name() string {
	return fmt.Sprintf("MACD_%d_%d_%d", m.fastPeriod, m.slowPeriod, m.signalPeriod)
}

func (m *MACD) Period() int {
	return m.slowPeriod + m.signalPeriod - 1
}

// Calculate returns the macd, signal and histogram series keyed by name.
func (m *MACD) Calculate(candles []models.Candle) (map[string][]float64, error) {
	if m.fastPeriod <= 0 || m.slowPeriod <= 0 || m.signalPeriod <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < m.Period() {
		return nil, ErrInsufficientData
	}

	closes := closePrices(candles)
	fastEMA := CalculateEMA(closes, m.fastPeriod)
	slowEMA := CalculateEMA(closes, m.slowPeriod)

	macdLine := make([]float64, len(candles))
	for i := m.slowPeriod - 1; i < len(candles); i++ {
		macdLine[i] = fastEMA[i] - slowEMA[i]
	}

	signalLine := make([]float64, len(candles))
	startIdx := m.slowPeriod - 1
	signalEMA := CalculateEMA(macdLine[startIdx:], m.signalPeriod)
	for i := 0; i < len(signalEMA); i++ {
		signalLine[startIdx+i] = signalEMA[i]
	}

	histogram := make([]float64, len(candles))
	for i := m.Period() - 1; i < len(candles); i++ {
		histogram[i] = macdLine[i] - signalLine[i]
	}

	return map[string][]float64{
		"macd":      macdLine,
		"signal":    signalLine,
		"histogram": histogram,
	}, nil
}

// Latest returns the final MACD values and whether the histogram changed
// sign on the last bar.
func (m *MACD) Latest(candles []models.Candle) (MACDResult, error) {
	series, err := m.Calculate(candles)
	if err != nil {
		return MACDResult{}, err
	}
	hist := series["histogram"]
	res := MACDResult{
		MACD:      last(series["macd"]),
		Signal:    last(series["signal"]),
		Histogram: last(hist),
	}
	// The first histogram value needs one prior bar to detect a cross.
	if len(hist) >= m.Period()+1 {
		res.Cross = DetectCross(hist[len(hist)-2], hist[len(hist)-1])
	}
	return res, nil
}

// DetectCross classifies a histogram move from prev to cur.
func DetectCross(prev, cur float64) Cross {
	switch {
	case cur > 0 && prev <= 0:
		return CrossBullish
	case cur < 0 && prev >= 0:
		return CrossBearish
	default:
		return CrossNone
	}
}
