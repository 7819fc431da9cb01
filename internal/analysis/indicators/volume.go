package indicators

import (
	"optionsbot/internal/models"
)

// VolumeRatio returns the last bar's volume divided by the mean volume of
// the trailing window (the last bar included).
func VolumeRatio(candles []models.Candle, window int) (float64, error) {
	if window <= 0 {
		return 0, ErrInvalidPeriod
	}
	if len(candles) < window {
		return 0, ErrInsufficientData
	}
	vols := volumes(candles[len(candles)-window:])
	avg := mean(vols)
	if avg <= 0 {
		return 0, ErrInsufficientData
	}
	return last(vols) / avg, nil
}
