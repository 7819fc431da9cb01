// Package market provides market data access: option chains, daily bars,
// the VIX and the earnings calendar.
package market

import (
	"context"
	"time"

	"optionsbot/internal/models"
)

// Period is a trailing history window.
type Period string

const (
	Period5D  Period = "5d"
	Period1M  Period = "1mo"
	Period3M  Period = "3mo"
	Period1Y  Period = "1y"
	Period2Y  Period = "2y"
	PeriodMax Period = "max"
)

// Start returns the first date covered by the period ending at end.
func (p Period) Start(end time.Time) time.Time {
	switch p {
	case Period5D:
		// Five sessions span a weekend.
		return end.AddDate(0, 0, -7)
	case Period1M:
		return end.AddDate(0, -1, 0)
	case Period3M:
		return end.AddDate(0, -3, 0)
	case Period1Y:
		return end.AddDate(-1, 0, 0)
	case Period2Y:
		return end.AddDate(-2, 0, 0)
	default:
		return end.AddDate(-10, 0, 0)
	}
}

// VIXSymbol is the provider symbol of the CBOE volatility index.
const VIXSymbol = "^VIX"

// Provider is the market data collaborator. Every call may block on the
// network and must honor ctx.
type Provider interface {
	// Expirations returns the listed option expirations, ascending.
	Expirations(ctx context.Context, ticker string) ([]time.Time, error)
	// OptionChain returns calls and puts for one expiration.
	OptionChain(ctx context.Context, ticker string, expiration time.Time) (*models.OptionChain, error)
	// PriceHistory returns daily bars, oldest first.
	PriceHistory(ctx context.Context, ticker string, period Period) ([]models.Candle, error)
	// LastPrice returns the latest trade price.
	LastPrice(ctx context.Context, ticker string) (float64, error)
	// VolatilityIndex returns the current VIX level.
	VolatilityIndex(ctx context.Context) (float64, error)
	// VolatilityIndexHistory returns recent daily VIX closes, oldest first.
	VolatilityIndexHistory(ctx context.Context, period Period) ([]float64, error)
}

// EarningsCalendar reports upcoming earnings announcements.
type EarningsCalendar interface {
	// NextEarnings returns the first announcement date within the window
	// starting today, and false when none is scheduled.
	NextEarnings(ctx context.Context, ticker string) (time.Time, bool, error)
}

// EarningsHistory reports past announcement dates. Calendars that know
// them implement it alongside EarningsCalendar.
type EarningsHistory interface {
	// PastEarnings returns up to n announcement dates, most recent first.
	PastEarnings(ctx context.Context, ticker string, n int) ([]time.Time, error)
}

// ExpirationsBetween filters expirations to those whose DTE lies in
// [minDTE, maxDTE], preserving order.
func ExpirationsBetween(expirations []time.Time, now time.Time, minDTE, maxDTE int) []time.Time {
	var out []time.Time
	for _, exp := range expirations {
		dte := models.DaysToExpiration(now, exp)
		if dte >= minDTE && dte <= maxDTE {
			out = append(out, exp)
		}
	}
	return out
}
