package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"optionsbot/internal/models"
)

// OCCSymbol formats an OCC option symbol: root, YYMMDD, C or P, and the
// strike in thousandths padded to eight digits, e.g. SPY261120C00450000.
func OCCSymbol(ticker string, expiration time.Time, kind models.OptionKind, strike float64) string {
	cp := "C"
	if kind == models.Put {
		cp = "P"
	}
	thousandths := decimal.NewFromFloat(strike).Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(ticker), expiration.Format("060102"), cp, thousandths)
}

// ParseOCCSymbol splits an OCC option symbol into its parts.
func ParseOCCSymbol(symbol string) (ticker string, expiration time.Time, kind models.OptionKind, strike float64, err error) {
	if len(symbol) < 16 {
		return "", time.Time{}, "", 0, fmt.Errorf("option symbol too short: %q", symbol)
	}
	tail := symbol[len(symbol)-15:]
	ticker = symbol[:len(symbol)-15]

	expiration, err = time.Parse("060102", tail[:6])
	if err != nil {
		return "", time.Time{}, "", 0, fmt.Errorf("bad expiration in %q: %w", symbol, err)
	}
	switch tail[6] {
	case 'C':
		kind = models.Call
	case 'P':
		kind = models.Put
	default:
		return "", time.Time{}, "", 0, fmt.Errorf("bad option type in %q", symbol)
	}
	d, err := decimal.NewFromString(tail[7:])
	if err != nil {
		return "", time.Time{}, "", 0, fmt.Errorf("bad strike in %q: %w", symbol, err)
	}
	strike, _ = d.Div(decimal.NewFromInt(1000)).Float64()
	return ticker, expiration, kind, strike, nil
}

// priceString renders a price at cent precision for the order API.
func priceString(p float64) string {
	return decimal.NewFromFloat(p).Round(2).StringFixed(2)
}
