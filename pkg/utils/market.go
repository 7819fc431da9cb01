package utils

import (
	"fmt"
	"time"
)

// MarketStatus represents the regular session state.
type MarketStatus string

const (
	MarketOpen   MarketStatus = "OPEN"
	MarketClosed MarketStatus = "CLOSED"
)

// MarketSession describes the regular trading session of an exchange.
type MarketSession struct {
	Location *time.Location
	// Open and Close are minutes after midnight, local time.
	Open  int
	Close int
}

// NewMarketSession parses a timezone and HH:MM open/close times.
func NewMarketSession(timezone, open, close string) (*MarketSession, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}
	o, err := parseClock(open)
	if err != nil {
		return nil, err
	}
	c, err := parseClock(close)
	if err != nil {
		return nil, err
	}
	if c <= o {
		return nil, fmt.Errorf("market close %s must be after open %s", close, open)
	}
	return &MarketSession{Location: loc, Open: o, Close: c}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Status returns the session state at t.
func (m *MarketSession) Status(t time.Time) MarketStatus {
	now := t.In(m.Location)
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return MarketClosed
	}
	minutes := now.Hour()*60 + now.Minute()
	if minutes >= m.Open && minutes < m.Close {
		return MarketOpen
	}
	return MarketClosed
}

// IsOpen returns true if the regular session is open at t.
func (m *MarketSession) IsOpen(t time.Time) bool {
	return m.Status(t) == MarketOpen
}

// NextOpen returns the next session open strictly after t (or t's own
// session open if it is still ahead).
func (m *MarketSession) NextOpen(t time.Time) time.Time {
	now := t.In(m.Location)
	next := time.Date(now.Year(), now.Month(), now.Day(), m.Open/60, m.Open%60, 0, 0, m.Location)

	if !now.Before(next) {
		next = next.AddDate(0, 0, 1)
	}
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// CloseOn returns the session close on t's local date.
func (m *MarketSession) CloseOn(t time.Time) time.Time {
	now := t.In(m.Location)
	return time.Date(now.Year(), now.Month(), now.Day(), m.Close/60, m.Close%60, 0, 0, m.Location)
}

// TimeUntilClose returns the duration from t until the session close,
// or zero when the session is not open.
func (m *MarketSession) TimeUntilClose(t time.Time) time.Duration {
	if !m.IsOpen(t) {
		return 0
	}
	return m.CloseOn(t).Sub(t)
}
