package utils

import (
	"time"
)

// NewYork is the timezone of the US equity session.
var NewYork *time.Location

func init() {
	var err error
	NewYork, err = time.LoadLocation("America/New_York")
	if err != nil {
		// Fallback to EST without daylight saving
		NewYork = time.FixedZone("EST", -5*60*60)
	}
}

// MarketStatus is the state of the equity session.
type MarketStatus string

const (
	MarketPreOpen MarketStatus = "pre_open"
	MarketOpen    MarketStatus = "open"
	MarketClosed  MarketStatus = "closed"
)

// MarketStatusAt returns the session status at t.
func MarketStatusAt(t time.Time) MarketStatus {
	now := t.In(NewYork)

	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return MarketClosed
	}

	timeMinutes := now.Hour()*60 + now.Minute()

	// Pre-market: 4:00 - 9:30
	if timeMinutes >= 240 && timeMinutes < 570 {
		return MarketPreOpen
	}

	// Regular session: 9:30 - 16:00
	if timeMinutes >= 570 && timeMinutes < 960 {
		return MarketOpen
	}

	return MarketClosed
}

// IsMarketOpen returns true if the regular session is open at t.
func IsMarketOpen(t time.Time) bool {
	return MarketStatusAt(t) == MarketOpen
}

// MarketCloseOn returns the session close on t's New York date.
func MarketCloseOn(t time.Time) time.Time {
	now := t.In(NewYork)
	return time.Date(now.Year(), now.Month(), now.Day(), 16, 0, 0, 0, NewYork)
}

// NextMarketOpen returns the next regular session open after t.
func NextMarketOpen(t time.Time) time.Time {
	now := t.In(NewYork)

	next := time.Date(now.Year(), now.Month(), now.Day(), 9, 30, 0, 0, NewYork)
	if !now.Before(next) {
		next = next.AddDate(0, 0, 1)
	}

	// Skip weekends
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}

	return next
}
