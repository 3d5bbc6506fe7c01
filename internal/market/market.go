// Package market decides whether the US options market is open for a
// symbol. Pure wall-clock logic; no bus access.
package market

import (
	"fmt"
	"time"
)

// Validation is the outcome of a market-state check.
type Validation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Weekly-options symbols whose Friday contracts expire at the close.
var weeklySymbols = map[string]bool{
	"SPX": true, "SPY": true, "ES": true,
	"NDX": true, "QQQ": true, "NQ": true,
}

var eastern = loadEastern()

func loadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Container images without tzdata fall back to fixed EST.
		return time.FixedZone("EST", -5*60*60)
	}
	return loc
}

const (
	openHour    = 9
	openMinute  = 30
	closeHour   = 16
	closeMinute = 0
)

// Validate reports whether the market is open for symbol at now.
// Regular session only: 09:30-16:00 US/Eastern, Monday through Friday.
func Validate(now time.Time, symbol string) Validation {
	et := now.In(eastern)

	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return Validation{Valid: false, Reason: fmt.Sprintf(
			"weekend; next open %s", nextOpen(et).Format("Mon 2006-01-02 15:04 MST"))}
	}

	minutes := et.Hour()*60 + et.Minute()
	switch {
	case minutes < openHour*60+openMinute:
		return Validation{Valid: false, Reason: "pre-market"}
	case minutes >= closeHour*60+closeMinute:
		if et.Weekday() == time.Friday && weeklySymbols[symbol] {
			return Validation{Valid: false, Reason: "weekly expired"}
		}
		return Validation{Valid: false, Reason: "post-market"}
	}
	return Validation{Valid: true}
}

// nextOpen returns the next regular-session open after et.
func nextOpen(et time.Time) time.Time {
	day := et
	for {
		day = day.AddDate(0, 0, 1)
		wd := day.Weekday()
		if wd != time.Saturday && wd != time.Sunday {
			break
		}
	}
	return time.Date(day.Year(), day.Month(), day.Day(), openHour, openMinute, 0, 0, eastern)
}
