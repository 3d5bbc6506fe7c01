package market

import (
	"strings"
	"testing"
	"time"
)

// et builds a US/Eastern timestamp.
func et(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, eastern)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		now    time.Time
		symbol string
		valid  bool
		reason string
	}{
		{"midsession", et(2025, 6, 3, 12, 0), "SPX", true, ""},
		{"open bell", et(2025, 6, 3, 9, 30), "SPX", true, ""},
		{"one minute before open", et(2025, 6, 3, 9, 29), "SPX", false, "pre-market"},
		{"at the close", et(2025, 6, 3, 16, 0), "AAPL", false, "post-market"},
		{"saturday", et(2025, 6, 7, 12, 0), "SPX", false, "weekend"},
		{"sunday", et(2025, 6, 8, 12, 0), "QQQ", false, "weekend"},
		{"friday after close weekly", et(2025, 6, 6, 16, 30), "SPY", false, "weekly expired"},
		{"friday after close non-weekly", et(2025, 6, 6, 16, 30), "AAPL", false, "post-market"},
		{"friday midsession weekly", et(2025, 6, 6, 14, 0), "NDX", true, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v := Validate(c.now, c.symbol)
			if v.Valid != c.valid {
				t.Fatalf("Validate(%v, %s).Valid = %v, want %v", c.now, c.symbol, v.Valid, c.valid)
			}
			if c.reason != "" && !strings.Contains(v.Reason, c.reason) {
				t.Errorf("reason = %q, want it to mention %q", v.Reason, c.reason)
			}
		})
	}
}

func TestValidate_WeekendReasonNamesNextOpen(t *testing.T) {
	v := Validate(et(2025, 6, 7, 12, 0), "SPX") // Saturday
	if !strings.Contains(v.Reason, "2025-06-09") {
		t.Errorf("weekend reason = %q, want next open Monday 2025-06-09", v.Reason)
	}
}

func TestValidate_UTCInputConverted(t *testing.T) {
	// 18:00 UTC on a Tuesday is 14:00 ET during DST.
	now := time.Date(2025, 6, 3, 18, 0, 0, 0, time.UTC)
	if v := Validate(now, "SPX"); !v.Valid {
		t.Errorf("Validate(18:00 UTC) = %+v, want valid", v)
	}
}
