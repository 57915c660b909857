package ledger

import (
	"strings"
	"time"
)

// =============================================================================
// INTERVAL - Recurrence cadence of a template
// =============================================================================

type Interval string

const (
	IntervalDaily   Interval = "daily"
	IntervalWeekly  Interval = "weekly"
	IntervalMonthly Interval = "monthly"
)

func (i Interval) Valid() bool {
	switch i {
	case IntervalDaily, IntervalWeekly, IntervalMonthly:
		return true
	}
	return false
}

// ParseInterval accepts the wire spelling case-insensitively. An empty string
// is valid and means "not recurring".
func ParseInterval(s string) (Interval, error) {
	i := Interval(strings.ToLower(strings.TrimSpace(s)))
	if i == "" || i.Valid() {
		return i, nil
	}
	return "", &ValidationError{Field: "recurring_interval", Message: "must be daily, weekly or monthly"}
}

// Advance returns t moved forward by one interval.
//
// Monthly steps keep the day of month when the target month has it and clamp
// to the last day otherwise (Jan 31 -> Feb 28), so a template never skips a
// month the way time.AddDate normalization would.
func (i Interval) Advance(t time.Time) time.Time {
	switch i {
	case IntervalDaily:
		return t.AddDate(0, 0, 1)
	case IntervalWeekly:
		return t.AddDate(0, 0, 7)
	case IntervalMonthly:
		return addMonthClamped(t)
	}
	return t
}

func addMonthClamped(t time.Time) time.Time {
	year, month, day := t.Date()
	last := EndOfMonth(year, month+1).Day()
	if day > last {
		day = last
	}
	return time.Date(year, month+1, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// EndOfMonth returns the last day of the month. month may overflow (13 = next January).
func EndOfMonth(year int, month time.Month) time.Time {
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock lets tests pin "now".
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Set moves it.
type FixedClock struct {
	At time.Time
}

func (c *FixedClock) Now() time.Time          { return c.At }
func (c *FixedClock) Set(t time.Time)         { c.At = t }
func (c *FixedClock) Advance(d time.Duration) { c.At = c.At.Add(d) }
