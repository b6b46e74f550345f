package scheduler

import "time"

// usHolidays2026 lists full-day US equity market closures for 2026
var usHolidays2026 = map[string]string{
	"2026-01-01": "New Year's Day",
	"2026-01-19": "Martin Luther King Jr. Day",
	"2026-02-16": "Washington's Birthday",
	"2026-04-03": "Good Friday",
	"2026-05-25": "Memorial Day",
	"2026-06-19": "Juneteenth",
	"2026-07-03": "Independence Day (observed)",
	"2026-09-07": "Labor Day",
	"2026-11-26": "Thanksgiving Day",
	"2026-12-25": "Christmas Day",
}

// Calendar answers whether a given date is a US trading day
type Calendar struct {
	loc *time.Location
}

// NewCalendar creates a trading calendar in the exchange's timezone
func NewCalendar(loc *time.Location) *Calendar {
	return &Calendar{loc: loc}
}

// IsTradingDay reports whether the market is open on the date of t
func (c *Calendar) IsTradingDay(t time.Time) bool {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := usHolidays2026[local.Format("2006-01-02")]
	return !holiday
}

// HolidayName returns the holiday name for the date of t, if any
func (c *Calendar) HolidayName(t time.Time) (string, bool) {
	name, ok := usHolidays2026[t.In(c.loc).Format("2006-01-02")]
	return name, ok
}
