package reconcile

import (
	"fmt"
	"time"
)

// civilDay is a calendar date in the engine's location. It is comparable
// and used as the exception map key.
type civilDay struct {
	year  int
	month time.Month
	day   int
}

func dayOf(t time.Time, loc *time.Location) civilDay {
	y, m, d := t.In(loc).Date()
	return civilDay{year: y, month: m, day: d}
}

// utc is the date at UTC midnight; only used for calendar arithmetic.
func (c civilDay) utc() time.Time {
	return time.Date(c.year, c.month, c.day, 0, 0, 0, 0, time.UTC)
}

func (c civilDay) at(loc *time.Location, clock clockTime) time.Time {
	return time.Date(c.year, c.month, c.day, clock.hour, clock.minute, 0, 0, loc)
}

func (c civilDay) addDays(n int) civilDay {
	return dayOf(c.utc().AddDate(0, 0, n), time.UTC)
}

func (c civilDay) before(o civilDay) bool {
	return c.utc().Before(o.utc())
}

func (c civilDay) weekday() time.Weekday {
	return c.utc().Weekday()
}

// weekStart returns the Monday of c's week.
func (c civilDay) weekStart() civilDay {
	return c.addDays(-((int(c.weekday()) + 6) % 7))
}

func (c civilDay) daysInMonth() int {
	return time.Date(c.year, c.month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func (c civilDay) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", c.year, int(c.month), c.day)
}

// daysBetween returns b - a in whole days.
func daysBetween(a, b civilDay) int {
	return int(b.utc().Sub(a.utc()).Hours() / 24)
}

func monthsBetween(a, b civilDay) int {
	return (b.year-a.year)*12 + int(b.month) - int(a.month)
}

// clockTime is a time of day at minute precision.
type clockTime struct {
	hour   int
	minute int
}

func clockOf(t time.Time, loc *time.Location) clockTime {
	t = t.In(loc)
	return clockTime{hour: t.Hour(), minute: t.Minute()}
}

func (c clockTime) minutes() int {
	return c.hour*60 + c.minute
}

func (c clockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.hour, c.minute)
}
