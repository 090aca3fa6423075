package types

import "time"

// MonthWindow returns [start of month, start of next month) in loc.
func MonthWindow(year int, month time.Month, loc *time.Location) (time.Time, time.Time) {
	from := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	to := from.AddDate(0, 1, 0)
	return from, to
}

// DaysInMonth returns the number of calendar days in the given month.
func DaysInMonth(year int, month time.Month, loc *time.Location) int {
	from, to := MonthWindow(year, month, loc)
	return int(to.Sub(from).Hours() / 24)
}

// TrailingWindow returns a window covering the last days full days plus all
// of today: [start of day N days ago, start of tomorrow) in loc.
func TrailingWindow(now time.Time, days int, loc *time.Location) (time.Time, time.Time) {
	now = now.In(loc)
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return today.AddDate(0, 0, -days), today.AddDate(0, 0, 1)
}

// DayStart truncates t to the start of its day in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
