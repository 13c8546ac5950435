package domain

import "time"

// LifetimeSentinel is the period end used for lifetime plans.
var LifetimeSentinel = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// IsLifetime reports whether the period end is the lifetime sentinel.
func IsLifetime(end time.Time) bool {
	return !end.Before(LifetimeSentinel)
}

// PeriodEnd returns the end of a billing period that starts at start.
func PeriodEnd(start time.Time, d Duration) time.Time {
	switch d {
	case DurationMonthly:
		return AddMonths(start, 1)
	case DurationYearly:
		return AddMonths(start, 12)
	default:
		return LifetimeSentinel
	}
}

// AddMonths adds n calendar months, clamping the day to the last day of the
// target month. Jan 31 + 1 month is Feb 28 (or 29), never Mar 2/3.
func AddMonths(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	total := int(month) - 1 + n
	targetYear := year + floorDiv(total, 12)
	targetMonth := time.Month(floorMod(total, 12) + 1)

	if last := daysIn(targetYear, targetMonth, t.Location()); day > last {
		day = last
	}
	return time.Date(targetYear, targetMonth, day, hour, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func floorMod(a, b int) int {
	return a - floorDiv(a, b)*b
}
