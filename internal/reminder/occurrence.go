package reminder

import "time"

// step functions advance a candidate instant by one frequency period.
// Keeping them in a table keeps NextOccurrence a pure lookup + loop with no
// per-frequency branching scattered around.
var steps = map[Frequency]func(time.Time) time.Time{
	Daily:   func(t time.Time) time.Time { return t.AddDate(0, 0, 1) },
	Weekly:  func(t time.Time) time.Time { return t.AddDate(0, 0, 7) },
	Monthly: addMonthClamped,
}

// NextOccurrence computes the next valid firing instant for rem as seen at
// now, or ok=false when no further occurrence exists (the caller deactivates).
//
// grace is the catch-up window applied to an overdue one-time reminder that
// has never fired: instead of firing instantaneously it is booked for
// now+grace, so a reminder created or recovered slightly late still fires.
//
// The function is pure: the same (rem, now, grace) always yields the same
// result, which is what lets recovery reproduce identical schedules after a
// restart.
func NextOccurrence(rem Reminder, now time.Time, grace time.Duration) (time.Time, bool) {
	now = now.UTC()
	var candidate time.Time

	switch {
	case rem.LastFiredAt.IsZero():
		candidate = rem.AnchorTime.UTC()
		if !candidate.After(now) {
			if rem.Frequency == Once {
				candidate = now.Add(grace)
			} else {
				step := steps[rem.Frequency]
				for candidate.Before(now) {
					candidate = step(candidate)
				}
			}
		}
	case rem.Frequency == Once:
		// Already fired; once is terminal.
		return time.Time{}, false
	default:
		step := steps[rem.Frequency]
		candidate = step(rem.LastFiredAt.UTC())
		for !candidate.After(now) {
			candidate = step(candidate)
		}
	}

	if !rem.EndTime.IsZero() && !candidate.Before(rem.EndTime.UTC()) {
		return time.Time{}, false
	}
	return candidate, true
}

// addMonthClamped steps one calendar month forward, clamping the day-of-month
// to the target month's length (Jan 31 -> Feb 28/29, never Mar 2/3 as a plain
// AddDate would normalize to).
func addMonthClamped(t time.Time) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	ny, nm := y, m+1
	if nm > time.December {
		ny, nm = y+1, time.January
	}
	if last := daysIn(ny, nm); d > last {
		d = last
	}
	return time.Date(ny, nm, d, hh, mm, ss, t.Nanosecond(), t.Location())
}

// daysIn returns the number of days in the given month.
func daysIn(y int, m time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
