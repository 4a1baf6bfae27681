// Package recurrence decides which schedules fall on a given grid instant.
package recurrence

import (
	"time"

	"schedflow/internal/domain"
)

// Step is the spacing of the scan grid.
const Step = 15 * time.Minute

// Key is one candidate (hour, minute, day) combination an instant can match.
// A nil Minute matches legacy schedules without a minute; a nil Day leaves
// the day unconstrained.
type Key struct {
	Hour   int
	Minute *int
	Day    *int
}

// Candidates returns every key a schedule of the given interval must carry
// to fire at t.
func Candidates(iv domain.Interval, t time.Time) []Key {
	t = t.UTC()
	var minutes []*int
	m := t.Minute()
	if m == 0 {
		minutes = []*int{nil, intPtr(0)}
	} else {
		minutes = []*int{intPtr(m)}
	}

	var days []*int
	switch iv {
	case domain.Daily:
		days = []*int{nil}
	case domain.Weekly:
		days = []*int{intPtr(Weekday(t))}
	case domain.Monthly:
		days = []*int{intPtr(t.Day())}
		if t.Day() == DaysIn(t.Year(), t.Month()) {
			for d := t.Day() + 1; d <= 31; d++ {
				days = append(days, intPtr(d))
			}
		}
	default:
		return nil
	}

	keys := make([]Key, 0, len(minutes)*len(days))
	for _, d := range days {
		for _, mm := range minutes {
			keys = append(keys, Key{Hour: t.Hour(), Minute: mm, Day: d})
		}
	}
	return keys
}

// Matches reports whether s fires at the grid instant t.
func Matches(s domain.Schedule, t time.Time) bool {
	for _, k := range Candidates(s.Interval, t) {
		if k.Matches(s) {
			return true
		}
	}
	return false
}

// Matches reports whether s is selected by this key.
func (k Key) Matches(s domain.Schedule) bool {
	if k.Hour != s.Hour {
		return false
	}
	if (k.Minute == nil) != (s.Minute == nil) {
		return false
	}
	if k.Minute != nil && *k.Minute != *s.Minute {
		return false
	}
	return k.Day == nil || *k.Day == s.Day
}

// Weekday numbers days Monday=0 through Sunday=6.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// DaysIn returns the number of days in the month.
func DaysIn(year int, month time.Month) int {
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	return firstOfNext.AddDate(0, 0, -1).Day()
}

// Instants returns the grid instants in (start, end].
func Instants(start, end time.Time) []time.Time {
	start, end = start.UTC(), end.UTC()
	first := start.Truncate(Step)
	if !first.After(start) {
		first = first.Add(Step)
	}
	var out []time.Time
	for t := first; !t.After(end); t = t.Add(Step) {
		out = append(out, t)
	}
	return out
}

func intPtr(v int) *int { return &v }
