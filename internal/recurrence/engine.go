package recurrence

import (
	"time"

	"github.com/basket/go-quest/internal/clock"
)

// Limits bounds the day-by-day scans. They protect against patterns that can
// never (or only rarely) match.
type Limits struct {
	MaxWeeksToSearch  int
	MaxMonthsToSearch int
}

// DefaultLimits are the scan bounds used by the package-level functions.
var DefaultLimits = Limits{MaxWeeksToSearch: 12, MaxMonthsToSearch: 12}

func (l Limits) weeks() int {
	if l.MaxWeeksToSearch <= 0 {
		return DefaultLimits.MaxWeeksToSearch
	}
	return l.MaxWeeksToSearch
}

func (l Limits) months() int {
	if l.MaxMonthsToSearch <= 0 {
		return DefaultLimits.MaxMonthsToSearch
	}
	return l.MaxMonthsToSearch
}

// FindNextOccurrence returns the earliest occurrence strictly after base (or
// after last, when given) using DefaultLimits.
func FindNextOccurrence(p Pattern, base time.Time, loc *time.Location, last *time.Time) (time.Time, bool) {
	return DefaultLimits.FindNextOccurrence(p, base, loc, last)
}

// GenerateOccurrences returns up to maxOccurrences occurrences on or after start using
// DefaultLimits.
func GenerateOccurrences(p Pattern, start time.Time, loc *time.Location, maxOccurrences int) []time.Time {
	return DefaultLimits.GenerateOccurrences(p, start, loc, maxOccurrences)
}

// FindNextOccurrence returns local midnight of the earliest matching day
// strictly after the day of base (or of last). It reports false when the
// series is exhausted or nothing matches within the search horizon.
func (l Limits) FindNextOccurrence(p Pattern, base time.Time, loc *time.Location, last *time.Time) (time.Time, bool) {
	if p.Rule == nil {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	from := base
	if last != nil && !last.IsZero() {
		from = *last
	}
	day := clock.StartOfDay(from, loc)

	// Scanning starts no earlier than the day before the anchor.
	if p.StartDate != "" {
		if anchor, err := clock.ParseDateKey(p.StartDate, loc); err == nil {
			if prev := clock.AddCalendarDays(anchor, -1, loc); prev.After(day) {
				day = prev
			}
		}
	}

	horizon := l.searchDays(p.Rule, day, loc, 1)
	for i := 1; i <= horizon; i++ {
		d := clock.AddCalendarDays(day, i, loc)
		if p.EndDate != "" && clock.DateKey(d, loc) > p.EndDate {
			return time.Time{}, false
		}
		if p.Rule.Matches(d) {
			return d, true
		}
	}
	return time.Time{}, false
}

// GenerateOccurrences enumerates up to maxOccurrences beginning on the day of
// start, ascending. Each element is local midnight of the matching day. The
// walk stops at max occurrences, at the end date, or at the search horizon.
func (l Limits) GenerateOccurrences(p Pattern, start time.Time, loc *time.Location, maxOccurrences int) []time.Time {
	if p.Rule == nil || maxOccurrences <= 0 {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	day := clock.StartOfDay(start, loc)
	if p.StartDate != "" {
		if anchor, err := clock.ParseDateKey(p.StartDate, loc); err == nil && anchor.After(day) {
			day = anchor
		}
	}

	horizon := l.searchDays(p.Rule, day, loc, maxOccurrences)
	out := make([]time.Time, 0, maxOccurrences)
	for i := 0; i < horizon && len(out) < maxOccurrences; i++ {
		d := clock.AddCalendarDays(day, i, loc)
		if p.EndDate != "" && clock.DateKey(d, loc) > p.EndDate {
			break
		}
		if p.Rule.Matches(d) {
			out = append(out, d)
		}
	}
	return out
}

// searchDays converts the kind's period-based horizon into a day count
// starting at day. count is the number of periods the caller wants at least.
func (l Limits) searchDays(r Rule, day time.Time, loc *time.Location, count int) int {
	switch r.(type) {
	case Daily:
		return max(count, 1)
	case Weekly:
		return max(count, l.weeks()) * 7
	case Monthly:
		months := max(count, l.months())
		lt := day.In(loc)
		end := time.Date(lt.Year(), lt.Month()+time.Month(months), lt.Day(), 0, 0, 0, 0, loc)
		return int(end.Sub(day).Hours()/24 + 0.5)
	default:
		return 0
	}
}
