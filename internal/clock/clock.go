// Package clock provides timezone-safe calendar primitives. Every day-boundary
// comparison in the occurrence engine goes through this package so that local
// days are never confused with UTC midnights.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DateKeyLayout is the calendar-day layout used for date keys.
	DateKeyLayout = "2006-01-02"
	// TimeOfDayLayout is the HH:MM layout used for times of day.
	TimeOfDayLayout = "15:04"
)

// ExecutionContext carries the wall clock and timezone for one engine call.
// Nothing in the engine reads time.Now or a session timezone directly.
type ExecutionContext struct {
	Now      time.Time
	TimeZone string
}

// Location resolves the context's timezone. An empty zone means UTC.
func (ec ExecutionContext) Location() (*time.Location, error) {
	return LoadLocation(ec.TimeZone)
}

var (
	locMu    sync.RWMutex
	locCache = map[string]*time.Location{}
)

// LoadLocation resolves an IANA zone name, caching successful lookups.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	locMu.RLock()
	loc, ok := locCache[name]
	locMu.RUnlock()
	if ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	locMu.Lock()
	locCache[name] = loc
	locMu.Unlock()
	return loc, nil
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

// StartOfDay returns local midnight of t's calendar date in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	loc = orUTC(loc)
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// DateKey returns t's calendar day in loc as YYYY-MM-DD.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(orUTC(loc)).Format(DateKeyLayout)
}

// AddCalendarDays adds n local calendar days to t. The wall-clock time of day
// is kept, so a DST transition in between does not shift the result by an hour.
func AddCalendarDays(t time.Time, n int, loc *time.Location) time.Time {
	loc = orUTC(loc)
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day()+n, lt.Hour(), lt.Minute(), lt.Second(), lt.Nanosecond(), loc)
}

// AddCalendarMonths adds n months to t's local date. The day of month is
// clamped to the target month's length, so Mar 31 plus 11 months is Feb 29 in
// a leap year rather than early March.
func AddCalendarMonths(t time.Time, n int, loc *time.Location) time.Time {
	loc = orUTC(loc)
	lt := t.In(loc)
	first := time.Date(lt.Year(), lt.Month()+time.Month(n), 1, 0, 0, 0, 0, loc)
	day := min(lt.Day(), DaysIn(first.Month(), first.Year()))
	return time.Date(first.Year(), first.Month(), day, lt.Hour(), lt.Minute(), lt.Second(), lt.Nanosecond(), loc)
}

// MergeDateAndTime returns the instant of hhmm on day's local calendar date.
func MergeDateAndTime(day time.Time, hhmm string, loc *time.Location) (time.Time, error) {
	h, m, err := ParseTimeOfDay(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	loc = orUTC(loc)
	lt := day.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), h, m, 0, 0, loc), nil
}

// ParseTimeOfDay parses an "HH:MM" string (00:00..23:59).
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hs) != 2 || len(ms) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	hour, herr := strconv.Atoi(hs)
	minute, merr := strconv.Atoi(ms)
	if herr != nil || merr != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	return hour, minute, nil
}

// ValidTimeOfDay reports whether s is a well-formed HH:MM.
func ValidTimeOfDay(s string) bool {
	_, _, err := ParseTimeOfDay(s)
	return err == nil
}

// ParseDateKey returns local midnight of a YYYY-MM-DD key in loc.
func ParseDateKey(key string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(DateKeyLayout, strings.TrimSpace(key), orUTC(loc))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", key)
	}
	return t, nil
}

// ValidDateKey reports whether key is a real calendar date in YYYY-MM-DD form.
func ValidDateKey(key string) bool {
	_, err := time.Parse(DateKeyLayout, key)
	return err == nil
}

// NextDateKey returns the calendar day after key. Month and year rollover is
// handled on the key itself, independent of any timezone.
func NextDateKey(key string) (string, error) {
	t, err := time.Parse(DateKeyLayout, key)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: want YYYY-MM-DD", key)
	}
	y, m, d := t.Date()
	d++
	if d > DaysIn(m, y) {
		d = 1
		m++
		if m > time.December {
			m = time.January
			y++
		}
	}
	return fmt.Sprintf("%04d-%02d-%02d", y, int(m), d), nil
}

// DaysIn returns the number of days in month m of year y.
func DaysIn(m time.Month, y int) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// InstanceKey builds the stable identifier of a single occurrence from its
// date and optional time of day.
func InstanceKey(dateKey, timeOfDay string) string {
	if timeOfDay == "" {
		return dateKey
	}
	return dateKey + "T" + timeOfDay
}
