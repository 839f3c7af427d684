// Package recurrence computes the calendar days on which a recurring task
// occurs. The unit of output is always a calendar day (local midnight in the
// caller's timezone); fanning a day out into one instance per time of day is
// the caller's job.
package recurrence

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/basket/go-quest/internal/clock"
)

// Kind names the recurrence frequency.
type Kind string

const (
	KindNone    Kind = "none"
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
)

// ErrInvalidPattern is returned (wrapped) for every pattern validation failure.
var ErrInvalidPattern = errors.New("invalid recurrence pattern")

// ParseKind parses a recurrence kind. The empty string parses as KindNone.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindNone:
		return KindNone, nil
	case KindDaily:
		return KindDaily, nil
	case KindWeekly:
		return KindWeekly, nil
	case KindMonthly:
		return KindMonthly, nil
	default:
		return "", fmt.Errorf("%w: unknown recurrence %q", ErrInvalidPattern, s)
	}
}

// Rule is the day-matching half of a pattern. It is a closed set:
// Daily, Weekly and Monthly are the only implementations.
type Rule interface {
	Kind() Kind
	// Matches reports whether the local calendar day of day is an occurrence.
	Matches(day time.Time) bool
	isRule()
}

// Daily occurs every calendar day.
type Daily struct{}

// Weekly occurs on the listed weekdays.
type Weekly struct {
	Days []time.Weekday
}

// Monthly occurs on the listed days of the month. A day that does not exist
// in a month (31 in April, 30 in February) produces no occurrence that month.
type Monthly struct {
	Days []int
}

func (Daily) Kind() Kind   { return KindDaily }
func (Weekly) Kind() Kind  { return KindWeekly }
func (Monthly) Kind() Kind { return KindMonthly }

func (Daily) Matches(time.Time) bool { return true }

func (w Weekly) Matches(day time.Time) bool {
	return slices.Contains(w.Days, day.Weekday())
}

func (m Monthly) Matches(day time.Time) bool {
	return slices.Contains(m.Days, day.Day())
}

func (Daily) isRule()   {}
func (Weekly) isRule()  {}
func (Monthly) isRule() {}

// Pattern is a validated recurrence definition.
type Pattern struct {
	Rule       Rule
	TimesOfDay []string
	// StartDate is the anchor day (YYYY-MM-DD). Empty means unanchored.
	StartDate string
	// EndDate is the last day (inclusive) on which the series may occur.
	EndDate string
}

// Kind returns the pattern's frequency, or KindNone for a zero pattern.
func (p Pattern) Kind() Kind {
	if p.Rule == nil {
		return KindNone
	}
	return p.Rule.Kind()
}

// Spec is the loosely typed shape of a pattern, used for storage and for
// requests. It is converted into a Pattern exactly once, via Spec.Pattern.
type Spec struct {
	Kind        Kind     `json:"kind"`
	DaysOfWeek  []int    `json:"daysOfWeek,omitempty"`
	DaysOfMonth []int    `json:"daysOfMonth,omitempty"`
	TimesOfDay  []string `json:"timesOfDay"`
	StartDate   string   `json:"startDate,omitempty"`
	EndDate     string   `json:"endDate,omitempty"`
}

// Pattern validates s and builds the tagged pattern.
func (s Spec) Pattern() (Pattern, error) {
	kind, err := ParseKind(string(s.Kind))
	if err != nil {
		return Pattern{}, err
	}

	var p Pattern
	switch kind {
	case KindNone:
		return Pattern{}, fmt.Errorf("%w: recurrence kind is required", ErrInvalidPattern)
	case KindDaily:
		p.Rule = Daily{}
	case KindWeekly:
		if len(s.DaysOfWeek) == 0 {
			return Pattern{}, fmt.Errorf("%w: weekly recurrence needs at least one weekday", ErrInvalidPattern)
		}
		days := make([]time.Weekday, 0, len(s.DaysOfWeek))
		for _, d := range s.DaysOfWeek {
			if d < 0 || d > 6 {
				return Pattern{}, fmt.Errorf("%w: weekday %d out of range 0-6", ErrInvalidPattern, d)
			}
			if !slices.Contains(days, time.Weekday(d)) {
				days = append(days, time.Weekday(d))
			}
		}
		slices.Sort(days)
		p.Rule = Weekly{Days: days}
	case KindMonthly:
		if len(s.DaysOfMonth) == 0 {
			return Pattern{}, fmt.Errorf("%w: monthly recurrence needs at least one day of month", ErrInvalidPattern)
		}
		days := make([]int, 0, len(s.DaysOfMonth))
		for _, d := range s.DaysOfMonth {
			if d < 1 || d > 31 {
				return Pattern{}, fmt.Errorf("%w: day of month %d out of range 1-31", ErrInvalidPattern, d)
			}
			if !slices.Contains(days, d) {
				days = append(days, d)
			}
		}
		slices.Sort(days)
		p.Rule = Monthly{Days: days}
	}

	if len(s.TimesOfDay) == 0 {
		return Pattern{}, fmt.Errorf("%w: at least one time of day is required", ErrInvalidPattern)
	}
	times := make([]string, 0, len(s.TimesOfDay))
	for _, tod := range s.TimesOfDay {
		tod = strings.TrimSpace(tod)
		if !clock.ValidTimeOfDay(tod) {
			return Pattern{}, fmt.Errorf("%w: time of day %q is not HH:MM", ErrInvalidPattern, tod)
		}
		if !slices.Contains(times, tod) {
			times = append(times, tod)
		}
	}
	slices.Sort(times)
	p.TimesOfDay = times

	if s.StartDate != "" && !clock.ValidDateKey(s.StartDate) {
		return Pattern{}, fmt.Errorf("%w: start date %q is not YYYY-MM-DD", ErrInvalidPattern, s.StartDate)
	}
	if s.EndDate != "" && !clock.ValidDateKey(s.EndDate) {
		return Pattern{}, fmt.Errorf("%w: end date %q is not YYYY-MM-DD", ErrInvalidPattern, s.EndDate)
	}
	if s.StartDate != "" && s.EndDate != "" && s.EndDate < s.StartDate {
		return Pattern{}, fmt.Errorf("%w: end date %s is before start date %s", ErrInvalidPattern, s.EndDate, s.StartDate)
	}
	p.StartDate = s.StartDate
	p.EndDate = s.EndDate
	return p, nil
}

// Spec returns the plain form of p.
func (p Pattern) Spec() Spec {
	s := Spec{
		Kind:       p.Kind(),
		TimesOfDay: slices.Clone(p.TimesOfDay),
		StartDate:  p.StartDate,
		EndDate:    p.EndDate,
	}
	switch r := p.Rule.(type) {
	case Weekly:
		for _, d := range r.Days {
			s.DaysOfWeek = append(s.DaysOfWeek, int(d))
		}
	case Monthly:
		s.DaysOfMonth = slices.Clone(r.Days)
	}
	return s
}

// Validate re-checks the invariants of an already built pattern.
func (p Pattern) Validate() error {
	_, err := p.Spec().Pattern()
	return err
}

func (p Pattern) MarshalJSON() ([]byte, error) {
	if p.Rule == nil {
		return []byte("null"), nil
	}
	return json.Marshal(p.Spec())
}

func (p *Pattern) UnmarshalJSON(data []byte) error {
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	built, err := s.Pattern()
	if err != nil {
		return err
	}
	*p = built
	return nil
}

// Decode parses a stored pattern blob.
func Decode(data []byte) (Pattern, error) {
	var p Pattern
	if err := json.Unmarshal(data, &p); err != nil {
		return Pattern{}, err
	}
	return p, nil
}

// ActiveAt reports whether the series can still produce occurrences on or
// after the local day of now.
func (p Pattern) ActiveAt(now time.Time, loc *time.Location) bool {
	return p.EndDate == "" || p.EndDate >= clock.DateKey(now, loc)
}
