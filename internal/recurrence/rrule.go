package recurrence

import (
	"time"

	"github.com/teambition/rrule-go"

	"github.com/basket/go-quest/internal/clock"
)

// rruleWeekdays maps time.Weekday (Sunday = 0) onto rrule-go weekdays.
var rruleWeekdays = [7]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// ROption converts p into rrule-go options anchored at dtstart. The end date,
// when set, becomes an inclusive UNTIL at the last second of that local day.
func (p Pattern) ROption(dtstart time.Time, loc *time.Location) rrule.ROption {
	if loc == nil {
		loc = time.UTC
	}
	opt := rrule.ROption{Dtstart: dtstart, Interval: 1}
	switch r := p.Rule.(type) {
	case Daily:
		opt.Freq = rrule.DAILY
	case Weekly:
		opt.Freq = rrule.WEEKLY
		for _, d := range r.Days {
			opt.Byweekday = append(opt.Byweekday, rruleWeekdays[d])
		}
	case Monthly:
		opt.Freq = rrule.MONTHLY
		opt.Bymonthday = append([]int(nil), r.Days...)
	}
	if p.EndDate != "" {
		if end, err := clock.ParseDateKey(p.EndDate, loc); err == nil {
			opt.Until = clock.AddCalendarDays(end, 1, loc).Add(-time.Second).UTC()
		}
	}
	return opt
}

// RRule renders p as an RFC 5545 RRULE value (without the "RRULE:" prefix).
func (p Pattern) RRule(loc *time.Location) string {
	if p.Rule == nil {
		return ""
	}
	opt := p.ROption(time.Time{}, loc)
	return opt.RRuleString()
}
