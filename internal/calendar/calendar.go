// Package calendar exports a user's tasks as an iCalendar feed. Series are
// exported as recurring events rather than one event per materialized
// instance, so the feed stays small and calendar clients see the full rule.
package calendar

import (
	"fmt"
	"slices"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/basket/go-quest/internal/clock"
	"github.com/basket/go-quest/internal/persistence"
	"github.com/basket/go-quest/internal/recurrence"
)

const (
	icsDateTime = "20060102T150405"
	icsDate     = "20060102"

	propRecurrenceID = ical.ComponentProperty("RECURRENCE-ID")

	// ContentType is the MIME type of a rendered feed.
	ContentType = "text/calendar; charset=utf-8"
)

// Options describe the feed being rendered.
type Options struct {
	Name     string
	Location *time.Location
	Now      time.Time
}

// Export builds a calendar from tasks. Templates become one VEVENT per time
// of day carrying an RRULE, skipped occurrences become EXDATEs, and edited
// instances become RECURRENCE-ID overrides. Plain generated instances are
// covered by their template's rule and are not exported individually.
func Export(tasks []persistence.Task, opts Options) *ical.Calendar {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//go-quest//tasks//EN")
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
	}
	cal.SetXWRTimezone(loc.String())

	templates := make(map[string]*persistence.Task)
	for i := range tasks {
		if tasks[i].IsTemplate {
			templates[tasks[i].ID] = &tasks[i]
		}
	}

	for i := range tasks {
		t := &tasks[i]
		switch {
		case t.IsTemplate:
			addSeries(cal, t, loc, now)
		case t.IsInstance() && t.IsEditedInstance:
			addOverride(cal, t, templates[t.SeriesID], loc, now)
		case t.IsInstance():
			// Covered by the template's RRULE.
		default:
			addSingle(cal, t, t.ID, loc, now)
		}
	}
	return cal
}

// Render serializes Export's result.
func Render(tasks []persistence.Task, opts Options) string {
	return Export(tasks, opts).Serialize()
}

// SeriesUID is the UID of the VEVENT carrying one time of day of a series.
func SeriesUID(templateID, timeOfDay string) string {
	if timeOfDay == "" {
		return templateID + "@goquest"
	}
	return templateID + "-" + strings.ReplaceAll(timeOfDay, ":", "") + "@goquest"
}

func addSeries(cal *ical.Calendar, tmpl *persistence.Task, loc *time.Location, now time.Time) {
	if tmpl.Pattern == nil || tmpl.Pattern.Rule == nil {
		return
	}
	p := *tmpl.Pattern
	anchor := p.StartDate
	if anchor == "" && tmpl.StartDate != nil {
		anchor = *tmpl.StartDate
	}
	from := now
	if anchor != "" {
		if day, err := clock.ParseDateKey(anchor, loc); err == nil {
			from = day
		}
	}
	first := recurrence.GenerateOccurrences(p, from, loc, 1)
	if len(first) == 0 {
		return
	}
	rule := p.RRule(loc)

	times := p.TimesOfDay
	if len(times) == 0 {
		times = []string{""}
	}
	for _, tod := range times {
		ev := cal.AddEvent(SeriesUID(tmpl.ID, tod))
		describe(ev, tmpl, now)
		start, err := slotTime(first[0], tod, loc)
		if err != nil {
			continue
		}
		setTime(ev, ical.ComponentPropertyDtStart, start, tod == "", loc)
		ev.AddProperty(ical.ComponentPropertyRrule, rule)

		for _, key := range tmpl.SkippedInstanceKeys {
			day, keyTOD, ok := splitKey(key, loc)
			if !ok || keyTOD != tod {
				continue
			}
			if ex, err := slotTime(day, tod, loc); err == nil {
				setTime(ev, ical.ComponentPropertyExdate, ex, tod == "", loc)
			}
		}
	}
}

func addOverride(cal *ical.Calendar, inst, tmpl *persistence.Task, loc *time.Location, now time.Time) {
	day, tod, ok := splitKey(inst.InstanceKey, loc)
	if !ok || tmpl == nil || tmpl.Pattern == nil || !slices.Contains(timesOf(tmpl.Pattern), tod) {
		// The slot no longer belongs to a live rule.
		addSingle(cal, inst, inst.ID, loc, now)
		return
	}
	ev := addSingle(cal, inst, SeriesUID(tmpl.ID, tod), loc, now)
	if ev == nil {
		return
	}
	if rid, err := slotTime(day, tod, loc); err == nil {
		setTime(ev, propRecurrenceID, rid, tod == "", loc)
	}
}

func addSingle(cal *ical.Calendar, t *persistence.Task, uid string, loc *time.Location, now time.Time) *ical.VEvent {
	dateKey := t.StartDate
	timeKey := t.StartTime
	if dateKey == nil {
		dateKey, timeKey = t.DueDate, t.DueTime
	}
	if dateKey == nil {
		return nil
	}
	day, err := clock.ParseDateKey(*dateKey, loc)
	if err != nil {
		return nil
	}
	tod := ""
	if timeKey != nil {
		tod = *timeKey
	}
	start, err := slotTime(day, tod, loc)
	if err != nil {
		return nil
	}
	ev := cal.AddEvent(uid)
	describe(ev, t, now)
	setTime(ev, ical.ComponentPropertyDtStart, start, tod == "", loc)
	return ev
}

func describe(ev *ical.VEvent, t *persistence.Task, now time.Time) {
	ev.SetDtStampTime(now.UTC())
	ev.SetSummary(t.Title)
	if t.Description != "" {
		ev.SetDescription(t.Description)
	}
	if t.Category != "" {
		ev.AddProperty(ical.ComponentPropertyCategories, t.Category)
	}
}

func timesOf(p *recurrence.Pattern) []string {
	if len(p.TimesOfDay) == 0 {
		return []string{""}
	}
	return p.TimesOfDay
}

// splitKey parses an instance key ("2026-10-14" or "2026-10-14T07:00").
func splitKey(key string, loc *time.Location) (time.Time, string, bool) {
	dateKey, tod, _ := strings.Cut(key, "T")
	day, err := clock.ParseDateKey(dateKey, loc)
	if err != nil {
		return time.Time{}, "", false
	}
	return day, tod, true
}

func slotTime(day time.Time, tod string, loc *time.Location) (time.Time, error) {
	if tod == "" {
		return day, nil
	}
	return clock.MergeDateAndTime(day, tod, loc)
}

// setTime writes a DATE value for all-day slots, a UTC DATE-TIME for UTC
// feeds and a TZID-qualified local DATE-TIME otherwise.
func setTime(ev *ical.VEvent, prop ical.ComponentProperty, t time.Time, allDay bool, loc *time.Location) {
	switch {
	case allDay:
		ev.AddProperty(prop, t.In(loc).Format(icsDate), &ical.KeyValues{Key: string(ical.ParameterValue), Value: []string{"DATE"}})
	case loc.String() == "UTC":
		ev.AddProperty(prop, t.UTC().Format(icsDateTime)+"Z")
	default:
		ev.AddProperty(prop, t.In(loc).Format(icsDateTime), &ical.KeyValues{Key: string(ical.ParameterTzid), Value: []string{loc.String()}})
	}
}

// Filename is the suggested download name for userID's feed.
func Filename(userID string) string {
	return fmt.Sprintf("goquest-%s.ics", userID)
}
