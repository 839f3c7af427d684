package lifecycle

import (
	"strings"

	"github.com/basket/go-quest/internal/clock"
	"github.com/basket/go-quest/internal/persistence"
	"github.com/basket/go-quest/internal/recurrence"
)

// TaskPatch is a create or update request. Every key is tri-state so that
// "absent" and "null" stay distinguishable.
type TaskPatch struct {
	Title       Field[string] `json:"title"`
	Category    Field[string] `json:"category"`
	XPValue     Field[int]    `json:"xpValue"`
	Description Field[string] `json:"context"`

	StartDate Field[string] `json:"startDate"`
	StartTime Field[string] `json:"startTime"`
	DueDate   Field[string] `json:"dueDate"`
	DueTime   Field[string] `json:"dueTime"`

	Recurrence          Field[string]   `json:"recurrence"`
	RecurrenceDays      Field[[]int]    `json:"recurrenceDays"`
	RecurrenceMonthDays Field[[]int]    `json:"recurrenceMonthDays"`
	TimesOfDay          Field[[]string] `json:"timesOfDay"`
	RecurrenceEndDate   Field[string]   `json:"recurrenceEndDate"`

	Completed Field[bool] `json:"completed"`
}

// Validate checks field formats. It does not look at the target task.
func (p TaskPatch) Validate() error {
	if p.Title.IsNull() {
		return invalid("title", "cannot be null")
	}
	if v, ok := p.Title.Get(); ok && strings.TrimSpace(v) == "" {
		return invalid("title", "cannot be empty")
	}
	if v, ok := p.XPValue.Get(); ok && v < 0 {
		return invalid("xpValue", "must not be negative")
	}
	if p.XPValue.IsNull() {
		return invalid("xpValue", "cannot be null")
	}
	for name, f := range map[string]Field[string]{
		"startDate":         p.StartDate,
		"dueDate":           p.DueDate,
		"recurrenceEndDate": p.RecurrenceEndDate,
	} {
		if v, ok := f.Get(); ok && !clock.ValidDateKey(v) {
			return invalid(name, "%q is not a YYYY-MM-DD date", v)
		}
	}
	for name, f := range map[string]Field[string]{
		"startTime": p.StartTime,
		"dueTime":   p.DueTime,
	} {
		if v, ok := f.Get(); ok && !clock.ValidTimeOfDay(v) {
			return invalid(name, "%q is not an HH:MM time", v)
		}
	}
	if v, ok := p.Recurrence.Get(); ok {
		if _, err := recurrence.ParseKind(v); err != nil {
			return invalid("recurrence", "unknown recurrence %q", v)
		}
	}
	if times, ok := p.TimesOfDay.Get(); ok {
		for _, tod := range times {
			if !clock.ValidTimeOfDay(tod) {
				return invalid("timesOfDay", "%q is not an HH:MM time", tod)
			}
		}
	}
	if days, ok := p.RecurrenceDays.Get(); ok {
		for _, d := range days {
			if d < 0 || d > 6 {
				return invalid("recurrenceDays", "weekday %d out of range 0-6", d)
			}
		}
	}
	if days, ok := p.RecurrenceMonthDays.Get(); ok {
		for _, d := range days {
			if d < 1 || d > 31 {
				return invalid("recurrenceMonthDays", "day %d out of range 1-31", d)
			}
		}
	}
	return nil
}

// requestedKind returns the recurrence kind named by the request, if any.
// An explicit null counts as "none".
func (p TaskPatch) requestedKind() (recurrence.Kind, bool) {
	if !p.Recurrence.Present() {
		return "", false
	}
	v, _ := p.Recurrence.Get()
	kind, err := recurrence.ParseKind(v)
	if err != nil {
		return "", false
	}
	return kind, true
}

// touchesPattern reports whether the request changes the recurrence shape.
func (p TaskPatch) touchesPattern() bool {
	if kind, ok := p.requestedKind(); ok && kind != recurrence.KindNone {
		return true
	}
	return p.RecurrenceDays.Present() || p.RecurrenceMonthDays.Present() ||
		p.TimesOfDay.Present() || p.RecurrenceEndDate.Present()
}

// withoutPattern drops every recurrence field from p.
func (p TaskPatch) withoutPattern() TaskPatch {
	p.Recurrence = Unset[string]()
	p.RecurrenceDays = Unset[[]int]()
	p.RecurrenceMonthDays = Unset[[]int]()
	p.TimesOfDay = Unset[[]string]()
	p.RecurrenceEndDate = Unset[string]()
	return p
}

// applyContent copies the non-date fields onto t.
func (p TaskPatch) applyContent(t *persistence.Task) {
	if v, ok := p.Title.Get(); ok {
		t.Title = strings.TrimSpace(v)
	}
	if p.Category.Present() {
		v, _ := p.Category.Get()
		t.Category = v
	}
	if v, ok := p.XPValue.Get(); ok {
		t.XPValue = v
	}
	if p.Description.Present() {
		v, _ := p.Description.Get()
		t.Description = v
	}
}

// applyDates resolves the four date/time fields with the preservation rule.
func (p TaskPatch) applyDates(t *persistence.Task) {
	t.StartDate = p.StartDate.Resolve(t.StartDate)
	t.StartTime = p.StartTime.Resolve(t.StartTime)
	t.DueDate = p.DueDate.Resolve(t.DueDate)
	t.DueTime = p.DueTime.Resolve(t.DueTime)
}

func (p TaskPatch) applyCompleted(t *persistence.Task) {
	if v, ok := p.Completed.Get(); ok {
		t.Completed = v
	}
}

// seriesFields picks the content fields a series edit fans out to instances.
func (p TaskPatch) seriesFields() persistence.SeriesFields {
	var f persistence.SeriesFields
	if v, ok := p.Title.Get(); ok {
		v = strings.TrimSpace(v)
		f.Title = &v
	}
	if p.Description.Present() {
		v, _ := p.Description.Get()
		f.Description = &v
	}
	if p.Category.Present() {
		v, _ := p.Category.Get()
		f.Category = &v
	}
	if v, ok := p.XPValue.Get(); ok {
		f.XPValue = &v
	}
	return f
}

// buildPattern merges the request's recurrence fields over base (nil for a
// fresh pattern). anchor is used when neither the request nor base has one.
func (p TaskPatch) buildPattern(kind recurrence.Kind, base *recurrence.Pattern, fallbackTime *string, anchor string) (recurrence.Pattern, error) {
	var spec recurrence.Spec
	if base != nil {
		spec = base.Spec()
	}
	spec.Kind = kind
	if days, ok := p.RecurrenceDays.Get(); ok {
		spec.DaysOfWeek = days
	} else if p.RecurrenceDays.IsNull() {
		spec.DaysOfWeek = nil
	}
	if days, ok := p.RecurrenceMonthDays.Get(); ok {
		spec.DaysOfMonth = days
	} else if p.RecurrenceMonthDays.IsNull() {
		spec.DaysOfMonth = nil
	}
	if times, ok := p.TimesOfDay.Get(); ok {
		spec.TimesOfDay = times
	} else if p.TimesOfDay.IsNull() {
		spec.TimesOfDay = nil
	}
	if len(spec.TimesOfDay) == 0 && fallbackTime != nil && *fallbackTime != "" {
		spec.TimesOfDay = []string{*fallbackTime}
	}
	if p.RecurrenceEndDate.Present() {
		spec.EndDate, _ = p.RecurrenceEndDate.Get()
	}
	if spec.StartDate == "" {
		spec.StartDate = anchor
	}
	pattern, err := spec.Pattern()
	if err != nil {
		return recurrence.Pattern{}, invalid("recurrence", "%s", strings.TrimPrefix(err.Error(), recurrence.ErrInvalidPattern.Error()+": "))
	}
	return pattern, nil
}
