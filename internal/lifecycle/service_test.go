package lifecycle_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/basket/go-quest/internal/buffer"
	"github.com/basket/go-quest/internal/bus"
	"github.com/basket/go-quest/internal/clock"
	"github.com/basket/go-quest/internal/lifecycle"
	"github.com/basket/go-quest/internal/persistence"
	"github.com/basket/go-quest/internal/recurrence"
)

// 2026-10-14 is a Wednesday.
var testNow = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

type harness struct {
	store *persistence.Store
	svc   *lifecycle.Service
	bus   *bus.Bus
	ec    clock.ExecutionContext
}

func newHarness(t *testing.T, fill bool) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "goquest.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New()
	cfg := lifecycle.Config{
		Store:           store,
		Bus:             b,
		DefaultTimeZone: "UTC",
		Now:             func() time.Time { return testNow },
	}
	if fill {
		cfg.Filler = buffer.New(buffer.Config{Store: store, Bus: b, DefaultTimeZone: "UTC"})
	}
	svc := lifecycle.New(cfg)
	ec, err := svc.ExecutionContext(context.Background(), "u1")
	if err != nil {
		t.Fatalf("execution context: %v", err)
	}
	return &harness{store: store, svc: svc, bus: b, ec: ec}
}

func patchOf(t *testing.T, body string) lifecycle.TaskPatch {
	t.Helper()
	var p lifecycle.TaskPatch
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		t.Fatalf("decode patch %s: %v", body, err)
	}
	return p
}

func (h *harness) create(t *testing.T, body string) *lifecycle.Result {
	t.Helper()
	res, err := h.svc.CreateTask(context.Background(), h.ec, "u1", patchOf(t, body))
	if err != nil {
		t.Fatalf("create %s: %v", body, err)
	}
	return res
}

func (h *harness) update(t *testing.T, id string, scope lifecycle.Scope, body string) *lifecycle.Result {
	t.Helper()
	res, err := h.svc.UpdateTask(context.Background(), h.ec, "u1", id, scope, patchOf(t, body))
	if err != nil {
		t.Fatalf("update %s %s: %v", id, body, err)
	}
	return res
}

func (h *harness) instances(t *testing.T, seriesID string) []persistence.Task {
	t.Helper()
	tasks, err := h.store.ListTasks(context.Background(), "u1", persistence.ListFilter{SeriesID: seriesID})
	if err != nil {
		t.Fatalf("list instances: %v", err)
	}
	return tasks
}

func (h *harness) reload(t *testing.T, id string) *persistence.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), "u1", id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return task
}

// gymSeries creates a Mon/Wed 07:00 series anchored today and lets the buffer
// fill it: Oct 14 through Nov 23, twelve instances.
func gymSeries(t *testing.T, h *harness) *persistence.Task {
	t.Helper()
	res := h.create(t, `{"title":"Gym","category":"health","xpValue":25,"startDate":"2026-10-14",
		"recurrence":"weekly","recurrenceDays":[1,3],"timesOfDay":["07:00"]}`)
	if res.Generated != 12 {
		t.Fatalf("generated = %d, want 12", res.Generated)
	}
	return res.Task
}

func TestConvertToRecurringKeepsNullDueDate(t *testing.T) {
	h := newHarness(t, false)
	created := h.create(t, `{"title":"Stretch","dueDate":null}`)
	if got := lifecycle.StateOf(created.Task); got != lifecycle.StateOneTime {
		t.Fatalf("state = %s, want ONE_TIME", got)
	}

	res := h.update(t, created.Task.ID, lifecycle.ScopeSingle, `{"recurrence":"daily","timesOfDay":["07:00"]}`)
	if res.Transition != lifecycle.TransitionConvertToRecurring {
		t.Fatalf("transition = %s", res.Transition)
	}

	tmpl := h.reload(t, created.Task.ID)
	if tmpl.DueDate != nil {
		t.Fatalf("dueDate = %q, want null", *tmpl.DueDate)
	}
	if !tmpl.IsTemplate || tmpl.Recurrence != recurrence.KindDaily {
		t.Fatalf("template = %+v", tmpl)
	}
	if tmpl.Pattern == nil || !slices.Equal(tmpl.Pattern.TimesOfDay, []string{"07:00"}) {
		t.Fatalf("pattern = %+v", tmpl.Pattern)
	}
	if tmpl.Pattern.StartDate != "2026-10-14" {
		t.Fatalf("anchor = %q, want today", tmpl.Pattern.StartDate)
	}
}

func TestConvertToRecurringPreservesAbsentAndHonorsExplicitFields(t *testing.T) {
	h := newHarness(t, false)
	created := h.create(t, `{"title":"Report","startDate":"2026-10-20","dueDate":"2026-10-21","dueTime":"17:00"}`)

	res := h.update(t, created.Task.ID, lifecycle.ScopeSingle,
		`{"recurrence":"weekly","recurrenceDays":[2],"timesOfDay":["09:00"],"dueTime":null}`)
	tmpl := res.Task
	if tmpl.StartDate == nil || *tmpl.StartDate != "2026-10-20" {
		t.Fatalf("startDate = %v", tmpl.StartDate)
	}
	if tmpl.DueDate == nil || *tmpl.DueDate != "2026-10-21" {
		t.Fatalf("dueDate = %v, want preserved 2026-10-21", tmpl.DueDate)
	}
	if tmpl.DueTime != nil {
		t.Fatalf("dueTime = %q, want cleared", *tmpl.DueTime)
	}
	if tmpl.Pattern.StartDate != "2026-10-20" {
		t.Fatalf("anchor = %q, want preserved start date", tmpl.Pattern.StartDate)
	}
}

func TestConvertToRecurringRequiresRecurrence(t *testing.T) {
	h := newHarness(t, false)
	created := h.create(t, `{"title":"Stretch"}`)

	_, err := h.svc.ConvertToRecurring(context.Background(), h.ec, "u1", created.Task.ID, patchOf(t, `{"recurrence":"none"}`))
	if !errors.Is(err, lifecycle.ErrPolicy) {
		t.Fatalf("err = %v, want ErrPolicy", err)
	}
	if got := lifecycle.StateOf(h.reload(t, created.Task.ID)); got != lifecycle.StateOneTime {
		t.Fatalf("state after refused conversion = %s", got)
	}
}

func TestSingleEditPromotesInstance(t *testing.T) {
	h := newHarness(t, true)
	tmpl := gymSeries(t, h)
	first := h.instances(t, tmpl.ID)[0]

	res := h.update(t, first.ID, lifecycle.ScopeSingle, `{"title":"Leg day","startTime":"08:00"}`)
	if res.Transition != lifecycle.TransitionSingleEdit {
		t.Fatalf("transition = %s", res.Transition)
	}
	if got := lifecycle.StateOf(res.Task); got != lifecycle.StateEditedInstance {
		t.Fatalf("state = %s, want EDITED_INSTANCE", got)
	}
	if res.Task.InstanceKey != "2026-10-14T07:00" {
		t.Fatalf("instance key = %q, want original slot", res.Task.InstanceKey)
	}
	if got := h.reload(t, tmpl.ID).EditedInstanceKeys; !slices.Equal(got, []string{"2026-10-14T07:00"}) {
		t.Fatalf("edited keys = %v", got)
	}

	// A second edit keeps a single key entry.
	h.update(t, first.ID, lifecycle.ScopeSingle, `{"completed":true}`)
	if got := h.reload(t, tmpl.ID).EditedInstanceKeys; len(got) != 1 {
		t.Fatalf("edited keys after second edit = %v", got)
	}
	if !h.reload(t, first.ID).Completed {
		t.Fatal("completed flag not applied")
	}
}

func TestSingleEditRejectsRecurrenceFields(t *testing.T) {
	h := newHarness(t, true)
	tmpl := gymSeries(t, h)
	first := h.instances(t, tmpl.ID)[0]

	_, err := h.svc.UpdateTask(context.Background(), h.ec, "u1", first.ID, lifecycle.ScopeSingle, patchOf(t, `{"recurrenceDays":[2]}`))
	if !errors.Is(err, lifecycle.ErrPolicy) {
		t.Fatalf("err = %v, want ErrPolicy", err)
	}
	if h.reload(t, first.ID).IsEditedInstance {
		t.Fatal("refused edit must not promote the instance")
	}
}

func TestPatternChangeProtectsEditedInstances(t *testing.T) {
	h := newHarness(t, true)
	tmpl := gymSeries(t, h)
	first := h.instances(t, tmpl.ID)[0]
	h.update(t, first.ID, lifecycle.ScopeSingle, `{"title":"Leg day"}`)

	res := h.update(t, tmpl.ID, lifecycle.ScopeSeries, `{"recurrence":"weekly","recurrenceDays":[2,4]}`)
	if res.Transition != lifecycle.TransitionPatternChange {
		t.Fatalf("transition = %s", res.Transition)
	}
	if res.Affected != 11 {
		t.Fatalf("removed = %d, want 11", res.Affected)
	}
	if len(res.Instances) != 1 || res.Instances[0].ID != first.ID || res.Instances[0].Title != "Leg day" {
		t.Fatalf("surviving instances = %+v", res.Instances)
	}
	if got := h.reload(t, tmpl.ID).EditedInstanceKeys; !slices.Equal(got, []string{"2026-10-14T07:00"}) {
		t.Fatalf("edited keys = %v", got)
	}

	// Thursday Oct 15 through Tuesday Nov 24.
	if res.Generated != 12 {
		t.Fatalf("regenerated = %d, want 12", res.Generated)
	}
	for _, inst := range h.instances(t, tmpl.ID) {
		if inst.IsEditedInstance {
			continue
		}
		day, _ := clock.ParseDateKey(*inst.StartDate, time.UTC)
		if wd := day.Weekday(); wd != time.Tuesday && wd != time.Thursday {
			t.Fatalf("instance on %s (%s) after switching to Tue/Thu", *inst.StartDate, wd)
		}
	}
}

func TestPatternChangeRefillsBeforeLaterEditedInstance(t *testing.T) {
	h := newHarness(t, true)
	tmpl := gymSeries(t, h)
	later := h.instances(t, tmpl.ID)[3]
	if *later.StartDate != "2026-10-26" {
		t.Fatalf("fourth instance on %s, want 2026-10-26", *later.StartDate)
	}
	h.update(t, later.ID, lifecycle.ScopeSingle, `{"title":"Leg day"}`)

	res := h.update(t, tmpl.ID, lifecycle.ScopeSeries, `{"recurrence":"weekly","recurrenceDays":[2,4]}`)
	if res.Generated != 12 {
		t.Fatalf("regenerated = %d, want 12", res.Generated)
	}
	var dates []string
	for _, inst := range h.instances(t, tmpl.ID) {
		if inst.ID == later.ID {
			if !inst.IsEditedInstance || inst.Title != "Leg day" {
				t.Fatalf("edited instance changed: %+v", inst)
			}
			continue
		}
		dates = append(dates, *inst.StartDate)
	}
	want := []string{
		"2026-10-15", "2026-10-20", "2026-10-22", "2026-10-27", "2026-10-29", "2026-11-03",
		"2026-11-05", "2026-11-10", "2026-11-12", "2026-11-17", "2026-11-19", "2026-11-24",
	}
	slices.Sort(dates)
	if !slices.Equal(dates, want) {
		t.Fatalf("dates = %v, want %v", dates, want)
	}
}

func TestSeriesEditSkipsEditedInstances(t *testing.T) {
	h := newHarness(t, true)
	tmpl := gymSeries(t, h)
	insts := h.instances(t, tmpl.ID)
	h.update(t, insts[0].ID, lifecycle.ScopeSingle, `{"title":"Leg day"}`)

	// Series scope through an instance, with the unchanged recurrence resent.
	res := h.update(t, insts[3].ID, lifecycle.ScopeSeries,
		`{"title":"Gym v2","xpValue":40,"dueDate":"2026-12-01","recurrence":"weekly","recurrenceDays":[3,1]}`)
	if res.Transition != lifecycle.TransitionSeriesEdit {
		t.Fatalf("transition = %s", res.Transition)
	}
	if res.Affected != 11 {
		t.Fatalf("affected = %d, want 11", res.Affected)
	}
	if res.Task.ID != tmpl.ID || res.Task.DueDate == nil || *res.Task.DueDate != "2026-12-01" {
		t.Fatalf("template = %+v", res.Task)
	}
	for _, inst := range h.instances(t, tmpl.ID) {
		if inst.ID == insts[0].ID {
			if inst.Title != "Leg day" || inst.XPValue != 25 {
				t.Fatalf("edited instance changed: %+v", inst)
			}
			continue
		}
		if inst.Title != "Gym v2" || inst.XPValue != 40 {
			t.Fatalf("instance %s not updated: %+v", *inst.StartDate, inst)
		}
		if inst.DueDate != nil {
			t.Fatalf("date fields must stay on the template, got dueDate %q", *inst.DueDate)
		}
	}
}

func TestSeriesStartDateMovesAnchor(t *testing.T) {
	h := newHarness(t, true)
	tmpl := gymSeries(t, h)

	res := h.update(t, tmpl.ID, lifecycle.ScopeSeries, `{"startDate":"2026-10-19"}`)
	if res.Transition != lifecycle.TransitionPatternChange {
		t.Fatalf("transition = %s, want pattern change", res.Transition)
	}
	got := h.reload(t, tmpl.ID)
	if got.StartDate == nil || *got.StartDate != "2026-10-19" || got.Pattern.StartDate != "2026-10-19" {
		t.Fatalf("start date %v, anchor %q", got.StartDate, got.Pattern.StartDate)
	}
	insts := h.instances(t, tmpl.ID)
	if len(insts) == 0 || *insts[0].StartDate != "2026-10-19" {
		t.Fatalf("first instance must be on the new anchor, got %d instances", len(insts))
	}
	for _, inst := range insts {
		if *inst.StartDate < "2026-10-19" {
			t.Fatalf("instance %s before the anchor", *inst.StartDate)
		}
	}

	// Resending the same start date is a plain series edit.
	res = h.update(t, tmpl.ID, lifecycle.ScopeSeries, `{"startDate":"2026-10-19","title":"Gym v2"}`)
	if res.Transition != lifecycle.TransitionSeriesEdit {
		t.Fatalf("transition = %s, want series edit", res.Transition)
	}
}

func TestConvertToOneTimeDeletesEveryInstance(t *testing.T) {
	h := newHarness(t, true)
	tmpl := gymSeries(t, h)
	first := h.instances(t, tmpl.ID)[0]
	h.update(t, first.ID, lifecycle.ScopeSingle, `{"title":"Leg day"}`)

	res := h.update(t, first.ID, lifecycle.ScopeSeries, `{"recurrence":"none","title":"Gym once"}`)
	if res.Transition != lifecycle.TransitionConvertToOneTime {
		t.Fatalf("transition = %s", res.Transition)
	}
	if res.Affected != 12 {
		t.Fatalf("removed = %d, want 12", res.Affected)
	}
	got := h.reload(t, tmpl.ID)
	if lifecycle.StateOf(got) != lifecycle.StateOneTime || got.Pattern != nil || len(got.EditedInstanceKeys) != 0 {
		t.Fatalf("one-time task = %+v", got)
	}
	if got.Title != "Gym once" {
		t.Fatalf("title = %q", got.Title)
	}
	if got.StartDate == nil || *got.StartDate != "2026-10-14" {
		t.Fatalf("startDate = %v, want preserved", got.StartDate)
	}
	all, err := h.store.ListTasks(context.Background(), "u1", persistence.ListFilter{IncludeTemplates: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("tasks after conversion = %d, want 1", len(all))
	}
}

func TestDeleteSingleInstanceIsNotRegenerated(t *testing.T) {
	h := newHarness(t, true)
	tmpl := gymSeries(t, h)
	insts := h.instances(t, tmpl.ID)
	last := insts[len(insts)-1]

	res, err := h.svc.DeleteTask(context.Background(), "u1", last.ID, lifecycle.ScopeSingle)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Transition != lifecycle.TransitionSkip {
		t.Fatalf("transition = %s", res.Transition)
	}
	if got := h.reload(t, tmpl.ID).SkippedInstanceKeys; !slices.Equal(got, []string{"2026-11-23T07:00"}) {
		t.Fatalf("skipped keys = %v", got)
	}

	m := buffer.New(buffer.Config{Store: h.store, DefaultTimeZone: "UTC"})
	n, err := m.FillSeries(context.Background(), "u1", tmpl.ID, testNow)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if n != 0 {
		t.Fatalf("refill generated %d, want 0", n)
	}
}

func TestDeleteSeriesThroughInstance(t *testing.T) {
	h := newHarness(t, true)
	tmpl := gymSeries(t, h)
	inst := h.instances(t, tmpl.ID)[2]

	res, err := h.svc.DeleteTask(context.Background(), "u1", inst.ID, lifecycle.ScopeSeries)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Task.ID != tmpl.ID || res.Affected != 12 {
		t.Fatalf("result = %+v", res)
	}
	all, err := h.store.ListTasks(context.Background(), "u1", persistence.ListFilter{IncludeTemplates: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("tasks after series delete = %d, want 0", len(all))
	}
	if _, err := h.svc.DeleteTask(context.Background(), "u1", tmpl.ID, lifecycle.ScopeSeries); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestCreateTemplateFallsBackToStartTime(t *testing.T) {
	h := newHarness(t, true)
	res := h.create(t, `{"title":"Read","recurrence":"daily","startTime":"21:00"}`)
	if !slices.Equal(res.Task.Pattern.TimesOfDay, []string{"21:00"}) {
		t.Fatalf("times = %v", res.Task.Pattern.TimesOfDay)
	}
	if res.Generated != 30 {
		t.Fatalf("generated = %d, want 30", res.Generated)
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, false)
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{"missing title", `{"category":"x"}`, "title"},
		{"blank title", `{"title":"  "}`, "title"},
		{"bad start time", `{"title":"a","startTime":"25:00"}`, "startTime"},
		{"bad due date", `{"title":"a","dueDate":"2026-02-30"}`, "dueDate"},
		{"unknown recurrence", `{"title":"a","recurrence":"yearly"}`, "recurrence"},
		{"weekly without days", `{"title":"a","recurrence":"weekly","timesOfDay":["07:00"]}`, "recurrence"},
		{"daily without times", `{"title":"a","recurrence":"daily"}`, "recurrence"},
		{"weekday out of range", `{"title":"a","recurrence":"weekly","recurrenceDays":[7],"timesOfDay":["07:00"]}`, "recurrenceDays"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.CreateTask(context.Background(), h.ec, "u1", patchOf(t, tc.body))
			var verr *lifecycle.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field = %q, want %q", verr.Field, tc.field)
			}
			if !errors.Is(err, lifecycle.ErrValidation) {
				t.Fatal("ValidationError must match ErrValidation")
			}
		})
	}

	_, err := h.svc.CreateTask(context.Background(), h.ec, "u1", patchOf(t, `{"title":"a","recurrenceDays":[1]}`))
	if !errors.Is(err, lifecycle.ErrPolicy) {
		t.Fatalf("pattern fields without recurrence: err = %v, want ErrPolicy", err)
	}
}

func TestUpdateMissingTask(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.svc.UpdateTask(context.Background(), h.ec, "u1", "nope", lifecycle.ScopeSingle, patchOf(t, `{"title":"x"}`))
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestOtherUsersTasksAreInvisible(t *testing.T) {
	h := newHarness(t, false)
	created := h.create(t, `{"title":"Mine"}`)
	_, err := h.svc.UpdateTask(context.Background(), h.ec, "u2", created.Task.ID, lifecycle.ScopeSingle, patchOf(t, `{"title":"Theirs"}`))
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTransitionsPublishEvents(t *testing.T) {
	h := newHarness(t, false)
	sub := h.bus.Subscribe("series.")
	defer h.bus.Unsubscribe(sub)

	created := h.create(t, `{"title":"Stretch"}`)
	h.update(t, created.Task.ID, lifecycle.ScopeSingle, `{"recurrence":"daily","timesOfDay":["07:00"]}`)

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicSeriesConverted {
			t.Fatalf("topic = %s", ev.Topic)
		}
		conv, ok := ev.Payload.(bus.ConversionEvent)
		if !ok || conv.TaskID != created.Task.ID || conv.To != "TEMPLATE" {
			t.Fatalf("payload = %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no conversion event published")
	}
}

func TestParseScope(t *testing.T) {
	for in, want := range map[string]lifecycle.Scope{"": lifecycle.ScopeSingle, "single": lifecycle.ScopeSingle, "SERIES": lifecycle.ScopeSeries} {
		got, err := lifecycle.ParseScope(in)
		if err != nil || got != want {
			t.Fatalf("ParseScope(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := lifecycle.ParseScope("all"); !errors.Is(err, lifecycle.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}
