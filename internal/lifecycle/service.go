// Package lifecycle moves tasks between the one-time, template, instance and
// edited-instance states. Every transition commits in a single store
// transaction.
package lifecycle

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-quest/internal/bus"
	"github.com/basket/go-quest/internal/clock"
	"github.com/basket/go-quest/internal/otel"
	"github.com/basket/go-quest/internal/persistence"
	"github.com/basket/go-quest/internal/recurrence"
)

// Store is the persistence the conversion layer needs.
type Store interface {
	InTx(ctx context.Context, fn func(tx *persistence.Tx) error) error
	GetTask(ctx context.Context, userID, id string) (*persistence.Task, error)
	ListTasks(ctx context.Context, userID string, f persistence.ListFilter) ([]persistence.Task, error)
	UserTimeZone(ctx context.Context, userID string) (string, error)
}

// Filler materializes a series right after it was created or reset.
type Filler interface {
	FillSeries(ctx context.Context, userID, seriesID string, now time.Time) (int, error)
}

// Config holds the service dependencies. Store is required.
type Config struct {
	Store   Store
	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
	// DefaultTimeZone applies to users without a stored preference.
	DefaultTimeZone string
	// Filler, when set, is called after a series is created or its pattern
	// changes. Fill errors are logged; the next buffer run retries.
	Filler Filler
	Now    func() time.Time
}

// Result is the outcome of a committed transition.
type Result struct {
	Transition Transition         `json:"transition"`
	Task       *persistence.Task  `json:"task"`
	Instances  []persistence.Task `json:"instances,omitempty"`
	// Affected counts instances updated or removed alongside Task.
	Affected  int `json:"affected,omitempty"`
	Generated int `json:"generated,omitempty"`
}

// Service executes task lifecycle transitions.
type Service struct {
	store     Store
	bus       *bus.Bus
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
	defaultTZ string
	filler    Filler
	now       func() time.Time
}

// New creates a Service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     cfg.Store,
		bus:       cfg.Bus,
		logger:    logger,
		tracer:    tracer,
		metrics:   cfg.Metrics,
		defaultTZ: cfg.DefaultTimeZone,
		filler:    cfg.Filler,
		now:       now,
	}
}

// ExecutionContext resolves the clock and timezone for a request by userID.
func (s *Service) ExecutionContext(ctx context.Context, userID string) (clock.ExecutionContext, error) {
	tz, err := s.store.UserTimeZone(ctx, userID)
	if err != nil {
		return clock.ExecutionContext{}, err
	}
	if tz == "" {
		tz = s.defaultTZ
	}
	return clock.ExecutionContext{Now: s.now(), TimeZone: tz}, nil
}

// GetTask returns one task owned by userID.
func (s *Service) GetTask(ctx context.Context, userID, id string) (*persistence.Task, error) {
	return s.store.GetTask(ctx, userID, id)
}

// ListTasks lists userID's tasks.
func (s *Service) ListTasks(ctx context.Context, userID string, f persistence.ListFilter) ([]persistence.Task, error) {
	return s.store.ListTasks(ctx, userID, f)
}

// CreateTask inserts a one-time task, or a series template when the request
// names a recurrence other than none.
func (s *Service) CreateTask(ctx context.Context, ec clock.ExecutionContext, userID string, patch TaskPatch) (res *Result, err error) {
	ctx, span := s.begin(ctx, TransitionCreate, userID, "")
	defer func() { s.finish(ctx, span, TransitionCreate, res, err) }()

	if err := patch.Validate(); err != nil {
		return nil, err
	}
	if _, ok := patch.Title.Get(); !ok {
		return nil, invalid("title", "is required")
	}
	loc, err := ec.Location()
	if err != nil {
		return nil, err
	}

	t := &persistence.Task{UserID: userID, Recurrence: recurrence.KindNone}
	patch.applyContent(t)
	patch.applyDates(t)
	patch.applyCompleted(t)

	kind, _ := patch.requestedKind()
	if kind == "" || kind == recurrence.KindNone {
		if patch.touchesPattern() {
			return nil, refused(string(TransitionCreate), "recurrence fields need a recurrence other than none")
		}
	} else {
		anchor := clock.DateKey(ec.Now, loc)
		if t.StartDate != nil {
			anchor = *t.StartDate
		}
		pattern, err := patch.buildPattern(kind, nil, t.StartTime, anchor)
		if err != nil {
			return nil, err
		}
		t.IsTemplate = true
		t.Recurrence = kind
		t.Pattern = &pattern
	}
	if err := t.DeriveStartAt(loc); err != nil {
		return nil, invalid("startDate", "%v", err)
	}

	if err := s.store.InTx(ctx, func(tx *persistence.Tx) error {
		return tx.InsertTask(ctx, t)
	}); err != nil {
		return nil, err
	}

	res = &Result{Transition: TransitionCreate, Task: t}
	if t.IsTemplate {
		res.Generated = s.fill(ctx, ec, t)
	}
	s.bus.Publish(bus.TopicTaskCreated, bus.TaskEvent{
		UserID: userID, TaskID: t.ID, State: string(StateOf(t)), Affected: res.Generated,
	})
	return res, nil
}

// UpdateTask routes an edit to the transition that matches the target's
// state, the scope, and the fields present in the request.
func (s *Service) UpdateTask(ctx context.Context, ec clock.ExecutionContext, userID, id string, scope Scope, patch TaskPatch) (*Result, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	target, err := s.store.GetTask(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	switch StateOf(target) {
	case StateOneTime:
		if kind, ok := patch.requestedKind(); ok && kind != recurrence.KindNone {
			return s.ConvertToRecurring(ctx, ec, userID, id, patch)
		}
		return s.UpdateSingleTask(ctx, ec, userID, id, patch)
	case StateTemplate:
		return s.routeSeries(ctx, ec, target, patch)
	default:
		if scope != ScopeSeries {
			return s.UpdateSingleTask(ctx, ec, userID, id, patch)
		}
		tmpl, err := s.store.GetTask(ctx, userID, target.SeriesID)
		if err != nil {
			return nil, err
		}
		return s.routeSeries(ctx, ec, tmpl, patch)
	}
}

func (s *Service) routeSeries(ctx context.Context, ec clock.ExecutionContext, tmpl *persistence.Task, patch TaskPatch) (*Result, error) {
	if kind, ok := patch.requestedKind(); ok && kind == recurrence.KindNone {
		return s.ConvertToOneTime(ctx, ec, tmpl.UserID, tmpl.ID, patch)
	}
	if patch.touchesPattern() || movesAnchor(tmpl, patch) {
		if s.changesPattern(ec, tmpl, patch) {
			return s.UpdateRecurrencePattern(ctx, ec, tmpl.UserID, tmpl.ID, patch)
		}
		// Forms resend the current recurrence with every save.
		patch = patch.withoutPattern()
	}
	return s.UpdateSeriesTasks(ctx, ec, tmpl.UserID, tmpl.ID, patch)
}

// movesAnchor reports whether patch gives the series a new start date. The
// start date is the pattern's anchor, so this is a pattern change.
func movesAnchor(tmpl *persistence.Task, patch TaskPatch) bool {
	v, ok := patch.StartDate.Get()
	return ok && tmpl.Pattern != nil && v != tmpl.Pattern.StartDate
}

// changesPattern reports whether applying patch would produce a pattern
// different from tmpl's. Invalid requests count as changes so that the
// pattern transition reports the error.
func (s *Service) changesPattern(ec clock.ExecutionContext, tmpl *persistence.Task, patch TaskPatch) bool {
	if tmpl.Pattern == nil {
		return true
	}
	loc, err := ec.Location()
	if err != nil {
		return true
	}
	next, err := s.mergedPattern(tmpl, patch, clock.DateKey(ec.Now, loc))
	if err != nil {
		return true
	}
	return !sameSpec(next.Spec(), tmpl.Pattern.Spec())
}

func (s *Service) mergedPattern(tmpl *persistence.Task, patch TaskPatch, today string) (recurrence.Pattern, error) {
	kind := tmpl.Recurrence
	if k, ok := patch.requestedKind(); ok {
		kind = k
	}
	var base *recurrence.Pattern
	if tmpl.Pattern != nil {
		b := *tmpl.Pattern
		base = &b
	}
	if v, ok := patch.StartDate.Get(); ok && base != nil {
		base.StartDate = v
	}
	anchor := today
	if tmpl.StartDate != nil {
		anchor = *tmpl.StartDate
	}
	if v, ok := patch.StartDate.Get(); ok {
		anchor = v
	}
	startTime := patch.StartTime.Resolve(tmpl.StartTime)
	return patch.buildPattern(kind, base, startTime, anchor)
}

// ConvertToRecurring turns a one-time task into a series template. Date and
// time fields absent from the request keep their current values, nulls
// included.
func (s *Service) ConvertToRecurring(ctx context.Context, ec clock.ExecutionContext, userID, id string, patch TaskPatch) (res *Result, err error) {
	const op = TransitionConvertToRecurring
	ctx, span := s.begin(ctx, op, userID, id)
	defer func() { s.finish(ctx, span, op, res, err) }()

	if err := patch.Validate(); err != nil {
		return nil, err
	}
	kind, ok := patch.requestedKind()
	if !ok || kind == recurrence.KindNone {
		return nil, refused(string(op), "a recurrence other than none is required")
	}
	loc, err := ec.Location()
	if err != nil {
		return nil, err
	}

	var out *persistence.Task
	err = s.store.InTx(ctx, func(tx *persistence.Tx) error {
		t, err := tx.GetTask(ctx, userID, id)
		if err != nil {
			return err
		}
		if err := requireState(string(op), t, StateOneTime); err != nil {
			return err
		}
		patch.applyContent(t)
		patch.applyDates(t)
		patch.applyCompleted(t)

		anchor := clock.DateKey(ec.Now, loc)
		if t.StartDate != nil && *t.StartDate != "" {
			anchor = *t.StartDate
		}
		pattern, err := patch.buildPattern(kind, nil, t.StartTime, anchor)
		if err != nil {
			return err
		}
		t.IsTemplate = true
		t.Recurrence = kind
		t.Pattern = &pattern
		t.EditedInstanceKeys = nil
		t.SkippedInstanceKeys = nil
		t.NextOccurrence = nil
		if err := t.DeriveStartAt(loc); err != nil {
			return invalid("startDate", "%v", err)
		}
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	res = &Result{Transition: op, Task: out}
	res.Generated = s.fill(ctx, ec, out)
	s.bus.Publish(bus.TopicSeriesConverted, bus.ConversionEvent{
		UserID: userID, TaskID: out.ID, From: string(StateOneTime), To: string(StateTemplate),
	})
	return res, nil
}

// ConvertToOneTime turns a template back into a one-time task. Every
// instance of the series is deleted, edited ones included, and all
// recurrence metadata is reset.
func (s *Service) ConvertToOneTime(ctx context.Context, ec clock.ExecutionContext, userID, id string, patch TaskPatch) (res *Result, err error) {
	const op = TransitionConvertToOneTime
	ctx, span := s.begin(ctx, op, userID, id)
	defer func() { s.finish(ctx, span, op, res, err) }()

	if err := patch.Validate(); err != nil {
		return nil, err
	}
	loc, err := ec.Location()
	if err != nil {
		return nil, err
	}

	var (
		out     *persistence.Task
		removed int64
	)
	err = s.store.InTx(ctx, func(tx *persistence.Tx) error {
		t, err := tx.GetTask(ctx, userID, id)
		if err != nil {
			return err
		}
		if err := requireState(string(op), t, StateTemplate); err != nil {
			return err
		}
		if removed, err = tx.DeleteInstances(ctx, userID, t.ID, true); err != nil {
			return err
		}
		t.IsTemplate = false
		t.Recurrence = recurrence.KindNone
		t.Pattern = nil
		t.SeriesID = ""
		t.IsEditedInstance = false
		t.InstanceKey = ""
		t.EditedInstanceKeys = nil
		t.SkippedInstanceKeys = nil
		t.NextOccurrence = nil
		patch.applyContent(t)
		patch.applyDates(t)
		patch.applyCompleted(t)
		if err := t.DeriveStartAt(loc); err != nil {
			return invalid("startDate", "%v", err)
		}
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(bus.TopicSeriesConverted, bus.ConversionEvent{
		UserID: userID, TaskID: out.ID, From: string(StateTemplate), To: string(StateOneTime), Removed: int(removed),
	})
	return &Result{Transition: op, Task: out, Affected: int(removed)}, nil
}

// UpdateRecurrencePattern replaces a template's pattern. Non-edited
// instances are deleted for regeneration; edited instances and the
// template's edited keys survive untouched.
func (s *Service) UpdateRecurrencePattern(ctx context.Context, ec clock.ExecutionContext, userID, id string, patch TaskPatch) (res *Result, err error) {
	const op = TransitionPatternChange
	ctx, span := s.begin(ctx, op, userID, id)
	defer func() { s.finish(ctx, span, op, res, err) }()

	if err := patch.Validate(); err != nil {
		return nil, err
	}
	if kind, ok := patch.requestedKind(); ok && kind == recurrence.KindNone {
		return nil, refused(string(op), "a pattern change needs a recurrence other than none")
	}
	loc, err := ec.Location()
	if err != nil {
		return nil, err
	}
	today := clock.DateKey(ec.Now, loc)

	var (
		out       *persistence.Task
		survivors []persistence.Task
		removed   int64
	)
	err = s.store.InTx(ctx, func(tx *persistence.Tx) error {
		t, err := tx.GetTask(ctx, userID, id)
		if err != nil {
			return err
		}
		if err := requireState(string(op), t, StateTemplate); err != nil {
			return err
		}
		pattern, err := s.mergedPattern(t, patch, today)
		if err != nil {
			return err
		}
		if removed, err = tx.DeleteInstances(ctx, userID, t.ID, false); err != nil {
			return err
		}
		patch.applyContent(t)
		patch.applyDates(t)
		t.Recurrence = pattern.Kind()
		t.Pattern = &pattern
		t.SkippedInstanceKeys = nil
		t.NextOccurrence = nil
		if err := t.DeriveStartAt(loc); err != nil {
			return invalid("startDate", "%v", err)
		}
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		if survivors, err = tx.ListInstances(ctx, userID, t.ID); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	res = &Result{Transition: op, Task: out, Instances: survivors, Affected: int(removed)}
	res.Generated = s.fill(ctx, ec, out)
	s.bus.Publish(bus.TopicSeriesPatternReset, bus.TaskEvent{
		UserID: userID, TaskID: out.ID, SeriesID: out.ID, State: string(StateTemplate), Affected: int(removed),
	})
	return res, nil
}

// UpdateSingleTask edits one row. A plain instance is first promoted to an
// edited instance and its key recorded on the template, so that later
// series operations leave it alone.
func (s *Service) UpdateSingleTask(ctx context.Context, ec clock.ExecutionContext, userID, id string, patch TaskPatch) (res *Result, err error) {
	op := TransitionSingleEdit
	ctx, span := s.begin(ctx, op, userID, id)
	defer func() { s.finish(ctx, span, op, res, err) }()

	if err := patch.Validate(); err != nil {
		return nil, err
	}
	if patch.touchesPattern() {
		return nil, refused(string(op), "recurrence fields can only change with scope=series")
	}
	loc, err := ec.Location()
	if err != nil {
		return nil, err
	}

	var (
		out      *persistence.Task
		promoted bool
	)
	err = s.store.InTx(ctx, func(tx *persistence.Tx) error {
		promoted = false
		t, err := tx.GetTask(ctx, userID, id)
		if err != nil {
			return err
		}
		switch StateOf(t) {
		case StateTemplate:
			return refused(string(op), "task %s is a series template; use scope=series", t.ID)
		case StateInstance:
			key := t.InstanceKey
			if key == "" {
				key = t.SlotKey()
			}
			tmpl, err := tx.GetTask(ctx, userID, t.SeriesID)
			if err != nil {
				return err
			}
			tmpl.EditedInstanceKeys = persistence.AddKey(tmpl.EditedInstanceKeys, key)
			if err := tx.UpdateTask(ctx, tmpl); err != nil {
				return err
			}
			t.IsEditedInstance = true
			t.InstanceKey = key
			promoted = true
		}
		patch.applyContent(t)
		patch.applyDates(t)
		patch.applyCompleted(t)
		if err := t.DeriveStartAt(loc); err != nil {
			return invalid("startDate", "%v", err)
		}
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.SeriesID == "" {
		op = TransitionUpdate
	}
	topic := bus.TopicTaskUpdated
	if promoted {
		topic = bus.TopicInstanceEdited
	}
	s.bus.Publish(topic, bus.TaskEvent{
		UserID: userID, TaskID: out.ID, SeriesID: out.SeriesID, State: string(StateOf(out)), Scope: string(ScopeSingle),
	})
	return &Result{Transition: op, Task: out}, nil
}

// UpdateSeriesTasks edits a template and copies the non-date fields onto
// every non-edited instance. Date fields change on the template only; a new
// startDate is not copied into the pattern anchor here, UpdateTask routes
// that case to UpdateRecurrencePattern.
func (s *Service) UpdateSeriesTasks(ctx context.Context, ec clock.ExecutionContext, userID, id string, patch TaskPatch) (res *Result, err error) {
	const op = TransitionSeriesEdit
	ctx, span := s.begin(ctx, op, userID, id)
	defer func() { s.finish(ctx, span, op, res, err) }()

	if err := patch.Validate(); err != nil {
		return nil, err
	}
	if _, ok := patch.requestedKind(); ok || patch.touchesPattern() {
		return nil, refused(string(op), "recurrence changes are not series edits")
	}
	loc, err := ec.Location()
	if err != nil {
		return nil, err
	}

	var (
		out      *persistence.Task
		affected int64
	)
	err = s.store.InTx(ctx, func(tx *persistence.Tx) error {
		t, err := tx.GetTask(ctx, userID, id)
		if err != nil {
			return err
		}
		if err := requireState(string(op), t, StateTemplate); err != nil {
			return err
		}
		patch.applyContent(t)
		patch.applyDates(t)
		if err := t.DeriveStartAt(loc); err != nil {
			return invalid("startDate", "%v", err)
		}
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
		if affected, err = tx.UpdateSeriesInstances(ctx, userID, t.ID, patch.seriesFields()); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(bus.TopicTaskUpdated, bus.TaskEvent{
		UserID: userID, TaskID: out.ID, SeriesID: out.ID, State: string(StateTemplate),
		Scope: string(ScopeSeries), Affected: int(affected),
	})
	return &Result{Transition: op, Task: out, Affected: int(affected)}, nil
}

// DeleteTask deletes a task. On an instance, scope=series deletes the whole
// series; scope=single deletes the instance and records its key as skipped
// so the buffer does not bring it back.
func (s *Service) DeleteTask(ctx context.Context, userID, id string, scope Scope) (res *Result, err error) {
	op := TransitionDelete
	ctx, span := s.begin(ctx, op, userID, id)
	defer func() { s.finish(ctx, span, op, res, err) }()

	var (
		deleted *persistence.Task
		removed int
		skipped bool
	)
	err = s.store.InTx(ctx, func(tx *persistence.Tx) error {
		skipped = false
		t, err := tx.GetTask(ctx, userID, id)
		if err != nil {
			return err
		}
		if t.IsInstance() {
			tmpl, err := tx.GetTask(ctx, userID, t.SeriesID)
			if err != nil {
				return err
			}
			if scope != ScopeSeries {
				key := t.InstanceKey
				if key == "" {
					key = t.SlotKey()
				}
				tmpl.SkippedInstanceKeys = persistence.AddKey(tmpl.SkippedInstanceKeys, key)
				if err := tx.UpdateTask(ctx, tmpl); err != nil {
					return err
				}
				deleted, skipped = t, true
				return tx.DeleteTask(ctx, userID, t.ID)
			}
			t = tmpl
		}
		if t.IsTemplate {
			instances, err := tx.ListInstances(ctx, userID, t.ID)
			if err != nil {
				return err
			}
			removed = len(instances)
		}
		deleted = t
		return tx.DeleteTask(ctx, userID, t.ID)
	})
	if err != nil {
		return nil, err
	}

	if skipped {
		op = TransitionSkip
	}
	s.bus.Publish(bus.TopicTaskDeleted, bus.TaskEvent{
		UserID: userID, TaskID: deleted.ID, SeriesID: deleted.SeriesID,
		State: string(StateOf(deleted)), Scope: string(scope), Affected: removed,
	})
	return &Result{Transition: op, Task: deleted, Affected: removed}, nil
}

func (s *Service) fill(ctx context.Context, ec clock.ExecutionContext, tmpl *persistence.Task) int {
	if s.filler == nil {
		return 0
	}
	n, err := s.filler.FillSeries(ctx, tmpl.UserID, tmpl.ID, ec.Now)
	if err != nil {
		s.logger.Warn("lifecycle: fill after change failed", "series_id", tmpl.ID, "error", err)
	}
	return n
}

func (s *Service) begin(ctx context.Context, op Transition, userID, taskID string) (context.Context, trace.Span) {
	return otel.StartSpan(ctx, s.tracer, "lifecycle."+string(op),
		otel.AttrTransition.String(string(op)),
		otel.AttrUserID.String(userID),
		otel.AttrTaskID.String(taskID),
	)
}

func (s *Service) finish(ctx context.Context, span trace.Span, op Transition, res *Result, err error) {
	otel.EndSpan(span, err)
	if err != nil {
		s.logger.Debug("lifecycle: transition rejected", "transition", op, "error", err)
		return
	}
	if res != nil {
		op = res.Transition
	}
	if s.metrics != nil {
		s.metrics.Transitions.Add(ctx, 1, metric.WithAttributes(otel.AttrTransition.String(string(op))))
	}
	s.logger.Info("lifecycle: transition committed", "transition", op, "task_id", taskIDOf(res))
}

func taskIDOf(res *Result) string {
	if res == nil || res.Task == nil {
		return ""
	}
	return res.Task.ID
}

func sameSpec(a, b recurrence.Spec) bool {
	return a.Kind == b.Kind &&
		slices.Equal(a.DaysOfWeek, b.DaysOfWeek) &&
		slices.Equal(a.DaysOfMonth, b.DaysOfMonth) &&
		slices.Equal(a.TimesOfDay, b.TimesOfDay) &&
		a.StartDate == b.StartDate &&
		a.EndDate == b.EndDate
}
