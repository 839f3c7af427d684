// Package buffer keeps a rolling window of future task instances
// materialized for every active recurring series.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
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

const (
	// DefaultDailyHorizonDays is how many days (today included) a daily
	// series is kept materialized.
	DefaultDailyHorizonDays = 30
	// DefaultPeriodCount is how many matching occurrences ahead a weekly or
	// monthly series is kept materialized, and the per-run generation cap.
	DefaultPeriodCount = 12
)

// ErrRunInProgress is returned when Run is called while another run in the
// same process has not finished.
var ErrRunInProgress = errors.New("buffer run already in progress")

// Store is the persistence the maintainer needs.
type Store interface {
	ListTemplateIDs(ctx context.Context) ([]persistence.SeriesRef, error)
	GetTask(ctx context.Context, userID, id string) (*persistence.Task, error)
	LatestInstance(ctx context.Context, userID, seriesID string) (*persistence.Task, error)
	InstancesInRange(ctx context.Context, userID, seriesID string, from, to time.Time) ([]persistence.Task, error)
	CreateInstances(ctx context.Context, instances []persistence.Task) ([]persistence.Task, error)
	UpdateNextOccurrence(ctx context.Context, seriesID string, next time.Time) error
	UserTimeZone(ctx context.Context, userID string) (string, error)
	RecordBufferRun(ctx context.Context, run *persistence.BufferRun) error
}

// Config holds the maintainer's dependencies and policy.
type Config struct {
	Store   Store
	Logger  *slog.Logger
	Bus     *bus.Bus
	Tracer  trace.Tracer
	Metrics *otel.Metrics
	// DefaultTimeZone applies to users without a stored preference.
	DefaultTimeZone string
	// DailyHorizonDays and PeriodCount default to the package constants.
	DailyHorizonDays int
	PeriodCount      int
	Limits           recurrence.Limits
}

// Summary is the outcome of one run.
type Summary struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Processed int       `json:"processed"`
	Generated int       `json:"generated"`
	Errors    []string  `json:"errors"`
}

// Maintainer fills series buffers. Series are processed sequentially, each
// in its own error boundary.
type Maintainer struct {
	store     Store
	logger    *slog.Logger
	bus       *bus.Bus
	tracer    trace.Tracer
	metrics   *otel.Metrics
	defaultTZ string
	dailyDays int
	periods   int
	limits    recurrence.Limits
	running   sync.Mutex
	lastSumMu sync.RWMutex
	lastSum   *Summary
}

// New creates a Maintainer with the given config.
func New(cfg Config) *Maintainer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	dailyDays := cfg.DailyHorizonDays
	if dailyDays <= 0 {
		dailyDays = DefaultDailyHorizonDays
	}
	periods := cfg.PeriodCount
	if periods <= 0 {
		periods = DefaultPeriodCount
	}
	return &Maintainer{
		store:     cfg.Store,
		logger:    logger,
		bus:       cfg.Bus,
		tracer:    tracer,
		metrics:   cfg.Metrics,
		defaultTZ: cfg.DefaultTimeZone,
		dailyDays: dailyDays,
		periods:   periods,
		limits:    cfg.Limits,
	}
}

// LastSummary returns the most recent run's summary, or nil before the first
// run.
func (m *Maintainer) LastSummary() *Summary {
	m.lastSumMu.RLock()
	defer m.lastSumMu.RUnlock()
	if m.lastSum == nil {
		return nil
	}
	s := *m.lastSum
	s.Errors = slices.Clone(s.Errors)
	return &s
}

// Run processes every active series as of now. A failure in one series is
// recorded in the summary and never stops the run. Only a failure to list
// the series, or an overlapping run, is returned as an error.
func (m *Maintainer) Run(ctx context.Context, now time.Time, trigger string) (Summary, error) {
	if !m.running.TryLock() {
		return Summary{}, ErrRunInProgress
	}
	defer m.running.Unlock()

	started := time.Now()
	ctx, span := otel.StartSpan(ctx, m.tracer, "buffer.run", otel.AttrTrigger.String(trigger))
	summary := Summary{Timestamp: now.UTC(), Errors: []string{}}

	refs, err := m.store.ListTemplateIDs(ctx)
	if err != nil {
		otel.EndSpan(span, err)
		return Summary{}, fmt.Errorf("list series: %w", err)
	}
	if m.metrics != nil {
		m.metrics.BufferRuns.Add(ctx, 1, metric.WithAttributes(otel.AttrTrigger.String(trigger)))
	}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", ref.ID, err))
			break
		}
		res, err := m.processSeries(ctx, ref, now)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", ref.ID, err))
			summary.Processed++
			m.logger.Error("buffer: series failed", "series_id", ref.ID, "user_id", ref.UserID, "error", err)
			m.bus.Publish(bus.TopicBufferSeriesError, bus.BufferSeriesEvent{UserID: ref.UserID, SeriesID: ref.ID, Error: err.Error()})
			if m.metrics != nil {
				m.metrics.SeriesErrors.Add(ctx, 1)
			}
			continue
		}
		if !res.active {
			continue
		}
		summary.Processed++
		summary.Generated += res.generated
	}
	summary.Success = true

	finished := time.Now()
	span.SetAttributes(otel.AttrGenerated.Int(summary.Generated))
	otel.EndSpan(span, nil)
	if m.metrics != nil {
		m.metrics.BufferRunDuration.Record(ctx, finished.Sub(started).Seconds())
	}

	run := &persistence.BufferRun{
		Trigger:    trigger,
		StartedAt:  started,
		FinishedAt: finished,
		Processed:  summary.Processed,
		Generated:  summary.Generated,
		Errors:     summary.Errors,
	}
	if err := m.store.RecordBufferRun(context.WithoutCancel(ctx), run); err != nil {
		m.logger.Warn("buffer: failed to record run", "error", err)
	}

	m.logger.Info("buffer: run finished",
		"trigger", trigger,
		"processed", summary.Processed,
		"generated", summary.Generated,
		"errors", len(summary.Errors),
		"duration_ms", finished.Sub(started).Milliseconds(),
	)
	m.bus.Publish(bus.TopicBufferRunFinished, bus.BufferRunEvent{
		Trigger:   trigger,
		Processed: summary.Processed,
		Generated: summary.Generated,
		Errors:    len(summary.Errors),
	})

	m.lastSumMu.Lock()
	stored := summary
	stored.Errors = slices.Clone(summary.Errors)
	m.lastSum = &stored
	m.lastSumMu.Unlock()
	return summary, nil
}

// FillSeries runs the fill for one series right away, e.g. after it was
// created or its pattern changed. A never-materialized series is seeded and
// then filled in the same call.
func (m *Maintainer) FillSeries(ctx context.Context, userID, seriesID string, now time.Time) (int, error) {
	ref := persistence.SeriesRef{ID: seriesID, UserID: userID}
	total := 0
	for pass := 0; pass < 2; pass++ {
		res, err := m.processSeries(ctx, ref, now)
		if err != nil {
			return total, err
		}
		total += res.generated
		if !res.bootstrapped || res.generated == 0 {
			break
		}
	}
	return total, nil
}

type seriesResult struct {
	active       bool
	bootstrapped bool
	generated    int
}

// processSeries is the per-series error boundary. A panic is converted into
// an error for this series only.
func (m *Maintainer) processSeries(ctx context.Context, ref persistence.SeriesRef, now time.Time) (res seriesResult, err error) {
	ctx, span := otel.StartSpan(ctx, m.tracer, "buffer.series",
		otel.AttrSeriesID.String(ref.ID),
		otel.AttrUserID.String(ref.UserID),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		span.SetAttributes(otel.AttrGenerated.Int(res.generated))
		otel.EndSpan(span, err)
	}()
	return m.fillSeries(ctx, ref, now)
}

func (m *Maintainer) fillSeries(ctx context.Context, ref persistence.SeriesRef, now time.Time) (seriesResult, error) {
	var res seriesResult
	tmpl, err := m.store.GetTask(ctx, ref.UserID, ref.ID)
	if err != nil {
		return res, err
	}
	if !tmpl.IsTemplate || tmpl.Pattern == nil || tmpl.Pattern.Rule == nil {
		return res, fmt.Errorf("%w: template has no recurrence pattern", recurrence.ErrInvalidPattern)
	}
	pattern := *tmpl.Pattern

	tz, err := m.store.UserTimeZone(ctx, tmpl.UserID)
	if err != nil {
		return res, err
	}
	if tz == "" {
		tz = m.defaultTZ
	}
	ec := clock.ExecutionContext{Now: now, TimeZone: tz}
	loc, err := ec.Location()
	if err != nil {
		return res, err
	}
	if !pattern.ActiveAt(ec.Now, loc) {
		return res, nil
	}
	res.active = true

	last, err := m.store.LatestInstance(ctx, tmpl.UserID, tmpl.ID)
	if err != nil {
		return res, err
	}

	today := clock.StartOfDay(ec.Now, loc)
	horizonKey := m.horizonKey(pattern, today, loc)
	var instances []persistence.Task
	if last == nil {
		res.bootstrapped = true
		instances, err = m.bootstrap(ctx, tmpl, pattern, today, horizonKey, loc)
		if err != nil {
			return res, err
		}
	} else {
		lastDay, err := instanceDay(last, loc)
		if err != nil {
			return res, err
		}
		days, err := m.candidates(pattern, lastDay, horizonKey, loc)
		if err != nil {
			return res, err
		}
		instances, err = m.fanOut(ctx, tmpl, pattern, days, loc)
		if err != nil {
			return res, err
		}
	}
	if len(instances) == 0 {
		return res, nil
	}

	created, err := m.store.CreateInstances(ctx, instances)
	if err != nil {
		return res, err
	}
	res.generated = len(created)
	if len(created) == 0 {
		return res, nil
	}

	var next time.Time
	dates := make([]string, 0, len(created))
	for _, inst := range created {
		if inst.StartAt != nil && inst.StartAt.After(next) {
			next = *inst.StartAt
		}
		if inst.StartDate != nil && !slices.Contains(dates, *inst.StartDate) {
			dates = append(dates, *inst.StartDate)
		}
	}
	if err := m.store.UpdateNextOccurrence(ctx, tmpl.ID, next); err != nil {
		return res, err
	}

	if m.metrics != nil {
		m.metrics.InstancesCreated.Add(ctx, int64(len(created)),
			metric.WithAttributes(otel.AttrRecurrence.String(string(pattern.Kind()))))
	}
	m.logger.Debug("buffer: series filled",
		"series_id", tmpl.ID,
		"recurrence", pattern.Kind(),
		"generated", len(created),
		"bootstrap", res.bootstrapped,
	)
	m.bus.Publish(bus.TopicBufferGenerated, bus.BufferSeriesEvent{
		UserID:    tmpl.UserID,
		SeriesID:  tmpl.ID,
		Generated: len(created),
		Dates:     dates,
	})
	return res, nil
}

// bootstrap seeds a series that has no generated instance with its first
// free occurrence on or after today. Occurrences taken by edited or removed
// slots are passed over while they lie within horizonKey.
func (m *Maintainer) bootstrap(ctx context.Context, tmpl *persistence.Task, p recurrence.Pattern, today time.Time, horizonKey string, loc *time.Location) ([]persistence.Task, error) {
	base := clock.AddCalendarDays(today, -1, loc)
	first := true
	for {
		next, ok := m.limits.FindNextOccurrence(p, base, loc, nil)
		if !ok {
			return nil, nil
		}
		// The first occurrence seeds the series even past the horizon.
		if !first && clock.DateKey(next, loc) > horizonKey {
			return nil, nil
		}
		first = false
		instances, err := m.fanOut(ctx, tmpl, p, []time.Time{next}, loc)
		if err != nil || len(instances) > 0 {
			return instances, err
		}
		base = next
	}
}

// horizonKey is the last date key the buffer must cover. Daily series cover
// today plus DailyHorizonDays-1 days. Weekly and monthly series cover up to
// the PeriodCount-th matching occurrence counted from today, or PeriodCount-1
// periods from today when the pattern matches less often than that.
//
// Counting occurrences rather than periods keeps a multi-day pattern at
// PeriodCount instances: Mon/Wed reaches about six weeks ahead, not eleven.
// A pattern with one day per period gets both readings at once.
func (m *Maintainer) horizonKey(p recurrence.Pattern, today time.Time, loc *time.Location) string {
	switch p.Rule.(type) {
	case recurrence.Daily:
		return clock.DateKey(clock.AddCalendarDays(today, m.dailyDays-1, loc), loc)
	case recurrence.Weekly:
		if occ := m.limits.GenerateOccurrences(p, today, loc, m.periods); len(occ) == m.periods {
			return clock.DateKey(occ[len(occ)-1], loc)
		}
		return clock.DateKey(clock.AddCalendarDays(today, 7*(m.periods-1), loc), loc)
	default:
		if occ := m.limits.GenerateOccurrences(p, today, loc, m.periods); len(occ) == m.periods {
			return clock.DateKey(occ[len(occ)-1], loc)
		}
		return clock.DateKey(clock.AddCalendarMonths(today, m.periods-1, loc), loc)
	}
}

// candidates lists the occurrence days after lastDay up to horizonKey.
func (m *Maintainer) candidates(p recurrence.Pattern, lastDay time.Time, horizonKey string, loc *time.Location) ([]time.Time, error) {
	lastKey := clock.DateKey(lastDay, loc)
	if _, ok := p.Rule.(recurrence.Daily); ok {
		var out []time.Time
		key, err := clock.NextDateKey(lastKey)
		if err != nil {
			return nil, err
		}
		for key <= horizonKey {
			if p.EndDate != "" && key > p.EndDate {
				break
			}
			if p.StartDate == "" || key >= p.StartDate {
				day, err := clock.ParseDateKey(key, loc)
				if err != nil {
					return nil, err
				}
				out = append(out, day)
			}
			if key, err = clock.NextDateKey(key); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	from := clock.AddCalendarDays(lastDay, 1, loc)
	occ := m.limits.GenerateOccurrences(p, from, loc, m.periods)
	out := occ[:0]
	for _, d := range occ {
		if clock.DateKey(d, loc) <= horizonKey {
			out = append(out, d)
		}
	}
	return out, nil
}

// fanOut builds one instance per time of day for each day that has no
// instance yet. Days or slots the user removed or moved away are not
// regenerated.
func (m *Maintainer) fanOut(ctx context.Context, tmpl *persistence.Task, p recurrence.Pattern, days []time.Time, loc *time.Location) ([]persistence.Task, error) {
	var out []persistence.Task
	for _, day := range days {
		start := clock.StartOfDay(day, loc)
		existing, err := m.store.InstancesInRange(ctx, tmpl.UserID, tmpl.ID, start, clock.AddCalendarDays(start, 1, loc))
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			continue
		}
		dateKey := clock.DateKey(start, loc)
		for _, tod := range p.TimesOfDay {
			key := clock.InstanceKey(dateKey, tod)
			if slices.Contains(tmpl.SkippedInstanceKeys, key) || slices.Contains(tmpl.EditedInstanceKeys, key) {
				continue
			}
			inst, err := newInstance(tmpl, dateKey, tod, key, loc)
			if err != nil {
				return nil, err
			}
			out = append(out, inst)
		}
	}
	return out, nil
}

func newInstance(tmpl *persistence.Task, dateKey, tod, key string, loc *time.Location) (persistence.Task, error) {
	d, t := dateKey, tod
	inst := persistence.Task{
		UserID:      tmpl.UserID,
		Title:       tmpl.Title,
		Description: tmpl.Description,
		Category:    tmpl.Category,
		XPValue:     tmpl.XPValue,
		StartDate:   &d,
		StartTime:   &t,
		Recurrence:  tmpl.Recurrence,
		SeriesID:    tmpl.ID,
		InstanceKey: key,
	}
	// Only series with a due date or time get dated instances; optional
	// tasks stay date-less on the due side.
	if tmpl.DueDate != nil || tmpl.DueTime != nil {
		due := dateKey
		inst.DueDate = &due
		if tmpl.DueTime != nil {
			dt := *tmpl.DueTime
			inst.DueTime = &dt
		}
	}
	if err := inst.DeriveStartAt(loc); err != nil {
		return persistence.Task{}, err
	}
	return inst, nil
}

func instanceDay(t *persistence.Task, loc *time.Location) (time.Time, error) {
	if t.StartDate != nil && *t.StartDate != "" {
		return clock.ParseDateKey(*t.StartDate, loc)
	}
	if t.StartAt != nil {
		return clock.StartOfDay(*t.StartAt, loc), nil
	}
	return time.Time{}, fmt.Errorf("instance %s has no start date", t.ID)
}
