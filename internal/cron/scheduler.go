// Package cron triggers the buffer maintainer on a cron schedule from
// inside the daemon. Run state lives in the key/value table so that a
// restart neither skips nor repeats a due run.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-quest/internal/buffer"
)

// TriggerSchedule is the trigger name recorded for scheduled runs.
const TriggerSchedule = "schedule"

const (
	kvNextRun = "buffer.next_run_at"
	kvLastRun = "buffer.last_run_at"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// KV stores the scheduler's run timestamps.
type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

// Runner is one buffer pass.
type Runner interface {
	Run(ctx context.Context, now time.Time, trigger string) (buffer.Summary, error)
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store  KV
	Runner Runner
	Logger *slog.Logger
	// Expr is a 5-field cron expression, e.g. "0 * * * *".
	Expr     string
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	// RunOnStart fires once on the first tick regardless of the schedule.
	RunOnStart bool
	Now        func() time.Time
}

// Scheduler checks the schedule every Interval and runs the maintainer
// when a run is due.
type Scheduler struct {
	store      KV
	runner     Runner
	logger     *slog.Logger
	schedule   cronlib.Schedule
	expr       string
	interval   time.Duration
	runOnStart bool
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the cron expression and creates a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil || cfg.Runner == nil {
		return nil, errors.New("cron: store and runner are required")
	}
	sched, err := cronParser.Parse(cfg.Expr)
	if err != nil {
		return nil, fmt.Errorf("cron: parse %q: %w", cfg.Expr, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:      cfg.Store,
		runner:     cfg.Runner,
		logger:     logger,
		schedule:   sched,
		expr:       cfg.Expr,
		interval:   interval,
		runOnStart: cfg.RunOnStart,
		now:        now,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "expr", s.expr, "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx, s.runOnStart)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, false)
		}
	}
}

// Tick runs the maintainer if the stored next run time has passed, or
// unconditionally when force is set. It reports whether a run happened.
func (s *Scheduler) Tick(ctx context.Context, force bool) bool {
	now := s.now()
	next, err := s.loadTime(ctx, kvNextRun)
	if err != nil {
		s.logger.Error("cron: failed to load next run", "error", err)
		return false
	}
	if next.IsZero() && !force {
		// First start without history: wait for the first scheduled slot.
		s.storeTime(ctx, kvNextRun, s.schedule.Next(now))
		return false
	}
	if !force && now.Before(next) {
		return false
	}
	s.fire(ctx, now)
	return true
}

func (s *Scheduler) fire(ctx context.Context, now time.Time) {
	summary, err := s.runner.Run(ctx, now, TriggerSchedule)
	nextRun := s.schedule.Next(now)
	switch {
	case errors.Is(err, buffer.ErrRunInProgress):
		s.logger.Warn("cron: buffer run skipped, previous run still active")
	case err != nil:
		s.logger.Error("cron: buffer run failed", "error", err)
	default:
		s.storeTime(ctx, kvLastRun, now)
		s.logger.Info("cron: buffer run fired",
			"processed", summary.Processed,
			"generated", summary.Generated,
			"errors", len(summary.Errors),
			"next_run_at", nextRun,
		)
	}
	s.storeTime(ctx, kvNextRun, nextRun)
}

// LastRun returns the time of the last successful scheduled run, or the zero
// time if there was none.
func (s *Scheduler) LastRun(ctx context.Context) (time.Time, error) {
	return s.loadTime(ctx, kvLastRun)
}

func (s *Scheduler) loadTime(ctx context.Context, key string) (time.Time, error) {
	raw, err := s.store.KVGet(ctx, key)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", key, err)
	}
	return t, nil
}

func (s *Scheduler) storeTime(ctx context.Context, key string, t time.Time) {
	if err := s.store.KVSet(ctx, key, t.UTC().Format(time.RFC3339)); err != nil {
		s.logger.Error("cron: failed to store run time", "key", key, "error", err)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
