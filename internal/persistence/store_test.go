package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-quest/internal/persistence"
	"github.com/basket/go-quest/internal/recurrence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "goquest.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func strp(s string) *string { return &s }

func weeklyPattern(t *testing.T, days ...int) *recurrence.Pattern {
	t.Helper()
	p, err := recurrence.Spec{Kind: recurrence.KindWeekly, DaysOfWeek: days, TimesOfDay: []string{"07:00"}, StartDate: "2026-10-01"}.Pattern()
	if err != nil {
		t.Fatalf("pattern: %v", err)
	}
	return &p
}

func insertTemplate(t *testing.T, store *persistence.Store, userID string) *persistence.Task {
	t.Helper()
	tmpl := &persistence.Task{
		UserID:     userID,
		Title:      "Gym",
		Category:   "health",
		XPValue:    20,
		Recurrence: recurrence.KindWeekly,
		Pattern:    weeklyPattern(t, 1, 3),
		IsTemplate: true,
		StartDate:  strp("2026-10-01"),
	}
	if err := store.InsertTask(context.Background(), tmpl); err != nil {
		t.Fatalf("insert template: %v", err)
	}
	return tmpl
}

func instance(tmpl *persistence.Task, date, tod string) persistence.Task {
	inst := persistence.Task{
		UserID:      tmpl.UserID,
		Title:       tmpl.Title,
		Category:    tmpl.Category,
		XPValue:     tmpl.XPValue,
		Recurrence:  tmpl.Recurrence,
		SeriesID:    tmpl.ID,
		StartDate:   strp(date),
		StartTime:   strp(tod),
		InstanceKey: date + "T" + tod,
	}
	_ = inst.DeriveStartAt(time.UTC)
	return inst
}

func TestOpen_SchemaLedger(t *testing.T) {
	store, dbPath := openTestStore(t)
	if got := queryOneString(t, store.DB(), "SELECT CAST(MAX(version) AS TEXT) FROM schema_migrations"); got != "2" {
		t.Fatalf("expected schema version 2, got %s", got)
	}
	if got := queryOneString(t, store.DB(), "PRAGMA journal_mode"); got != "wal" {
		t.Fatalf("expected WAL journal mode, got %s", got)
	}
	_ = store.Close()

	reopened, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if got := queryOneString(t, reopened.DB(), "SELECT CAST(COUNT(*) AS TEXT) FROM schema_migrations"); got != "2" {
		t.Fatalf("expected 2 ledger rows after reopen, got %s", got)
	}
}

func TestOpen_RejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 2`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()
	if _, err := persistence.Open(dbPath); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestTaskRoundTrip_PreservesNulls(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := &persistence.Task{UserID: "u1", Title: "Stretch", StartDate: strp("2026-10-14")}
	if err := store.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if task.ID == "" {
		t.Fatal("expected generated id")
	}
	got, err := store.GetTask(ctx, "u1", task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DueDate != nil || got.DueTime != nil || got.StartTime != nil {
		t.Fatalf("expected null due/start time, got %+v", got)
	}
	if got.StartDate == nil || *got.StartDate != "2026-10-14" {
		t.Fatalf("unexpected start date %v", got.StartDate)
	}
	if got.Recurrence != recurrence.KindNone || got.Pattern != nil {
		t.Fatalf("expected one-time task, got %s %v", got.Recurrence, got.Pattern)
	}

	if _, err := store.GetTask(ctx, "someone-else", task.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign user, got %v", err)
	}
}

func TestTemplateRoundTrip_DecodesPattern(t *testing.T) {
	store, _ := openTestStore(t)
	tmpl := insertTemplate(t, store, "u1")

	got, err := store.GetTask(context.Background(), "", tmpl.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Pattern == nil {
		t.Fatal("expected decoded pattern")
	}
	w, ok := got.Pattern.Rule.(recurrence.Weekly)
	if !ok || len(w.Days) != 2 || w.Days[0] != time.Monday || w.Days[1] != time.Wednesday {
		t.Fatalf("unexpected rule %#v", got.Pattern.Rule)
	}
	if !got.IsTemplate {
		t.Fatal("expected template flag")
	}
}

func TestGetTask_MalformedPatternIsError(t *testing.T) {
	store, _ := openTestStore(t)
	tmpl := insertTemplate(t, store, "u1")
	if _, err := store.DB().Exec(`UPDATE tasks SET pattern = '{"kind":"weekly","timesOfDay":["07:00"]}' WHERE id = ?`, tmpl.ID); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	_, err := store.GetTask(context.Background(), "", tmpl.ID)
	if !errors.Is(err, recurrence.ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern, got %v", err)
	}
	refs, err := store.ListTemplateIDs(context.Background())
	if err != nil || len(refs) != 1 {
		t.Fatalf("template ids should still list: %v %v", refs, err)
	}
}

func TestCreateInstances_IgnoresDuplicateSlots(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	tmpl := insertTemplate(t, store, "u1")

	first, err := store.CreateInstances(ctx, []persistence.Task{
		instance(tmpl, "2026-10-19", "07:00"),
		instance(tmpl, "2026-10-21", "07:00"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 created, got %d", len(first))
	}

	second, err := store.CreateInstances(ctx, []persistence.Task{
		instance(tmpl, "2026-10-21", "07:00"),
		instance(tmpl, "2026-10-26", "07:00"),
	})
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if len(second) != 1 || *second[0].StartDate != "2026-10-26" {
		t.Fatalf("expected only the new slot, got %+v", second)
	}

	all, err := store.ListTasks(ctx, "u1", persistence.ListFilter{SeriesID: tmpl.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(all))
	}
}

func TestLatestInstanceAndRange(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	tmpl := insertTemplate(t, store, "u1")

	latest, err := store.LatestInstance(ctx, "u1", tmpl.ID)
	if err != nil || latest != nil {
		t.Fatalf("expected no instance yet, got %v %v", latest, err)
	}
	if _, err := store.CreateInstances(ctx, []persistence.Task{
		instance(tmpl, "2026-10-19", "07:00"),
		instance(tmpl, "2026-10-21", "07:00"),
		instance(tmpl, "2026-10-21", "18:00"),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	latest, err = store.LatestInstance(ctx, "u1", tmpl.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.SlotKey() != "2026-10-21T18:00" {
		t.Fatalf("unexpected latest %+v", latest)
	}

	// Edited instances do not count toward the buffer's reach.
	latest.IsEditedInstance = true
	if err := store.InTx(ctx, func(tx *persistence.Tx) error {
		return tx.UpdateTask(ctx, latest)
	}); err != nil {
		t.Fatalf("mark edited: %v", err)
	}
	latest, err = store.LatestInstance(ctx, "u1", tmpl.ID)
	if err != nil {
		t.Fatalf("latest after edit: %v", err)
	}
	if latest == nil || latest.SlotKey() != "2026-10-21T07:00" {
		t.Fatalf("latest must skip edited instances, got %+v", latest)
	}

	day := time.Date(2026, 10, 21, 0, 0, 0, 0, time.UTC)
	inRange, err := store.InstancesInRange(ctx, "u1", tmpl.ID, day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(inRange) != 2 {
		t.Fatalf("expected 2 instances on 2026-10-21, got %d", len(inRange))
	}
	other, err := store.InstancesInRange(ctx, "u2", tmpl.ID, day, day.AddDate(0, 0, 1))
	if err != nil || len(other) != 0 {
		t.Fatalf("range must be scoped to the user, got %d %v", len(other), err)
	}
}

func TestDeleteTemplate_CascadesToInstances(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	tmpl := insertTemplate(t, store, "u1")
	if _, err := store.CreateInstances(ctx, []persistence.Task{
		instance(tmpl, "2026-10-19", "07:00"),
		instance(tmpl, "2026-10-21", "07:00"),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.InTx(ctx, func(tx *persistence.Tx) error {
		return tx.DeleteTask(ctx, "u1", tmpl.ID)
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := queryOneString(t, store.DB(), "SELECT CAST(COUNT(*) AS TEXT) FROM tasks"); got != "0" {
		t.Fatalf("expected cascade to remove instances, %s rows left", got)
	}
}

func TestSeriesBulkOps_SkipEditedInstances(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	tmpl := insertTemplate(t, store, "u1")
	edited := instance(tmpl, "2026-10-19", "07:00")
	edited.IsEditedInstance = true
	edited.Title = "Leg day"
	if _, err := store.CreateInstances(ctx, []persistence.Task{
		edited,
		instance(tmpl, "2026-10-21", "07:00"),
		instance(tmpl, "2026-10-26", "07:00"),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := store.InTx(ctx, func(tx *persistence.Tx) error {
		n, err := tx.UpdateSeriesInstances(ctx, "u1", tmpl.ID, persistence.SeriesFields{Title: strp("Gym (new)")})
		if err != nil {
			return err
		}
		if n != 2 {
			t.Errorf("expected 2 updated rows, got %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("bulk update: %v", err)
	}

	var deleted int64
	err = store.InTx(ctx, func(tx *persistence.Tx) error {
		var err error
		deleted, err = tx.DeleteInstances(ctx, "u1", tmpl.ID, false)
		return err
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted rows, got %d", deleted)
	}
	rest, err := store.ListTasks(ctx, "u1", persistence.ListFilter{SeriesID: tmpl.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rest) != 1 || rest[0].Title != "Leg day" || !rest[0].IsEditedInstance {
		t.Fatalf("expected only the untouched edited instance, got %+v", rest)
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx *persistence.Tx) error {
		if err := tx.InsertTask(ctx, &persistence.Task{UserID: "u1", Title: "never"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := queryOneString(t, store.DB(), "SELECT CAST(COUNT(*) AS TEXT) FROM tasks"); got != "0" {
		t.Fatalf("expected rollback, %s rows present", got)
	}
}

func TestUpdateTask_SlotConflict(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	tmpl := insertTemplate(t, store, "u1")
	created, err := store.CreateInstances(ctx, []persistence.Task{
		instance(tmpl, "2026-10-19", "07:00"),
		instance(tmpl, "2026-10-21", "07:00"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	moved := created[0]
	moved.StartDate = strp("2026-10-21")
	err = store.InTx(ctx, func(tx *persistence.Tx) error { return tx.UpdateTask(ctx, &moved) })
	if !errors.Is(err, persistence.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUsersAndTimeZone(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	tz, err := store.UserTimeZone(ctx, "missing")
	if err != nil || tz != "" {
		t.Fatalf("expected empty zone for missing user, got %q %v", tz, err)
	}
	if err := store.EnsureUser(ctx, "u1", "Europe/Berlin"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := store.EnsureUser(ctx, "u1", "UTC"); err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if tz, _ := store.UserTimeZone(ctx, "u1"); tz != "Europe/Berlin" {
		t.Fatalf("EnsureUser must not overwrite, got %q", tz)
	}
	if err := store.UpsertUser(ctx, &persistence.User{ID: "u1", DisplayName: "Ada", TimeZone: "Asia/Seoul"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	u, err := store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.TimeZone != "Asia/Seoul" || u.DisplayName != "Ada" {
		t.Fatalf("unexpected user %+v", u)
	}
	if _, err := store.GetUser(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBufferRunsAndKV(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 10, 14, 3, 0, 0, 0, time.UTC)
	run := &persistence.BufferRun{
		Trigger:    "cron",
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
		Processed:  3,
		Generated:  7,
		Errors:     []string{"abc: invalid recurrence pattern"},
	}
	if err := store.RecordBufferRun(ctx, run); err != nil {
		t.Fatalf("record: %v", err)
	}
	if run.ID == 0 {
		t.Fatal("expected run id")
	}
	runs, err := store.RecentBufferRuns(ctx, 5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 1 || runs[0].Generated != 7 || len(runs[0].Errors) != 1 || runs[0].Trigger != "cron" {
		t.Fatalf("unexpected runs %+v", runs)
	}

	if v, err := store.KVGet(ctx, "missing"); err != nil || v != "" {
		t.Fatalf("expected empty value, got %q %v", v, err)
	}
	if err := store.KVSet(ctx, "k", "v1"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	if err := store.KVSet(ctx, "k", "v2"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	if v, _ := store.KVGet(ctx, "k"); v != "v2" {
		t.Fatalf("expected v2, got %q", v)
	}
}
