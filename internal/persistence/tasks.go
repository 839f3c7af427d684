package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-quest/internal/clock"
	"github.com/basket/go-quest/internal/recurrence"
)

// Task is a row of the tasks table. One table holds one-time tasks, series
// templates and the instances generated from them.
type Task struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	Title       string `json:"title"`
	Description string `json:"context"`
	Category    string `json:"category"`
	XPValue     int    `json:"xpValue"`

	// Calendar date (YYYY-MM-DD) and optional HH:MM, interpreted in the
	// owner's timezone. Nil means unset.
	StartDate *string `json:"startDate"`
	StartTime *string `json:"startTime"`
	DueDate   *string `json:"dueDate"`
	DueTime   *string `json:"dueTime"`
	// StartAt is derived from StartDate/StartTime and used for ordering and
	// range queries.
	StartAt *time.Time `json:"startAt,omitempty"`

	Recurrence recurrence.Kind     `json:"recurrence"`
	Pattern    *recurrence.Pattern `json:"pattern,omitempty"`
	IsTemplate bool                `json:"isTemplate"`

	SeriesID         string `json:"seriesId,omitempty"`
	IsEditedInstance bool   `json:"isEditedInstance"`
	InstanceKey      string `json:"instanceKey,omitempty"`

	EditedInstanceKeys  []string   `json:"editedInstanceKeys,omitempty"`
	SkippedInstanceKeys []string   `json:"skippedInstanceKeys,omitempty"`
	NextOccurrence      *time.Time `json:"nextOccurrence,omitempty"`

	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsInstance reports whether t was generated from a series.
func (t *Task) IsInstance() bool { return t.SeriesID != "" && !t.IsTemplate }

// SlotKey is the instance key derived from t's current start date and time.
func (t *Task) SlotKey() string {
	if t.StartDate == nil {
		return ""
	}
	tod := ""
	if t.StartTime != nil {
		tod = *t.StartTime
	}
	return clock.InstanceKey(*t.StartDate, tod)
}

// DeriveStartAt recomputes StartAt from StartDate and StartTime in loc. A
// missing start time counts as local midnight.
func (t *Task) DeriveStartAt(loc *time.Location) error {
	if t.StartDate == nil || *t.StartDate == "" {
		t.StartAt = nil
		return nil
	}
	day, err := clock.ParseDateKey(*t.StartDate, loc)
	if err != nil {
		return err
	}
	if t.StartTime == nil || *t.StartTime == "" {
		t.StartAt = &day
		return nil
	}
	at, err := clock.MergeDateAndTime(day, *t.StartTime, loc)
	if err != nil {
		return err
	}
	t.StartAt = &at
	return nil
}

// ListFilter narrows ListTasks. Date bounds compare start dates and are
// inclusive.
type ListFilter struct {
	IncludeTemplates bool
	SeriesID         string
	FromDate         string
	ToDate           string
}

// SeriesFields are the non-date fields a series-scope edit copies onto every
// non-edited instance. Nil fields are left alone.
type SeriesFields struct {
	Title       *string
	Description *string
	Category    *string
	XPValue     *int
}

func (f SeriesFields) empty() bool {
	return f.Title == nil && f.Description == nil && f.Category == nil && f.XPValue == nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `
	id, user_id, title, description, category, xp_value,
	start_date, start_time, due_date, due_time, start_at,
	recurrence, pattern, is_template,
	COALESCE(series_id, ''), is_edited_instance, COALESCE(instance_key, ''),
	edited_instance_keys, skipped_instance_keys, next_occurrence,
	completed, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		startDate, startTime, dueDate, dueTime sql.NullString
		startAt, nextOccurrence                sql.NullInt64
		pattern                                sql.NullString
		editedKeys, skippedKeys                string
		recurrenceKind                         string
		isTemplate, isEdited, completed        int
	)
	if err := scanFn(
		&task.ID,
		&task.UserID,
		&task.Title,
		&task.Description,
		&task.Category,
		&task.XPValue,
		&startDate,
		&startTime,
		&dueDate,
		&dueTime,
		&startAt,
		&recurrenceKind,
		&pattern,
		&isTemplate,
		&task.SeriesID,
		&isEdited,
		&task.InstanceKey,
		&editedKeys,
		&skippedKeys,
		&nextOccurrence,
		&completed,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	task.StartDate = nullStringPtr(startDate)
	task.StartTime = nullStringPtr(startTime)
	task.DueDate = nullStringPtr(dueDate)
	task.DueTime = nullStringPtr(dueTime)
	task.StartAt = unixPtr(startAt)
	task.NextOccurrence = unixPtr(nextOccurrence)
	task.Recurrence = recurrence.Kind(recurrenceKind)
	task.IsTemplate = isTemplate != 0
	task.IsEditedInstance = isEdited != 0
	task.Completed = completed != 0

	task.Pattern = nil
	if pattern.Valid && pattern.String != "" && pattern.String != "null" {
		p, err := recurrence.Decode([]byte(pattern.String))
		if err != nil {
			return fmt.Errorf("task %s: %w", task.ID, err)
		}
		task.Pattern = &p
	}
	if err := json.Unmarshal([]byte(editedKeys), &task.EditedInstanceKeys); err != nil {
		return fmt.Errorf("task %s: decode edited instance keys: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(skippedKeys), &task.SkippedInstanceKeys); err != nil {
		return fmt.Errorf("task %s: decode skipped instance keys: %w", task.ID, err)
	}
	return nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func unixPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

func nullable(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func encodeKeys(keys []string) (string, error) {
	if keys == nil {
		keys = []string{}
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encodePattern(p *recurrence.Pattern) (any, error) {
	if p == nil || p.Rule == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode pattern: %w", err)
	}
	return string(b), nil
}

func getTask(ctx context.Context, q querier, userID, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	args := []any{id}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	var t Task
	if err := scanTask(q.QueryRowContext(ctx, query, args...).Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

func insertTask(ctx context.Context, q querier, t *Task, orIgnore bool) (bool, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Recurrence == "" {
		t.Recurrence = recurrence.KindNone
	}
	pattern, err := encodePattern(t.Pattern)
	if err != nil {
		return false, err
	}
	edited, err := encodeKeys(t.EditedInstanceKeys)
	if err != nil {
		return false, fmt.Errorf("encode edited instance keys: %w", err)
	}
	skipped, err := encodeKeys(t.SkippedInstanceKeys)
	if err != nil {
		return false, fmt.Errorf("encode skipped instance keys: %w", err)
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	verb := "INSERT"
	if orIgnore {
		verb = "INSERT OR IGNORE"
	}
	res, err := q.ExecContext(ctx, verb+` INTO tasks (
			id, user_id, title, description, category, xp_value,
			start_date, start_time, due_date, due_time, start_at,
			recurrence, pattern, is_template,
			series_id, is_edited_instance, instance_key,
			edited_instance_keys, skipped_instance_keys, next_occurrence,
			completed, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		t.ID, t.UserID, t.Title, t.Description, t.Category, t.XPValue,
		nullable(t.StartDate), nullable(t.StartTime), nullable(t.DueDate), nullable(t.DueTime), nullableUnix(t.StartAt),
		string(t.Recurrence), pattern, boolToInt(t.IsTemplate),
		nullIfEmpty(t.SeriesID), boolToInt(t.IsEditedInstance), nullIfEmpty(t.InstanceKey),
		edited, skipped, nullableUnix(t.NextOccurrence),
		boolToInt(t.Completed), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("insert task: %w", ErrConflict)
		}
		return false, fmt.Errorf("insert task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert task rows affected: %w", err)
	}
	return n > 0, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func updateTask(ctx context.Context, q querier, t *Task) error {
	pattern, err := encodePattern(t.Pattern)
	if err != nil {
		return err
	}
	edited, err := encodeKeys(t.EditedInstanceKeys)
	if err != nil {
		return fmt.Errorf("encode edited instance keys: %w", err)
	}
	skipped, err := encodeKeys(t.SkippedInstanceKeys)
	if err != nil {
		return fmt.Errorf("encode skipped instance keys: %w", err)
	}
	t.UpdatedAt = time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET
			title = ?, description = ?, category = ?, xp_value = ?,
			start_date = ?, start_time = ?, due_date = ?, due_time = ?, start_at = ?,
			recurrence = ?, pattern = ?, is_template = ?,
			series_id = ?, is_edited_instance = ?, instance_key = ?,
			edited_instance_keys = ?, skipped_instance_keys = ?, next_occurrence = ?,
			completed = ?, updated_at = ?
		WHERE id = ? AND user_id = ?;`,
		t.Title, t.Description, t.Category, t.XPValue,
		nullable(t.StartDate), nullable(t.StartTime), nullable(t.DueDate), nullable(t.DueTime), nullableUnix(t.StartAt),
		string(t.Recurrence), pattern, boolToInt(t.IsTemplate),
		nullIfEmpty(t.SeriesID), boolToInt(t.IsEditedInstance), nullIfEmpty(t.InstanceKey),
		edited, skipped, nullableUnix(t.NextOccurrence),
		boolToInt(t.Completed), t.UpdatedAt,
		t.ID, t.UserID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update task %s: %w", t.ID, ErrConflict)
		}
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func deleteTask(ctx context.Context, q querier, userID, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND user_id = ?;`, id, userID)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func listInstances(ctx context.Context, q querier, userID, seriesID string) ([]Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+`
		FROM tasks
		WHERE series_id = ? AND user_id = ? AND is_template = 0
		ORDER BY start_at ASC, id ASC;`, seriesID, userID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return scanTasks(rows)
}

// GetTask loads a task owned by userID. An empty userID skips the ownership
// check.
func (s *Store) GetTask(ctx context.Context, userID, id string) (*Task, error) {
	return getTask(ctx, s.db, userID, id)
}

// InsertTask stores a new task, assigning an id when t.ID is empty.
func (s *Store) InsertTask(ctx context.Context, t *Task) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := insertTask(ctx, s.db, t, false)
		return err
	})
}

// ListTasks returns userID's tasks ordered by start instant, undated tasks
// last.
func (s *Store) ListTasks(ctx context.Context, userID string, f ListFilter) ([]Task, error) {
	var (
		where = []string{"user_id = ?"}
		args  = []any{userID}
	)
	if !f.IncludeTemplates {
		where = append(where, "is_template = 0")
	}
	if f.SeriesID != "" {
		where = append(where, "(series_id = ? OR id = ?)")
		args = append(args, f.SeriesID, f.SeriesID)
	}
	if f.FromDate != "" {
		where = append(where, "start_date >= ?")
		args = append(args, f.FromDate)
	}
	if f.ToDate != "" {
		where = append(where, "start_date <= ?")
		args = append(args, f.ToDate)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+`
		FROM tasks
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY start_at IS NULL, start_at ASC, created_at ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return scanTasks(rows)
}

// ListTemplateIDs returns the ids and owners of every series template. The
// rows are not decoded, so one malformed pattern cannot hide the others.
func (s *Store) ListTemplateIDs(ctx context.Context) ([]SeriesRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id FROM tasks
		WHERE is_template = 1
		ORDER BY created_at ASC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	var out []SeriesRef
	for rows.Next() {
		var ref SeriesRef
		if err := rows.Scan(&ref.ID, &ref.UserID); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return out, nil
}

// SeriesRef identifies a template row.
type SeriesRef struct {
	ID     string
	UserID string
}

// LatestInstance returns the generated instance with the latest start date,
// or nil when none exists. Edited instances are left out: they survive
// pattern changes and may have been moved, so they say nothing about how far
// the buffer reaches.
func (s *Store) LatestInstance(ctx context.Context, userID, seriesID string) (*Task, error) {
	var t Task
	err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+`
		FROM tasks
		WHERE series_id = ? AND user_id = ? AND is_template = 0 AND is_edited_instance = 0
		ORDER BY start_date DESC, COALESCE(start_time, '') DESC
		LIMIT 1;`, seriesID, userID).Scan, &t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest instance: %w", err)
	}
	return &t, nil
}

// InstancesInRange returns the series instances whose start instant lies in
// [from, to).
func (s *Store) InstancesInRange(ctx context.Context, userID, seriesID string, from, to time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+`
		FROM tasks
		WHERE series_id = ? AND user_id = ? AND is_template = 0
		  AND start_at >= ? AND start_at < ?
		ORDER BY start_at ASC;`, seriesID, userID, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("instances in range: %w", err)
	}
	return scanTasks(rows)
}

// CreateInstances inserts instances in one transaction. Rows colliding with
// an existing (series, start date, start time) slot are skipped. It returns
// the rows actually inserted.
func (s *Store) CreateInstances(ctx context.Context, instances []Task) ([]Task, error) {
	if len(instances) == 0 {
		return nil, nil
	}
	var created []Task
	err := s.InTx(ctx, func(tx *Tx) error {
		created = created[:0]
		for i := range instances {
			inst := instances[i]
			ok, err := insertTask(ctx, tx.tx, &inst, true)
			if err != nil {
				return err
			}
			if ok {
				created = append(created, inst)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create instances: %w", err)
	}
	return created, nil
}

// UpdateNextOccurrence stores the cached display hint on a template.
func (s *Store) UpdateNextOccurrence(ctx context.Context, seriesID string, next time.Time) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET next_occurrence = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND is_template = 1;`, next.Unix(), seriesID)
		if err != nil {
			return fmt.Errorf("update next occurrence: %w", err)
		}
		return nil
	})
}

// Tx scopes task writes to one SQLite transaction.
type Tx struct {
	tx *sql.Tx
}

// InTx runs fn inside a transaction, committing when fn returns nil. A BUSY
// database retries the whole transaction, so fn must not keep state across
// attempts.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = sqlTx.Rollback() }()
		if err := fn(&Tx{tx: sqlTx}); err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (tx *Tx) GetTask(ctx context.Context, userID, id string) (*Task, error) {
	return getTask(ctx, tx.tx, userID, id)
}

func (tx *Tx) InsertTask(ctx context.Context, t *Task) error {
	_, err := insertTask(ctx, tx.tx, t, false)
	return err
}

func (tx *Tx) UpdateTask(ctx context.Context, t *Task) error {
	return updateTask(ctx, tx.tx, t)
}

// DeleteTask deletes one row. Deleting a template cascades to its instances.
func (tx *Tx) DeleteTask(ctx context.Context, userID, id string) error {
	return deleteTask(ctx, tx.tx, userID, id)
}

func (tx *Tx) ListInstances(ctx context.Context, userID, seriesID string) ([]Task, error) {
	return listInstances(ctx, tx.tx, userID, seriesID)
}

// DeleteInstances removes the series' instances. Edited instances survive
// unless includeEdited is set.
func (tx *Tx) DeleteInstances(ctx context.Context, userID, seriesID string, includeEdited bool) (int64, error) {
	query := `DELETE FROM tasks WHERE series_id = ? AND user_id = ? AND is_template = 0`
	if !includeEdited {
		query += ` AND is_edited_instance = 0`
	}
	res, err := tx.tx.ExecContext(ctx, query, seriesID, userID)
	if err != nil {
		return 0, fmt.Errorf("delete instances: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete instances rows affected: %w", err)
	}
	return n, nil
}

// UpdateSeriesInstances copies f onto every non-edited instance of the
// series and returns the number of rows touched.
func (tx *Tx) UpdateSeriesInstances(ctx context.Context, userID, seriesID string, f SeriesFields) (int64, error) {
	if f.empty() {
		return 0, nil
	}
	var (
		sets []string
		args []any
	)
	if f.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *f.Title)
	}
	if f.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *f.Description)
	}
	if f.Category != nil {
		sets = append(sets, "category = ?")
		args = append(args, *f.Category)
	}
	if f.XPValue != nil {
		sets = append(sets, "xp_value = ?")
		args = append(args, *f.XPValue)
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, seriesID, userID)
	res, err := tx.tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+`
		WHERE series_id = ? AND user_id = ? AND is_template = 0 AND is_edited_instance = 0;`, args...)
	if err != nil {
		return 0, fmt.Errorf("update series instances: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update series instances rows affected: %w", err)
	}
	return n, nil
}

// AddKey appends key to keys unless it is already present.
func AddKey(keys []string, key string) []string {
	if key == "" || slices.Contains(keys, key) {
		return keys
	}
	return append(keys, key)
}
