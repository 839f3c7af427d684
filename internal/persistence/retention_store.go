package persistence

import (
	"context"
	"fmt"
	"time"
)

// AuditRecord is one row of the audit trail.
type AuditRecord struct {
	ID        int64     `json:"id"`
	TraceID   string    `json:"traceId"`
	Subject   string    `json:"subject"`
	Action    string    `json:"action"`
	TaskID    string    `json:"taskId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedAuditLogs  int64 `json:"purged_audit_logs"`
	PurgedBufferRuns int64 `json:"purged_buffer_runs"`
}

// AppendAudit inserts an audit row. Rows are never updated.
func (s *Store) AppendAudit(ctx context.Context, rec AuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var taskID any
	if rec.TaskID != "" {
		taskID = rec.TaskID
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, subject, action, task_id, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, rec.TraceID, rec.Subject, rec.Action, taskID, rec.Detail, rec.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
}

// ListAudit returns the newest audit rows first. A non-empty taskID narrows
// the result to one task.
func (s *Store) ListAudit(ctx context.Context, taskID string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT audit_id, COALESCE(trace_id, ''), COALESCE(subject, ''), action, COALESCE(task_id, ''), COALESCE(detail, ''), created_at
		FROM audit_log`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY audit_id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.ID, &rec.TraceID, &rec.Subject, &rec.Action, &rec.TaskID, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RunRetention deletes audit rows and buffer run history older than
// auditLogDays. Zero keeps everything. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, auditLogDays int, now time.Time) (RetentionResult, error) {
	var result RetentionResult
	if auditLogDays <= 0 {
		return result, nil
	}
	cutoff := now.UTC().AddDate(0, 0, -auditLogDays)

	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge audit_log: %w", err)
	}
	result.PurgedAuditLogs, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM buffer_runs WHERE started_at < ?;`, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge buffer_runs: %w", err)
	}
	result.PurgedBufferRuns, _ = res.RowsAffected()

	return result, nil
}
