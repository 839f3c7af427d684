package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// BufferRun is one persisted maintainer pass.
type BufferRun struct {
	ID         int64     `json:"id"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Processed  int       `json:"processed"`
	Generated  int       `json:"generated"`
	Errors     []string  `json:"errors"`
}

func (s *Store) RecordBufferRun(ctx context.Context, run *BufferRun) error {
	errs, err := encodeKeys(run.Errors)
	if err != nil {
		return fmt.Errorf("encode run errors: %w", err)
	}
	if run.Trigger == "" {
		run.Trigger = "manual"
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO buffer_runs (trigger_source, started_at, finished_at, processed, generated, errors)
			VALUES (?, ?, ?, ?, ?, ?);`,
			run.Trigger, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.Processed, run.Generated, errs)
		if err != nil {
			return fmt.Errorf("record buffer run: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("buffer run id: %w", err)
		}
		run.ID = id
		return nil
	})
}

// RecentBufferRuns returns the newest runs first.
func (s *Store) RecentBufferRuns(ctx context.Context, limit int) ([]BufferRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, trigger_source, started_at, finished_at, processed, generated, errors
		FROM buffer_runs
		ORDER BY run_id DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list buffer runs: %w", err)
	}
	defer rows.Close()
	var out []BufferRun
	for rows.Next() {
		var (
			run  BufferRun
			errs string
		)
		if err := rows.Scan(&run.ID, &run.Trigger, &run.StartedAt, &run.FinishedAt, &run.Processed, &run.Generated, &errs); err != nil {
			return nil, fmt.Errorf("scan buffer run: %w", err)
		}
		if err := json.Unmarshal([]byte(errs), &run.Errors); err != nil {
			return nil, fmt.Errorf("decode buffer run errors: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buffer runs: %w", err)
	}
	return out, nil
}
