// Package audit keeps an append-only trail of task mutations and buffer
// runs, both as JSON lines under <home>/logs and in the audit_log table.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-quest/internal/bus"
	"github.com/basket/go-quest/internal/persistence"
	"github.com/basket/go-quest/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Appender persists audit rows.
type Appender interface {
	AppendAudit(ctx context.Context, rec persistence.AuditRecord) error
}

var (
	mu          sync.Mutex
	file        *os.File
	store       Appender
	recordCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetStore configures the audit_log table writer.
func SetStore(a Appender) {
	mu.Lock()
	defer mu.Unlock()
	store = a
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	store = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RecordCount returns the number of entries written since startup.
func RecordCount() int64 {
	return recordCount.Load()
}

// Record writes one audit entry. Secrets in subject and detail are redacted
// before they reach disk.
func Record(ctx context.Context, action, subject, taskID, detail string) {
	recordCount.Add(1)

	subject = shared.Redact(subject)
	detail = shared.Redact(detail)
	traceID := shared.TraceID(ctx)
	now := time.Now().UTC()

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(entry{
			Timestamp: now.Format(time.RFC3339Nano),
			TraceID:   traceID,
			Action:    action,
			Subject:   subject,
			TaskID:    taskID,
			Detail:    detail,
		})
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if store != nil {
		_ = store.AppendAudit(ctx, persistence.AuditRecord{
			TraceID:   traceID,
			Subject:   subject,
			Action:    action,
			TaskID:    taskID,
			Detail:    detail,
			CreatedAt: now,
		})
	}
}

// Follow records every task, series and buffer-run event published on b
// until ctx is cancelled. The returned channel closes once the subscriber
// has drained.
func Follow(ctx context.Context, b *bus.Bus) <-chan struct{} {
	sub := b.Subscribe("task.", "series.", bus.TopicBufferRunFinished, bus.TopicBufferSeriesError)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				recordEvent(ctx, ev)
			}
		}
	}()
	return done
}

func recordEvent(ctx context.Context, ev bus.Event) {
	var subject, taskID string
	switch p := ev.Payload.(type) {
	case bus.TaskEvent:
		subject, taskID = p.UserID, p.TaskID
	case bus.ConversionEvent:
		subject, taskID = p.UserID, p.TaskID
	case bus.BufferSeriesEvent:
		subject, taskID = p.UserID, p.SeriesID
	case bus.BufferRunEvent:
		subject = "buffer:" + p.Trigger
	}
	detail, err := json.Marshal(ev.Payload)
	if err != nil {
		detail = nil
	}
	Record(ctx, ev.Topic, subject, taskID, string(detail))
}
