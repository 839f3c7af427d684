package bus

// Task lifecycle topics.
const (
	TopicTaskCreated        = "task.created"
	TopicTaskUpdated        = "task.updated"
	TopicTaskDeleted        = "task.deleted"
	TopicSeriesConverted    = "series.converted"
	TopicSeriesPatternReset = "series.pattern_changed"
	TopicInstanceEdited     = "series.instance_edited"
)

// Buffer maintainer topics.
const (
	TopicBufferGenerated   = "buffer.generated"
	TopicBufferSeriesError = "buffer.series_error"
	TopicBufferRunFinished = "buffer.run_finished"
)

// TaskEvent describes a single task mutation.
type TaskEvent struct {
	UserID   string `json:"userId"`
	TaskID   string `json:"taskId"`
	SeriesID string `json:"seriesId,omitempty"`
	// State is the task's lifecycle state after the change.
	State string `json:"state,omitempty"`
	Scope string `json:"scope,omitempty"`
	// Affected counts the instances touched by a series operation.
	Affected int `json:"affected,omitempty"`
}

// ConversionEvent is published when a task moves between one-time and
// template.
type ConversionEvent struct {
	UserID string `json:"userId"`
	TaskID string `json:"taskId"`
	From   string `json:"from"`
	To     string `json:"to"`
	// Removed counts the instances deleted by the conversion.
	Removed int `json:"removed,omitempty"`
}

// BufferSeriesEvent is published per series after the maintainer touched it.
type BufferSeriesEvent struct {
	UserID    string   `json:"userId"`
	SeriesID  string   `json:"seriesId"`
	Generated int      `json:"generated"`
	Dates     []string `json:"dates,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// BufferRunEvent summarizes one maintainer pass.
type BufferRunEvent struct {
	Trigger   string `json:"trigger"`
	Processed int    `json:"processed"`
	Generated int    `json:"generated"`
	Errors    int    `json:"errors"`
}
