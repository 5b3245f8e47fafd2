package model

import "time"

// ProgressEventType categorizes progress stream entries.
type ProgressEventType string

const (
	EventProgress  ProgressEventType = "progress"
	EventStatus    ProgressEventType = "status"
	EventWarning   ProgressEventType = "warning"
	EventCompleted ProgressEventType = "completed"
	EventFailed    ProgressEventType = "failed"
)

// ProgressEvent is one entry in a task's ordered progress stream.
// Append-only, ordered per task by creation time.
type ProgressEvent struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	TaskID    string            `json:"task_id"`
	TaskName  string            `json:"task_name"`
	Type      ProgressEventType `json:"type"`
	Progress  float64           `json:"progress"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
