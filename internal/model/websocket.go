package model

import "time"

// WebSocket message types
const (
	WSMessageTypeConnection = "connection"
	WSMessageTypeProgress   = "progress_update"
	WSMessageTypeComplete   = "completion"
	WSMessageTypeError      = "error_alert"
	WSMessageTypePing       = "ping"
	WSMessageTypePong       = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// Envelope is the uniform event shape shared by every channel. Fields that
// do not apply to an event type are omitted.
type Envelope struct {
	Type      string         `json:"type"`
	Event     string         `json:"event,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Character string         `json:"character,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Progress  *int           `json:"progress,omitempty"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Callback event discriminators
const (
	EventJobProgress  = "job.progress"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventAdminAlert   = "admin.alert"
	EventTaskFailed   = "task.failed"
)
