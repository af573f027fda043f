package model

// Job status
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further work happens for the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

var ValidJobStatuses = []JobStatus{
	JobStatusPending, JobStatusRunning, JobStatusPaused,
	JobStatusCompleted, JobStatusFailed,
}

// Generation modes
type GenerationMode string

const (
	ModeAutomatic GenerationMode = "automatic"
	ModeHybrid    GenerationMode = "hybrid"
	ModeManual    GenerationMode = "manual"
)

// Source validation status
type SourceStatus string

const (
	SourceStatusPending      SourceStatus = "pending"
	SourceStatusValid        SourceStatus = "valid"
	SourceStatusInvalid      SourceStatus = "invalid"
	SourceStatusInaccessible SourceStatus = "inaccessible"
)

// Source types
type SourceType string

const (
	SourceTypeWeb      SourceType = "web"
	SourceTypeAcademic SourceType = "academic"
	SourceTypeArchive  SourceType = "archive"
	SourceTypeNews     SourceType = "news"
	SourceTypeBook     SourceType = "book"
	SourceTypeOther    SourceType = "other"
)

// Notification types
type NotificationType string

const (
	NotificationProgress   NotificationType = "progress_update"
	NotificationCompletion NotificationType = "completion"
	NotificationError      NotificationType = "error_alert"
	NotificationAdmin      NotificationType = "admin_alert"
	NotificationFailedTask NotificationType = "failed_task"
)

// Notification channels
type NotificationChannel string

const (
	ChannelPush     NotificationChannel = "push"
	ChannelCallback NotificationChannel = "callback"
	ChannelEmail    NotificationChannel = "email"
)

// Delivery status
type DeliveryStatus string

const (
	DeliveryPending     DeliveryStatus = "pending"
	DeliveryDelivered   DeliveryStatus = "delivered"
	DeliveryFailed      DeliveryStatus = "failed"
	DeliveryRateLimited DeliveryStatus = "rate_limited"
)

// Log levels used in the per-job log ring
const (
	LogLevelInfo    = "info"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)
