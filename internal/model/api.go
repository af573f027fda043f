package model

import "time"

// GenerateRequest represents the request body for starting a biography job
type GenerateRequest struct {
	Character        string         `json:"character" validate:"required,min=2,max=200"`
	Mode             GenerationMode `json:"mode" validate:"omitempty,oneof=automatic hybrid manual"`
	Sources          []string       `json:"sources" validate:"omitempty,max=200,dive,url"`
	MinSources       int            `json:"min_sources" validate:"omitempty,min=0,max=200"`
	QualityThreshold float64        `json:"quality_threshold" validate:"omitempty,min=0,max=100"`
	Chapters         int            `json:"chapters" validate:"omitempty,min=1,max=100"`
	TotalWords       int            `json:"total_words" validate:"omitempty,min=1000,max=1000000"`
	CallbackURL      string         `json:"callback_url" validate:"omitempty,url"`
	NotifyEmail      string         `json:"notify_email" validate:"omitempty,email"`
}

// GenerateResponse represents the response for a started job
type GenerateResponse struct {
	JobID       string         `json:"job_id"`
	BiographyID string         `json:"biography_id"`
	Character   string         `json:"character"`
	Mode        GenerationMode `json:"mode"`
	SourceCount int            `json:"source_count"`
	Status      JobStatus      `json:"status"`
}

// JobStatusResponse represents the status of a biography job
type JobStatusResponse struct {
	JobID        string     `json:"job_id"`
	BiographyID  string     `json:"biography_id,omitempty"`
	Character    string     `json:"character"`
	Status       JobStatus  `json:"status"`
	State        string     `json:"state"`
	Progress     int        `json:"progress"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DownloadURL  string     `json:"download_url,omitempty"`
	Logs         []LogEntry `json:"logs,omitempty"`
}

// JobListResponse represents a page of jobs
type JobListResponse struct {
	Jobs  []JobStatusResponse `json:"jobs"`
	Total int                 `json:"total"`
}

// JobControlResponse is returned by pause and resume
type JobControlResponse struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
	State  string    `json:"state"`
}

// SourceInput is one source submitted for validation
type SourceInput struct {
	URL             string     `json:"url" validate:"omitempty,url"`
	Title           string     `json:"title" validate:"required_without=URL,max=500"`
	Author          string     `json:"author" validate:"omitempty,max=200"`
	PublicationDate string     `json:"publication_date" validate:"omitempty,max=32"`
	SourceType      SourceType `json:"source_type" validate:"omitempty,oneof=web academic archive news book other"`
}

// SourceValidateRequest represents the request body for source validation
type SourceValidateRequest struct {
	Sources            []SourceInput `json:"sources" validate:"required,min=1,max=200,dive"`
	Topic              string        `json:"topic" validate:"required,min=2,max=200"`
	CheckAccessibility bool          `json:"check_accessibility"`
}

// SourceVerdict is the validation outcome for a single source
type SourceVerdict struct {
	URL              string       `json:"url,omitempty"`
	Title            string       `json:"title"`
	Status           SourceStatus `json:"status"`
	RelevanceScore   float64      `json:"relevance_score"`
	CredibilityScore float64      `json:"credibility_score"`
	Accessible       *bool        `json:"accessible,omitempty"`
	Error            string       `json:"error,omitempty"`
}

// SourceValidateResponse represents the response for source validation
type SourceValidateResponse struct {
	Topic    string          `json:"topic"`
	Total    int             `json:"total"`
	Valid    int             `json:"valid"`
	Invalid  int             `json:"invalid"`
	Verdicts []SourceVerdict `json:"verdicts"`
}

// DeadLetterResponse lists tasks that exhausted their retry budget
type DeadLetterResponse struct {
	Tasks []DeadLetterEntry `json:"tasks"`
	Total int               `json:"total"`
}

// DeadLetterEntry is a single dead-lettered task
type DeadLetterEntry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Queue     string    `json:"queue"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// HealthResponse is returned by the liveness endpoint
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
