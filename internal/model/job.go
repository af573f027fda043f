package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// MaxJobLogs bounds the per-job log ring.
const MaxJobLogs = 200

// Job represents one run of the biography pipeline for a subject.
type Job struct {
	ID           string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	BiographyID  string         `gorm:"type:varchar(36);index" json:"biographyId"`
	Character    string         `gorm:"not null" json:"character"`
	Mode         GenerationMode `gorm:"type:varchar(16)" json:"mode"`
	Status       JobStatus      `gorm:"type:varchar(16);index" json:"status"`
	Phase        string         `gorm:"type:varchar(32)" json:"phase"`
	Progress     int            `json:"progress"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
	Options      datatypes.JSON `json:"-"`
	Metadata     datatypes.JSON `json:"-"`
	Logs         datatypes.JSON `json:"-"`
	UserID       string         `gorm:"type:varchar(64)" json:"userId,omitempty"`
	CallbackURL  string         `json:"callbackUrl,omitempty"`
	NotifyEmail  string         `json:"notifyEmail,omitempty"`
	LockedBy     string         `gorm:"type:varchar(64)" json:"-"`
	LockedUntil  *time.Time     `json:"-"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

// JobOptions is the per-job generation configuration stored in Job.Options.
type JobOptions struct {
	Chapters         int      `json:"chapters"`
	TotalWords       int      `json:"total_words"`
	Sources          []string `json:"sources,omitempty"`
	MinSources       int      `json:"min_sources,omitempty"`
	QualityThreshold float64  `json:"quality_threshold,omitempty"`
}

// WordsPerChapter returns the per-chapter target.
func (o JobOptions) WordsPerChapter() int {
	if o.Chapters <= 0 {
		return 0
	}
	return o.TotalWords / o.Chapters
}

// JobMetadata is the metadata bag stored in Job.Metadata. The serialized
// state machine lives under StateMachine.
type JobMetadata struct {
	StateMachine    map[string]any `json:"state_machine,omitempty"`
	InvalidChapters []int          `json:"invalid_chapters,omitempty"`
	OutputPath      string         `json:"output_path,omitempty"`
	ExportPath      string         `json:"export_path,omitempty"`
	DownloadURL     string         `json:"download_url,omitempty"`
	Coherence       float64        `json:"coherence,omitempty"`
	ChronologyValid *bool          `json:"chronology_valid,omitempty"`
	ValidSources    int            `json:"valid_sources,omitempty"`
}

// LogEntry is a single entry in the job log ring.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Phase     string    `json:"phase,omitempty"`
	Message   string    `json:"message"`
}

// DecodeOptions unmarshals Job.Options. Empty options decode to the zero value.
func (j *Job) DecodeOptions() (JobOptions, error) {
	var opts JobOptions
	if len(j.Options) == 0 {
		return opts, nil
	}
	err := json.Unmarshal(j.Options, &opts)
	return opts, err
}

// DecodeMetadata unmarshals Job.Metadata.
func (j *Job) DecodeMetadata() (JobMetadata, error) {
	var meta JobMetadata
	if len(j.Metadata) == 0 {
		return meta, nil
	}
	err := json.Unmarshal(j.Metadata, &meta)
	return meta, err
}

// DecodeLogs unmarshals Job.Logs.
func (j *Job) DecodeLogs() ([]LogEntry, error) {
	var logs []LogEntry
	if len(j.Logs) == 0 {
		return logs, nil
	}
	err := json.Unmarshal(j.Logs, &logs)
	return logs, err
}

// AppendLog returns the log ring with entry appended, keeping the newest
// MaxJobLogs entries.
func AppendLog(logs []LogEntry, entry LogEntry) []LogEntry {
	logs = append(logs, entry)
	if len(logs) > MaxJobLogs {
		logs = logs[len(logs)-MaxJobLogs:]
	}
	return logs
}

// MustJSON marshals v for a datatypes.JSON column. Values passed here are
// plain structs and maps, so marshaling cannot fail.
func MustJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return datatypes.JSON(b)
}

// GenerationTaskPayload is the queue payload of a biography job.
type GenerationTaskPayload struct {
	JobID  string `json:"job_id"`
	Resume bool   `json:"resume,omitempty"`
}
