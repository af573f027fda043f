// Package taskqueue runs named tasks on priority queues with bounded
// retries, exponential backoff, time limits and a dead letter store. The
// in-process MemoryBroker fans work out inside a job; the AsynqBroker
// dispatches jobs across processes through Redis.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	QueueHighPriority      = "high_priority"
	QueueContentGeneration = "content_generation"
	QueueValidation        = "validation"
	QueueExport            = "export"
	QueueMonitoring        = "monitoring"
	QueueDefault           = "default"
)

// QueuePriorities weights each queue; higher drains first.
var QueuePriorities = map[string]int{
	QueueHighPriority:      10,
	QueueContentGeneration: 8,
	QueueValidation:        6,
	QueueExport:            4,
	QueueMonitoring:        2,
	QueueDefault:           1,
}

// Task names.
const (
	TaskGenerateBiography = "generation:biography"
	TaskGenerateChapter   = "generation:chapter"
	TaskGenerateSection   = "generation:section"
	TaskValidateSource    = "validation:source"
	TaskValidateChapter   = "validation:chapter"
	TaskExportDocument    = "export:document"
	TaskHeartbeat         = "monitoring:heartbeat"
	TaskCleanupResults    = "monitoring:cleanup_results"
)

var routes = map[string]string{
	"generation": QueueContentGeneration,
	"validation": QueueValidation,
	"export":     QueueExport,
	"monitoring": QueueMonitoring,
}

// Route maps a task name onto its queue by namespace prefix.
func Route(name string) string {
	ns, _, _ := strings.Cut(name, ":")
	if q, ok := routes[ns]; ok {
		return q
	}
	return QueueDefault
}

// Queues lists queue names from most to least urgent.
func Queues() []string {
	names := make([]string, 0, len(QueuePriorities))
	for q := range QueuePriorities {
		names = append(names, q)
	}
	sort.Slice(names, func(i, j int) bool {
		return QueuePriorities[names[i]] > QueuePriorities[names[j]]
	})
	return names
}

// Item priorities within a queue.
const (
	MinPriority     = 0
	DefaultPriority = 5
	MaxPriority     = 10
)

type TaskState string

const (
	StatePending   TaskState = "pending"
	StateActive    TaskState = "active"
	StateRetry     TaskState = "retry"
	StateCompleted TaskState = "completed"
	StateDead      TaskState = "dead"
)

// Task is what a handler receives.
type Task struct {
	ID          string
	Name        string
	Queue       string
	Priority    int
	Payload     []byte
	Attempt     int
	MaxAttempts int
	EnqueuedAt  time.Time

	result []byte
}

// Bind decodes the JSON payload into v.
func (t *Task) Bind(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", t.Name, err)
	}
	return nil
}

// SetResult stores v as the task result.
func (t *Task) SetResult(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s result: %w", t.Name, err)
	}
	t.result = data
	return nil
}

// Handler processes a task. A returned error counts as a failed attempt.
type Handler func(ctx context.Context, t *Task) error

// TaskInfo describes an enqueued task.
type TaskInfo struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Queue       string          `json:"queue"`
	Priority    int             `json:"priority"`
	State       TaskState       `json:"state"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// DecodeResult unmarshals the stored result into v.
func (i TaskInfo) DecodeResult(v any) error {
	if len(i.Result) == 0 {
		return fmt.Errorf("task %s has no result", i.ID)
	}
	return json.Unmarshal(i.Result, v)
}

// DeadLetter is a task that exhausted its retry budget.
type DeadLetter struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Queue     string    `json:"queue"`
	Payload   []byte    `json:"payload,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// Enqueuer submits tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts ...Option) (TaskInfo, error)
}

// DeadLetterLister exposes the dead letter store.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return data, nil
	}
}
