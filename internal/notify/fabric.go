// Package notify delivers job events over the push socket, HTTP callbacks
// and email, with per-recipient rate limiting and an audit record for every
// attempted delivery.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bookgen/api/internal/logger"
	"github.com/bookgen/api/internal/model"
)

// Auditor persists notification records.
type Auditor interface {
	Record(ctx context.Context, rec *model.NotificationRecord) error
}

// Poster delivers callback payloads.
type Poster interface {
	Post(ctx context.Context, url string, payload any) (int, error)
}

// Recorder observes delivery outcomes.
type Recorder interface {
	ObserveNotification(channel, status string)
}

// Targets names the optional recipients of an event. The push channel is
// always attempted.
type Targets struct {
	UserID      string
	CallbackURL string
	Email       string
}

type FabricConfig struct {
	Hub       *Hub
	Callbacks Poster
	Mailer    Mailer
	Limiter   *RateLimiter
	Audit     Auditor
	Recorder  Recorder
	BaseURL   string
	Now       func() time.Time
}

// Fabric fans one logical event out to every configured channel.
type Fabric struct {
	cfg FabricConfig
	log *logger.Logger
}

func NewFabric(cfg FabricConfig, log *logger.Logger) *Fabric {
	if es, ok := cfg.Mailer.(*EmailSender); ok && es == nil {
		cfg.Mailer = nil
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(log)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(DefaultPerMinute, DefaultPerHour)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Fabric{cfg: cfg, log: log.With("component", "notify")}
}

func (f *Fabric) Hub() *Hub { return f.cfg.Hub }

// SendProgressUpdate reports a phase change.
func (f *Fabric) SendProgressUpdate(ctx context.Context, jobID, character, phase string, progress int, message string, t Targets) []model.NotificationRecord {
	env := model.Envelope{
		Type:      model.WSMessageTypeProgress,
		Event:     model.EventJobProgress,
		JobID:     jobID,
		Timestamp: f.now(),
		Character: character,
		Phase:     phase,
		Progress:  &progress,
		Message:   message,
	}
	// progress goes to push and callback only
	t.Email = ""
	return f.dispatch(ctx, model.NotificationProgress, env, t, EmailData{})
}

// SendCompletionNotification reports a finished job. status is completed
// or failed.
func (f *Fabric) SendCompletionNotification(ctx context.Context, jobID, character string, status model.JobStatus, data map[string]any, t Targets) []model.NotificationRecord {
	event := model.EventJobCompleted
	title := fmt.Sprintf("Biography of %s is ready", character)
	message := "The biography finished all phases."
	if status == model.JobStatusFailed {
		event = model.EventJobFailed
		title = fmt.Sprintf("Biography of %s failed", character)
		message = "The biography could not be completed."
	}
	env := model.Envelope{
		Type:      model.WSMessageTypeComplete,
		Event:     event,
		JobID:     jobID,
		Timestamp: f.now(),
		Character: character,
		Status:    string(status),
		Message:   message,
		Data:      data,
	}
	return f.dispatch(ctx, model.NotificationCompletion, env, t, EmailData{
		Title:     title,
		Character: character,
		JobID:     jobID,
		Message:   message,
		Link:      f.statusLink(jobID),
	})
}

// SendErrorAlert reports a job failure.
func (f *Fabric) SendErrorAlert(ctx context.Context, jobID, character, errMsg, severity string, t Targets) []model.NotificationRecord {
	env := model.Envelope{
		Type:      model.WSMessageTypeError,
		Event:     model.EventJobFailed,
		JobID:     jobID,
		Timestamp: f.now(),
		Character: character,
		Status:    string(model.JobStatusFailed),
		Message:   errMsg,
		Severity:  severity,
	}
	return f.dispatch(ctx, model.NotificationError, env, t, EmailData{
		Title:     fmt.Sprintf("Error generating the biography of %s", character),
		Character: character,
		JobID:     jobID,
		Severity:  severity,
		Message:   errMsg,
		Link:      f.statusLink(jobID),
	})
}

// SendAdminAlert reports an operational problem not tied to one client.
func (f *Fabric) SendAdminAlert(ctx context.Context, title, message, severity string, t Targets) []model.NotificationRecord {
	env := model.Envelope{
		Type:      model.WSMessageTypeError,
		Event:     model.EventAdminAlert,
		Timestamp: f.now(),
		Message:   message,
		Severity:  severity,
		Data:      map[string]any{"title": title},
	}
	return f.dispatch(ctx, model.NotificationAdmin, env, t, EmailData{
		Title:    title,
		Severity: severity,
		Message:  message,
	})
}

// SendFailedTask reports a task that used up its retry budget and was
// dead-lettered.
func (f *Fabric) SendFailedTask(ctx context.Context, taskID, name string, attempts int, lastErr string, t Targets) []model.NotificationRecord {
	msg := fmt.Sprintf("task %s (%s) failed after %d attempt(s): %s", name, taskID, attempts, lastErr)
	env := model.Envelope{
		Type:      model.WSMessageTypeError,
		Event:     model.EventTaskFailed,
		Timestamp: f.now(),
		Message:   msg,
		Severity:  FailedTaskSeverity,
		Data: map[string]any{
			"task_id":    taskID,
			"task":       name,
			"attempts":   attempts,
			"last_error": lastErr,
		},
	}
	return f.dispatch(ctx, model.NotificationFailedTask, env, t, EmailData{
		Title:    fmt.Sprintf("Task %s dead-lettered", name),
		Severity: FailedTaskSeverity,
		Message:  msg,
	})
}

func (f *Fabric) dispatch(ctx context.Context, typ model.NotificationType, env model.Envelope, t Targets, mail EmailData) []model.NotificationRecord {
	records := make([]model.NotificationRecord, 0, 3)

	pushKey := t.UserID
	if pushKey == "" {
		pushKey = "job:" + env.JobID
	}
	records = append(records, f.deliver(ctx, typ, model.ChannelPush, pushKey, env, func() (int, error) {
		n, err := f.cfg.Hub.Publish(env, t.UserID)
		if err != nil {
			return 1, err
		}
		if n == 0 {
			return 1, errNoSubscribers
		}
		return 1, nil
	}))

	if t.CallbackURL != "" && f.cfg.Callbacks != nil {
		records = append(records, f.deliver(ctx, typ, model.ChannelCallback, t.CallbackURL, env, func() (int, error) {
			return f.cfg.Callbacks.Post(ctx, t.CallbackURL, env)
		}))
	}

	if t.Email != "" && f.cfg.Mailer != nil {
		mail.Timestamp = env.Timestamp
		records = append(records, f.deliver(ctx, typ, model.ChannelEmail, t.Email, env, func() (int, error) {
			msg, err := RenderEmail(mail.Title, mail)
			if err != nil {
				return 0, err
			}
			return 1, f.cfg.Mailer.Send(ctx, t.Email, msg)
		}))
	}
	return records
}

var errNoSubscribers = errors.New("no active push connections")

// FailedTaskSeverity is the severity of dead-lettered task alerts.
const FailedTaskSeverity = "medium"

func (f *Fabric) deliver(ctx context.Context, typ model.NotificationType, ch model.NotificationChannel, recipient string, env model.Envelope, send func() (int, error)) model.NotificationRecord {
	rec := model.NotificationRecord{
		Type:       typ,
		Channel:    ch,
		Recipient:  recipient,
		Subject:    env.Event,
		Message:    env.Message,
		Status:     model.DeliveryPending,
		EntityType: "job",
		EntityID:   env.JobID,
		CreatedAt:  f.now(),
	}
	if env.JobID == "" {
		rec.EntityType = ""
		if id, ok := env.Data["task_id"].(string); ok {
			rec.EntityType, rec.EntityID = "task", id
		}
	}

	if !f.cfg.Limiter.Allow(recipient) {
		rec.Status = model.DeliveryRateLimited
		rec.RateLimited = true
		f.log.Warn("notification rate limited", "type", typ, "channel", ch, "recipient", recipient)
	} else {
		attempts, err := send()
		rec.Attempts = attempts
		if err != nil {
			rec.Status = model.DeliveryFailed
			rec.Error = err.Error()
			if !errors.Is(err, errNoSubscribers) {
				f.log.Warn("notification delivery failed", "type", typ, "channel", ch, "recipient", recipient, "error", err)
			}
		} else {
			delivered := f.now()
			rec.Status = model.DeliveryDelivered
			rec.DeliveredAt = &delivered
		}
	}

	if f.cfg.Audit != nil {
		if err := f.cfg.Audit.Record(ctx, &rec); err != nil {
			f.log.Error("failed to write notification audit", "type", typ, "channel", ch, "error", err)
		}
	}
	if f.cfg.Recorder != nil {
		f.cfg.Recorder.ObserveNotification(string(ch), string(rec.Status))
	}
	return rec
}

func (f *Fabric) statusLink(jobID string) string {
	if f.cfg.BaseURL == "" || jobID == "" {
		return ""
	}
	return fmt.Sprintf("%s/api/v1/biographies/%s/status", f.cfg.BaseURL, jobID)
}

func (f *Fabric) now() time.Time {
	return f.cfg.Now().UTC()
}
