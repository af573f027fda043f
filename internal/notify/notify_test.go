package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookgen/api/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

type memoryAudit struct {
	mu      sync.Mutex
	records []model.NotificationRecord
}

func (a *memoryAudit) Record(_ context.Context, rec *model.NotificationRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, *rec)
	return nil
}

func (a *memoryAudit) byChannel(ch model.NotificationChannel) []model.NotificationRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.NotificationRecord
	for _, r := range a.records {
		if r.Channel == ch {
			out = append(out, r)
		}
	}
	return out
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []EmailMessage
	err  error
}

func (m *fakeMailer) Send(_ context.Context, _ string, msg EmailMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func TestRateLimiterMinuteWindow(t *testing.T) {
	clock := newClock()
	l := NewRateLimiter(3, 100)
	l.SetClock(clock.Now)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("a@example.com"))
		clock.Advance(time.Second)
	}
	assert.False(t, l.Allow("a@example.com"))
	assert.True(t, l.Allow("b@example.com"), "limits are per recipient")
	assert.Zero(t, l.Remaining("a@example.com"))

	clock.Advance(61 * time.Second)
	assert.True(t, l.Allow("a@example.com"))
}

func TestRateLimiterHourWindow(t *testing.T) {
	clock := newClock()
	l := NewRateLimiter(100, 5)
	l.SetClock(clock.Now)

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow("r"))
		clock.Advance(2 * time.Minute)
	}
	assert.False(t, l.Allow("r"))

	clock.Advance(time.Hour)
	assert.True(t, l.Allow("r"))
}

func TestRateLimiterBlockedEventsDoNotCount(t *testing.T) {
	clock := newClock()
	l := NewRateLimiter(1, 100)
	l.SetClock(clock.Now)

	require.True(t, l.Allow("r"))
	clock.Advance(30 * time.Second)
	require.False(t, l.Allow("r"))
	clock.Advance(31 * time.Second)
	assert.True(t, l.Allow("r"))
}

func TestHubPublishIndexes(t *testing.T) {
	h := NewHub(nil)
	jobOnly := NewClient("", "job-1")
	userOnly := NewClient("user-1", "")
	both := NewClient("user-1", "job-1")
	other := NewClient("user-2", "job-2")
	for _, c := range []*Client{jobOnly, userOnly, both, other} {
		h.Register(c)
	}
	assert.Equal(t, 4, h.Connections())

	n, err := h.Publish(model.Envelope{Type: model.WSMessageTypeProgress, JobID: "job-1"}, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "a client in both indexes receives the message once")

	assert.Len(t, jobOnly.Send, 1)
	assert.Len(t, userOnly.Send, 1)
	assert.Len(t, both.Send, 1)
	assert.Empty(t, other.Send)

	var env model.Envelope
	require.NoError(t, json.Unmarshal(<-jobOnly.Send, &env))
	assert.Equal(t, "job-1", env.JobID)
	assert.Equal(t, model.WSMessageTypeProgress, env.Type)
}

func TestHubDropsSlowClients(t *testing.T) {
	h := NewHub(nil)
	slow := NewClient("", "job-1")
	h.Register(slow)
	for i := 0; i < sendBuffer; i++ {
		slow.Send <- []byte("x")
	}

	n, err := h.Publish(model.Envelope{JobID: "job-1"}, "")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.Connections())

	// unregistering a dropped client is a no-op
	h.Unregister(slow)
}

func TestHubUnregisterClosesChannel(t *testing.T) {
	h := NewHub(nil)
	c := NewClient("u", "j")
	h.Register(c)
	h.Unregister(c)

	_, ok := <-c.Send
	assert.False(t, ok)
	assert.Zero(t, h.Connections())
}

func TestCallbackClientSuccess(t *testing.T) {
	var gotUA, gotCT string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCT = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewCallbackClient(time.Second, nil)
	attempts, err := c.Post(context.Background(), srv.URL, model.Envelope{Type: "completion", Event: model.EventJobCompleted, JobID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, userAgent, gotUA)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, "job.completed", body["event"])
}

func TestCallbackClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCallbackClient(time.Second, nil)
	c.delay = time.Millisecond
	attempts, err := c.Post(context.Background(), srv.URL, map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestCallbackClientGivesUpAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewCallbackClient(time.Second, nil)
	c.delay = time.Millisecond
	attempts, err := c.Post(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, int32(3), calls.Load())

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.Code)
}

func TestCallbackClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewCallbackClient(time.Second, nil)
	c.delay = time.Millisecond
	attempts, err := c.Post(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRenderEmail(t *testing.T) {
	msg, err := RenderEmail("Biography ready", EmailData{
		Title:     "Biography of Marie Curie is ready",
		Character: "Marie Curie",
		JobID:     "job-42",
		Severity:  "high",
		Message:   "All <phases> done",
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "Biography ready", msg.Subject)
	for _, part := range []string{msg.Text, msg.HTML} {
		assert.Contains(t, part, "Marie Curie")
		assert.Contains(t, part, "job-42")
		assert.Contains(t, part, "high")
		assert.Contains(t, part, "2024-03-01 12:00:00 UTC")
	}
	assert.Contains(t, msg.HTML, "All &lt;phases&gt; done")
}

func TestEmailSenderDisabledWithoutConfig(t *testing.T) {
	assert.Nil(t, NewEmailSender(SMTPConfig{}, nil))

	f := NewFabric(FabricConfig{Mailer: NewEmailSender(SMTPConfig{}, nil)}, nil)
	recs := f.SendCompletionNotification(context.Background(), "j", "X", model.JobStatusCompleted, nil, Targets{Email: "a@example.com"})
	require.Len(t, recs, 1)
	assert.Equal(t, model.ChannelPush, recs[0].Channel)
}

func TestEmailSenderBuildsTwoPartMessage(t *testing.T) {
	s := NewEmailSender(SMTPConfig{Host: "smtp.example.com", From: "bot@example.com"}, nil)
	require.NotNil(t, s)
	msg, err := s.message("reader@example.com", EmailMessage{Subject: "Hi", Text: "plain", HTML: "<p>html</p>"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi"}, msg.GetGenHeader("Subject"))

	_, err = s.message("not an address", EmailMessage{Subject: "Hi"})
	assert.Error(t, err)
}

func TestFabricRateLimitsEmail(t *testing.T) {
	clock := newClock()
	limiter := NewRateLimiter(2, 500)
	limiter.SetClock(clock.Now)
	audit := &memoryAudit{}
	mailer := &fakeMailer{}
	f := NewFabric(FabricConfig{Limiter: limiter, Audit: audit, Mailer: mailer, Now: clock.Now}, nil)

	targets := Targets{Email: "reader@example.com"}
	for i := 0; i < 3; i++ {
		f.SendCompletionNotification(context.Background(), "job-1", "Winston Churchill", model.JobStatusCompleted, nil, targets)
		clock.Advance(3 * time.Second)
	}

	emails := audit.byChannel(model.ChannelEmail)
	require.Len(t, emails, 3)
	assert.Equal(t, model.DeliveryDelivered, emails[0].Status)
	assert.Equal(t, model.DeliveryDelivered, emails[1].Status)
	assert.Equal(t, model.DeliveryRateLimited, emails[2].Status)
	assert.True(t, emails[2].RateLimited)
	assert.False(t, emails[0].RateLimited)
	assert.Len(t, mailer.sent, 2)
	assert.Contains(t, mailer.sent[0].Text, "Winston Churchill")
}

func TestFabricDeliversAllChannels(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	audit := &memoryAudit{}
	mailer := &fakeMailer{}
	f := NewFabric(FabricConfig{
		Callbacks: NewCallbackClient(time.Second, nil),
		Mailer:    mailer,
		Audit:     audit,
	}, nil)
	sub := NewClient("user-7", "job-9")
	f.Hub().Register(sub)

	recs := f.SendErrorAlert(context.Background(), "job-9", "Ada Lovelace", "generation timed out", "high", Targets{
		UserID:      "user-7",
		CallbackURL: srv.URL,
		Email:       "ops@example.com",
	})
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.Equal(t, model.NotificationError, r.Type)
		assert.Equal(t, model.DeliveryDelivered, r.Status, r.Channel)
		assert.Equal(t, "job-9", r.EntityID)
		assert.NotNil(t, r.DeliveredAt)
	}
	assert.Equal(t, int32(1), received.Load())
	require.Len(t, mailer.sent, 1)
	assert.Contains(t, mailer.sent[0].Text, "high")

	var env model.Envelope
	require.NoError(t, json.Unmarshal(<-sub.Send, &env))
	assert.Equal(t, model.WSMessageTypeError, env.Type)
	assert.Equal(t, "high", env.Severity)
	assert.Len(t, audit.records, 3)
}

func TestFabricRecordsFailures(t *testing.T) {
	audit := &memoryAudit{}
	f := NewFabric(FabricConfig{Audit: audit, Mailer: &fakeMailer{err: errors.New("smtp down")}}, nil)

	recs := f.SendCompletionNotification(context.Background(), "job-1", "X", model.JobStatusFailed, nil, Targets{Email: "a@example.com"})
	require.Len(t, recs, 2)
	assert.Equal(t, model.DeliveryFailed, recs[0].Status, "no push subscribers")
	assert.Equal(t, model.DeliveryFailed, recs[1].Status)
	assert.Equal(t, "smtp down", recs[1].Error)
	assert.Equal(t, model.EventJobFailed, recs[1].Subject)
}

func TestFabricProgressSkipsEmail(t *testing.T) {
	mailer := &fakeMailer{}
	f := NewFabric(FabricConfig{Mailer: mailer}, nil)
	sub := NewClient("", "job-1")
	f.Hub().Register(sub)

	recs := f.SendProgressUpdate(context.Background(), "job-1", "X", "content_generating", 30, "generating", Targets{Email: "a@example.com"})
	require.Len(t, recs, 1)
	assert.Equal(t, model.DeliveryDelivered, recs[0].Status)
	assert.Empty(t, mailer.sent)

	var env model.Envelope
	require.NoError(t, json.Unmarshal(<-sub.Send, &env))
	require.NotNil(t, env.Progress)
	assert.Equal(t, 30, *env.Progress)
	assert.Equal(t, "content_generating", env.Phase)
}

func TestFabricFailedTaskAlert(t *testing.T) {
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- b
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	audit := &memoryAudit{}
	mailer := &fakeMailer{}
	f := NewFabric(FabricConfig{
		Callbacks: NewCallbackClient(time.Second, nil),
		Mailer:    mailer,
		Audit:     audit,
	}, nil)

	recs := f.SendFailedTask(context.Background(), "task-3", "generate_chapter", 3, "llm timeout", Targets{
		CallbackURL: srv.URL,
		Email:       "ops@example.com",
	})
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.Equal(t, model.NotificationFailedTask, r.Type)
		assert.Equal(t, "task", r.EntityType)
		assert.Equal(t, "task-3", r.EntityID)
		assert.Equal(t, model.EventTaskFailed, r.Subject)
	}
	assert.Equal(t, model.DeliveryDelivered, recs[1].Status)
	assert.Equal(t, model.DeliveryDelivered, recs[2].Status)

	var env model.Envelope
	require.NoError(t, json.Unmarshal(<-bodies, &env))
	assert.Equal(t, model.EventTaskFailed, env.Event)
	assert.Equal(t, FailedTaskSeverity, env.Severity)
	assert.Equal(t, "task-3", env.Data["task_id"])
	assert.Equal(t, "generate_chapter", env.Data["task"])
	assert.Equal(t, float64(3), env.Data["attempts"])
	assert.Equal(t, "llm timeout", env.Data["last_error"])

	require.Len(t, mailer.sent, 1)
	assert.Contains(t, mailer.sent[0].Text, "llm timeout")
}
