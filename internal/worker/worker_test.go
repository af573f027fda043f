package worker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookgen/api/internal/engine"
	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/notify"
	"github.com/bookgen/api/internal/observability"
	"github.com/bookgen/api/internal/repository"
	"github.com/bookgen/api/internal/taskqueue"
)

func newEngine(t *testing.T) (*engine.Engine, *repository.Repositories) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := repository.Open("file:"+name+"?mode=memory&cache=shared", true)
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	repos := repository.New(db)
	eng := engine.New(engine.Config{Root: t.TempDir(), Chapters: 3, TotalWords: 900}, engine.Deps{Repos: repos}, nil)
	return eng, repos
}

func task(t *testing.T, payload string) *taskqueue.Task {
	t.Helper()
	return &taskqueue.Task{ID: "t1", Name: taskqueue.TaskGenerateBiography, Payload: []byte(payload), Attempt: 1}
}

func TestBiographyWorkerRejectsBadPayload(t *testing.T) {
	eng, _ := newEngine(t)
	w := NewBiographyWorker(eng, nil)

	err := w.ProcessTask(context.Background(), task(t, "not json"))
	assert.ErrorIs(t, err, taskqueue.ErrSkipRetry)

	err = w.ProcessTask(context.Background(), task(t, `{"resume":true}`))
	assert.ErrorIs(t, err, taskqueue.ErrSkipRetry)
}

func TestBiographyWorkerUnknownJob(t *testing.T) {
	eng, _ := newEngine(t)
	w := NewBiographyWorker(eng, nil)

	err := w.ProcessTask(context.Background(), task(t, `{"job_id":"missing"}`))
	assert.ErrorIs(t, err, engine.ErrJobNotFound)
	assert.ErrorIs(t, err, taskqueue.ErrSkipRetry)
}

func TestBiographyWorkerSkipsJobsThatCannotRun(t *testing.T) {
	eng, repos := newEngine(t)
	w := NewBiographyWorker(eng, nil)
	ctx := context.Background()

	paused, err := eng.GenerateBiography(ctx, engine.Request{Character: "Ada Lovelace"})
	require.NoError(t, err)
	require.NoError(t, eng.PauseJob(ctx, paused.ID, "operator"))
	assert.NoError(t, w.ProcessTask(ctx, task(t, `{"job_id":"`+paused.ID+`"}`)))

	done, err := eng.GenerateBiography(ctx, engine.Request{Character: "Mary Shelley"})
	require.NoError(t, err)
	require.NoError(t, repos.Jobs.UpdateFields(ctx, done.ID, map[string]any{"status": model.JobStatusCompleted}))
	assert.NoError(t, w.ProcessTask(ctx, task(t, `{"job_id":"`+done.ID+`"}`)))
	assert.NoError(t, w.ProcessTask(ctx, task(t, `{"job_id":"`+done.ID+`","resume":true}`)))

	job, err := repos.Jobs.GetByID(ctx, paused.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPaused, job.Status)
}

type countingLetters struct {
	mu sync.Mutex
	n  int
}

func (c *countingLetters) set(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = n
}

func (c *countingLetters) DeadLetters(context.Context) ([]taskqueue.DeadLetter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return make([]taskqueue.DeadLetter, c.n), nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (r *recordingAlerter) SendAdminAlert(_ context.Context, title, message, _ string, _ notify.Targets) []model.NotificationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, title+": "+message)
	return nil
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestMonitorWorkerAlertsWhenDeadLettersGrow(t *testing.T) {
	broker := taskqueue.NewMemoryBroker(taskqueue.MemoryConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		broker.Shutdown()
	})
	broker.Start(ctx)

	letters := &countingLetters{}
	alerter := &recordingAlerter{}
	w := NewMonitorWorker(letters, broker, observability.NewMetrics(), alerter, notify.Targets{Email: "ops@example.com"}, nil)
	w.Register(broker)

	beat := func() taskqueue.Heartbeat {
		t.Helper()
		info, err := broker.Enqueue(ctx, taskqueue.TaskHeartbeat, nil)
		require.NoError(t, err)
		actx, acancel := context.WithTimeout(ctx, 5*time.Second)
		defer acancel()
		info, err = broker.Await(actx, info.ID)
		require.NoError(t, err)
		var hb taskqueue.Heartbeat
		require.NoError(t, info.DecodeResult(&hb))
		return hb
	}

	assert.Equal(t, 0, beat().DeadLetters)
	assert.Equal(t, 0, alerter.count())

	letters.set(2)
	assert.Equal(t, 2, beat().DeadLetters)
	require.Equal(t, 1, alerter.count())
	assert.Contains(t, alerter.alerts[0], "2 task(s)")

	beat()
	assert.Equal(t, 1, alerter.count())
}

func TestMonitorWorkerCleanup(t *testing.T) {
	broker := taskqueue.NewMemoryBroker(taskqueue.MemoryConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		broker.Shutdown()
	})
	broker.Start(ctx)

	w := NewMonitorWorker(broker, broker, nil, nil, notify.Targets{}, nil)
	w.Register(broker)

	info, err := broker.Enqueue(ctx, taskqueue.TaskCleanupResults, nil)
	require.NoError(t, err)
	actx, acancel := context.WithTimeout(ctx, 5*time.Second)
	defer acancel()
	info, err = broker.Await(actx, info.ID)
	require.NoError(t, err)

	var out map[string]int
	require.NoError(t, info.DecodeResult(&out))
	assert.Contains(t, out, "removed")
}
