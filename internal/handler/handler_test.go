package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookgen/api/internal/engine"
	"github.com/bookgen/api/internal/middleware"
	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/notify"
	"github.com/bookgen/api/internal/observability"
	"github.com/bookgen/api/internal/repository"
	"github.com/bookgen/api/internal/service"
	"github.com/bookgen/api/internal/sources"
	"github.com/bookgen/api/internal/taskqueue"
)

const testJWTSecret = "test-secret-for-handlers"

type enqueued struct {
	name    string
	payload model.GenerationTaskPayload
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []enqueued
}

func (q *recordingQueue) Enqueue(_ context.Context, name string, payload any, _ ...taskqueue.Option) (taskqueue.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, _ := payload.(model.GenerationTaskPayload)
	q.tasks = append(q.tasks, enqueued{name: name, payload: p})
	return taskqueue.TaskInfo{ID: "task-" + p.JobID, Name: name}, nil
}

func (q *recordingQueue) last() enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[len(q.tasks)-1]
}

type staticLetters []taskqueue.DeadLetter

func (s staticLetters) DeadLetters(context.Context) ([]taskqueue.DeadLetter, error) {
	return s, nil
}

type testApp struct {
	app   *fiber.App
	repos *repository.Repositories
	queue *recordingQueue
	auth  *middleware.AuthMiddleware
}

func setupApp(t *testing.T) *testApp {
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
	queue := &recordingQueue{}
	letters := staticLetters{
		{ID: "old", Name: taskqueue.TaskGenerateChapter, Queue: taskqueue.QueueContentGeneration, Attempts: 3, LastError: "timeout", FailedAt: time.Now().Add(-time.Hour)},
		{ID: "new", Name: taskqueue.TaskValidateSource, Queue: taskqueue.QueueValidation, Attempts: 3, LastError: "refused", FailedAt: time.Now()},
	}

	validate := validator.New()
	bioService := service.NewBiographyService(eng, repos, queue, nil, nil, letters)
	sourceService := service.NewSourceService(sources.NewValidator(nil, nil, nil, nil), nil)
	auth := middleware.NewAuthMiddleware(testJWTSecret)

	app := NewApp(AppConfig{
		Biography:     NewBiographyHandler(bioService, validate),
		Source:        NewSourceHandler(sourceService, validate),
		Admin:         NewAdminHandler(bioService),
		Notifications: NewNotificationHandler(notify.NewHub(nil)),
		Auth:          auth,
		Metrics:       observability.NewMetrics(),
	})
	return &testApp{app: app, repos: repos, queue: queue, auth: auth}
}

func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

func (ta *testApp) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(ta.app, method, path, body, nil)
	require.NoError(t, err)
	return resp
}

func (ta *testApp) doAuth(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	token, err := ta.auth.GenerateToken("user-42", "ada@example.com")
	require.NoError(t, err)
	resp, err := doRequest(ta.app, method, path, body, map[string]string{"Authorization": "Bearer " + token})
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &result), body)
	return result
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	result := parseJSON(t, resp)
	detail, ok := result["error"].(map[string]interface{})
	require.True(t, ok, "expected error envelope, got %v", result)
	return detail["code"].(string)
}

func (ta *testApp) generate(t *testing.T) (jobID, biographyID string) {
	t.Helper()
	resp := ta.do(t, http.MethodPost, "/api/v1/biographies/generate", `{"character":"Ada Lovelace","chapters":3,"total_words":1200}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	result := parseJSON(t, resp)
	return result["job_id"].(string), result["biography_id"].(string)
}

func TestHealth(t *testing.T) {
	ta := setupApp(t)
	resp := ta.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", parseJSON(t, resp)["status"])
}

func TestGenerateQueuesJob(t *testing.T) {
	ta := setupApp(t)

	resp := ta.doAuth(t, http.MethodPost, "/api/v1/biographies/generate",
		`{"character":"Ada Lovelace","mode":"hybrid","sources":["https://example.com/ada"],"min_sources":1}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	result := parseJSON(t, resp)
	jobID := result["job_id"].(string)
	assert.NotEmpty(t, jobID)
	assert.Equal(t, "Ada Lovelace", result["character"])
	assert.Equal(t, "hybrid", result["mode"])
	assert.Equal(t, float64(1), result["source_count"])
	assert.Equal(t, "pending", result["status"])

	task := ta.queue.last()
	assert.Equal(t, taskqueue.TaskGenerateBiography, task.name)
	assert.Equal(t, jobID, task.payload.JobID)
	assert.False(t, task.payload.Resume)

	job, err := ta.repos.Jobs.GetByID(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "user-42", job.UserID)
	assert.Equal(t, "ada@example.com", job.NotifyEmail)
	opts, err := job.DecodeOptions()
	require.NoError(t, err)
	assert.Equal(t, 1, opts.MinSources)
}

func TestGenerateKeepsExplicitNotifyEmail(t *testing.T) {
	ta := setupApp(t)

	resp := ta.doAuth(t, http.MethodPost, "/api/v1/biographies/generate",
		`{"character":"Ada Lovelace","notify_email":"editor@example.com"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := parseJSON(t, resp)["job_id"].(string)

	job, err := ta.repos.Jobs.GetByID(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "editor@example.com", job.NotifyEmail)
}

func TestGenerateValidation(t *testing.T) {
	ta := setupApp(t)

	cases := map[string]string{
		"missing character": `{"mode":"automatic"}`,
		"bad mode":          `{"character":"Ada Lovelace","mode":"random"}`,
		"bad source url":    `{"character":"Ada Lovelace","sources":["not a url"]}`,
		"too few words":     `{"character":"Ada Lovelace","total_words":10}`,
		"malformed body":    `{"character":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := ta.do(t, http.MethodPost, "/api/v1/biographies/generate", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "VALIDATION_ERROR", errorCode(t, resp))
		})
	}
}

func TestGenerateRejectsBadToken(t *testing.T) {
	ta := setupApp(t)
	resp, err := doRequest(ta.app, http.MethodPost, "/api/v1/biographies/generate", `{"character":"Ada Lovelace"}`,
		map[string]string{"Authorization": "Bearer not-a-token"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStatusAndList(t *testing.T) {
	ta := setupApp(t)
	jobID, biographyID := ta.generate(t)

	resp := ta.do(t, http.MethodGet, "/api/v1/biographies/"+jobID+"/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := parseJSON(t, resp)
	assert.Equal(t, jobID, status["job_id"])
	assert.Equal(t, biographyID, status["biography_id"])
	assert.Equal(t, "pending", status["status"])
	assert.Equal(t, "initialized", status["state"])
	assert.Equal(t, float64(0), status["progress"])
	assert.NotEmpty(t, status["logs"])

	resp = ta.do(t, http.MethodGet, "/api/v1/biographies?status=pending", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := parseJSON(t, resp)
	assert.Equal(t, float64(1), list["total"])

	resp = ta.do(t, http.MethodGet, "/api/v1/biographies?status=completed", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), parseJSON(t, resp)["total"])

	resp = ta.do(t, http.MethodGet, "/api/v1/biographies?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusUnknownJob(t *testing.T) {
	ta := setupApp(t)
	resp := ta.do(t, http.MethodGet, "/api/v1/biographies/nope/status", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, resp))
}

func TestDownload(t *testing.T) {
	ta := setupApp(t)
	jobID, _ := ta.generate(t)

	resp := ta.do(t, http.MethodGet, "/api/v1/biographies/"+jobID+"/download", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "NOT_READY", errorCode(t, resp))

	out := filepath.Join(t.TempDir(), "La biografia de Ada Lovelace.md")
	require.NoError(t, os.WriteFile(out, []byte("# Ada Lovelace\n"), 0o644))
	require.NoError(t, ta.repos.Jobs.UpdateFields(context.Background(), jobID, map[string]any{
		"status":   model.JobStatusCompleted,
		"progress": 100,
		"metadata": model.MustJSON(model.JobMetadata{OutputPath: out}),
	}))

	resp = ta.do(t, http.MethodGet, "/api/v1/biographies/"+jobID+"/download", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="La biografia de Ada Lovelace.md"`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "# Ada Lovelace\n", readBody(t, resp))

	accented := filepath.Join(t.TempDir(), "Biografía de Ada.md")
	require.NoError(t, os.WriteFile(accented, []byte("# Ada\n"), 0o644))
	require.NoError(t, ta.repos.Jobs.UpdateFields(context.Background(), jobID, map[string]any{
		"metadata": model.MustJSON(model.JobMetadata{OutputPath: accented}),
	}))
	resp = ta.do(t, http.MethodGet, "/api/v1/biographies/"+jobID+"/download", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "attachment; filename*=utf-8''Biograf%C3%ADa%20de%20Ada.md", resp.Header.Get("Content-Disposition"))

	resp = ta.do(t, http.MethodGet, "/api/v1/biographies/"+jobID+"/status", "")
	status := parseJSON(t, resp)
	assert.Equal(t, "/api/v1/biographies/"+jobID+"/download", status["download_url"])
}

func TestPauseAndResume(t *testing.T) {
	ta := setupApp(t)
	jobID, _ := ta.generate(t)

	resp := ta.do(t, http.MethodPost, "/api/v1/biographies/"+jobID+"/resume", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ta.do(t, http.MethodPost, "/api/v1/biographies/"+jobID+"/pause", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := parseJSON(t, resp)
	assert.Equal(t, "paused", result["status"])
	assert.Equal(t, "paused", result["state"])

	resp = ta.do(t, http.MethodPost, "/api/v1/biographies/"+jobID+"/pause", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ta.do(t, http.MethodPost, "/api/v1/biographies/"+jobID+"/resume", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	task := ta.queue.last()
	assert.Equal(t, jobID, task.payload.JobID)
	assert.True(t, task.payload.Resume)
}

func TestDeleteBiography(t *testing.T) {
	ta := setupApp(t)
	jobID, biographyID := ta.generate(t)

	require.NoError(t, ta.repos.Biographies.UpdateFields(context.Background(), biographyID, map[string]any{
		"status": model.JobStatusRunning,
	}))
	resp := ta.do(t, http.MethodDelete, "/api/v1/biographies/"+biographyID, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, ta.repos.Biographies.UpdateFields(context.Background(), biographyID, map[string]any{
		"status": model.JobStatusFailed,
	}))
	resp = ta.do(t, http.MethodDelete, "/api/v1/biographies/"+biographyID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ta.do(t, http.MethodGet, "/api/v1/biographies/"+jobID+"/status", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ta.do(t, http.MethodDelete, "/api/v1/biographies/"+biographyID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestValidateSources(t *testing.T) {
	ta := setupApp(t)

	resp := ta.do(t, http.MethodPost, "/api/v1/sources/validate", `{
		"topic": "Ada Lovelace",
		"sources": [
			{"url": "https://en.wikipedia.org/wiki/Ada_Lovelace", "title": "Ada Lovelace"},
			{"title": "Gardening for beginners"}
		]
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result model.SourceValidateResponse
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &result))
	assert.Equal(t, 2, result.Total)
	require.Len(t, result.Verdicts, 2)
	assert.Equal(t, "Ada Lovelace", result.Verdicts[0].Title)
	assert.Equal(t, model.SourceStatusValid, result.Verdicts[0].Status)
	assert.Equal(t, model.SourceStatusInvalid, result.Verdicts[1].Status)
	assert.Equal(t, 1, result.Valid)
}

func TestValidateSourcesValidation(t *testing.T) {
	ta := setupApp(t)

	resp := ta.do(t, http.MethodPost, "/api/v1/sources/validate", `{"topic":"Ada Lovelace","sources":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ta.do(t, http.MethodPost, "/api/v1/sources/validate", `{"sources":[{"title":"x"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeadLettersRequireAuth(t *testing.T) {
	ta := setupApp(t)

	resp := ta.do(t, http.MethodGet, "/api/v1/admin/dead-letters", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ta.doAuth(t, http.MethodGet, "/api/v1/admin/dead-letters", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result model.DeadLetterResponse
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &result))
	require.Equal(t, 2, result.Total)
	assert.Equal(t, "new", result.Tasks[0].ID)
	assert.Equal(t, "old", result.Tasks[1].ID)
	assert.Equal(t, "refused", result.Tasks[0].LastError)
}

func TestMetricsEndpoint(t *testing.T) {
	ta := setupApp(t)
	ta.do(t, http.MethodGet, "/health", "")

	resp := ta.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, "bookgen_http_requests_total")
	assert.Contains(t, body, `route="/health"`)
}

func TestNotificationsRequireUpgrade(t *testing.T) {
	ta := setupApp(t)
	resp := ta.do(t, http.MethodGet, "/ws/notifications?user_id=u1", "")
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}
