package engine

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookgen/api/internal/client"
	"github.com/bookgen/api/internal/content"
	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/notify"
	"github.com/bookgen/api/internal/recovery"
	"github.com/bookgen/api/internal/repository"
	"github.com/bookgen/api/internal/statemachine"
	"github.com/bookgen/api/internal/taskqueue"
	"github.com/bookgen/api/internal/textanalysis"
)

const subject = "Ada Lovelace"

var (
	chapterPromptRe = regexp.MustCompile(`Write chapter (\d+) of`)
	targetPromptRe  = regexp.MustCompile(`about (\d+) words`)
	syllables       = []string{
		"ba", "ce", "di", "fo", "gu", "ha", "je", "ki", "lo", "mu",
		"na", "pe", "qui", "ro", "su", "ta", "ve", "wi", "xo", "zu",
	}
)

func prose(n int, seed int64) string {
	if n <= 0 {
		return ""
	}
	rng := rand.New(rand.NewSource(seed))
	words := make([]string, n)
	sentence := 0
	for i := range words {
		var b strings.Builder
		for s := 2 + rng.Intn(3); s > 0; s-- {
			b.WriteString(syllables[rng.Intn(len(syllables))])
		}
		w := b.String()
		if sentence == 0 {
			w = strings.ToUpper(w[:1]) + w[1:]
		}
		sentence++
		if sentence >= 8+rng.Intn(8) || i == n-1 {
			w += "."
			sentence = 0
		}
		words[i] = w
	}
	return strings.Join(words, " ")
}

// chapterText is a chapter of exactly target words that names the subject
// and a year that grows with the chapter number.
func chapterText(n, target int) string {
	head := fmt.Sprintf("# Capítulo %d: Años\n\n%s vivió en Londres en %d.", n, subject, 1815+n*10)
	filler := target - textanalysis.WordCount(head)
	text := head
	for range 5 {
		text = head + " " + prose(filler, int64(n))
		wc := textanalysis.WordCount(text)
		if wc == target {
			break
		}
		filler += target - wc
	}
	return text
}

// bookLLM writes chapters of the requested length. Chapters listed in
// short come back at a third of the target the first time.
type bookLLM struct {
	mu        sync.Mutex
	short     map[int]bool
	calls     map[int]int
	prompts   map[int][]string
	onChapter func(n int)
}

func newBookLLM() *bookLLM {
	return &bookLLM{short: map[int]bool{}, calls: map[int]int{}, prompts: map[int][]string{}}
}

func (l *bookLLM) Complete(_ context.Context, _, prompt string, _ int) (string, error) {
	target := 300
	if m := targetPromptRe.FindStringSubmatch(prompt); m != nil {
		target, _ = strconv.Atoi(m[1])
	}
	m := chapterPromptRe.FindStringSubmatch(prompt)
	if m == nil {
		return "# Sección\n\n" + prose(min(target, 150), 7), nil
	}
	n, _ := strconv.Atoi(m[1])

	l.mu.Lock()
	l.calls[n]++
	first := l.calls[n] == 1
	l.prompts[n] = append(l.prompts[n], prompt)
	hook := l.onChapter
	l.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if first && l.short[n] {
		target /= 3
	}
	return chapterText(n, target), nil
}

func (l *bookLLM) chapterCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, c := range l.calls {
		total += c
	}
	return total
}

type timeoutLLM struct {
	calls atomic.Int32
}

func (l *timeoutLLM) Complete(context.Context, string, string, int) (string, error) {
	l.calls.Add(1)
	return "", fmt.Errorf("completion timed out: %w", context.DeadlineExceeded)
}

type fakeExporter struct {
	calls atomic.Int32
}

func (f *fakeExporter) Export(_ context.Context, markdownPath, outputPath string) error {
	f.calls.Add(1)
	data, err := os.ReadFile(markdownPath)
	if err != nil {
		return recovery.E(recovery.KindFile, "export", err)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0o644)
}

type fakeStorage struct {
	mu   sync.Mutex
	keys []string
}

func (s *fakeStorage) Upload(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()
	return s.GetPublicURL(key), nil
}

func (s *fakeStorage) Delete(context.Context, string) error { return nil }

func (s *fakeStorage) GetSignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

func (s *fakeStorage) GetPublicURL(key string) string {
	return "https://public.example/" + key
}

var _ client.StorageClient = (*fakeStorage)(nil)

type harness struct {
	engine *Engine
	repos  *repository.Repositories
}

func newHarness(t *testing.T, llm content.Completer, configure func(*Config, *Deps)) *harness {
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
	cfg := Config{
		Root:            t.TempDir(),
		Chapters:        3,
		TotalWords:      900,
		ParallelWorkers: 4,
		MaxRetries:      3,
		Retry: taskqueue.RetryPolicy{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			Multiplier:     1,
			MaxBackoff:     time.Millisecond,
		},
		Owner:    "test-owner",
		LeaseTTL: time.Minute,
	}
	deps := Deps{
		Repos:    repos,
		LLM:      llm,
		Exporter: &fakeExporter{},
		Notifier: notify.NewFabric(notify.FabricConfig{
			Audit:   repos.Notifications,
			Limiter: notify.NewRateLimiter(1000, 10000),
		}, nil),
	}
	if configure != nil {
		configure(&cfg, &deps)
	}

	e := New(cfg, deps, nil)
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		cancel()
		e.Shutdown()
	})
	return &harness{engine: e, repos: repos}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (h *harness) create(t *testing.T, req Request) *model.Job {
	t.Helper()
	if req.Character == "" {
		req.Character = subject
	}
	if req.UserID == "" {
		req.UserID = "user-1"
	}
	job, err := h.engine.GenerateBiography(context.Background(), req)
	require.NoError(t, err)
	return job
}

func (h *harness) job(t *testing.T, id string) (*model.Job, model.JobMetadata) {
	t.Helper()
	job, err := h.repos.Jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	meta, err := job.DecodeMetadata()
	require.NoError(t, err)
	return job, meta
}

func notifications(t *testing.T, h *harness, jobID string, typ model.NotificationType, ch model.NotificationChannel) []model.NotificationRecord {
	t.Helper()
	all, err := h.repos.Notifications.ListByEntity(context.Background(), jobID)
	require.NoError(t, err)
	var out []model.NotificationRecord
	for _, r := range all {
		if r.Type == typ && r.Channel == ch {
			out = append(out, r)
		}
	}
	return out
}

func TestGenerateBiographyCreatesPendingJob(t *testing.T) {
	h := newHarness(t, newBookLLM(), nil)
	job := h.create(t, Request{Chapters: 5, TotalWords: 5000})

	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, model.ModeAutomatic, job.Mode)

	stored, _ := h.job(t, job.ID)
	opts, err := stored.DecodeOptions()
	require.NoError(t, err)
	assert.Equal(t, 5, opts.Chapters)
	assert.Equal(t, 1000, opts.WordsPerChapter())

	logs, err := stored.DecodeLogs()
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Message, subject)

	bio, err := h.repos.Biographies.GetByID(context.Background(), job.BiographyID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, *bio.JobID)
}

func TestExecuteJobCompletes(t *testing.T) {
	llm := newBookLLM()
	storage := &fakeStorage{}
	h := newHarness(t, llm, func(_ *Config, d *Deps) { d.Storage = storage })
	ctx := testContext(t)
	job := h.create(t, Request{})

	res, err := h.engine.ExecuteJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, res.Success, "workflow error: %v", res.Err)
	assert.Equal(t, statemachine.Completed, res.FinalState)
	assert.Nil(t, res.Outcome)
	assert.Len(t, res.Phases, 6)

	stored, meta := h.job(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, stored.Status)
	assert.Equal(t, string(statemachine.Completed), stored.Phase)
	assert.Equal(t, 100, stored.Progress)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.CompletedAt)
	assert.Empty(t, stored.LockedBy)

	assert.FileExists(t, meta.OutputPath)
	assert.Equal(t, h.engine.Layout().MarkdownPath(subject), meta.OutputPath)
	assert.Greater(t, meta.Coherence, 0.5)
	require.NotNil(t, meta.ChronologyValid)
	assert.True(t, *meta.ChronologyValid)
	assert.Equal(t, h.engine.Layout().WordPath(subject), meta.ExportPath)

	require.Len(t, storage.keys, 1)
	assert.Equal(t, client.ArtifactKey("ada_lovelace", job.ID, meta.ExportPath), storage.keys[0])
	assert.Equal(t, "https://signed.example/"+storage.keys[0], meta.DownloadURL)

	chapters, err := h.repos.Chapters.ListByBiography(ctx, job.BiographyID)
	require.NoError(t, err)
	require.Len(t, chapters, 3)
	for _, ch := range chapters {
		assert.Equal(t, 300, ch.WordCount, "chapter %d", ch.Number)
	}

	bio, err := h.repos.Biographies.GetByID(ctx, job.BiographyID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, bio.Status)
	assert.NotNil(t, bio.CompletedAt)

	status, err := h.engine.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(statemachine.Completed), status.State)
	assert.Equal(t, meta.DownloadURL, status.DownloadURL)
	assert.NotEmpty(t, status.Logs)

	path, err := h.engine.ArtifactPath(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ExportPath, path)

	completions := notifications(t, h, job.ID, model.NotificationCompletion, model.ChannelPush)
	require.Len(t, completions, 1)
	assert.Equal(t, "user-1", completions[0].Recipient)
	assert.NotEmpty(t, notifications(t, h, job.ID, model.NotificationProgress, model.ChannelPush))
	assert.Empty(t, notifications(t, h, job.ID, model.NotificationError, model.ChannelPush))

	_, err = h.engine.ExecuteJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobFinished)
}

func TestExecuteJobRegeneratesShortChapter(t *testing.T) {
	llm := newBookLLM()
	llm.short[2] = true
	h := newHarness(t, llm, nil)
	ctx := testContext(t)
	job := h.create(t, Request{})

	res, err := h.engine.ExecuteJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, res.Success, "workflow error: %v", res.Err)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, recovery.RetryPrevious, res.Outcome.Strategy)
	assert.Equal(t, recovery.KindValidation, res.Outcome.Classification.Kind)
	assert.True(t, res.Outcome.RollbackOK)

	assert.Equal(t, 2, llm.calls[2])
	assert.Equal(t, 1, llm.calls[1])
	assert.Contains(t, llm.prompts[2][1], "A previous draft had 100 words")

	ch, err := h.repos.Chapters.GetByNumber(ctx, job.BiographyID, 2)
	require.NoError(t, err)
	assert.Equal(t, 300, ch.WordCount)

	_, meta := h.job(t, job.ID)
	assert.Empty(t, meta.InvalidChapters)
	machine, err := statemachine.FromMap(meta.StateMachine)
	require.NoError(t, err)
	assert.Equal(t, statemachine.Completed, machine.Current())
	assert.GreaterOrEqual(t, len(machine.History()), 9)
}

func TestExecuteJobFailsAfterRepeatedTimeouts(t *testing.T) {
	llm := &timeoutLLM{}
	h := newHarness(t, llm, func(c *Config, _ *Deps) { c.Chapters = 2; c.TotalWords = 600 })
	ctx := testContext(t)
	job := h.create(t, Request{})

	res, err := h.engine.ExecuteJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, statemachine.Failed, res.FinalState)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, recovery.Fail, res.Outcome.Strategy)
	assert.Equal(t, recovery.KindTimeout, res.Outcome.Classification.Kind)

	stored, _ := h.job(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "generation tasks failed")

	alerts := notifications(t, h, job.ID, model.NotificationError, model.ChannelPush)
	require.Len(t, alerts, 1)
	assert.Equal(t, "user-1", alerts[0].Recipient)

	dead, err := h.engine.Broker().DeadLetters(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, dead)
	names := make(map[string]bool)
	for _, d := range dead {
		names[d.Name] = true
		assert.Equal(t, 2, d.Attempts)
	}
	assert.True(t, names[taskqueue.TaskGenerateChapter])

	bio, err := h.repos.Biographies.GetByID(ctx, job.BiographyID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, bio.Status)
}

func TestExecuteJobRequiresMinimumSources(t *testing.T) {
	h := newHarness(t, newBookLLM(), nil)
	ctx := testContext(t)
	job := h.create(t, Request{MinSources: 2})

	res, err := h.engine.ExecuteJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, statemachine.Failed, res.FinalState)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, recovery.KindValidation, res.Outcome.Classification.Kind)

	alerts := notifications(t, h, job.ID, model.NotificationError, model.ChannelPush)
	require.Len(t, alerts, 1)
}

func TestExecuteJobRecordsSources(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := newHarness(t, newBookLLM(), nil)
	ctx := testContext(t)
	job := h.create(t, Request{Sources: []string{server.URL + "/ada-lovelace"}, MinSources: 1})

	res, err := h.engine.ExecuteJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, res.Success, "workflow error: %v", res.Err)

	sources, err := h.repos.Sources.ListByBiography(ctx, job.BiographyID)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, model.SourceStatusValid, sources[0].ValidationStatus)

	_, meta := h.job(t, job.ID)
	assert.Equal(t, 1, meta.ValidSources)
}

func TestPauseBeforeRunAndResume(t *testing.T) {
	h := newHarness(t, newBookLLM(), nil)
	ctx := testContext(t)
	job := h.create(t, Request{})

	require.NoError(t, h.engine.PauseJob(ctx, job.ID, "waiting for review"))
	stored, _ := h.job(t, job.ID)
	assert.Equal(t, model.JobStatusPaused, stored.Status)

	status, err := h.engine.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(statemachine.Paused), status.State)

	_, err = h.engine.ExecuteJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobPaused)

	res, err := h.engine.ResumeJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Success, "workflow error: %v", res.Err)

	_, err = h.engine.ResumeJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobFinished)
}

func TestPauseDuringGenerationResumesAtPhase(t *testing.T) {
	llm := newBookLLM()
	h := newHarness(t, llm, nil)
	ctx := testContext(t)
	job := h.create(t, Request{})

	var once sync.Once
	llm.onChapter = func(int) {
		once.Do(func() {
			assert.NoError(t, h.engine.PauseJob(context.Background(), job.ID, "operator"))
		})
	}

	res, err := h.engine.ExecuteJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, statemachine.Paused, res.FinalState)

	stored, meta := h.job(t, job.ID)
	assert.Equal(t, model.JobStatusPaused, stored.Status)
	machine, err := statemachine.FromMap(meta.StateMachine)
	require.NoError(t, err)
	assert.Equal(t, statemachine.ContentGenerating, machine.ResumeState())

	llm.onChapter = nil
	res, err = h.engine.ResumeJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Success, "workflow error: %v", res.Err)
	assert.Equal(t, statemachine.ContentGenerating, res.Phases[0].State)
	assert.Equal(t, 3, llm.chapterCalls())
}

func TestPauseCompletedJob(t *testing.T) {
	h := newHarness(t, newBookLLM(), nil)
	ctx := testContext(t)
	job := h.create(t, Request{})
	require.NoError(t, h.repos.Jobs.UpdateFields(ctx, job.ID, map[string]any{"status": model.JobStatusCompleted}))

	assert.Error(t, h.engine.PauseJob(ctx, job.ID, ""))
}

func TestExecuteJobRespectsLease(t *testing.T) {
	h := newHarness(t, newBookLLM(), nil)
	ctx := testContext(t)
	job := h.create(t, Request{})
	require.NoError(t, h.repos.Jobs.AcquireLease(ctx, job.ID, "other-worker", time.Minute))

	_, err := h.engine.ExecuteJob(ctx, job.ID)
	assert.ErrorIs(t, err, repository.ErrJobLocked)
	assert.Nil(t, h.engine.runtime(job.ID))

	stored, _ := h.job(t, job.ID)
	assert.Equal(t, model.JobStatusPending, stored.Status)
}

func TestGetStatusUnknownJob(t *testing.T) {
	h := newHarness(t, newBookLLM(), nil)
	_, err := h.engine.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = h.engine.ArtifactPath(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestArtifactPathNotReady(t *testing.T) {
	h := newHarness(t, newBookLLM(), nil)
	job := h.create(t, Request{})
	_, err := h.engine.ArtifactPath(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestNextProgress(t *testing.T) {
	tr := func(from, to statemachine.State) statemachine.Transition {
		return statemachine.Transition{From: from, To: to}
	}
	assert.Equal(t, 10, nextProgress(0, tr(statemachine.Initialized, statemachine.SourcesValidating)))
	assert.Equal(t, 70, nextProgress(70, tr(statemachine.ChaptersValidating, statemachine.ContentGenerating)))
	assert.Equal(t, 70, nextProgress(70, tr(statemachine.ChaptersValidating, statemachine.Paused)))
	assert.Equal(t, 30, nextProgress(30, tr(statemachine.ContentGenerating, statemachine.Failed)))
	assert.Equal(t, 0, nextProgress(30, tr(statemachine.ContentGenerating, statemachine.Initialized)))
	assert.Equal(t, 0, nextProgress(0, tr(statemachine.Initialized, statemachine.Initialized)))
	assert.Equal(t, 100, nextProgress(95, tr(statemachine.Exporting, statemachine.Completed)))
}

func TestDeadLetteredTasksRaiseFailedTaskAlerts(t *testing.T) {
	h := newHarness(t, &timeoutLLM{}, func(c *Config, _ *Deps) {
		c.Chapters = 2
		c.TotalWords = 600
		c.AlertTargets = notify.Targets{UserID: "ops"}
	})
	ctx := testContext(t)
	job := h.create(t, Request{})

	res, err := h.engine.ExecuteJob(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, res.Success)

	dead, err := h.engine.Broker().DeadLetters(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, dead)
	for _, d := range dead {
		require.Eventually(t, func() bool {
			return len(notifications(t, h, d.ID, model.NotificationFailedTask, model.ChannelPush)) == 1
		}, 5*time.Second, 10*time.Millisecond, "task %s", d.ID)
		rec := notifications(t, h, d.ID, model.NotificationFailedTask, model.ChannelPush)[0]
		assert.Equal(t, "ops", rec.Recipient)
		assert.Equal(t, "task", rec.EntityType)
		assert.Contains(t, rec.Message, d.Name)
		assert.Contains(t, rec.Message, d.LastError)
	}

	assert.Len(t, notifications(t, h, job.ID, model.NotificationError, model.ChannelPush), 1)
}
