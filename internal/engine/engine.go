// Package engine creates, runs and reports on biography jobs. Each job
// owns a state machine, a recovery handler and a workflow manager; every
// transition is written back to the job row before the workflow moves on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bookgen/api/internal/client"
	"github.com/bookgen/api/internal/concat"
	"github.com/bookgen/api/internal/content"
	"github.com/bookgen/api/internal/logger"
	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/notify"
	"github.com/bookgen/api/internal/observability"
	"github.com/bookgen/api/internal/parallel"
	"github.com/bookgen/api/internal/recovery"
	"github.com/bookgen/api/internal/repository"
	"github.com/bookgen/api/internal/sources"
	"github.com/bookgen/api/internal/statemachine"
	"github.com/bookgen/api/internal/taskqueue"
	"github.com/bookgen/api/internal/validation"
	"github.com/bookgen/api/internal/workflow"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrNotReady    = errors.New("artifact not ready")
	ErrJobRunning  = errors.New("job is already running in this process")
	ErrJobFinished = errors.New("job already completed")
	ErrJobPaused   = errors.New("job is paused")
)

// Notifier is the part of the notification fabric the engine uses.
type Notifier interface {
	SendProgressUpdate(ctx context.Context, jobID, character, phase string, progress int, message string, t notify.Targets) []model.NotificationRecord
	SendCompletionNotification(ctx context.Context, jobID, character string, status model.JobStatus, data map[string]any, t notify.Targets) []model.NotificationRecord
	SendErrorAlert(ctx context.Context, jobID, character, errMsg, severity string, t notify.Targets) []model.NotificationRecord
	SendFailedTask(ctx context.Context, taskID, name string, attempts int, lastErr string, t notify.Targets) []model.NotificationRecord
}

// Config holds the engine defaults.
type Config struct {
	Root            string
	Chapters        int
	TotalWords      int
	Validation      validation.Config
	ParallelWorkers int
	MaxRetries      int
	Retry           taskqueue.RetryPolicy
	HardLimit       time.Duration
	SoftLimit       time.Duration
	Owner           string
	LeaseTTL        time.Duration
	URLExpiry       time.Duration
	// AlertTargets receive failed_task alerts for dead-lettered tasks.
	AlertTargets notify.Targets
}

func (c *Config) setDefaults() {
	if c.Root == "" {
		c.Root = "bios"
	}
	if c.Validation.Weights == (validation.Weights{}) {
		c.Validation = validation.DefaultConfig()
	}
	if c.Chapters <= 0 {
		c.Chapters = c.Validation.ChaptersNumber
	}
	if c.TotalWords <= 0 {
		c.TotalWords = c.Validation.TotalWords
	}
	if c.ParallelWorkers <= 0 {
		c.ParallelWorkers = parallel.DefaultWorkers
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = taskqueue.DefaultRetryPolicy()
	}
	if c.Owner == "" {
		host, _ := os.Hostname()
		c.Owner = fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.URLExpiry <= 0 {
		c.URLExpiry = 24 * time.Hour
	}
}

// Deps are the engine's collaborators. Exporter, Storage, Notifier,
// Sources and Metrics may be nil.
type Deps struct {
	Repos    *repository.Repositories
	LLM      content.Completer
	Exporter client.Exporter
	Storage  client.StorageClient
	Notifier Notifier
	Sources  *sources.Validator
	Metrics  *observability.Metrics
}

// Request describes a new biography job.
type Request struct {
	Character        string
	Mode             model.GenerationMode
	Sources          []string
	MinSources       int
	QualityThreshold float64
	Chapters         int
	TotalWords       int
	UserID           string
	CallbackURL      string
	NotifyEmail      string
}

type Engine struct {
	cfg      Config
	repos    *repository.Repositories
	gen      *content.Generator
	exporter client.Exporter
	storage  client.StorageClient
	notifier Notifier
	sources  *sources.Validator
	metrics  *observability.Metrics
	broker   *taskqueue.MemoryBroker
	pool     *parallel.Executor
	layout   concat.Layout
	log      *logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	runtimes map[string]*runtime
}

func New(cfg Config, deps Deps, log *logger.Logger) *Engine {
	cfg.setDefaults()
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("component", "engine")

	pool := parallel.NewExecutor(cfg.ParallelWorkers, log)
	layout := concat.Layout{Root: cfg.Root}
	e := &Engine{
		cfg:      cfg,
		repos:    deps.Repos,
		gen:      content.NewGenerator(deps.LLM, layout, log),
		exporter: deps.Exporter,
		storage:  deps.Storage,
		notifier: deps.Notifier,
		sources:  deps.Sources,
		metrics:  deps.Metrics,
		pool:     pool,
		layout:   layout,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		runtimes: make(map[string]*runtime),
	}
	if e.sources == nil {
		e.sources = sources.NewValidator(sources.NewChecker(0, log), nil, pool, log)
	}

	e.broker = taskqueue.NewMemoryBroker(taskqueue.MemoryConfig{
		Workers:   cfg.ParallelWorkers,
		Retry:     cfg.Retry,
		HardLimit: cfg.HardLimit,
		SoftLimit: cfg.SoftLimit,
		OnFinish: func(t *taskqueue.Task, err error) {
			e.metrics.ObserveTask(t.Queue, err)
		},
		OnDeadLetter: func(dl taskqueue.DeadLetter) {
			if dead, err := e.broker.DeadLetters(context.Background()); err == nil {
				e.metrics.SetDeadLetters(len(dead))
			}
			if e.notifier != nil {
				e.notifier.SendFailedTask(context.Background(), dl.ID, dl.Name, dl.Attempts, dl.LastError, cfg.AlertTargets)
			}
		},
	}, log)
	e.registerTasks()
	return e
}

// Start launches the in-process task workers.
func (e *Engine) Start(ctx context.Context) {
	e.broker.Start(ctx)
}

// Shutdown stops the task workers.
func (e *Engine) Shutdown() {
	e.broker.Shutdown()
}

// Broker exposes the in-process broker, for dead letter inspection.
func (e *Engine) Broker() *taskqueue.MemoryBroker {
	return e.broker
}

// Layout returns the on-disk layout of generated files.
func (e *Engine) Layout() concat.Layout {
	return e.layout
}

// GenerateBiography creates the biography and job rows and returns the
// pending job. It does not run the job.
func (e *Engine) GenerateBiography(ctx context.Context, req Request) (*model.Job, error) {
	if req.Mode == "" {
		req.Mode = model.ModeAutomatic
	}
	opts := model.JobOptions{
		Chapters:         req.Chapters,
		TotalWords:       req.TotalWords,
		Sources:          req.Sources,
		MinSources:       req.MinSources,
		QualityThreshold: req.QualityThreshold,
	}
	if opts.Chapters <= 0 {
		opts.Chapters = e.cfg.Chapters
	}
	if opts.TotalWords <= 0 {
		opts.TotalWords = e.cfg.TotalWords
	}

	now := e.now()
	jobID := uuid.NewString()
	bio := &model.Biography{
		ID:        uuid.NewString(),
		Character: req.Character,
		Status:    model.JobStatusPending,
		JobID:     &jobID,
	}
	logs := model.AppendLog(nil, model.LogEntry{
		Timestamp: now,
		Level:     model.LogLevelInfo,
		Phase:     string(statemachine.Initialized),
		Message:   fmt.Sprintf("Job created for %s (%d chapters, %d words)", req.Character, opts.Chapters, opts.TotalWords),
	})
	job := &model.Job{
		ID:          jobID,
		BiographyID: bio.ID,
		Character:   req.Character,
		Mode:        req.Mode,
		Status:      model.JobStatusPending,
		Phase:       string(statemachine.Initialized),
		Progress:    0,
		Options:     model.MustJSON(opts),
		Metadata:    model.MustJSON(model.JobMetadata{}),
		Logs:        model.MustJSON(logs),
		UserID:      req.UserID,
		CallbackURL: req.CallbackURL,
		NotifyEmail: req.NotifyEmail,
	}
	if err := e.repos.Biographies.CreateWithJob(ctx, bio, job); err != nil {
		return nil, err
	}

	e.log.Info("job created", "job_id", job.ID, "biography_id", bio.ID, "character", req.Character)
	return job, nil
}

// GetStatus reports a job. When the job is not loaded in this process
// the state comes from the persisted snapshot.
func (e *Engine) GetStatus(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := e.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	meta, err := job.DecodeMetadata()
	if err != nil {
		return nil, fmt.Errorf("failed to decode job metadata: %w", err)
	}
	logs, err := job.DecodeLogs()
	if err != nil {
		return nil, fmt.Errorf("failed to decode job logs: %w", err)
	}

	state := statemachine.State(job.Phase)
	if rt := e.runtime(jobID); rt != nil {
		state = rt.machine.Current()
	} else if len(meta.StateMachine) > 0 {
		m, err := statemachine.FromMap(meta.StateMachine)
		if err != nil {
			return nil, err
		}
		state = m.Current()
	}
	if state == "" {
		state = statemachine.Initialized
	}

	resp := &model.JobStatusResponse{
		JobID:        job.ID,
		BiographyID:  job.BiographyID,
		Character:    job.Character,
		Status:       job.Status,
		State:        string(state),
		Progress:     job.Progress,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		Logs:         logs,
	}
	if job.Status == model.JobStatusCompleted {
		resp.DownloadURL = meta.DownloadURL
		if resp.DownloadURL == "" {
			resp.DownloadURL = fmt.Sprintf("/api/v1/biographies/%s/download", job.ID)
		}
	}
	return resp, nil
}

// ArtifactPath returns the file to serve for a completed job: the
// exported document when there is one, else the assembled markdown.
func (e *Engine) ArtifactPath(ctx context.Context, jobID string) (string, error) {
	job, err := e.loadJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != model.JobStatusCompleted {
		return "", fmt.Errorf("%w: job is %s", ErrNotReady, job.Status)
	}
	meta, err := job.DecodeMetadata()
	if err != nil {
		return "", fmt.Errorf("failed to decode job metadata: %w", err)
	}
	for _, p := range []string{meta.ExportPath, meta.OutputPath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: no artifact on disk", ErrNotReady)
}

// ExecuteJob runs the workflow of a job to completion, failure or pause.
// A failed job restarts from the beginning. A paused job is left alone;
// use ResumeJob.
func (e *Engine) ExecuteJob(ctx context.Context, jobID string) (*workflow.Result, error) {
	return e.execute(ctx, jobID, false)
}

// ResumeJob continues a paused job from the phase it was paused in.
func (e *Engine) ResumeJob(ctx context.Context, jobID string) (*workflow.Result, error) {
	return e.execute(ctx, jobID, true)
}

func (e *Engine) execute(ctx context.Context, jobID string, resume bool) (*workflow.Result, error) {
	job, err := e.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch {
	case job.Status == model.JobStatusCompleted:
		return nil, fmt.Errorf("%w: %s", ErrJobFinished, jobID)
	case resume && job.Status != model.JobStatusPaused:
		return nil, fmt.Errorf("%w: job is %s", workflow.ErrNotPaused, job.Status)
	case !resume && job.Status == model.JobStatusPaused:
		return nil, fmt.Errorf("%w: %s", ErrJobPaused, jobID)
	}

	rt, err := e.bind(job)
	if err != nil {
		return nil, err
	}
	if !rt.start() {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, jobID)
	}
	defer func() {
		rt.stop()
		e.drop(jobID)
	}()

	if err := e.repos.Jobs.AcquireLease(ctx, jobID, e.cfg.Owner, e.cfg.LeaseTTL); err != nil {
		return nil, err
	}
	stopRenew := e.renewLease(jobID)
	defer func() {
		stopRenew()
		if err := e.repos.Jobs.ReleaseLease(context.WithoutCancel(ctx), jobID, e.cfg.Owner); err != nil {
			e.log.Warn("failed to release lease", "job_id", jobID, "error", err)
		}
	}()

	start := e.startState(rt)
	e.metrics.JobStarted()
	defer e.metrics.JobStopped()
	e.log.Info("executing job", "job_id", jobID, "character", job.Character, "start", start, "resume", resume)

	res := rt.workflow.ExecuteWorkflow(ctx, start)
	e.finish(context.WithoutCancel(ctx), rt, res)
	return &res, nil
}

// PauseJob pauses a job. A running workflow stops after its current
// phase; a job running in another process stops before its next phase.
func (e *Engine) PauseJob(ctx context.Context, jobID, reason string) error {
	job, err := e.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job is %s", workflow.ErrCannotPause, job.Status)
	}
	rt, err := e.bind(job)
	if err != nil {
		return err
	}
	if !rt.isRunning() {
		defer e.drop(jobID)
	}
	if reason == "" {
		reason = "paused by request"
	}
	if err := rt.workflow.Pause(reason); err != nil {
		return err
	}
	e.addLog(ctx, rt, model.LogLevelInfo, string(statemachine.Paused), "Job paused: "+reason)
	e.log.Info("job paused", "job_id", jobID, "reason", reason)
	return nil
}

// startState picks where a bound job continues.
func (e *Engine) startState(rt *runtime) statemachine.State {
	switch current := rt.machine.Current(); current {
	case statemachine.Paused:
		return rt.machine.ResumeState()
	case statemachine.Failed:
		rt.recovery.Reset()
		return statemachine.Initialized
	default:
		if _, ok := rt.machine.LastTransition(); ok && current.Workflow() {
			return current
		}
		return statemachine.Initialized
	}
}

func (e *Engine) finish(ctx context.Context, rt *runtime, res workflow.Result) {
	now := e.now()
	meta := rt.metadata()

	switch res.FinalState {
	case statemachine.Completed:
		e.updateJob(ctx, rt, map[string]any{
			"status":        model.JobStatusCompleted,
			"progress":      100,
			"completed_at":  now,
			"error_message": nil,
		})
		if err := e.repos.Biographies.UpdateFields(ctx, rt.biographyID, map[string]any{
			"status":       model.JobStatusCompleted,
			"completed_at": now,
		}); err != nil {
			e.log.Error("failed to update biography", "biography_id", rt.biographyID, "error", err)
		}
		e.addLog(ctx, rt, model.LogLevelInfo, string(statemachine.Completed), "Biography completed")
		e.metrics.JobFinished(string(model.JobStatusCompleted))
		if e.notifier != nil {
			e.notifier.SendCompletionNotification(ctx, rt.jobID, rt.character, model.JobStatusCompleted, map[string]any{
				"output_path":      meta.OutputPath,
				"download_url":     meta.DownloadURL,
				"coherence_score":  meta.Coherence,
				"chronology_valid": meta.ChronologyValid,
			}, rt.targets)
		}

	case statemachine.Failed:
		msg := "job failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		severity := string(recovery.SeverityHigh)
		if res.Outcome != nil {
			severity = string(res.Outcome.Classification.Severity)
		}
		e.updateJob(ctx, rt, map[string]any{
			"status":        model.JobStatusFailed,
			"error_message": msg,
		})
		if err := e.repos.Biographies.UpdateFields(ctx, rt.biographyID, map[string]any{
			"status": model.JobStatusFailed,
		}); err != nil {
			e.log.Error("failed to update biography", "biography_id", rt.biographyID, "error", err)
		}
		e.addLog(ctx, rt, model.LogLevelError, string(statemachine.Failed), "Job failed: "+msg)
		e.metrics.JobFinished(string(model.JobStatusFailed))
		if e.notifier != nil {
			e.notifier.SendErrorAlert(ctx, rt.jobID, rt.character, msg, severity, rt.targets)
			e.notifier.SendCompletionNotification(ctx, rt.jobID, rt.character, model.JobStatusFailed, map[string]any{
				"error": msg,
			}, rt.targets)
		}
		e.log.Error("job failed", "job_id", rt.jobID, "severity", severity, "error", msg)

	case statemachine.Paused:
		fields := map[string]any{"status": model.JobStatusPaused}
		if res.Outcome != nil && res.Outcome.Strategy == recovery.Manual && res.Err != nil {
			fields["error_message"] = res.Err.Error()
			e.addLog(ctx, rt, model.LogLevelWarning, string(statemachine.Paused),
				"Manual intervention required: "+res.Err.Error())
		}
		e.updateJob(ctx, rt, fields)
		e.log.Info("job paused", "job_id", rt.jobID)

	default:
		// interrupted mid-flight; another process may pick the job up
		e.log.Warn("job interrupted", "job_id", rt.jobID, "state", res.FinalState, "error", res.Err)
	}
}

func (e *Engine) loadJob(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := e.repos.Jobs.GetByID(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, err
}

// renewLease keeps the job lease alive until the returned func is called.
func (e *Engine) renewLease(jobID string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.cfg.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := e.repos.Jobs.AcquireLease(context.Background(), jobID, e.cfg.Owner, e.cfg.LeaseTTL); err != nil {
					e.log.Warn("failed to renew lease", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
