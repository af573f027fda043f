package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/notify"
	"github.com/bookgen/api/internal/recovery"
	"github.com/bookgen/api/internal/statemachine"
	"github.com/bookgen/api/internal/workflow"
)

// runtime is the in-process state of a job. It lives in the engine only
// while the job runs; between runs the job row is the source of truth.
type runtime struct {
	jobID       string
	biographyID string
	character   string
	opts        model.JobOptions
	targets     notify.Targets

	machine  *statemachine.Machine
	recovery *recovery.Handler
	workflow *workflow.Manager

	mu       sync.Mutex
	status   model.JobStatus
	progress int
	meta     model.JobMetadata
	logs     []model.LogEntry
	running  bool
}

func (rt *runtime) start() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.running {
		return false
	}
	rt.running = true
	return true
}

func (rt *runtime) stop() {
	rt.mu.Lock()
	rt.running = false
	rt.mu.Unlock()
}

func (rt *runtime) isRunning() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.running
}

func (rt *runtime) metadata() model.JobMetadata {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.meta
}

// runtime returns the job's runtime when the job is running here.
func (e *Engine) runtime(jobID string) *runtime {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.runtimes[jobID]
	if !ok || !rt.isRunning() {
		return nil
	}
	return rt
}

func (e *Engine) drop(jobID string) {
	e.mu.Lock()
	delete(e.runtimes, jobID)
	e.mu.Unlock()
}

// bind returns the running runtime of job or builds a fresh one from the
// persisted row.
func (e *Engine) bind(job *model.Job) (*runtime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rt, ok := e.runtimes[job.ID]; ok && rt.isRunning() {
		return rt, nil
	}

	opts, err := job.DecodeOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to decode job options: %w", err)
	}
	if opts.Chapters <= 0 {
		opts.Chapters = e.cfg.Chapters
	}
	if opts.TotalWords <= 0 {
		opts.TotalWords = e.cfg.TotalWords
	}
	meta, err := job.DecodeMetadata()
	if err != nil {
		return nil, fmt.Errorf("failed to decode job metadata: %w", err)
	}
	logs, err := job.DecodeLogs()
	if err != nil {
		return nil, fmt.Errorf("failed to decode job logs: %w", err)
	}

	machine := statemachine.New(job.ID)
	if len(meta.StateMachine) > 0 {
		if machine, err = statemachine.FromMap(meta.StateMachine); err != nil {
			return nil, err
		}
	}

	rt := &runtime{
		jobID:       job.ID,
		biographyID: job.BiographyID,
		character:   job.Character,
		opts:        opts,
		targets: notify.Targets{
			UserID:      job.UserID,
			CallbackURL: job.CallbackURL,
			Email:       job.NotifyEmail,
		},
		machine:  machine,
		recovery: recovery.NewHandler(e.cfg.MaxRetries, e.log),
		status:   job.Status,
		progress: job.Progress,
		meta:     meta,
		logs:     logs,
	}
	rt.workflow = workflow.NewManager(job.ID, machine, rt.recovery, e.log)
	e.registerPhases(rt)
	machine.OnTransition(func(tr statemachine.Transition) { e.onTransition(rt, tr) })
	rt.workflow.OnPhase(func(res workflow.PhaseResult) { e.onPhase(rt, res) })

	e.runtimes[job.ID] = rt
	return rt, nil
}

func statusFor(s statemachine.State) model.JobStatus {
	switch s {
	case statemachine.Paused:
		return model.JobStatusPaused
	case statemachine.Failed:
		return model.JobStatusFailed
	case statemachine.Completed:
		return model.JobStatusCompleted
	default:
		return model.JobStatusRunning
	}
}

// nextProgress keeps progress monotone within a run. A restart from the
// beginning resets it.
func nextProgress(prev int, tr statemachine.Transition) int {
	switch tr.To {
	case statemachine.Completed:
		return 100
	case statemachine.Failed, statemachine.Paused:
		return prev
	case statemachine.Initialized:
		if tr.From != statemachine.Initialized && tr.From != statemachine.Paused {
			return 0
		}
	}
	return max(prev, tr.To.Progress())
}

// onTransition writes the new state back to the job row before the
// workflow continues.
func (e *Engine) onTransition(rt *runtime, tr statemachine.Transition) {
	ctx := context.Background()
	msg := fmt.Sprintf("State changed from %s to %s", tr.From, tr.To)
	level := model.LogLevelInfo
	if tr.To == statemachine.Failed {
		level = model.LogLevelError
	}

	rt.mu.Lock()
	rt.progress = nextProgress(rt.progress, tr)
	if snap, err := rt.machine.ToMap(); err == nil {
		rt.meta.StateMachine = snap
	} else {
		e.log.Error("failed to snapshot state machine", "job_id", rt.jobID, "error", err)
	}
	rt.logs = model.AppendLog(rt.logs, model.LogEntry{
		Timestamp: e.now(),
		Level:     level,
		Phase:     string(tr.To),
		Message:   msg,
	})
	fields := map[string]any{
		"phase":    string(tr.To),
		"progress": rt.progress,
	}
	// status is only written on change so a pause recorded by another
	// process is not overwritten by the next phase entry
	if status := statusFor(tr.To); status != rt.status {
		fields["status"] = status
		rt.status = status
	}
	e.writeLocked(ctx, rt, fields)
	progress := rt.progress
	rt.mu.Unlock()

	if e.notifier != nil && (tr.To.Workflow() || tr.To == statemachine.Paused) {
		e.notifier.SendProgressUpdate(ctx, rt.jobID, rt.character, string(tr.To), progress, msg, rt.targets)
	}
}

func (e *Engine) onPhase(rt *runtime, res workflow.PhaseResult) {
	e.metrics.ObservePhase(res.Name, res.Duration)
	if res.Success {
		e.addLog(context.Background(), rt, model.LogLevelInfo, string(res.State),
			fmt.Sprintf("Phase %s completed in %s", res.Name, res.Duration.Round(time.Millisecond)))
		return
	}
	kind := recovery.Classify(res.Err)
	e.metrics.PhaseFailed(res.Name, string(kind))
	e.addLog(context.Background(), rt, model.LogLevelError, string(res.State),
		fmt.Sprintf("Phase %s failed (%s): %s", res.Name, kind, res.Error))
}

// writeLocked persists fields along with the metadata and log ring. The
// caller holds rt.mu.
func (e *Engine) writeLocked(ctx context.Context, rt *runtime, fields map[string]any) {
	fields["metadata"] = model.MustJSON(rt.meta)
	fields["logs"] = model.MustJSON(rt.logs)
	if err := e.repos.Jobs.UpdateFields(ctx, rt.jobID, fields); err != nil {
		e.log.Error("failed to persist job", "job_id", rt.jobID, "error", err)
	}
}

func (e *Engine) updateJob(ctx context.Context, rt *runtime, fields map[string]any) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if status, ok := fields["status"].(model.JobStatus); ok {
		rt.status = status
	}
	if p, ok := fields["progress"].(int); ok {
		rt.progress = p
	}
	e.writeLocked(ctx, rt, fields)
}

func (e *Engine) addLog(ctx context.Context, rt *runtime, level, phase, msg string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.logs = model.AppendLog(rt.logs, model.LogEntry{
		Timestamp: e.now(),
		Level:     level,
		Phase:     phase,
		Message:   msg,
	})
	e.writeLocked(ctx, rt, map[string]any{})
}

// saveMeta applies fn to the job metadata and persists it.
func (e *Engine) saveMeta(ctx context.Context, rt *runtime, fn func(*model.JobMetadata)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	fn(&rt.meta)
	e.writeLocked(ctx, rt, map[string]any{})
}
