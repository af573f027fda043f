package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/bookgen/api/internal/engine"
	"github.com/bookgen/api/internal/logger"
	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/statemachine"
	"github.com/bookgen/api/internal/taskqueue"
	"github.com/bookgen/api/internal/workflow"
)

// Registrar binds task handlers; both brokers implement it.
type Registrar interface {
	Register(name string, h taskqueue.Handler)
}

// BiographyWorker runs queued biography jobs through the engine
type BiographyWorker struct {
	engine *engine.Engine
	log    *logger.Logger
}

// NewBiographyWorker creates a new biography worker
func NewBiographyWorker(eng *engine.Engine, log *logger.Logger) *BiographyWorker {
	if log == nil {
		log = logger.Nop()
	}
	return &BiographyWorker{
		engine: eng,
		log:    log.With("component", "biography_worker"),
	}
}

// Register binds the worker to the generation task.
func (w *BiographyWorker) Register(r Registrar) {
	r.Register(taskqueue.TaskGenerateBiography, w.ProcessTask)
}

// ProcessTask handles generation:biography tasks. Job failures are recorded
// on the job itself; the task only fails when the job could not be run.
func (w *BiographyWorker) ProcessTask(ctx context.Context, t *taskqueue.Task) error {
	var p model.GenerationTaskPayload
	if err := t.Bind(&p); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w: %w", err, taskqueue.ErrSkipRetry)
	}
	if p.JobID == "" {
		return fmt.Errorf("task payload has no job id: %w", taskqueue.ErrSkipRetry)
	}

	w.log.Info("starting biography job", "job_id", p.JobID, "resume", p.Resume, "attempt", t.Attempt)
	run := w.engine.ExecuteJob
	if p.Resume {
		run = w.engine.ResumeJob
	}
	res, err := run(ctx, p.JobID)
	switch {
	case errors.Is(err, engine.ErrJobNotFound):
		return fmt.Errorf("%w: %w", err, taskqueue.ErrSkipRetry)
	case errors.Is(err, engine.ErrJobPaused),
		errors.Is(err, engine.ErrJobFinished),
		errors.Is(err, engine.ErrJobRunning),
		errors.Is(err, workflow.ErrNotPaused):
		w.log.Info("biography job skipped", "job_id", p.JobID, "reason", err)
		return nil
	case err != nil:
		return err
	}

	if !res.FinalState.Terminal() && res.FinalState != statemachine.Paused {
		// cut short, most likely by shutdown; let the queue hand it out again
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("job %s interrupted in %s: %w", p.JobID, res.FinalState, cerr)
		}
	}

	w.log.Info("biography job finished", "job_id", p.JobID, "state", res.FinalState, "success", res.Success)
	return t.SetResult(map[string]any{
		"job_id":      p.JobID,
		"final_state": res.FinalState,
		"success":     res.Success,
	})
}
