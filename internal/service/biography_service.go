package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bookgen/api/internal/engine"
	"github.com/bookgen/api/internal/logger"
	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/repository"
	"github.com/bookgen/api/internal/taskqueue"
	"github.com/bookgen/api/internal/workflow"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

var (
	ErrBiographyRunning = errors.New("biography has a running job")
	ErrInvalidStatus    = errors.New("invalid job status")
)

// BiographyService creates biography jobs and hands them to the job queue.
type BiographyService struct {
	engine *engine.Engine
	repos  *repository.Repositories
	queue  taskqueue.Enqueuer
	cache  *StatusCache
	dead   []taskqueue.DeadLetterLister
	log    *logger.Logger
}

// NewBiographyService builds the service. cache may be nil. dead lists the
// dead letter stores reported by DeadLetters.
func NewBiographyService(eng *engine.Engine, repos *repository.Repositories, queue taskqueue.Enqueuer, cache *StatusCache, log *logger.Logger, dead ...taskqueue.DeadLetterLister) *BiographyService {
	if log == nil {
		log = logger.Nop()
	}
	return &BiographyService{
		engine: eng,
		repos:  repos,
		queue:  queue,
		cache:  cache,
		dead:   dead,
		log:    log.With("component", "biography_service"),
	}
}

// Generate creates the job and queues it
func (s *BiographyService) Generate(ctx context.Context, req *model.GenerateRequest, userID string) (*model.GenerateResponse, error) {
	job, err := s.engine.GenerateBiography(ctx, engine.Request{
		Character:        req.Character,
		Mode:             req.Mode,
		Sources:          req.Sources,
		MinSources:       req.MinSources,
		QualityThreshold: req.QualityThreshold,
		Chapters:         req.Chapters,
		TotalWords:       req.TotalWords,
		UserID:           userID,
		CallbackURL:      req.CallbackURL,
		NotifyEmail:      req.NotifyEmail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := s.enqueue(ctx, job.ID, false); err != nil {
		msg := err.Error()
		if uerr := s.repos.Jobs.UpdateFields(context.WithoutCancel(ctx), job.ID, map[string]any{
			"status":        model.JobStatusFailed,
			"error_message": msg,
		}); uerr != nil {
			s.log.Error("failed to mark unqueued job", "job_id", job.ID, "error", uerr)
		}
		if uerr := s.repos.Biographies.UpdateFields(context.WithoutCancel(ctx), job.BiographyID, map[string]any{
			"status": model.JobStatusFailed,
		}); uerr != nil {
			s.log.Error("failed to mark unqueued biography", "biography_id", job.BiographyID, "error", uerr)
		}
		return nil, err
	}

	return &model.GenerateResponse{
		JobID:       job.ID,
		BiographyID: job.BiographyID,
		Character:   job.Character,
		Mode:        job.Mode,
		SourceCount: len(req.Sources),
		Status:      job.Status,
	}, nil
}

// List returns jobs newest first, optionally filtered by status
func (s *BiographyService) List(ctx context.Context, status string, limit int) (*model.JobListResponse, error) {
	st := model.JobStatus(status)
	if st != "" && !validStatus(st) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	jobs, err := s.repos.Jobs.ListByStatus(ctx, st, limit)
	if err != nil {
		return nil, err
	}
	out := &model.JobListResponse{Jobs: make([]model.JobStatusResponse, 0, len(jobs))}
	for i := range jobs {
		out.Jobs = append(out.Jobs, summary(&jobs[i]))
	}
	out.Total = len(out.Jobs)
	return out, nil
}

// GetStatus returns the current status of a job
func (s *BiographyService) GetStatus(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	if st, ok := s.cache.Get(ctx, jobID); ok {
		return st, nil
	}
	st, err := s.engine.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, st); err != nil {
		s.log.Warn("job status not cached", "job_id", jobID, "error", err)
	}
	return st, nil
}

// ArtifactPath returns the file to download for a completed job
func (s *BiographyService) ArtifactPath(ctx context.Context, jobID string) (string, error) {
	return s.engine.ArtifactPath(ctx, jobID)
}

// Pause stops a job after its current phase
func (s *BiographyService) Pause(ctx context.Context, jobID string) (*model.JobControlResponse, error) {
	if err := s.engine.PauseJob(ctx, jobID, "paused by request"); err != nil {
		return nil, err
	}
	return s.control(ctx, jobID)
}

// Resume queues a paused job to continue where it stopped
func (s *BiographyService) Resume(ctx context.Context, jobID string) (*model.JobControlResponse, error) {
	st, err := s.engine.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if st.Status != model.JobStatusPaused {
		return nil, fmt.Errorf("%w: job is %s", workflow.ErrNotPaused, st.Status)
	}
	if err := s.enqueue(ctx, jobID, true); err != nil {
		return nil, err
	}
	s.log.Info("job resume queued", "job_id", jobID)
	return &model.JobControlResponse{JobID: jobID, Status: st.Status, State: st.State}, nil
}

// Delete removes a biography with its chapters, sources and jobs
func (s *BiographyService) Delete(ctx context.Context, biographyID string) error {
	bio, err := s.repos.Biographies.GetByID(ctx, biographyID)
	if err != nil {
		return err
	}
	if bio.Status == model.JobStatusRunning {
		return fmt.Errorf("%w: %s", ErrBiographyRunning, biographyID)
	}
	jobs, err := s.repos.Jobs.ListByBiography(ctx, biographyID)
	if err != nil {
		return err
	}
	if err := s.repos.Biographies.Delete(ctx, biographyID); err != nil {
		return err
	}
	ids := make([]string, len(jobs))
	for i := range jobs {
		ids[i] = jobs[i].ID
	}
	if err := s.cache.Invalidate(ctx, ids...); err != nil {
		s.log.Warn("stale job status left in cache", "biography_id", biographyID, "error", err)
	}
	s.log.Info("biography deleted", "biography_id", biographyID, "character", bio.Character)
	return nil
}

// DeadLetters lists tasks that exhausted their retries, newest first
func (s *BiographyService) DeadLetters(ctx context.Context) (*model.DeadLetterResponse, error) {
	out := &model.DeadLetterResponse{Tasks: []model.DeadLetterEntry{}}
	for _, lister := range s.dead {
		letters, err := lister.DeadLetters(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list dead letters: %w", err)
		}
		for _, dl := range letters {
			out.Tasks = append(out.Tasks, model.DeadLetterEntry{
				ID:        dl.ID,
				Name:      dl.Name,
				Queue:     dl.Queue,
				Attempts:  dl.Attempts,
				LastError: dl.LastError,
				FailedAt:  dl.FailedAt,
			})
		}
	}
	sort.SliceStable(out.Tasks, func(i, j int) bool {
		return out.Tasks[i].FailedAt.After(out.Tasks[j].FailedAt)
	})
	out.Total = len(out.Tasks)
	return out, nil
}

// Helper methods

func (s *BiographyService) enqueue(ctx context.Context, jobID string, resume bool) error {
	if s.queue == nil {
		return errors.New("job queue not configured")
	}
	_, err := s.queue.Enqueue(ctx, taskqueue.TaskGenerateBiography,
		model.GenerationTaskPayload{JobID: jobID, Resume: resume},
		taskqueue.MaxAttempts(3),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (s *BiographyService) control(ctx context.Context, jobID string) (*model.JobControlResponse, error) {
	st, err := s.engine.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &model.JobControlResponse{JobID: jobID, Status: st.Status, State: st.State}, nil
}

func summary(job *model.Job) model.JobStatusResponse {
	return model.JobStatusResponse{
		JobID:        job.ID,
		BiographyID:  job.BiographyID,
		Character:    job.Character,
		Status:       job.Status,
		State:        job.Phase,
		Progress:     job.Progress,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}

func validStatus(s model.JobStatus) bool {
	for _, v := range model.ValidJobStatuses {
		if v == s {
			return true
		}
	}
	return false
}
