package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/bookgen/api/internal/model"
)

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, job *model.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "job", id)
	}
	return &job, nil
}

// ListByStatus returns jobs newest first. An empty status lists all jobs.
func (r *JobRepository) ListByStatus(ctx context.Context, status model.JobStatus, limit int) ([]model.Job, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var jobs []model.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func (r *JobRepository) ListByBiography(ctx context.Context, biographyID string) ([]model.Job, error) {
	var jobs []model.Job
	if err := r.db.WithContext(ctx).Where("biography_id = ?", biographyID).Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs for biography %s: %w", biographyID, err)
	}
	return jobs, nil
}

func (r *JobRepository) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&model.Job{}).Where("id = ?", id).Updates(withUpdatedAt(fields))
	if res.Error != nil {
		return fmt.Errorf("failed to update job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// AcquireLease marks the job as owned by owner until now+ttl. It succeeds
// when the job is unlocked, the previous lease expired, or owner already
// holds it.
func (r *JobRepository) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	until := now.Add(ttl)
	res := r.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ?", id).
		Where("locked_by = '' OR locked_by IS NULL OR locked_by = ? OR locked_until IS NULL OR locked_until < ?", owner, now).
		Updates(map[string]any{"locked_by": owner, "locked_until": until})
	if res.Error != nil {
		return fmt.Errorf("failed to lease job %s: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", id, ErrJobLocked)
}

// ReleaseLease clears the lease if owner holds it.
func (r *JobRepository) ReleaseLease(ctx context.Context, id, owner string) error {
	err := r.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND locked_by = ?", id, owner).
		Updates(map[string]any{"locked_by": "", "locked_until": nil}).Error
	if err != nil {
		return fmt.Errorf("failed to release job %s: %w", id, err)
	}
	return nil
}
