package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/bookgen/api/internal/model"
)

type BiographyRepository struct {
	db *gorm.DB
}

func NewBiographyRepository(db *gorm.DB) *BiographyRepository {
	return &BiographyRepository{db: db}
}

func (r *BiographyRepository) Create(ctx context.Context, bio *model.Biography) error {
	if err := r.db.WithContext(ctx).Create(bio).Error; err != nil {
		return fmt.Errorf("failed to create biography: %w", err)
	}
	return nil
}

// CreateWithJob inserts a biography and its first job in one transaction.
func (r *BiographyRepository) CreateWithJob(ctx context.Context, bio *model.Biography, job *model.Job) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(bio).Error; err != nil {
			return fmt.Errorf("failed to create biography: %w", err)
		}
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		return nil
	})
}

// GetByID loads a biography with its chapters in order and its sources.
func (r *BiographyRepository) GetByID(ctx context.Context, id string) (*model.Biography, error) {
	var bio model.Biography
	err := r.db.WithContext(ctx).
		Preload("Chapters", func(db *gorm.DB) *gorm.DB { return db.Order("number ASC") }).
		Preload("Sources").
		First(&bio, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "biography", id)
	}
	return &bio, nil
}

func (r *BiographyRepository) ListByStatus(ctx context.Context, status model.JobStatus) ([]model.Biography, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var bios []model.Biography
	if err := q.Find(&bios).Error; err != nil {
		return nil, fmt.Errorf("failed to list biographies: %w", err)
	}
	return bios, nil
}

func (r *BiographyRepository) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&model.Biography{}).Where("id = ?", id).Updates(withUpdatedAt(fields))
	if res.Error != nil {
		return fmt.Errorf("failed to update biography %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("biography %s: %w", id, ErrNotFound)
	}
	return nil
}

// Delete removes a biography together with its chapters, sources and jobs.
func (r *BiographyRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Delete owned rows first
		if err := tx.Where("biography_id = ?", id).Delete(&model.Chapter{}).Error; err != nil {
			return fmt.Errorf("failed to delete chapters: %w", err)
		}
		if err := tx.Where("biography_id = ?", id).Delete(&model.Source{}).Error; err != nil {
			return fmt.Errorf("failed to delete sources: %w", err)
		}
		if err := tx.Where("biography_id = ?", id).Delete(&model.Job{}).Error; err != nil {
			return fmt.Errorf("failed to delete jobs: %w", err)
		}

		res := tx.Delete(&model.Biography{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete biography: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("biography %s: %w", id, ErrNotFound)
		}
		return nil
	})
}
