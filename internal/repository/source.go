package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bookgen/api/internal/model"
)

type SourceRepository struct {
	db *gorm.DB
}

func NewSourceRepository(db *gorm.DB) *SourceRepository {
	return &SourceRepository{db: db}
}

func (r *SourceRepository) InsertMany(ctx context.Context, sources []*model.Source) error {
	if len(sources) == 0 {
		return nil
	}
	for _, s := range sources {
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		if s.ValidationStatus == "" {
			s.ValidationStatus = model.SourceStatusPending
		}
	}
	if err := r.db.WithContext(ctx).Create(&sources).Error; err != nil {
		return fmt.Errorf("failed to save sources: %w", err)
	}
	return nil
}

func (r *SourceRepository) GetByID(ctx context.Context, id string) (*model.Source, error) {
	var s model.Source
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "source", id)
	}
	return &s, nil
}

func (r *SourceRepository) ListByBiography(ctx context.Context, biographyID string) ([]model.Source, error) {
	var sources []model.Source
	if err := r.db.WithContext(ctx).Where("biography_id = ?", biographyID).Order("created_at ASC").Find(&sources).Error; err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	return sources, nil
}

func (r *SourceRepository) ListByStatus(ctx context.Context, biographyID string, status model.SourceStatus) ([]model.Source, error) {
	var sources []model.Source
	err := r.db.WithContext(ctx).
		Where("biography_id = ? AND validation_status = ?", biographyID, status).
		Order("created_at ASC").
		Find(&sources).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	return sources, nil
}

func (r *SourceRepository) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&model.Source{}).Where("id = ?", id).Updates(withUpdatedAt(fields))
	if res.Error != nil {
		return fmt.Errorf("failed to update source %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetByURL returns the source with url, or ErrNotFound.
func (r *SourceRepository) GetByURL(ctx context.Context, url string) (*model.Source, error) {
	var s model.Source
	if err := r.db.WithContext(ctx).First(&s, "url = ?", url).Error; err != nil {
		return nil, notFound(err, "source", url)
	}
	return &s, nil
}
