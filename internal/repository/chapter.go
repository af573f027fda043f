package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/textanalysis"
)

type ChapterRepository struct {
	db *gorm.DB
}

func NewChapterRepository(db *gorm.DB) *ChapterRepository {
	return &ChapterRepository{db: db}
}

// InsertMany upserts chapters on (biography_id, number). WordCount is
// recomputed from Body before writing.
func (r *ChapterRepository) InsertMany(ctx context.Context, chapters []*model.Chapter) error {
	if len(chapters) == 0 {
		return nil
	}
	for _, ch := range chapters {
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		ch.WordCount = textanalysis.WordCount(ch.Body)
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "biography_id"}, {Name: "number"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "body", "word_count", "updated_at"}),
	}).Create(&chapters).Error
	if err != nil {
		return fmt.Errorf("failed to save chapters: %w", err)
	}
	return nil
}

func (r *ChapterRepository) ListByBiography(ctx context.Context, biographyID string) ([]model.Chapter, error) {
	var chapters []model.Chapter
	err := r.db.WithContext(ctx).
		Where("biography_id = ?", biographyID).
		Order("number ASC").
		Find(&chapters).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}
	return chapters, nil
}

func (r *ChapterRepository) GetByNumber(ctx context.Context, biographyID string, number int) (*model.Chapter, error) {
	var ch model.Chapter
	err := r.db.WithContext(ctx).
		First(&ch, "biography_id = ? AND number = ?", biographyID, number).Error
	if err != nil {
		return nil, notFound(err, "chapter", fmt.Sprintf("%s/%d", biographyID, number))
	}
	return &ch, nil
}

// UpdateBody rewrites a chapter body and its word count.
func (r *ChapterRepository) UpdateBody(ctx context.Context, id, body string) error {
	res := r.db.WithContext(ctx).Model(&model.Chapter{}).Where("id = ?", id).
		Updates(withUpdatedAt(map[string]any{
			"body":       body,
			"word_count": textanalysis.WordCount(body),
		}))
	if res.Error != nil {
		return fmt.Errorf("failed to update chapter %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("chapter %s: %w", id, ErrNotFound)
	}
	return nil
}
