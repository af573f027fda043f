package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bookgen/api/internal/model"
)

type NotificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Record writes an audit row.
func (r *NotificationRepository) Record(ctx context.Context, rec *model.NotificationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	return nil
}

func (r *NotificationRepository) ListByEntity(ctx context.Context, entityID string) ([]model.NotificationRecord, error) {
	var recs []model.NotificationRecord
	if err := r.db.WithContext(ctx).Where("entity_id = ?", entityID).Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return recs, nil
}

func (r *NotificationRepository) ListByRecipient(ctx context.Context, recipient string) ([]model.NotificationRecord, error) {
	var recs []model.NotificationRecord
	if err := r.db.WithContext(ctx).Where("recipient = ?", recipient).Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return recs, nil
}
