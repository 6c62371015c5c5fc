package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/finflow/finflow/pkg/model"
)

type NotificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

func (r *NotificationRepository) ScheduleNotification(ctx context.Context, record *model.NotificationRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}
