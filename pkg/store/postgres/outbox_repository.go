package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/finflow/finflow/pkg/metrics"
	"github.com/finflow/finflow/pkg/model"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, eventID uuid.UUID, publishedAt time.Time) error {
	updates := map[string]interface{}{
		"status":       model.OutboxStatusPublished,
		"published_at": publishedAt,
	}
	return r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("event_id = ? AND status = ?", eventID, model.OutboxStatusPending).
		Updates(updates).Error
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, eventID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("event_id = ?", eventID).
		Update("status", model.OutboxStatusFailed).Error
}

// BacklogCounts reports pending approvals and unrelayed outbox events.
func (r *OutboxRepository) BacklogCounts(ctx context.Context) (map[string]int64, error) {
	var approvals, events int64
	if err := r.db.WithContext(ctx).
		Model(&model.ApprovalItem{}).
		Where("status = ?", model.ApprovalPending).
		Count(&approvals).Error; err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("status = ?", model.OutboxStatusPending).
		Count(&events).Error; err != nil {
		return nil, err
	}
	return map[string]int64{
		metrics.BacklogApprovals: approvals,
		metrics.BacklogOutbox:    events,
	}, nil
}
