package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/finflow/finflow/pkg/model"
	"github.com/finflow/finflow/pkg/store"
)

type ExecutionLogRepository struct {
	db *gorm.DB
}

func NewExecutionLogRepository(db *gorm.DB) *ExecutionLogRepository {
	return &ExecutionLogRepository{db: db}
}

func (r *ExecutionLogRepository) Append(ctx context.Context, entry *model.ExecutionLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *ExecutionLogRepository) List(ctx context.Context, query store.ExecutionLogQuery) ([]model.ExecutionLog, error) {
	var logs []model.ExecutionLog
	dbQuery := r.db.WithContext(ctx).
		Where("tenant_id = ?", query.TenantID).
		Order("created_at DESC")

	if query.AgentID != "" {
		dbQuery = dbQuery.Where("agent_id = ?", query.AgentID)
	}

	if query.Action != "" {
		dbQuery = dbQuery.Where("action = ?", query.Action)
	}

	if query.Status != "" {
		dbQuery = dbQuery.Where("status = ?", query.Status)
	}

	if query.StartTime != nil {
		dbQuery = dbQuery.Where("created_at >= ?", *query.StartTime)
	}

	if query.EndTime != nil {
		dbQuery = dbQuery.Where("created_at <= ?", *query.EndTime)
	}

	if query.Limit > 0 {
		dbQuery = dbQuery.Limit(query.Limit)
	}

	err := dbQuery.Find(&logs).Error
	return logs, err
}

func (r *ExecutionLogRepository) DeleteOldLogs(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	return r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&model.ExecutionLog{}).Error
}

func (r *ExecutionLogRepository) Close() error {
	// the pool belongs to Store
	return nil
}

var _ store.ExecutionLogStore = (*ExecutionLogRepository)(nil)
