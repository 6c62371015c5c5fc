package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/finflow/finflow/pkg/model"
	"github.com/finflow/finflow/pkg/store"
)

var terminalStages = []model.WorkflowStage{model.StageCompleted, model.StageFailed}

type WorkflowRepository struct {
	db *gorm.DB
}

func NewWorkflowRepository(db *gorm.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// CreateWorkflowUnit inserts the transaction, the workflow request and the
// optional approval item atomically.
func (r *WorkflowRepository) CreateWorkflowUnit(ctx context.Context, unit store.WorkflowUnit) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(unit.Transaction).Error; err != nil {
			return err
		}
		unit.Request.TransactionID = &unit.Transaction.ID
		if unit.Approval != nil {
			if err := tx.Create(unit.Approval).Error; err != nil {
				return err
			}
			unit.Request.ApprovalID = &unit.Approval.ID
		}
		return tx.Create(unit.Request).Error
	})
}

func (r *WorkflowRepository) GetWorkflowRequest(ctx context.Context, tenantID, id uuid.UUID) (*model.WorkflowRequest, error) {
	var req model.WorkflowRequest
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&req).Error
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *WorkflowRepository) WorkflowRequestForTransaction(ctx context.Context, tenantID, transactionID uuid.UUID) (*model.WorkflowRequest, error) {
	var req model.WorkflowRequest
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND transaction_id = ?", tenantID, transactionID).
		Order("created_at DESC").
		First(&req).Error
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// AdvanceStage moves a non-terminal request to stage and replaces its error
// message. Terminal requests are immutable and yield store.ErrConflict.
func (r *WorkflowRepository) AdvanceStage(ctx context.Context, id uuid.UUID, stage model.WorkflowStage, errorMsg string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"stage":         stage,
		"error_message": errorMsg,
		"version":       gorm.Expr("version + 1"),
		"updated_at":    now,
	}
	if stage.IsTerminal() {
		updates["completed_at"] = &now
	}

	res := r.db.WithContext(ctx).
		Model(&model.WorkflowRequest{}).
		Where("id = ? AND stage NOT IN ?", id, terminalStages).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrConflict
	}
	return nil
}
