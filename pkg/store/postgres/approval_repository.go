package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/finflow/finflow/pkg/model"
	"github.com/finflow/finflow/pkg/store"
)

type ApprovalRepository struct {
	db *gorm.DB
}

func NewApprovalRepository(db *gorm.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

func (r *ApprovalRepository) CreateApproval(ctx context.Context, item *model.ApprovalItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *ApprovalRepository) GetApproval(ctx context.Context, tenantID, id uuid.UUID) (*model.ApprovalItem, error) {
	var item model.ApprovalItem
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *ApprovalRepository) ListPendingApprovals(ctx context.Context, tenantID uuid.UUID) ([]model.ApprovalItem, error) {
	var items []model.ApprovalItem
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, model.ApprovalPending).
		Order("priority ASC, created_at ASC").
		Find(&items).Error
	return items, err
}

// DecideApproval applies the decision only while the item is pending. The
// outbox event commits with it, and a rejection also closes the workflow
// request and marks the transaction's invoice rejected.
func (r *ApprovalRepository) DecideApproval(ctx context.Context, decision store.Decision) (*model.ApprovalItem, error) {
	var decided model.ApprovalItem

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.ApprovalItem{}).
			Where("id = ? AND tenant_id = ? AND status = ?", decision.ApprovalID, decision.TenantID, model.ApprovalPending).
			Updates(map[string]interface{}{
				"status":       decision.Status,
				"reviewed_by":  decision.Reviewer,
				"reviewed_at":  decision.DecidedAt,
				"review_notes": decision.Notes,
				"updated_at":   decision.DecidedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&model.ApprovalItem{}).
				Where("id = ? AND tenant_id = ?", decision.ApprovalID, decision.TenantID).
				Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return gorm.ErrRecordNotFound
			}
			return store.ErrConflict
		}

		if err := tx.First(&decided, "id = ?", decision.ApprovalID).Error; err != nil {
			return err
		}

		if decision.Event != nil {
			if err := tx.Create(decision.Event).Error; err != nil {
				return err
			}
		}

		if decision.Status == model.ApprovalRejected {
			if err := rejectTransaction(tx, &decided); err != nil {
				return err
			}
			return rejectWorkflowRequest(tx, &decided, decision.Notes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &decided, nil
}

// rejectTransaction blocks issuance for a transaction that has no invoice yet.
func rejectTransaction(tx *gorm.DB, item *model.ApprovalItem) error {
	transactionID, ok := item.TransactionID()
	if !ok {
		return nil
	}
	return tx.Model(&model.Transaction{}).
		Where("id = ? AND tenant_id = ? AND invoice_number IS NULL", transactionID, item.TenantID).
		Where("(invoice_status IS NULL OR invoice_status = ?)", model.InvoicePending).
		Updates(map[string]interface{}{
			"invoice_status": model.InvoiceRejected,
			"version":        gorm.Expr("version + 1"),
			"updated_at":     item.UpdatedAt,
		}).Error
}

func rejectWorkflowRequest(tx *gorm.DB, item *model.ApprovalItem, notes *string) error {
	requestID, ok := item.WorkflowRequestID()
	if !ok {
		return nil
	}

	message := "rejected by reviewer"
	if notes != nil && *notes != "" {
		message = *notes
	}

	err := tx.Model(&model.WorkflowRequest{}).
		Where("id = ? AND stage NOT IN ?", requestID, terminalStages).
		Updates(map[string]interface{}{
			"stage":         model.StageFailed,
			"error_message": message,
			"completed_at":  item.ReviewedAt,
			"version":       gorm.Expr("version + 1"),
			"updated_at":    item.UpdatedAt,
		}).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}
