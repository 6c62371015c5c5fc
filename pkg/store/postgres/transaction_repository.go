package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/finflow/finflow/pkg/model"
	"github.com/finflow/finflow/pkg/store"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) GetTransaction(ctx context.Context, tenantID, id uuid.UUID) (*model.Transaction, error) {
	var txn model.Transaction
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&txn).Error
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *TransactionRepository) RecentIncome(ctx context.Context, tenantID uuid.UUID, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 5
	}
	var txns []model.Transaction
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND type = ?", tenantID, model.TransactionIncome).
		Order("created_at DESC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

// ClaimIssuance moves an unissued pending transaction to processing before any
// provider is called. store.ErrConflict means another caller holds the claim
// or the transaction is not eligible.
func (r *TransactionRepository) ClaimIssuance(ctx context.Context, claim store.IssuanceClaim) error {
	res := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND tenant_id = ? AND invoice_number IS NULL", claim.TransactionID, claim.TenantID).
		Where("(invoice_status IS NULL OR invoice_status = ? OR (invoice_status = ? AND updated_at < ?))",
			model.InvoicePending, model.InvoiceProcessing, claim.StaleBefore).
		Updates(map[string]interface{}{
			"invoice_status": model.InvoiceProcessing,
			"version":        gorm.Expr("version + 1"),
			"updated_at":     claim.ClaimedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrConflict
	}
	return nil
}

// ReleaseIssuance hands an unfinished claim back to pending.
func (r *TransactionRepository) ReleaseIssuance(ctx context.Context, tenantID, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND tenant_id = ? AND invoice_number IS NULL AND invoice_status = ?", id, tenantID, model.InvoiceProcessing).
		Updates(map[string]interface{}{
			"invoice_status": model.InvoicePending,
			"version":        gorm.Expr("version + 1"),
			"updated_at":     time.Now(),
		}).Error
}

// RecordIssuance writes the issuance outcome once. A transaction that already
// carries an invoice number is left untouched and store.ErrConflict returned.
func (r *TransactionRepository) RecordIssuance(ctx context.Context, rec store.IssuanceRecord) error {
	updates := map[string]interface{}{
		"invoice_number":         rec.Number,
		"invoice_key":            nullable(rec.Key),
		"invoice_integration_id": nullable(rec.IntegrationID),
		"invoice_provider":       nullable(rec.Provider),
		"invoice_status":         rec.Status,
		"invoice_issued_at":      rec.IssuedAt,
		"version":                gorm.Expr("version + 1"),
		"updated_at":             time.Now(),
	}

	res := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND tenant_id = ? AND invoice_number IS NULL", rec.TransactionID, rec.TenantID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrConflict
	}
	return nil
}

func (r *TransactionRepository) UpdateInvoiceStatus(ctx context.Context, upd store.InvoiceUpdate) error {
	updates := map[string]interface{}{
		"invoice_status": upd.Status,
		"version":        gorm.Expr("version + 1"),
		"updated_at":     time.Now(),
	}
	if upd.Number != "" {
		updates["invoice_number"] = upd.Number
	}
	if upd.Key != "" {
		updates["invoice_key"] = upd.Key
	}

	res := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND tenant_id = ? AND invoice_status = ?", upd.TransactionID, upd.TenantID, upd.From).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrConflict
	}
	return nil
}

// ReplaceTransaction marks the original replaced and inserts its successor in
// one transaction. The original must not already point to a successor.
func (r *TransactionRepository) ReplaceTransaction(ctx context.Context, sub store.Substitution) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Transaction{}).
			Where("id = ? AND tenant_id = ? AND replaced_by_id IS NULL AND invoice_status IN ?",
				sub.OriginalID, sub.TenantID,
				[]model.InvoiceStatus{model.InvoiceIssued, model.InvoiceProcessing}).
			Updates(map[string]interface{}{
				"invoice_status": model.InvoiceReplaced,
				"replaced_by_id": sub.Successor.ID,
				"version":        gorm.Expr("version + 1"),
				"updated_at":     time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrConflict
		}
		return tx.Create(sub.Successor).Error
	})
}

func (r *TransactionRepository) SetPaymentInstrument(ctx context.Context, tenantID, id uuid.UUID, link, code string) error {
	return r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Updates(map[string]interface{}{
			"payment_link": nullable(link),
			"payment_code": nullable(code),
			"updated_at":   time.Now(),
		}).Error
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
