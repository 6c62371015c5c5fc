package postgres

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/finflow/finflow/pkg/model"
)

// ReferenceRepository reads tenant-owned reference data. Nothing in this
// service writes these tables.
type ReferenceRepository struct {
	db *gorm.DB
}

func NewReferenceRepository(db *gorm.DB) *ReferenceRepository {
	return &ReferenceRepository{db: db}
}

func (r *ReferenceRepository) Tenant(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	var tenant model.Tenant
	if err := r.db.WithContext(ctx).First(&tenant, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (r *ReferenceRepository) Partner(ctx context.Context, id uuid.UUID) (*model.AdvisoryPartner, error) {
	var partner model.AdvisoryPartner
	if err := r.db.WithContext(ctx).First(&partner, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &partner, nil
}

func (r *ReferenceRepository) Customer(ctx context.Context, tenantID, id uuid.UUID) (*model.Customer, error) {
	var customer model.Customer
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&customer).Error
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

func (r *ReferenceRepository) Customers(ctx context.Context, tenantID uuid.UUID) ([]model.Customer, error) {
	var customers []model.Customer
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Order("name ASC").
		Find(&customers).Error
	return customers, err
}

func (r *ReferenceRepository) IncomeCategories(ctx context.Context, tenantID uuid.UUID) ([]model.Category, error) {
	var categories []model.Category
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND type = ?", tenantID, model.TransactionIncome).
		Order("name ASC").
		Find(&categories).Error
	return categories, err
}

func (r *ReferenceRepository) Integrations(ctx context.Context, tenantID uuid.UUID) ([]model.FiscalIntegration, error) {
	var integrations []model.FiscalIntegration
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Find(&integrations).Error
	return integrations, err
}
