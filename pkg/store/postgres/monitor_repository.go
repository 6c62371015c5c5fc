package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/finflow/finflow/pkg/model"
)

const projectionHorizonDays = 90

// MonitorRepository serves the read side of the advisory monitor.
type MonitorRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewMonitorRepository(db *gorm.DB) *MonitorRepository {
	return &MonitorRepository{db: db, now: time.Now}
}

func (r *MonitorRepository) ActivePartners(ctx context.Context) ([]model.AdvisoryPartner, error) {
	var partners []model.AdvisoryPartner
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("created_at ASC").
		Find(&partners).Error
	return partners, err
}

func (r *MonitorRepository) ActiveClients(ctx context.Context, partnerID uuid.UUID) ([]model.PartnerClient, error) {
	var clients []model.PartnerClient
	err := r.db.WithContext(ctx).
		Preload("Tenant").
		Where("partner_id = ? AND active = ?", partnerID, true).
		Find(&clients).Error
	return clients, err
}

func (r *MonitorRepository) ActiveRules(ctx context.Context, partnerID uuid.UUID) ([]model.AlertRule, error) {
	var rules []model.AlertRule
	err := r.db.WithContext(ctx).
		Where("partner_id = ? AND active = ?", partnerID, true).
		Order("updated_at DESC").
		Find(&rules).Error
	return rules, err
}

func (r *MonitorRepository) ActiveProjects(ctx context.Context, tenantID uuid.UUID) ([]model.Project, error) {
	var projects []model.Project
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, model.ProjectActive).
		Find(&projects).Error
	return projects, err
}

func (r *MonitorRepository) UncategorizedCount(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("tenant_id = ? AND category_id IS NULL AND replaced_by_id IS NULL", tenantID).
		Count(&count).Error
	return int(count), err
}

type cashFlow struct {
	DueDate time.Time
	Type    model.TransactionType
	Amount  decimal.Decimal
}

// ClientVitals computes the cash position, receivables, payables and the
// projected runway of one client tenant.
func (r *MonitorRepository) ClientVitals(ctx context.Context, tenantID uuid.UUID) (*model.ClientVitals, error) {
	now := r.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	db := r.db.WithContext(ctx)

	var balance struct {
		Income  decimal.Decimal
		Expense decimal.Decimal
	}
	err := db.Raw(`
		SELECT
			COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE 0 END), 0) AS income,
			COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE 0 END), 0) AS expense
		FROM transactions
		WHERE tenant_id = ? AND status = ? AND replaced_by_id IS NULL
	`, model.TransactionIncome, model.TransactionExpense, tenantID, model.TransactionPaid).Scan(&balance).Error
	if err != nil {
		return nil, err
	}

	var arOverdue decimal.Decimal
	err = db.Model(&model.Transaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("tenant_id = ? AND type = ? AND status = ? AND due_date < ? AND replaced_by_id IS NULL",
			tenantID, model.TransactionIncome, model.TransactionPending, today.AddDate(0, 0, -30)).
		Row().Scan(&arOverdue)
	if err != nil {
		return nil, err
	}

	var apDue decimal.Decimal
	err = db.Model(&model.Transaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("tenant_id = ? AND type = ? AND status = ? AND due_date BETWEEN ? AND ? AND replaced_by_id IS NULL",
			tenantID, model.TransactionExpense, model.TransactionPending, today, today.AddDate(0, 0, 7)).
		Row().Scan(&apDue)
	if err != nil {
		return nil, err
	}

	var flows []cashFlow
	err = db.Model(&model.Transaction{}).
		Select("due_date, type, amount").
		Where("tenant_id = ? AND status = ? AND due_date <= ? AND replaced_by_id IS NULL",
			tenantID, model.TransactionPending, today.AddDate(0, 0, projectionHorizonDays)).
		Order("due_date ASC").
		Scan(&flows).Error
	if err != nil {
		return nil, err
	}

	cash := balance.Income.Sub(balance.Expense)
	runway, minBalance := projectRunway(cash, flows, today)

	return &model.ClientVitals{
		CashBalance:         cash,
		RunwayDays:          runway,
		MinProjectedBalance: minBalance,
		AROverdue30:         arOverdue,
		APDue7Days:          apDue,
		ComputedAt:          now,
	}, nil
}

// projectRunway walks pending flows in due-date order and returns the days
// until the balance first goes negative (nil if it never does) and the
// lowest projected balance. Flows already past due settle today.
func projectRunway(cash decimal.Decimal, flows []cashFlow, today time.Time) (*int, decimal.Decimal) {
	balance := cash
	minBalance := cash
	var runway *int

	if cash.IsNegative() {
		zero := 0
		runway = &zero
	}

	for _, flow := range flows {
		switch flow.Type {
		case model.TransactionIncome:
			balance = balance.Add(flow.Amount)
		case model.TransactionExpense:
			balance = balance.Sub(flow.Amount)
		}
		if balance.LessThan(minBalance) {
			minBalance = balance
		}
		if runway == nil && balance.IsNegative() {
			days := int(flow.DueDate.Sub(today).Hours() / 24)
			if days < 0 {
				days = 0
			}
			runway = &days
		}
	}

	return runway, minBalance
}
