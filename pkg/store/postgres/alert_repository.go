package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/finflow/finflow/pkg/model"
)

type AlertRepository struct {
	db *gorm.DB
}

func NewAlertRepository(db *gorm.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// RecordFindings writes one client's alerts and value events together.
func (r *AlertRepository) RecordFindings(ctx context.Context, alerts []*model.Alert, events []*model.ValueTrackingEvent) error {
	if len(alerts) == 0 && len(events) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(alerts) > 0 {
			if err := tx.CreateInBatches(alerts, 100).Error; err != nil {
				return err
			}
		}
		if len(events) > 0 {
			if err := tx.CreateInBatches(events, 100).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *AlertRepository) ListAlerts(ctx context.Context, partnerID uuid.UUID, resolved *bool, limit, offset int) ([]model.Alert, int64, error) {
	var alerts []model.Alert
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Alert{}).Where("partner_id = ?", partnerID)

	if resolved != nil {
		query = query.Where("resolved = ?", *resolved)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&alerts).Error

	return alerts, total, err
}

// ResolveAlert marks an alert resolved. Resolving twice keeps the first
// resolution time.
func (r *AlertRepository) ResolveAlert(ctx context.Context, partnerID, id uuid.UUID) (*model.Alert, error) {
	var alert model.Alert
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("partner_id = ? AND id = ?", partnerID, id).First(&alert).Error; err != nil {
			return err
		}
		if alert.Resolved {
			return nil
		}
		now := time.Now()
		if err := tx.Model(&alert).Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_at": &now,
		}).Error; err != nil {
			return err
		}
		alert.Resolved = true
		alert.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (r *AlertRepository) ListRules(ctx context.Context, partnerID uuid.UUID) ([]model.AlertRule, error) {
	var rules []model.AlertRule
	err := r.db.WithContext(ctx).
		Where("partner_id = ?", partnerID).
		Order("rule_type ASC, updated_at DESC").
		Find(&rules).Error
	return rules, err
}

// ReplaceRules swaps a partner's ruleset for rules in one transaction.
func (r *AlertRepository) ReplaceRules(ctx context.Context, partnerID uuid.UUID, rules []model.AlertRule) ([]model.AlertRule, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("partner_id = ?", partnerID).Delete(&model.AlertRule{}).Error; err != nil {
			return err
		}
		for i := range rules {
			rules[i].PartnerID = partnerID
			if rules[i].ID == uuid.Nil {
				rules[i].ID = uuid.New()
			}
		}
		if len(rules) == 0 {
			return nil
		}
		return tx.Create(&rules).Error
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}
