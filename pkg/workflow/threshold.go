package workflow

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/finflow/finflow/pkg/model"
)

type PartnerSource interface {
	Partner(ctx context.Context, id uuid.UUID) (*model.AdvisoryPartner, error)
}

// ThresholdResolver finds the auto-approve threshold for a tenant: its own
// override, then its advisory partner's, then the configured default.
type ThresholdResolver struct {
	partners PartnerSource
	fallback decimal.Decimal
}

func NewThresholdResolver(partners PartnerSource, fallback decimal.Decimal) *ThresholdResolver {
	return &ThresholdResolver{partners: partners, fallback: fallback}
}

func (r *ThresholdResolver) Resolve(ctx context.Context, tenant *model.Tenant) (decimal.Decimal, error) {
	if tenant.AutoApproveThreshold != nil {
		return *tenant.AutoApproveThreshold, nil
	}
	if tenant.PartnerID == nil {
		return r.fallback, nil
	}

	partner, err := r.partners.Partner(ctx, *tenant.PartnerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return r.fallback, nil
		}
		return decimal.Zero, err
	}
	if partner.AutoApproveThreshold != nil {
		return *partner.AutoApproveThreshold, nil
	}
	return r.fallback, nil
}

var priorityBands = []struct {
	min      decimal.Decimal
	priority int
}{
	{min: decimal.NewFromInt(10000), priority: 1},
	{min: decimal.NewFromInt(5000), priority: 2},
	{min: decimal.NewFromInt(1000), priority: 3},
}

// PriorityFor maps an amount to an approval priority; larger amounts are
// more urgent.
func PriorityFor(amount decimal.Decimal) int {
	for _, band := range priorityBands {
		if amount.GreaterThanOrEqual(band.min) {
			return band.priority
		}
	}
	return 5
}
