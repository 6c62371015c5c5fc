package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClientVitals is the computed financial snapshot of one client tenant.
type ClientVitals struct {
	CashBalance         decimal.Decimal
	RunwayDays          *int
	MinProjectedBalance decimal.Decimal
	AROverdue30         decimal.Decimal
	APDue7Days          decimal.Decimal
	ComputedAt          time.Time
}
