package monitor

import (
	"math"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finflow/finflow/pkg/model"
)

const (
	defaultCashCriticalDays = 30
	defaultAROverduePct     = 20
	defaultUncategorized    = 10

	criticalHoursPct   = 90
	warningHoursPct    = 80
	defaultCriticalGap = 20
	defaultWarningGap  = 10

	criticalMinutesSaved = 45
	warningMinutesSaved  = 20

	ValueEventMarginAlert = "margin_alert"
)

var hundred = decimal.NewFromInt(100)

// Thresholds are a partner's client rule settings.
type Thresholds struct {
	CashCriticalDays int
	AROverduePct     float64
	UncategorizedMax int
}

func ThresholdsFor(partner model.AdvisoryPartner) Thresholds {
	th := Thresholds{
		CashCriticalDays: partner.CashCriticalDays,
		AROverduePct:     partner.AROverdueWarningPct,
		UncategorizedMax: partner.UncategorizedWarning,
	}
	if th.CashCriticalDays <= 0 {
		th.CashCriticalDays = defaultCashCriticalDays
	}
	if th.AROverduePct <= 0 {
		th.AROverduePct = defaultAROverduePct
	}
	if th.UncategorizedMax <= 0 {
		th.UncategorizedMax = defaultUncategorized
	}
	return th
}

// Finding is one triggered rule before it is written as an alert.
type Finding struct {
	RuleType     model.RuleType
	Severity     model.Severity
	Message      string
	Metadata     model.JSONB
	ProjectID    *uuid.UUID
	MinutesSaved int
}

// EvaluateClient applies the four client rules to one client's vitals.
// Each rule is independent; any subset may fire.
func EvaluateClient(clientName string, vitals model.ClientVitals, uncategorized int, th Thresholds, templates Templates) []Finding {
	var findings []Finding
	cash := vitals.CashBalance

	if vitals.RunwayDays != nil && *vitals.RunwayDays < th.CashCriticalDays {
		days := strconv.Itoa(*vitals.RunwayDays)
		findings = append(findings, Finding{
			RuleType: model.RuleCashCritical,
			Severity: model.SeverityCritical,
			Message: templates.Render(model.RuleCashCritical, map[string]string{
				"client_name": clientName,
				"days":        days,
				"amount":      vitals.MinProjectedBalance.StringFixed(2),
			}),
			Metadata: model.JSONB{
				"runway_days":           *vitals.RunwayDays,
				"threshold_days":        th.CashCriticalDays,
				"min_projected_balance": vitals.MinProjectedBalance.StringFixed(2),
			},
		})
	}

	if cash.IsPositive() {
		ratio := vitals.AROverdue30.Div(cash).Mul(hundred)
		if ratio.GreaterThan(decimal.NewFromFloat(th.AROverduePct)) {
			findings = append(findings, Finding{
				RuleType: model.RuleAROverdueWarning,
				Severity: model.SeverityCritical,
				Message: templates.Render(model.RuleAROverdueWarning, map[string]string{
					"client_name": clientName,
					"amount":      vitals.AROverdue30.StringFixed(2),
				}),
				Metadata: model.JSONB{
					"ar_overdue":    vitals.AROverdue30.StringFixed(2),
					"cash_balance":  cash.StringFixed(2),
					"ratio_pct":     ratio.Round(1).InexactFloat64(),
					"threshold_pct": th.AROverduePct,
				},
			})
		}
	}

	if uncategorized > th.UncategorizedMax {
		findings = append(findings, Finding{
			RuleType: model.RuleUncategorizedCount,
			Severity: model.SeverityWarning,
			Message: templates.Render(model.RuleUncategorizedCount, map[string]string{
				"client_name": clientName,
				"count":       strconv.Itoa(uncategorized),
			}),
			Metadata: model.JSONB{
				"count":     uncategorized,
				"threshold": th.UncategorizedMax,
			},
		})
	}

	if vitals.APDue7Days.GreaterThan(cash) {
		findings = append(findings, Finding{
			RuleType: model.RulePayablesVsCash,
			Severity: model.SeverityWarning,
			Message: templates.Render(model.RulePayablesVsCash, map[string]string{
				"client_name": clientName,
				"amount":      vitals.APDue7Days.StringFixed(2),
			}),
			Metadata: model.JSONB{
				"ap_due_7d":    vitals.APDue7Days.StringFixed(2),
				"cash_balance": cash.StringFixed(2),
			},
		})
	}

	return findings
}

// MarginRules are a partner's active margin rulesets; either may be nil.
type MarginRules struct {
	Warning  *model.AlertRule
	Critical *model.AlertRule
}

func MarginRulesFrom(rules []model.AlertRule) MarginRules {
	var out MarginRules
	for i := range rules {
		rule := &rules[i]
		if !rule.Active {
			continue
		}
		switch rule.RuleType {
		case model.RuleMarginWarning:
			if out.Warning == nil {
				out.Warning = rule
			}
		case model.RuleMarginCritical:
			if out.Critical == nil {
				out.Critical = rule
			}
		}
	}
	return out
}

func (m MarginRules) Empty() bool {
	return m.Warning == nil && m.Critical == nil
}

// gapLimit reads the ruleset threshold as a gap magnitude; 20 and -20 both
// mean "invoiced trails consumed by 20 points".
func gapLimit(rule *model.AlertRule, fallback float64) decimal.Decimal {
	value := math.Abs(rule.ThresholdValue)
	if value == 0 {
		value = fallback
	}
	return decimal.NewFromFloat(-value)
}

// EvaluateMargin checks one project against the margin rules. A rule fires
// only when both the hours and the gap thresholds are crossed; critical wins
// over warning, so at most one finding is returned.
func EvaluateMargin(clientName string, project model.Project, rules MarginRules, templates Templates) *Finding {
	if !project.BudgetHours.IsPositive() || !project.ContractValue.IsPositive() {
		return nil
	}
	consumedPct := project.ConsumedHours.Div(project.BudgetHours).Mul(hundred)
	invoicedPct := project.InvoicedValue.Div(project.ContractValue).Mul(hundred)
	gap := invoicedPct.Sub(consumedPct)

	var (
		rule         *model.AlertRule
		ruleType     model.RuleType
		minutesSaved int
	)
	switch {
	case rules.Critical != nil &&
		consumedPct.GreaterThanOrEqual(decimal.NewFromInt(criticalHoursPct)) &&
		gap.LessThanOrEqual(gapLimit(rules.Critical, defaultCriticalGap)):
		rule, ruleType, minutesSaved = rules.Critical, model.RuleMarginCritical, criticalMinutesSaved
	case rules.Warning != nil &&
		consumedPct.GreaterThanOrEqual(decimal.NewFromInt(warningHoursPct)) &&
		gap.LessThanOrEqual(gapLimit(rules.Warning, defaultWarningGap)):
		rule, ruleType, minutesSaved = rules.Warning, model.RuleMarginWarning, warningMinutesSaved
	default:
		return nil
	}

	severity := rule.AlertSeverity
	if !severity.Valid() {
		severity = model.SeverityWarning
		if ruleType == model.RuleMarginCritical {
			severity = model.SeverityCritical
		}
	}

	// Thresholds compare exact ratios; one decimal is for display only.
	consumedPct, invoicedPct, gap = consumedPct.Round(1), invoicedPct.Round(1), gap.Round(1)

	projectID := project.ID
	return &Finding{
		RuleType: ruleType,
		Severity: severity,
		Message: templates.Render(ruleType, map[string]string{
			"client_name":        clientName,
			"project_name":       project.Name,
			"hours_consumed_pct": consumedPct.String(),
			"invoiced_pct":       invoicedPct.String(),
			"margin_gap":         gap.String(),
		}),
		Metadata: model.JSONB{
			"project_id":         project.ID.String(),
			"project_name":       project.Name,
			"hours_consumed_pct": consumedPct.InexactFloat64(),
			"invoiced_pct":       invoicedPct.InexactFloat64(),
			"margin_gap":         gap.InexactFloat64(),
			"rule_id":            rule.ID.String(),
		},
		ProjectID:    &projectID,
		MinutesSaved: minutesSaved,
	}
}
