package monitor

import (
	"strings"

	"github.com/finflow/finflow/pkg/model"
)

var defaultTemplates = map[model.RuleType]string{
	model.RuleCashCritical:       "{client_name}: cash is projected to run out in {days} days.",
	model.RuleAROverdueWarning:   "{client_name}: {amount} in receivables is more than 30 days overdue.",
	model.RuleUncategorizedCount: "{client_name}: {count} transactions are waiting for a category.",
	model.RulePayablesVsCash:     "{client_name}: payables due in the next 7 days ({amount}) exceed the cash balance.",
	model.RuleMarginCritical: "{client_name}: project {project_name} consumed {hours_consumed_pct}% of its hours " +
		"but invoiced only {invoiced_pct}% (gap {margin_gap} points).",
	model.RuleMarginWarning: "{client_name}: project {project_name} is drifting, {hours_consumed_pct}% of hours " +
		"consumed against {invoiced_pct}% invoiced (gap {margin_gap} points).",
}

// Templates holds the partner's custom message per rule type.
type Templates map[model.RuleType]string

// TemplatesFrom picks, for each rule type, the template of the first active
// rule that carries one. Rules are expected newest first.
func TemplatesFrom(rules []model.AlertRule) Templates {
	templates := make(Templates)
	for _, rule := range rules {
		if !rule.Active || rule.CustomMessageTemplate == nil || *rule.CustomMessageTemplate == "" {
			continue
		}
		if _, ok := templates[rule.RuleType]; !ok {
			templates[rule.RuleType] = *rule.CustomMessageTemplate
		}
	}
	return templates
}

// Render fills the placeholders of the rule's template. Unknown placeholders
// are left as they are.
func (t Templates) Render(rule model.RuleType, values map[string]string) string {
	template, ok := t[rule]
	if !ok {
		template = defaultTemplates[rule]
	}
	pairs := make([]string, 0, len(values)*2)
	for key, value := range values {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
