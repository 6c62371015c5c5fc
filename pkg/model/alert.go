package model

import (
	"time"

	"github.com/google/uuid"
)

type RuleType string

const (
	RuleMarginWarning        RuleType = "margin_warning"
	RuleMarginCritical       RuleType = "margin_critical"
	RuleHoursOverrunWarning  RuleType = "hours_overrun_warning"
	RuleHoursOverrunCritical RuleType = "hours_overrun_critical"
	RuleCashCritical         RuleType = "cash_critical"
	RuleAROverdueWarning     RuleType = "ar_overdue_warning"
	RuleUncategorizedCount   RuleType = "uncategorized_count"
	RulePayablesVsCash       RuleType = "payables_vs_cash"
)

func (r RuleType) Valid() bool {
	switch r {
	case RuleMarginWarning, RuleMarginCritical, RuleHoursOverrunWarning, RuleHoursOverrunCritical,
		RuleCashCritical, RuleAROverdueWarning, RuleUncategorizedCount, RulePayablesVsCash:
		return true
	default:
		return false
	}
}

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Valid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

// AlertRule is a partner-owned threshold rule (a "ruleset" entry).
type AlertRule struct {
	ID                    uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	PartnerID             uuid.UUID `gorm:"type:uuid;not null;index"`
	RuleType              RuleType  `gorm:"type:varchar(40);not null"`
	ThresholdValue        float64   `gorm:"not null"`
	AlertSeverity         Severity  `gorm:"type:varchar(10);not null;default:'WARNING'"`
	CustomMessageTemplate *string
	Active                bool `gorm:"not null;default:true;index"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (AlertRule) TableName() string {
	return "alert_rulesets"
}

type Alert struct {
	ID         uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	PartnerID  uuid.UUID `gorm:"type:uuid;not null;index"`
	ClientID   uuid.UUID `gorm:"type:uuid;not null;index"`
	RuleType   RuleType  `gorm:"type:varchar(40);not null"`
	Severity   Severity  `gorm:"type:varchar(10);not null"`
	Message    string    `gorm:"type:text;not null"`
	Metadata   JSONB     `gorm:"type:jsonb;default:'{}'"`
	Resolved   bool      `gorm:"not null;default:false;index"`
	ResolvedAt *time.Time
	CreatedAt  time.Time `gorm:"index"`
}

// ValueTrackingEvent records estimated analyst time saved by an automated finding.
type ValueTrackingEvent struct {
	ID           uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	PartnerID    uuid.UUID `gorm:"type:uuid;not null;index"`
	ClientID     uuid.UUID `gorm:"type:uuid;not null;index"`
	EventType    string    `gorm:"type:varchar(50);not null"`
	MinutesSaved int       `gorm:"not null"`
	Metadata     JSONB     `gorm:"type:jsonb;default:'{}'"`
	CreatedAt    time.Time `gorm:"index"`
}
