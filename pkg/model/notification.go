package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	NotificationChannelEmail = "email"
	NotificationScheduled    = "scheduled"
	TemplateInvoiceIssued    = "invoice_issued"
)

type NotificationRecord struct {
	ID            uuid.UUID      `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID      uuid.UUID      `gorm:"type:uuid;not null;index"`
	TransactionID *uuid.UUID     `gorm:"type:uuid;index"`
	Channel       string         `gorm:"type:varchar(20);not null"`
	Recipients    pq.StringArray `gorm:"type:text[]"`
	Template      string         `gorm:"type:varchar(50);not null"`
	Payload       JSONB          `gorm:"type:jsonb;default:'{}'"`
	Status        string         `gorm:"type:varchar(20);not null;default:'scheduled';index"`
	ScheduledFor  time.Time      `gorm:"index"`
	CreatedAt     time.Time
}

func (NotificationRecord) TableName() string {
	return "scheduled_notifications"
}
