package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Tenant is a company operating on the platform.
type Tenant struct {
	ID                    uuid.UUID        `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Name                  string           `gorm:"not null"`
	TaxID                 string           `gorm:"type:varchar(20);uniqueIndex"`
	MunicipalRegistration string           `gorm:"type:varchar(30)"`
	CityCode              string           `gorm:"type:varchar(10)"`
	TaxRegime             TaxRegime        `gorm:"type:varchar(30);not null;default:'simples_nacional'"`
	PartnerID             *uuid.UUID       `gorm:"type:uuid;index"`
	AutoApproveThreshold  *decimal.Decimal `gorm:"type:numeric(15,2)"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
	DeletedAt             gorm.DeletedAt `gorm:"index"`
}

type Customer struct {
	ID         uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID   uuid.UUID `gorm:"type:uuid;not null;index"`
	Name       string    `gorm:"not null"`
	Document   string    `gorm:"type:varchar(20)"`
	Email      string
	Phone      string
	Street     string
	Number     string
	District   string
	CityCode   string `gorm:"type:varchar(10)"`
	State      string `gorm:"type:varchar(2)"`
	PostalCode string `gorm:"type:varchar(10)"`
	Active     bool   `gorm:"not null;default:true"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasAddress reports whether the customer carries enough address data to be
// sent to a fiscal provider.
func (c *Customer) HasAddress() bool {
	return c.Street != "" && c.CityCode != "" && c.PostalCode != ""
}

type Category struct {
	ID        uuid.UUID       `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID  uuid.UUID       `gorm:"type:uuid;not null;index"`
	Name      string          `gorm:"not null"`
	Type      TransactionType `gorm:"type:varchar(20);not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type IntegrationStatus string

const (
	IntegrationConnected    IntegrationStatus = "connected"
	IntegrationDisconnected IntegrationStatus = "disconnected"
	IntegrationError        IntegrationStatus = "error"
)

// FiscalIntegration is a tenant's configuration for one issuance provider.
type FiscalIntegration struct {
	ID             uuid.UUID         `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID       uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_integration_provider"`
	Provider       string            `gorm:"type:varchar(50);not null;uniqueIndex:idx_integration_provider"`
	Status         IntegrationStatus `gorm:"type:varchar(20);not null;default:'disconnected'"`
	CredentialsRef string
	ServiceCode    string          `gorm:"type:varchar(20)"`
	ISSRate        decimal.Decimal `gorm:"type:numeric(5,2);not null;default:0"`
	LastCheckedAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AdvisoryPartner is an accounting firm monitoring a portfolio of client tenants.
type AdvisoryPartner struct {
	ID                   uuid.UUID        `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Name                 string           `gorm:"not null"`
	Active               bool             `gorm:"not null;default:true;index"`
	CashCriticalDays     int              `gorm:"not null;default:30"`
	AROverdueWarningPct  float64          `gorm:"not null;default:20"`
	UncategorizedWarning int              `gorm:"not null;default:10"`
	AutoApproveThreshold *decimal.Decimal `gorm:"type:numeric(15,2)"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type PartnerClient struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	PartnerID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_partner_client"`
	TenantID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_partner_client"`
	Tenant    *Tenant   `gorm:"foreignKey:TenantID"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
)

// Project is a client engagement tracked for hours and invoicing margin.
type Project struct {
	ID            uuid.UUID       `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID      uuid.UUID       `gorm:"type:uuid;not null;index"`
	Name          string          `gorm:"not null"`
	BudgetHours   decimal.Decimal `gorm:"type:numeric(10,2);not null;default:0"`
	ConsumedHours decimal.Decimal `gorm:"type:numeric(10,2);not null;default:0"`
	ContractValue decimal.Decimal `gorm:"type:numeric(15,2);not null;default:0"`
	InvoicedValue decimal.Decimal `gorm:"type:numeric(15,2);not null;default:0"`
	Status        ProjectStatus   `gorm:"type:varchar(20);not null;default:'active'"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
