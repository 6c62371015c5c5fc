package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionIncome  TransactionType = "income"
	TransactionExpense TransactionType = "expense"
)

type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionPaid    TransactionStatus = "paid"
)

type InvoiceStatus string

const (
	InvoicePending    InvoiceStatus = "pending"
	InvoiceProcessing InvoiceStatus = "processing"
	InvoiceIssued     InvoiceStatus = "issued"
	InvoiceReplaced   InvoiceStatus = "replaced"
	InvoiceRejected   InvoiceStatus = "rejected"
	InvoiceCancelled  InvoiceStatus = "cancelled"
)

type TaxRegime string

const (
	RegimeSimplesNacional TaxRegime = "simples_nacional"
	RegimeLucroPresumido  TaxRegime = "lucro_presumido"
	RegimeLucroReal       TaxRegime = "lucro_real"
	RegimeMEI             TaxRegime = "mei"
)

// Transaction is the financial record mutated by the billing workflow and the
// issuance gateway.
type Transaction struct {
	ID          uuid.UUID       `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID    uuid.UUID       `gorm:"type:uuid;not null;index"`
	Type        TransactionType `gorm:"type:varchar(20);not null;index"`
	Description string          `gorm:"not null"`
	Amount      decimal.Decimal `gorm:"type:numeric(15,2);not null"`
	NetAmount   decimal.Decimal `gorm:"type:numeric(15,2);not null"`
	DueDate     time.Time       `gorm:"type:date;not null;index"`
	PaidAt      *time.Time
	Status      TransactionStatus `gorm:"type:varchar(20);not null;default:'pending';index"`
	CustomerID  *uuid.UUID        `gorm:"type:uuid;index"`
	SupplierID  *uuid.UUID        `gorm:"type:uuid;index"`
	CategoryID  *uuid.UUID        `gorm:"type:uuid;index"`
	TaxRegime   TaxRegime         `gorm:"type:varchar(30)"`

	InvoiceStatus        *InvoiceStatus `gorm:"type:varchar(20);index"`
	InvoiceNumber        *string
	InvoiceKey           *string
	InvoiceIntegrationID *string `gorm:"index"`
	InvoiceProvider      *string
	InvoiceIssuedAt      *time.Time
	ReplacedByID         *uuid.UUID `gorm:"type:uuid"`
	ReplacesID           *uuid.UUID `gorm:"type:uuid"`

	PaymentLink *string
	PaymentCode *string

	Version   int `gorm:"not null;default:1"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Transaction) TableName() string {
	return "transactions"
}

// HasInvoiceNumber reports whether a fiscal document number was already assigned.
func (t *Transaction) HasInvoiceNumber() bool {
	return t.InvoiceNumber != nil && *t.InvoiceNumber != ""
}

func InvoiceStatusPtr(status InvoiceStatus) *InvoiceStatus {
	return &status
}
