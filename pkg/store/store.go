package store

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/finflow/finflow/pkg/model"
)

// ErrConflict is returned when a conditional update matched no rows because
// the row is no longer in the expected state.
var ErrConflict = errors.New("row is not in the expected state")

// WorkflowUnit is the set of rows committed together when a billing request
// is submitted. Approval is nil for auto-approved requests.
type WorkflowUnit struct {
	Transaction *model.Transaction
	Request     *model.WorkflowRequest
	Approval    *model.ApprovalItem
}

// Decision is a reviewer outcome applied to a pending approval item.
type Decision struct {
	ApprovalID uuid.UUID
	TenantID   uuid.UUID
	Status     model.ApprovalStatus
	Reviewer   string
	Notes      *string
	DecidedAt  time.Time

	// Event is written in the same transaction when set.
	Event *model.OutboxEvent
}

// IssuanceRecord is the single write-back of an issuance attempt chain.
type IssuanceRecord struct {
	TransactionID uuid.UUID
	TenantID      uuid.UUID
	Number        string
	Key           string
	IntegrationID string
	Provider      string
	Status        model.InvoiceStatus
	IssuedAt      time.Time
}

// IssuanceClaim reserves an unissued transaction for one issuance attempt
// chain. A processing claim last touched before StaleBefore is abandoned and
// may be taken over.
type IssuanceClaim struct {
	TransactionID uuid.UUID
	TenantID      uuid.UUID
	ClaimedAt     time.Time
	StaleBefore   time.Time
}

// InvoiceUpdate promotes a processing document to its final status.
type InvoiceUpdate struct {
	TransactionID uuid.UUID
	TenantID      uuid.UUID
	From          model.InvoiceStatus
	Status        model.InvoiceStatus
	Number        string
	Key           string
}

// Substitution replaces an issued transaction with its successor.
type Substitution struct {
	OriginalID uuid.UUID
	TenantID   uuid.UUID
	Successor  *model.Transaction
}
