package model

import (
	"time"

	"github.com/google/uuid"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Payload keys carried by approval items created by the billing workflow.
const (
	PayloadTransactionID     = "transaction_id"
	PayloadWorkflowRequestID = "workflow_request_id"
)

// ApprovalItem is a queued human decision gating a workflow request.
type ApprovalItem struct {
	ID          uuid.UUID      `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID    uuid.UUID      `gorm:"type:uuid;not null;index:idx_approval_pending,priority:1"`
	AgentID     string         `gorm:"type:varchar(100);not null"`
	ActionType  string         `gorm:"type:varchar(100);not null"`
	Priority    int            `gorm:"not null;default:5;index:idx_approval_pending,priority:3"`
	Payload     JSONB          `gorm:"type:jsonb;not null;default:'{}'"`
	RequestedBy string         `gorm:"not null"`
	Status      ApprovalStatus `gorm:"type:varchar(20);not null;default:'pending';index:idx_approval_pending,priority:2"`
	ReviewedBy  *string
	ReviewedAt  *time.Time
	ReviewNotes *string
	CreatedAt   time.Time `gorm:"index:idx_approval_pending,priority:4"`
	UpdatedAt   time.Time
}

func (ApprovalItem) TableName() string {
	return "approval_queue"
}

// TransactionID returns the transaction referenced by the payload, if any.
func (a *ApprovalItem) TransactionID() (uuid.UUID, bool) {
	id, err := uuid.Parse(a.Payload.String(PayloadTransactionID))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// WorkflowRequestID returns the workflow request referenced by the payload, if any.
func (a *ApprovalItem) WorkflowRequestID() (uuid.UUID, bool) {
	id, err := uuid.Parse(a.Payload.String(PayloadWorkflowRequestID))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// PendingBefore reports whether a sorts before b in the pending queue.
func PendingBefore(a, b ApprovalItem) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
