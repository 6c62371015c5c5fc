package model

import (
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionSuccess         ExecutionStatus = "success"
	ExecutionPendingApproval ExecutionStatus = "pending_approval"
	ExecutionError           ExecutionStatus = "error"
)

// ExecutionLog is one append-only record of an agent invocation.
type ExecutionLog struct {
	ID        uuid.UUID       `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID  uuid.UUID       `gorm:"type:uuid;not null;index:idx_execution_tenant_time"`
	AgentID   string          `gorm:"type:varchar(100);not null"`
	Action    string          `gorm:"type:varchar(50);not null"`
	Input     JSONB           `gorm:"type:jsonb;default:'{}'"`
	Output    JSONB           `gorm:"type:jsonb;default:'{}'"`
	Status    ExecutionStatus `gorm:"type:varchar(20);not null;index"`
	ElapsedMS int64           `gorm:"not null;default:0"`
	CreatedAt time.Time       `gorm:"autoCreateTime;index:idx_execution_tenant_time"`
}

func (ExecutionLog) TableName() string {
	return "agent_execution_logs"
}
