package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type WorkflowStage string

const (
	StageGathering       WorkflowStage = "gathering"
	StagePreview         WorkflowStage = "preview"
	StagePendingApproval WorkflowStage = "pending_approval"
	StageExecuting       WorkflowStage = "executing"
	StageCompleted       WorkflowStage = "completed"
	StageFailed          WorkflowStage = "failed"
)

// IsTerminal reports whether a request in this stage can no longer change.
func (s WorkflowStage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// WorkflowRequest is one in-flight instance of a named agent action.
type WorkflowRequest struct {
	ID            uuid.UUID     `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID      uuid.UUID     `gorm:"type:uuid;not null;index"`
	Action        string        `gorm:"type:varchar(50);not null"`
	Stage         WorkflowStage `gorm:"type:varchar(30);not null;default:'gathering';index"`
	TransactionID *uuid.UUID    `gorm:"type:uuid;index"`
	ApprovalID    *uuid.UUID    `gorm:"type:uuid;index"`
	Input         JSONB         `gorm:"type:jsonb;default:'{}'"`
	RequestedBy   string
	ErrorMessage  string
	Version       int `gorm:"not null;default:1"`
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (WorkflowRequest) TableName() string {
	return "workflow_requests"
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan JSONB: %v", value)
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONB) GormDataType() string {
	return "jsonb"
}

// String returns the value stored under key when it is a string.
func (j JSONB) String(key string) string {
	if j == nil {
		return ""
	}
	value, _ := j[key].(string)
	return value
}
