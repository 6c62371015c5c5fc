package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/finflow/finflow/pkg/model"
)

// ExecutionLogStore defines the interface for execution log backends (PostgreSQL, ClickHouse)
type ExecutionLogStore interface {
	// Append writes one execution record
	Append(ctx context.Context, entry *model.ExecutionLog) error

	// List returns a tenant's execution records, newest first
	List(ctx context.Context, query ExecutionLogQuery) ([]model.ExecutionLog, error)

	// DeleteOldLogs deletes records older than the retention period (if backend requires it)
	DeleteOldLogs(ctx context.Context, retentionDays int) error

	Close() error
}

type ExecutionLogQuery struct {
	TenantID  uuid.UUID
	AgentID   string
	Action    string
	Status    model.ExecutionStatus
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
}
