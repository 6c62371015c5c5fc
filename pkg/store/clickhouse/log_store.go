package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finflow/finflow/pkg/config"
	"github.com/finflow/finflow/pkg/model"
	"github.com/finflow/finflow/pkg/store"
)

type ExecutionLogStore struct {
	conn   driver.Conn
	logger *zap.Logger
}

func NewExecutionLogStore(cfg config.ClickHouseConfig, logger *zap.Logger) (*ExecutionLogStore, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("clickhouse hosts are not configured")
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return &ExecutionLogStore{
		conn:   conn,
		logger: logger,
	}, nil
}

func (s *ExecutionLogStore) Append(ctx context.Context, entry *model.ExecutionLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	input, err := encodeJSON(entry.Input)
	if err != nil {
		return err
	}
	output, err := encodeJSON(entry.Output)
	if err != nil {
		return err
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO agent_execution_logs")
	if err != nil {
		return err
	}

	if err := batch.Append(
		entry.ID,
		entry.TenantID,
		entry.AgentID,
		entry.Action,
		input,
		output,
		string(entry.Status),
		entry.ElapsedMS,
		entry.CreatedAt,
	); err != nil {
		return err
	}

	return batch.Send()
}

func (s *ExecutionLogStore) List(ctx context.Context, query store.ExecutionLogQuery) ([]model.ExecutionLog, error) {
	if query.TenantID == uuid.Nil {
		return nil, fmt.Errorf("tenant id is required")
	}

	queryText := "SELECT id, tenant_id, agent_id, action, input, output, status, elapsed_ms, created_at FROM agent_execution_logs WHERE tenant_id = ?"
	args := []interface{}{query.TenantID}

	if query.AgentID != "" {
		queryText += " AND agent_id = ?"
		args = append(args, query.AgentID)
	}

	if query.Action != "" {
		queryText += " AND action = ?"
		args = append(args, query.Action)
	}

	if query.Status != "" {
		queryText += " AND status = ?"
		args = append(args, string(query.Status))
	}

	if query.StartTime != nil {
		queryText += " AND created_at >= ?"
		args = append(args, *query.StartTime)
	}

	if query.EndTime != nil {
		queryText += " AND created_at <= ?"
		args = append(args, *query.EndTime)
	}

	queryText += " ORDER BY created_at DESC"

	if query.Limit > 0 {
		queryText += fmt.Sprintf(" LIMIT %d", query.Limit)
	}

	rows, err := s.conn.Query(ctx, queryText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.ExecutionLog
	for rows.Next() {
		var (
			entry         model.ExecutionLog
			input, output string
			status        string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.TenantID,
			&entry.AgentID,
			&entry.Action,
			&input,
			&output,
			&status,
			&entry.ElapsedMS,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entry.Status = model.ExecutionStatus(status)
		entry.Input = decodeJSON(input)
		entry.Output = decodeJSON(output)
		logs = append(logs, entry)
	}

	return logs, rows.Err()
}

func (s *ExecutionLogStore) DeleteOldLogs(ctx context.Context, retentionDays int) error {
	// retention is enforced by the table TTL
	return nil
}

func (s *ExecutionLogStore) Close() error {
	return s.conn.Close()
}

// EnsureSchema creates the table if not exists
func (s *ExecutionLogStore) EnsureSchema(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS agent_execution_logs (
		id UUID,
		tenant_id UUID,
		agent_id LowCardinality(String),
		action LowCardinality(String),
		input String Codec(ZSTD),
		output String Codec(ZSTD),
		status LowCardinality(String),
		elapsed_ms Int64,
		created_at DateTime64(3) DEFAULT now64(3)
	)
	ENGINE = MergeTree()
	ORDER BY (tenant_id, created_at)
	PARTITION BY toYYYYMM(created_at)
	TTL toDateTime(created_at) + INTERVAL %d DAY
	`, retentionDays)
	return s.conn.Exec(ctx, query)
}

func encodeJSON(value model.JSONB) (string, error) {
	if value == nil {
		return "{}", nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(value string) model.JSONB {
	if value == "" {
		return model.JSONB{}
	}
	var decoded model.JSONB
	if err := json.Unmarshal([]byte(value), &decoded); err != nil {
		return model.JSONB{"raw": value}
	}
	return decoded
}

var _ store.ExecutionLogStore = (*ExecutionLogStore)(nil)
