package logstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/finflow/finflow/pkg/config"
	"github.com/finflow/finflow/pkg/store"
	"github.com/finflow/finflow/pkg/store/clickhouse"
	"github.com/finflow/finflow/pkg/store/postgres"
)

const (
	DriverPostgres   = "postgres"
	DriverClickHouse = "clickhouse"
)

// Open returns the execution log backend selected by logging.storage_driver.
func Open(ctx context.Context, cfg *config.Config, db *gorm.DB, logger *zap.Logger) (store.ExecutionLogStore, error) {
	switch cfg.Logging.StorageDriver {
	case DriverClickHouse:
		logger.Info("using clickhouse for execution log storage")
		logs, err := clickhouse.NewExecutionLogStore(cfg.ClickHouse, logger)
		if err != nil {
			return nil, err
		}
		if err := logs.EnsureSchema(ctx, cfg.Logging.RetentionDays); err != nil {
			logs.Close()
			return nil, fmt.Errorf("ensure clickhouse schema: %w", err)
		}
		return logs, nil
	case DriverPostgres, "":
		logger.Info("using postgres for execution log storage")
		return postgres.NewExecutionLogRepository(db), nil
	default:
		return nil, fmt.Errorf("unknown log storage driver %q", cfg.Logging.StorageDriver)
	}
}
