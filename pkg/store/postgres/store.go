package postgres

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/finflow/finflow/pkg/config"
	"github.com/finflow/finflow/pkg/model"
)

type Store struct {
	db *gorm.DB
}

func NewStore(cfg *config.DatabaseConfig) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	return &Store{db: db}, nil
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&model.AdvisoryPartner{},
		&model.Tenant{},
		&model.PartnerClient{},
		&model.Customer{},
		&model.Category{},
		&model.FiscalIntegration{},
		&model.Project{},
		&model.Transaction{},
		&model.WorkflowRequest{},
		&model.ApprovalItem{},
		&model.NotificationRecord{},
		&model.OutboxEvent{},
		&model.ExecutionLog{},
		&model.AlertRule{},
		&model.Alert{},
		&model.ValueTrackingEvent{},
	)
}

// BillingStore bundles the repositories read and written by the billing
// workflow and the issuance gateway.
type BillingStore struct {
	*ReferenceRepository
	*TransactionRepository
	*WorkflowRepository
	*ApprovalRepository
	*NotificationRepository
}

func NewBillingStore(db *gorm.DB) *BillingStore {
	return &BillingStore{
		ReferenceRepository:    NewReferenceRepository(db),
		TransactionRepository:  NewTransactionRepository(db),
		WorkflowRepository:     NewWorkflowRepository(db),
		ApprovalRepository:     NewApprovalRepository(db),
		NotificationRepository: NewNotificationRepository(db),
	}
}
