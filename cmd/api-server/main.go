package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/finflow/finflow/pkg/apiserver"
	"github.com/finflow/finflow/pkg/approval"
	"github.com/finflow/finflow/pkg/auth"
	"github.com/finflow/finflow/pkg/config"
	"github.com/finflow/finflow/pkg/eventbus"
	"github.com/finflow/finflow/pkg/issuance"
	"github.com/finflow/finflow/pkg/logging"
	"github.com/finflow/finflow/pkg/metrics"
	"github.com/finflow/finflow/pkg/monitor"
	"github.com/finflow/finflow/pkg/payment"
	"github.com/finflow/finflow/pkg/store/logstore"
	"github.com/finflow/finflow/pkg/store/postgres"
	redisclient "github.com/finflow/finflow/pkg/store/redis"
	"github.com/finflow/finflow/pkg/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.AutoMigrate(); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}

	redis, err := redisclient.NewClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redis.Close()

	logs, err := logstore.Open(ctx, cfg, db.DB(), logger)
	if err != nil {
		logger.Fatal("Failed to open execution log store", zap.Error(err))
	}
	defer logs.Close()

	billing := postgres.NewBillingStore(db.DB())
	gateway := issuance.NewGateway(billing, issuance.NewProviders(cfg.Issuance), cfg.Issuance, logger)
	orchestrator := workflow.NewOrchestrator(billing, gateway, payment.New(cfg.Payment), logs, cfg.Workflow, logger)

	approvals := approval.NewQueue(billing, logger)
	if cfg.Approval.Continuation == "inline" {
		logger.Info("approvals resume the workflow inline")
		approvals.SetInlineContinuation(orchestrator)
	}

	bus := eventbus.NewBus(redis.Client())
	alerts := postgres.NewAlertRepository(db.DB())
	engine := monitor.NewEngine(
		postgres.NewMonitorRepository(db.DB()),
		alerts,
		monitor.NewSuppressor(redis.Client(), cfg.Monitor.DedupWindow),
		bus,
		cfg.Monitor,
		logger,
	)

	server := apiserver.NewServer(apiserver.Dependencies{
		Tokens:    auth.NewTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL, cfg.Auth.Issuer),
		Workflow:  orchestrator,
		Approvals: approvals,
		Invoices:  gateway,
		Alerts:    alerts,
		Monitor:   engine,
		Logs:      logs,
	}, cfg, logger)

	go server.RunRetention(ctx)
	go metrics.NewCollector(postgres.NewOutboxRepository(db.DB()), logger, 0).Run(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.ReadTimeout * 2,
	}

	go func() {
		logger.Info("Starting API server", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
}
