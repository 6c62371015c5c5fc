package apiserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/finflow/finflow/pkg/apiserver/handlers"
	"github.com/finflow/finflow/pkg/apiserver/middleware"
	"github.com/finflow/finflow/pkg/config"
)

const defaultRetentionInterval = time.Hour

// LogRetainer prunes execution log records past the retention window.
type LogRetainer interface {
	DeleteOldLogs(ctx context.Context, retentionDays int) error
}

type ExecutionLogs interface {
	handlers.ExecutionLogReader
	LogRetainer
}

// Dependencies carries the services the router dispatches to.
type Dependencies struct {
	Tokens    middleware.TokenValidator
	Workflow  handlers.WorkflowService
	Approvals handlers.ApprovalService
	Invoices  handlers.InvoiceService
	Alerts    handlers.AlertStore
	Monitor   handlers.MonitorRunner
	Logs      ExecutionLogs
}

type Server struct {
	router *gin.Engine
	deps   Dependencies
	cfg    *config.Config
	logger *zap.Logger
}

func NewServer(deps Dependencies, cfg *config.Config, logger *zap.Logger) *Server {
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
	}
	s.setupRouter()
	return s
}

// RunRetention prunes old execution logs hourly until ctx ends. ClickHouse
// expires rows by TTL, so it is only started for the postgres driver.
func (s *Server) RunRetention(ctx context.Context) {
	if s.cfg.Logging.StorageDriver == "clickhouse" || s.deps.Logs == nil {
		return
	}
	retentionDays := s.cfg.Logging.RetentionDays
	if retentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(defaultRetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Info("starting log retention cleanup", zap.Int("retention_days", retentionDays))
			if err := s.deps.Logs.DeleteOldLogs(ctx, retentionDays); err != nil {
				s.logger.Error("failed to cleanup old logs", zap.Error(err))
			}
		}
	}
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		api.Use(middleware.Auth(s.deps.Tokens))

		billing := handlers.NewBillingHandler(s.deps.Workflow, s.logger)
		api.POST("/agents/billing", billing.Invoke)

		executions := handlers.NewExecutionHandler(s.deps.Logs, s.logger)
		api.GET("/agents/executions", executions.List)

		approvals := handlers.NewApprovalHandler(s.deps.Approvals, s.logger)
		api.GET("/approvals", approvals.List)
		api.GET("/approvals/:id", approvals.Get)
		api.POST("/approvals/:id/decision", approvals.Decide)

		invoices := handlers.NewInvoiceHandler(s.deps.Workflow, s.deps.Invoices, s.logger)
		api.POST("/transactions/:id/invoice", invoices.Issue)
		api.POST("/transactions/:id/invoice/substitute", invoices.Substitute)
		api.POST("/transactions/:id/invoice/sync", invoices.Sync)

		alerts := handlers.NewAlertHandler(s.deps.Alerts, s.deps.Monitor, s.logger)
		api.GET("/alerts", alerts.ListAlerts)
		api.POST("/alerts/:id/resolve", alerts.ResolveAlert)
		api.GET("/rulesets", alerts.ListRules)
		api.PUT("/rulesets", alerts.ReplaceRules)
		api.POST("/monitor/run", alerts.RunMonitor)
	}

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}
