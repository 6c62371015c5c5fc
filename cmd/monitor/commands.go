package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/finflow/finflow/pkg/config"
	"github.com/finflow/finflow/pkg/eventbus"
	"github.com/finflow/finflow/pkg/logging"
	"github.com/finflow/finflow/pkg/monitor"
	"github.com/finflow/finflow/pkg/store/postgres"
	redisclient "github.com/finflow/finflow/pkg/store/redis"
)

type services struct {
	cfg    *config.Config
	logger *zap.Logger
	engine *monitor.Engine
	close  func()
}

func setup() (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		return nil, err
	}
	redis, err := redisclient.NewClient(&cfg.Redis)
	if err != nil {
		db.Close()
		return nil, err
	}

	engine := monitor.NewEngine(
		postgres.NewMonitorRepository(db.DB()),
		postgres.NewAlertRepository(db.DB()),
		monitor.NewSuppressor(redis.Client(), cfg.Monitor.DedupWindow),
		eventbus.NewBus(redis.Client()),
		cfg.Monitor,
		logger,
	)

	return &services{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		close: func() {
			redis.Close()
			db.Close()
			logger.Sync()
		},
	}, nil
}

func runCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one monitor pass and print the reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := cmd.Context()
			var reports []*monitor.RunReport
			switch kind {
			case "all":
				reports, err = rt.engine.RunAll(ctx)
			case monitor.KindClients:
				var report *monitor.RunReport
				report, err = rt.engine.RunOnce(ctx)
				reports = []*monitor.RunReport{report}
			case monitor.KindMargins:
				var report *monitor.RunReport
				report, err = rt.engine.RunMargins(ctx)
				reports = []*monitor.RunReport{report}
			default:
				return fmt.Errorf("unknown kind %q", kind)
			}
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(reports)
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "all", "Pass to run (all, clients, margins)")

	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor on its schedule and expose /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			server := &http.Server{
				Addr:         fmt.Sprintf(":%d", rt.cfg.Server.MetricsPort),
				Handler:      mux,
				ReadTimeout:  rt.cfg.Server.ReadTimeout,
				WriteTimeout: rt.cfg.Server.ReadTimeout * 2,
			}
			go func() {
				rt.logger.Info("Starting monitor metrics endpoint", zap.Int("port", rt.cfg.Server.MetricsPort))
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					rt.logger.Error("metrics endpoint error", zap.Error(err))
				}
			}()

			err = rt.engine.Run(ctx)

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
				rt.logger.Error("metrics endpoint forced to shutdown", zap.Error(shutdownErr))
			}

			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
