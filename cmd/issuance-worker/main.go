package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/finflow/finflow/pkg/config"
	"github.com/finflow/finflow/pkg/eventbus"
	"github.com/finflow/finflow/pkg/issuance"
	"github.com/finflow/finflow/pkg/logging"
	"github.com/finflow/finflow/pkg/payment"
	"github.com/finflow/finflow/pkg/queue"
	"github.com/finflow/finflow/pkg/store/logstore"
	"github.com/finflow/finflow/pkg/store/postgres"
	redisclient "github.com/finflow/finflow/pkg/store/redis"
	"github.com/finflow/finflow/pkg/worker"
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
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	redis, err := redisclient.NewClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	logs, err := logstore.Open(ctx, cfg, db.DB(), logger)
	if err != nil {
		logger.Fatal("failed to open execution log store", zap.Error(err))
	}
	defer logs.Close()

	billing := postgres.NewBillingStore(db.DB())
	gateway := issuance.NewGateway(billing, issuance.NewProviders(cfg.Issuance), cfg.Issuance, logger)
	orchestrator := workflow.NewOrchestrator(billing, gateway, payment.New(cfg.Payment), logs, cfg.Workflow, logger)

	producer := eventbus.NewKafkaProducer(eventbus.KafkaProducerConfig{
		Brokers:    cfg.Kafka.Brokers,
		ClientID:   cfg.Kafka.ClientID,
		EventTopic: cfg.Kafka.ApprovalTopic,
		RetryTopic: cfg.Kafka.RetryTopic,
		DLQTopic:   cfg.Kafka.DLQTopic,
	})
	defer producer.Close()

	consumer := queue.NewConsumer(queue.ConsumerConfig{
		Brokers:      cfg.Kafka.Brokers,
		ClientID:     cfg.Kafka.ClientID,
		GroupID:      cfg.Kafka.WorkerGroup,
		Topic:        cfg.Kafka.ApprovalTopic,
		RetryTopic:   cfg.Kafka.RetryTopic,
		MaxRetries:   cfg.Kafka.MaxRetries,
		RetryBackoff: cfg.Kafka.RetryBackoff,
	}, producer, eventbus.NewRedisDeduper(redis.Client(), cfg.Kafka.DedupeTTL), logger)
	defer consumer.Close()

	runner := worker.NewRunner(consumer, orchestrator, eventbus.NewBus(redis.Client()), logger)
	go runner.Run(ctx)

	logger.Info("issuance worker initialized", zap.String("topic", cfg.Kafka.ApprovalTopic), zap.String("group", cfg.Kafka.WorkerGroup))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("issuance worker shutting down")
	cancel()
}
