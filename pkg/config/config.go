package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Auth       AuthConfig
	Logging    LoggingConfig
	Kafka      KafkaConfig
	Outbox     OutboxRelayConfig
	Workflow   WorkflowConfig
	Approval   ApprovalConfig
	Issuance   IssuanceConfig
	Payment    PaymentConfig
	Monitor    MonitorConfig
}

type ServerConfig struct {
	HTTPPort    int           `mapstructure:"http_port"`
	MetricsPort int           `mapstructure:"metrics_port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Addresses   []string `mapstructure:"addresses"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	PoolSize    int      `mapstructure:"pool_size"`
	ClusterMode bool     `mapstructure:"cluster_mode"`
}

type ClickHouseConfig struct {
	Hosts    []string `mapstructure:"hosts"`
	Database string   `mapstructure:"database"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Issuer    string        `mapstructure:"issuer"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`         // json or console
	StorageDriver string `mapstructure:"storage_driver"` // postgres or clickhouse
	RetentionDays int    `mapstructure:"retention_days"`
}

type KafkaConfig struct {
	Brokers       []string      `mapstructure:"brokers"`
	ClientID      string        `mapstructure:"client_id"`
	ApprovalTopic string        `mapstructure:"approval_topic"`
	RetryTopic    string        `mapstructure:"retry_topic"`
	DLQTopic      string        `mapstructure:"dlq_topic"`
	WorkerGroup   string        `mapstructure:"worker_group"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	DedupeTTL     time.Duration `mapstructure:"dedupe_ttl"`
}

type OutboxRelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type WorkflowConfig struct {
	AgentID              string        `mapstructure:"agent_id"`
	AutoApproveThreshold float64       `mapstructure:"auto_approve_threshold"`
	MicroThreshold       float64       `mapstructure:"micro_threshold"`
	SuggestionLimit      int           `mapstructure:"suggestion_limit"`
	NotificationDelay    time.Duration `mapstructure:"notification_delay"`
}

type ApprovalConfig struct {
	// Continuation is "outbox" (decision published through Kafka) or "inline".
	Continuation string `mapstructure:"continuation"`
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

type IssuanceConfig struct {
	ProviderOrder   []string                  `mapstructure:"provider_order"`
	ProviderTimeout time.Duration             `mapstructure:"provider_timeout"`
	ProviderRetries int                       `mapstructure:"provider_retries"`
	RetryBackoff    time.Duration             `mapstructure:"retry_backoff"`
	Providers       map[string]ProviderConfig `mapstructure:"providers"`
}

type PaymentConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MonitorConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	Workers       int           `mapstructure:"workers"`
	ClientTimeout time.Duration `mapstructure:"client_timeout"`
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/finflow/")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("FINFLOW")
	viper.AutomaticEnv()

	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.metrics_port", 9091)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("redis.addresses", []string{"localhost:6379"})
	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("auth.token_ttl", "24h")
	viper.SetDefault("auth.issuer", "finflow")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.storage_driver", "postgres")
	viper.SetDefault("logging.retention_days", 90)
	viper.SetDefault("kafka.client_id", "finflow")
	viper.SetDefault("kafka.approval_topic", "finflow.approvals")
	viper.SetDefault("kafka.retry_topic", "finflow.approvals.retry")
	viper.SetDefault("kafka.dlq_topic", "finflow.approvals.dlq")
	viper.SetDefault("kafka.worker_group", "finflow-issuance-workers")
	viper.SetDefault("kafka.max_retries", 3)
	viper.SetDefault("kafka.retry_backoff", "10s")
	viper.SetDefault("kafka.dedupe_ttl", "24h")
	viper.SetDefault("outbox.poll_interval", "5s")
	viper.SetDefault("outbox.batch_size", 100)
	viper.SetDefault("workflow.agent_id", "billing-agent")
	viper.SetDefault("workflow.auto_approve_threshold", 1000)
	viper.SetDefault("workflow.micro_threshold", 100)
	viper.SetDefault("workflow.suggestion_limit", 5)
	viper.SetDefault("workflow.notification_delay", "0s")
	viper.SetDefault("approval.continuation", "outbox")
	viper.SetDefault("issuance.provider_order", []string{"nuvemfiscal", "focusnfe"})
	viper.SetDefault("issuance.provider_timeout", "15s")
	viper.SetDefault("issuance.provider_retries", 0)
	viper.SetDefault("issuance.retry_backoff", "500ms")
	viper.SetDefault("payment.timeout", "10s")
	viper.SetDefault("monitor.interval", "1h")
	viper.SetDefault("monitor.workers", 4)
	viper.SetDefault("monitor.client_timeout", "20s")
	viper.SetDefault("monitor.dedup_window", "0s")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
