package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Service holds process-level settings
type Service struct {
	Environment string `envconfig:"SERVICE_ENVIRONMENT" default:"development"`
	APIPort     string `envconfig:"SERVICE_API_PORT" default:"8080"`
}

// ClickHouse holds analytical store settings
type ClickHouse struct {
	Host            string `envconfig:"CLICKHOUSE_HOST" required:"true"`
	Port            string `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	Database        string `envconfig:"CLICKHOUSE_DB" required:"true"`
	User            string `envconfig:"CLICKHOUSE_USER" default:""`
	Password        string `envconfig:"CLICKHOUSE_PASSWORD" default:""`
	UseTLS          bool   `envconfig:"CLICKHOUSE_USE_TLS" default:"false"`
	MaxOpenConns    int    `envconfig:"CLICKHOUSE_MAX_OPEN_CONNS" default:"5"`
	MaxIdleConns    int    `envconfig:"CLICKHOUSE_MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime int    `envconfig:"CLICKHOUSE_CONN_MAX_LIFETIME_SEC" default:"3600"`
}

// Postgres holds relational store settings
type Postgres struct {
	DSN string `envconfig:"POSTGRES_DSN" required:"true"`
}

// Compute holds per-workspace compute loop settings
type Compute struct {
	BasePollingPeriodSec int     `envconfig:"COMPUTE_BASE_POLLING_PERIOD_SEC" default:"10"`
	PollingJitterSec     float64 `envconfig:"COMPUTE_POLLING_JITTER_SEC" default:"1"`
	MaxIterations        int     `envconfig:"COMPUTE_MAX_ITERATIONS" default:"1500"`
	StepTimeoutSec       int     `envconfig:"COMPUTE_STEP_TIMEOUT_SEC" default:"300"`
	StepRetries          int     `envconfig:"COMPUTE_STEP_RETRIES" default:"3"`
	ScanConcurrency      int     `envconfig:"COMPUTE_SCAN_CONCURRENCY" default:"2"`
	ProcessPageSize      int     `envconfig:"COMPUTE_PROCESS_PAGE_SIZE" default:"500"`
	ProcessConcurrency   int64   `envconfig:"COMPUTE_PROCESS_CONCURRENCY" default:"4"`
}

// Queue holds bounded work queue settings
type Queue struct {
	Capacity   int `envconfig:"QUEUE_CAPACITY" default:"1000"`
	BatchSize  int `envconfig:"QUEUE_BATCH_SIZE" default:"5"`
	MaxBatches int `envconfig:"QUEUE_MAX_BATCHES" default:"1000"`
}

// Scheduler holds staleness scheduler settings
type Scheduler struct {
	TickSec        int `envconfig:"SCHEDULER_TICK_SEC" default:"30"`
	StalenessSec   int `envconfig:"SCHEDULER_STALENESS_SEC" default:"60"`
	WorkspaceLimit int `envconfig:"SCHEDULER_WORKSPACE_LIMIT" default:"100"`
}

// Signals holds durable signal delivery settings
type Signals struct {
	WebhookURL      string `envconfig:"SIGNAL_WEBHOOK_URL" default:""`
	PollIntervalSec int    `envconfig:"SIGNAL_POLL_INTERVAL_SEC" default:"1"`
	MaxAttempts     int    `envconfig:"SIGNAL_MAX_ATTEMPTS" default:"4"`
}

// Config is the full engine configuration, loaded from the environment
type Config struct {
	Service    Service
	ClickHouse ClickHouse
	Postgres   Postgres
	Compute    Compute
	Queue      Queue
	Scheduler  Scheduler
	Signals    Signals
}

// Load reads configuration from the environment
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	return &cfg, nil
}
