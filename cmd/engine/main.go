package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lumotrack/audience-engine/internal/aggregate"
	"github.com/lumotrack/audience-engine/internal/api"
	"github.com/lumotrack/audience-engine/internal/config"
	"github.com/lumotrack/audience-engine/internal/evaluate"
	"github.com/lumotrack/audience-engine/internal/logger"
	"github.com/lumotrack/audience-engine/internal/orchestrate"
	"github.com/lumotrack/audience-engine/internal/process"
	sig "github.com/lumotrack/audience-engine/internal/signal"
	"github.com/lumotrack/audience-engine/internal/store/clickhouse"
	"github.com/lumotrack/audience-engine/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	log, err := logger.New(cfg.Service.Environment)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer func(log *zap.Logger) {
		err := log.Sync()
		if err != nil {
			log.Error("Failed to sync logger", zap.Error(err))
		}
	}(log)

	log.Info("Starting compute engine",
		zap.String("environment", cfg.Service.Environment),
		zap.String("port", cfg.Service.APIPort))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize ClickHouse client
	clickhouseClient, err := clickhouse.NewClient(ctx, &cfg.ClickHouse, log)
	if err != nil {
		log.Fatal("Failed to create ClickHouse client", zap.Error(err))
	}
	defer func(clickhouseClient *clickhouse.Client) {
		if err := clickhouseClient.Close(); err != nil {
			log.Error("Failed to close ClickHouse client", zap.Error(err))
		}
	}(clickhouseClient)

	// Initialize Postgres client
	postgresClient, err := postgres.NewClient(ctx, &cfg.Postgres, log)
	if err != nil {
		log.Fatal("Failed to create Postgres client", zap.Error(err))
	}
	defer postgresClient.Close()

	// Initialize stores and schemas
	eventLog := clickhouse.NewEventLog(clickhouseClient, log)
	stateStore := clickhouse.NewStateStore(clickhouseClient, log)
	if err := eventLog.InitSchema(ctx); err != nil {
		log.Fatal("Failed to init event schema", zap.Error(err))
	}
	if err := stateStore.InitSchema(ctx); err != nil {
		log.Fatal("Failed to init state schema", zap.Error(err))
	}
	if err := postgresClient.InitSchema(ctx); err != nil {
		log.Fatal("Failed to init Postgres schema", zap.Error(err))
	}

	periodStore := postgres.NewPeriodStore(postgresClient, log)
	assignmentStore := postgres.NewAssignmentStore(postgresClient, log)
	processedStore := postgres.NewProcessedStore(postgresClient, log)
	readModel := postgres.NewReadModel(postgresClient, log)
	definitionStore := postgres.NewDefinitionStore(postgresClient, log)
	checkpointStore := postgres.NewCheckpointStore(postgresClient, log)

	// Initialize durable signal outbox
	var transport sig.Transport
	if cfg.Signals.WebhookURL != "" {
		transport = sig.NewWebhookTransport(cfg.Signals.WebhookURL)
	} else {
		log.Warn("No signal webhook configured, delivering signals to the log")
		transport = sig.NewLogTransport(log)
	}
	outbox := sig.NewOutbox(postgresClient.Pool(), transport, log)
	outbox.PollInterval = time.Duration(cfg.Signals.PollIntervalSec) * time.Second
	outbox.MaxAttempts = uint64(cfg.Signals.MaxAttempts)

	// Initialize pipeline stages
	engine := aggregate.NewEngine(eventLog, stateStore, periodStore, cfg.Compute.ScanConcurrency, log)
	evaluator := evaluate.NewEvaluator(stateStore, assignmentStore, periodStore, log)
	processLimiter := semaphore.NewWeighted(cfg.Compute.ProcessConcurrency)
	processor := process.NewProcessor(
		assignmentStore, processedStore, readModel, definitionStore, periodStore, outbox,
		cfg.Compute.ProcessPageSize, processLimiter, log,
	)
	runner := orchestrate.NewRunner(
		definitionStore, engine, evaluator, processor,
		time.Duration(cfg.Compute.StepTimeoutSec)*time.Second, cfg.Compute.StepRetries, log,
	)

	// Initialize orchestration
	registry := orchestrate.NewRegistry(
		ctx, runner, checkpointStore,
		time.Duration(cfg.Compute.BasePollingPeriodSec)*time.Second,
		time.Duration(cfg.Compute.PollingJitterSec*float64(time.Second)),
		cfg.Compute.MaxIterations, log,
	)
	queue := orchestrate.NewQueue(cfg.Queue.Capacity)
	worker := orchestrate.NewWorker(queue, registry, checkpointStore, cfg.Queue.BatchSize, cfg.Queue.MaxBatches, log)
	scheduler := orchestrate.NewScheduler(
		definitionStore, periodStore, queue,
		time.Duration(cfg.Scheduler.TickSec)*time.Second,
		time.Duration(cfg.Scheduler.StalenessSec)*time.Second,
		cfg.Scheduler.WorkspaceLimit, log,
	)

	go outbox.Run(ctx)
	go worker.Run(ctx)
	go scheduler.Run(ctx)

	// Initialize handler
	h := api.NewHandler(registry, queue, log)

	addr := fmt.Sprintf(":%s", cfg.Service.APIPort)
	server := &http.Server{Addr: addr, Handler: h}

	go func() {
		log.Info("API server starting", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shut down API server", zap.Error(err))
	}
	registry.Wait()
	log.Info("Shutdown complete")
}
