package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/overtonx/sagabus"
	"github.com/overtonx/sagabus/internal/admin"
	"github.com/overtonx/sagabus/internal/config"
	"github.com/overtonx/sagabus/storage/sqlstore"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("sagabusd failed", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsDevelopment() {
		return zap.NewDevelopment()
	}
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	return zapConfig.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	db, err := sql.Open("mysql", cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MigrateOnBoot {
		if err := sqlstore.Migrate(db, logger); err != nil {
			return err
		}
	}

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}

	invoker, err := newInvoker(cfg)
	if err != nil {
		return err
	}

	metrics := sagabus.NewOpenTelemetryMetricsCollector()
	carrier, err := sagabus.NewCarrier(sqlstore.New(db, logger),
		sagabus.WithLogger(logger),
		sagabus.WithMetrics(metrics),
		sagabus.WithPublisher(publisher),
		sagabus.WithInvoker(invoker),
		sagabus.WithBackoffStrategy(sagabus.NewExponentialBackoffStrategy(cfg.RetryBaseDelay, cfg.RetryMaxDelay, cfg.RetryJitter)),
	)
	if err != nil {
		return fmt.Errorf("failed to create carrier: %w", err)
	}
	defer func() {
		if err := carrier.Close(); err != nil {
			logger.Error("Error closing publisher", zap.Error(err))
		}
	}()

	dispatcher := sagabus.NewDispatcher(logger, newWorkers(cfg, carrier, logger, metrics)...)

	server := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      admin.NewRouter(admin.NewHandler(carrier, logger.With(zap.String("component", "admin")))),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Start(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("sagabusd started",
		zap.String("admin_addr", cfg.AdminAddr),
		zap.String("publisher", cfg.Publisher))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down sagabusd")
	case err := <-serverErr:
		runErr = fmt.Errorf("admin server failed: %w", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server graceful shutdown failed", zap.Error(err))
	}
	dispatcher.Stop()
	select {
	case <-dispatcherDone:
	case <-shutdownCtx.Done():
		logger.Warn("Workers did not stop before the shutdown timeout")
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("sagabusd stopped")
	return nil
}

func newPublisher(cfg *config.Config, logger *zap.Logger) (sagabus.Publisher, error) {
	switch cfg.Publisher {
	case config.PublisherKafka:
		opts := []sagabus.KafkaPublisherOption{
			sagabus.WithKafkaProducerProps(kafka.ConfigMap{"bootstrap.servers": strings.Join(cfg.KafkaBrokers, ",")}),
		}
		if cfg.KafkaDefaultTopic != "" {
			opts = append(opts, sagabus.WithKafkaDefaultTopic(cfg.KafkaDefaultTopic))
		}
		return sagabus.NewKafkaPublisher(logger, opts...)
	case config.PublisherAMQP:
		return sagabus.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	default:
		return sagabus.NewNopPublisher(), nil
	}
}

func newInvoker(cfg *config.Config) (*sagabus.ServiceRegistry, error) {
	endpoints, err := cfg.Endpoints()
	if err != nil {
		return nil, err
	}
	registry := sagabus.NewServiceRegistry()
	client := &http.Client{}
	for service, url := range endpoints {
		registry.Register(service, sagabus.NewHTTPInvoker(url, client))
	}
	return registry, nil
}

func newWorkers(cfg *config.Config, carrier *sagabus.Carrier, logger *zap.Logger, metrics sagabus.MetricsCollector) []sagabus.Worker {
	processor := carrier.NewEventProcessor(
		sagabus.WithEventProcessorBatchSize(cfg.ProcessorBatchSize),
		sagabus.WithEventProcessorPublishTimeout(cfg.PublishTimeout),
	)
	stuck := carrier.NewStuckMessageService(
		sagabus.WithStuckMessageServiceBatchSize(cfg.ProcessorBatchSize),
		sagabus.WithStuckMessageServiceStuckTimeout(cfg.StuckTimeout),
	)
	cleanup := carrier.NewCleanupService(
		sagabus.WithCleanupServiceDeliveredRetention(cfg.DeliveredRetention),
		sagabus.WithCleanupServiceDeadLetterRetention(cfg.DeadLetterRetention),
	)
	coordinator := carrier.NewSagaCoordinator(
		sagabus.WithSagaCoordinatorBatchSize(cfg.SagaBatchSize),
		sagabus.WithSagaCoordinatorConcurrency(cfg.SagaConcurrency),
		sagabus.WithSagaCoordinatorDefaultStepTimeout(cfg.StepTimeout),
	)

	withMetrics := sagabus.WithWorkerMetrics(metrics)
	return []sagabus.Worker{
		sagabus.NewBaseWorker("message-processor", cfg.ProcessorInterval, logger, processor.ProcessMessages, withMetrics),
		sagabus.NewBaseWorker("stuck-messages", cfg.StuckInterval, logger, stuck.RecoverStuckMessages, withMetrics, sagabus.WithWorkerRunOnStart()),
		sagabus.NewBaseWorker("message-expiry", cfg.ExpiryInterval, logger, carrier.ExpiryWorkFunc(), withMetrics),
		sagabus.NewBaseWorker("saga-coordinator", cfg.SagaInterval, logger, coordinator.ProcessSagas, withMetrics),
		sagabus.NewBaseWorker("stuck-steps", cfg.StuckStepsInterval, logger, coordinator.RecoverStuckSteps, withMetrics, sagabus.WithWorkerRunOnStart()),
		sagabus.NewBaseWorker("cleanup", cfg.CleanupInterval, logger, cleanup.Cleanup, withMetrics),
	}
}
