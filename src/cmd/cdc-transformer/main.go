package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"thingstore/src/adapters/kafka/consumers"
	"thingstore/src/domain"
	"thingstore/src/helper/env"
	"thingstore/src/infra/debezium"
	"thingstore/src/infra/kafka"
	"thingstore/src/services/events"

	"go.uber.org/fx"
)

func main() {
	log.SetOutput(os.Stdout)
	log.Println("Starting CDC transformer with Uber Fx...")

	app := fx.New(
		// Providers
		fx.Provide(
			newLogger,
			domain.NewCatalog,
			newKafkaClient,
			newCDCClient,
			newCDCTransformer,
			newInvalidationPublisher,
			newCDCConsumer,
		),

		// Invocations
		fx.Invoke(startConsumer),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Fatalf("Failed to start CDC transformer application: %v", err)
	}

	// Wait for interrupt signal to gracefully shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Println("Shutting down CDC transformer...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()

	if err := app.Stop(stopCtx); err != nil {
		log.Printf("Failed to stop application gracefully: %v", err)
	}

	log.Println("CDC transformer shutdown complete")
}

func newLogger() *slog.Logger {
	logLevel := env.GetString("LOG_LEVEL", "info")
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

func newKafkaClient(logger *slog.Logger) (*kafka.KafkaClient, error) {
	brokers := env.MustGetString("KAFKA_BROKERS")
	groupID := env.MustGetString("KAFKA_CDC_CONSUMER_GROUP_ID")
	batchSize := env.GetInt("KAFKA_BATCH_SIZE", 500)

	return kafka.NewKafkaConsumerClient(logger, brokers, groupID, batchSize)
}

func newCDCClient(logger *slog.Logger, kafkaClient *kafka.KafkaClient, catalog *domain.Catalog) *debezium.CDCClient {
	topic := env.MustGetString("KAFKA_CDC_TOPIC")

	return debezium.NewCDCClient(logger, topic, kafkaClient, catalog.MonitoredTables())
}

func newCDCTransformer(logger *slog.Logger, catalog *domain.Catalog) *events.CDCTransformer {
	return events.NewCDCTransformer(logger, catalog)
}

func newInvalidationPublisher(
	logger *slog.Logger,
	kafkaClient *kafka.KafkaClient,
) *events.InvalidationPublisher {
	topic := env.GetString("KAFKA_INVALIDATION_TOPIC", "thing-invalidations")
	return events.NewInvalidationPublisher(logger, kafkaClient, topic)
}

func newCDCConsumer(
	logger *slog.Logger,
	cdcClient *debezium.CDCClient,
	transformer *events.CDCTransformer,
	publisher *events.InvalidationPublisher,
) *consumers.CDCConsumer {
	return consumers.NewCDCConsumer(logger, cdcClient, transformer, publisher)
}

func startConsumer(
	lc fx.Lifecycle,
	logger *slog.Logger,
	cdcConsumer *consumers.CDCConsumer,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting CDC transformer")

			go func() {
				if err := cdcConsumer.Start(context.Background()); err != nil {
					logger.Error("CDC consumer failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down CDC consumer...")
			if err := cdcConsumer.Close(); err != nil {
				logger.Error("Failed to close CDC consumer", "error", err)
				return err
			}
			logger.Info("CDC consumer shut down gracefully")
			return nil
		},
	})
}
