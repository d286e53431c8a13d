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
	"thingstore/src/helper/env"
	"thingstore/src/infra/kafka"
	"thingstore/src/infra/redis"

	"go.uber.org/fx"
)

func main() {
	log.SetOutput(os.Stdout)
	log.Println("Starting cache invalidator with Uber Fx...")

	app := fx.New(
		// Providers
		fx.Provide(
			newLogger,
			newRedisCache,
			newKafkaClient,
			newInvalidationConsumer,
		),

		// Invocations
		fx.Invoke(startConsumer),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Fatalf("Failed to start cache invalidator application: %v", err)
	}

	// Wait for interrupt signal to gracefully shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Println("Shutting down cache invalidator...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()

	if err := app.Stop(stopCtx); err != nil {
		log.Printf("Failed to stop application gracefully: %v", err)
	}

	log.Println("Cache invalidator shutdown complete")
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

func newRedisCache() *redis.RedisCache {
	addrs := env.MustGetString("REDIS_ADDRS")
	poolSize := env.GetInt("REDIS_POOL_SIZE", 100)

	return redis.NewRedisCache(addrs, poolSize)
}

func newKafkaClient(logger *slog.Logger) (*kafka.KafkaClient, error) {
	brokers := env.MustGetString("KAFKA_BROKERS")
	groupID := env.MustGetString("KAFKA_INVALIDATION_CONSUMER_GROUP_ID")
	batchSize := env.GetInt("KAFKA_BATCH_SIZE", 500)

	return kafka.NewKafkaConsumerClient(logger, brokers, groupID, batchSize)
}

func newInvalidationConsumer(logger *slog.Logger, cache *redis.RedisCache) *consumers.InvalidationConsumer {
	return consumers.NewInvalidationConsumer(logger, cache)
}

func startConsumer(
	lc fx.Lifecycle,
	logger *slog.Logger,
	consumer *consumers.InvalidationConsumer,
	kafkaClient *kafka.KafkaClient,
) {
	topic := env.GetString("KAFKA_INVALIDATION_TOPIC", "thing-invalidations")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting invalidation consumer", "topic", topic)

			go func() {
				if err := consumer.Start(context.Background(), kafkaClient, topic); err != nil {
					logger.Error("Invalidation consumer failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down invalidation consumer...")
			if err := kafkaClient.Close(); err != nil {
				logger.Error("Failed to close kafka client", "error", err)
				return err
			}
			logger.Info("Invalidation consumer shut down gracefully")
			return nil
		},
	})
}
