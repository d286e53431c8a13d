package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"thingstore/src/domain"
	"thingstore/src/helper/env"
	"thingstore/src/infra/kafka"
	"thingstore/src/infra/postgres"
	"thingstore/src/infra/redis"
	"thingstore/src/server"
	"thingstore/src/services/events"
	"thingstore/src/store"

	"go.uber.org/fx"
)

func main() {
	log.SetOutput(os.Stdout)
	log.Println("Starting API server with Uber Fx...")

	app := fx.New(
		// Providers
		fx.Provide(
			newLogger,
			newSQLClient,
			newRedisCache,
			newKafkaClient,
			newCommitEventPublisher,
			domain.NewCatalog,
			newBackend,
			newStore,
			newServer,
		),

		// Invocations
		fx.Invoke(registerServerHooks),
	)

	// Start the application
	if err := app.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	// Wait for app to exit gracefully
	<-app.Done()
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

// newSQLClient configures and returns the read/write pool pair
func newSQLClient() (*postgres.ReadWriteClient, error) {
	writeHost := env.MustGetString("DB_WRITE_HOST")
	readHost := env.GetString("DB_READ_HOST", writeHost)
	writePort := env.GetString("DB_WRITE_PORT", "5432")
	readPort := env.GetString("DB_READ_PORT", writePort)
	dbname := env.MustGetString("DB_NAME")
	dbUser := env.MustGetString("DB_USER")
	dbPassword := env.MustGetString("DB_PASSWORD")
	maxConnections := env.GetInt("DB_MAX_POOL_CONNECTIONS", 25)

	return postgres.NewReadWriteClient(
		readHost, writeHost, readPort, writePort,
		dbname, dbUser, dbPassword, maxConnections)
}

func newRedisCache() *redis.RedisCache {
	addrs := env.MustGetString("REDIS_ADDRS")
	poolSize := env.GetInt("REDIS_POOL_SIZE", 100)

	return redis.NewRedisCache(addrs, poolSize)
}

func newKafkaClient(logger *slog.Logger) (*kafka.KafkaClient, error) {
	brokers := env.MustGetString("KAFKA_BROKERS")

	return kafka.NewKafkaClient(logger, brokers)
}

func newCommitEventPublisher(logger *slog.Logger, kafkaClient *kafka.KafkaClient) *events.CommitEventPublisher {
	topic := env.GetString("KAFKA_COMMIT_TOPIC", "thing-commits")

	return events.NewCommitEventPublisher(logger, kafkaClient, topic)
}

func newBackend(client *postgres.ReadWriteClient, catalog *domain.Catalog) *postgres.ThingBackend {
	return postgres.NewThingBackend(client, postgres.Tables{
		Things: catalog.ThingTables,
		Rels:   catalog.RelTables,
	})
}

func newStore(
	logger *slog.Logger,
	backend *postgres.ThingBackend,
	cache *redis.RedisCache,
	catalog *domain.Catalog,
	publisher *events.CommitEventPublisher,
) *store.Store {
	return store.New(backend, cache, catalog.Registry, logger,
		store.WithCacheTTL(env.GetDuration("CACHE_TTL", time.Hour)),
		store.WithQueryTTL(env.GetDuration("QUERY_CACHE_TTL", 5*time.Minute)),
		store.WithCommitListener(publisher))
}

func newServer(
	logger *slog.Logger,
	st *store.Store,
) *server.Server {

	port := 8888 // default value
	if portStr := os.Getenv("SERVER_ADDR"); portStr != "" {
		if val, err := strconv.Atoi(portStr); err == nil {
			port = val
		}
	}

	server := server.NewServer(logger, port, st)

	return server
}

// registerServerHooks registers lifecycle hooks for the HTTP server
func registerServerHooks(lc fx.Lifecycle, srv *server.Server, backend *postgres.ThingBackend, sqlClient *postgres.ReadWriteClient) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if env.GetBool("DB_ENSURE_SCHEMA", false) {
				if err := backend.EnsureSchema(ctx); err != nil {
					return err
				}
			}

			// Start server in a separate goroutine
			go func() {
				if err := srv.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("Server failed: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Create timeout context for graceful shutdown
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			log.Println("Shutting down server...")
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("Server forced to shutdown: %v", err)
				return err
			}
			sqlClient.Close()
			log.Println("Server exited gracefully")
			return nil
		},
	})
}
