package consumers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"thingstore/src/infra/kafka"
	"thingstore/src/services/events"
	"thingstore/src/store"
)

// InvalidationConsumer applies invalidation events to the local cache
// cluster: every cache key named by an event is deleted, forcing the next
// read through the cache-aside loader.
type InvalidationConsumer struct {
	logger *slog.Logger
	cache  store.Cache
}

func NewInvalidationConsumer(logger *slog.Logger, cache store.Cache) *InvalidationConsumer {
	return &InvalidationConsumer{
		logger: logger,
		cache:  cache,
	}
}

func (c *InvalidationConsumer) Start(ctx context.Context, kafkaClient *kafka.KafkaClient, topic string) error {
	c.logger.Info("Starting invalidation consumer", "topic", topic)

	handler := func(messages []kafka.Message) error {
		return c.handleMessages(ctx, messages)
	}
	return kafkaClient.Consumer(ctx, handler, topic)
}

func (c *InvalidationConsumer) handleMessages(ctx context.Context, messages []kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}

	// dedupe across the batch: one object often produces several events
	keySet := make(map[string]bool)
	parsed := 0

	for _, msg := range messages {
		var event events.InvalidationEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			c.logger.Error("Failed to unmarshal invalidation event",
				"error", err,
				"key", msg.Key)
			return fmt.Errorf("failed to unmarshal invalidation event with key %s: %w", msg.Key, err)
		}
		if event.FullName == "" || len(event.CacheKeys) == 0 {
			c.logger.Error("Invalid invalidation event: missing fullname or cache keys",
				"key", msg.Key)
			return fmt.Errorf("invalid invalidation event with key %s", msg.Key)
		}

		for _, cacheKey := range event.CacheKeys {
			keySet[cacheKey] = true
		}
		parsed++
	}

	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}

	if err := c.cache.Delete(ctx, keys...); err != nil {
		c.logger.Error("Failed to delete cache keys",
			"error", err,
			"keys", len(keys))
		return fmt.Errorf("failed to delete %d cache keys: %w", len(keys), err)
	}

	c.logger.Info("Applied invalidation batch",
		"events", parsed,
		"keys_deleted", len(keys))
	return nil
}
