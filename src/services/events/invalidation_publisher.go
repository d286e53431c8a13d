package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"thingstore/src/infra/kafka"

	"github.com/google/uuid"
)

// InvalidationPublisher batches invalidation events onto the invalidation
// topic, partitioned by fullname so changes to one object stay ordered.
type InvalidationPublisher struct {
	logger      *slog.Logger
	kafkaClient *kafka.KafkaClient
	topic       string
}

func NewInvalidationPublisher(
	logger *slog.Logger,
	kafkaClient *kafka.KafkaClient,
	topic string,
) *InvalidationPublisher {
	return &InvalidationPublisher{
		logger:      logger,
		kafkaClient: kafkaClient,
		topic:       topic,
	}
}

func (p *InvalidationPublisher) PublishInvalidations(ctx context.Context, invalidations []*InvalidationEvent) error {
	if len(invalidations) == 0 {
		return nil
	}

	messages := make([]kafka.Message, 0, len(invalidations))
	for _, event := range invalidations {
		eventBytes, err := json.Marshal(event)
		if err != nil {
			p.logger.Error("Failed to marshal invalidation event",
				"error", err,
				"fullname", event.FullName)
			return fmt.Errorf("failed to marshal invalidation event for %s: %w", event.FullName, err)
		}

		messages = append(messages, kafka.Message{
			Key:   event.FullName,
			Value: eventBytes,
			Headers: map[string]string{
				"event_type":      "cache.invalidate",
				"source_service":  "thingstore-cdc",
				"schema_version":  "v1",
				"event_id":        uuid.NewString(),
				"entity_kind":     event.Kind,
				"idempotency_key": event.IdempotencyKey,
			},
		})
	}

	if err := p.kafkaClient.Producer(messages, p.topic); err != nil {
		p.logger.Error("Failed to publish invalidation events",
			"error", err,
			"topic", p.topic,
			"count", len(messages))
		return fmt.Errorf("failed to publish invalidation events to topic %s: %w", p.topic, err)
	}

	p.logger.Debug("Published invalidation events",
		"topic", p.topic,
		"count", len(messages))
	return nil
}
