package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"thingstore/src/infra/kafka"
	"thingstore/src/store"

	"github.com/google/uuid"
)

// CommitEventPublisher forwards store commit events to Kafka. It implements
// store.CommitListener; the store logs publish failures and never fails the
// commit over them.
type CommitEventPublisher struct {
	logger      *slog.Logger
	kafkaClient *kafka.KafkaClient
	topic       string
}

func NewCommitEventPublisher(
	logger *slog.Logger,
	kafkaClient *kafka.KafkaClient,
	topic string,
) *CommitEventPublisher {
	return &CommitEventPublisher{
		logger:      logger,
		kafkaClient: kafkaClient,
		topic:       topic,
	}
}

// commitPayload is the wire form of a commit event.
type commitPayload struct {
	FullName   string   `json:"fullname"`
	Kind       string   `json:"kind"`
	ID         int64    `json:"id"`
	Changed    []string `json:"changed"`
	OccurredAt string   `json:"occurred_at"`
}

func (p *CommitEventPublisher) ThingCommitted(ctx context.Context, event store.CommitEvent) error {
	payload := commitPayload{
		FullName:   event.FullName,
		Kind:       event.Kind,
		ID:         event.ID,
		Changed:    event.Changed,
		OccurredAt: time.Now().UTC().Format(time.RFC3339Nano),
	}

	eventBytes, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal commit event",
			"error", err,
			"fullname", event.FullName)
		return fmt.Errorf("failed to marshal commit event for %s: %w", event.FullName, err)
	}

	// Partition by fullname so events of one object stay ordered
	kafkaMsg := kafka.Message{
		Key:     event.FullName,
		Value:   eventBytes,
		Headers: p.createEventHeaders(event),
	}

	if err := p.kafkaClient.Producer([]kafka.Message{kafkaMsg}, p.topic); err != nil {
		p.logger.Error("Failed to publish commit event to Kafka",
			"error", err,
			"topic", p.topic,
			"fullname", event.FullName)
		return fmt.Errorf("failed to publish commit event to topic %s: %w", p.topic, err)
	}

	p.logger.Debug("Published commit event",
		"topic", p.topic,
		"fullname", event.FullName,
		"changed", event.Changed)

	return nil
}

// createEventHeaders builds Kafka headers for consumer-side filtering
// (SNS-like).
func (p *CommitEventPublisher) createEventHeaders(event store.CommitEvent) map[string]string {
	headers := map[string]string{
		"event_type":     "thing.committed",
		"source_service": "thingstore",
		"schema_version": "v1",
		"event_id":       uuid.NewString(),
		"entity_kind":    event.Kind,
	}

	if len(event.Changed) > 0 {
		headers["fields_changed"] = strings.Join(event.Changed, ",")
	}

	return headers
}
