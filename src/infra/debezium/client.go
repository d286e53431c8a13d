package debezium

import (
	"context"
	"fmt"
	"log/slog"

	"thingstore/src/infra/kafka"
)

// CDCEventHandler handles one parsed CDC event.
type CDCEventHandler func(ctx context.Context, event *CDCEvent) error

// CDCBatchEventHandler handles one batch of parsed CDC events.
type CDCBatchEventHandler func(ctx context.Context, events []*CDCEvent) error

// CDCClient consumes Debezium change events from a Kafka topic and feeds the
// valid, monitored ones to a handler.
type CDCClient struct {
	logger      *slog.Logger
	kafkaClient *kafka.KafkaClient
	serializer  *CDCSerializer
	topic       string
}

func NewCDCClient(logger *slog.Logger, topic string, kafkaClient *kafka.KafkaClient, tables []string) *CDCClient {
	return &CDCClient{
		logger:      logger,
		kafkaClient: kafkaClient,
		serializer:  &CDCSerializer{IncludeTables: tables},
		topic:       topic,
	}
}

// ConsumeCDCEvents blocks consuming the CDC topic until ctx is cancelled.
func (c *CDCClient) ConsumeCDCEvents(ctx context.Context, handler CDCEventHandler) error {
	c.logger.Info("starting CDC event consumption", "topic", c.topic)

	kafkaHandler := func(messages []kafka.Message) error {
		return c.processCDCMessages(ctx, messages, handler)
	}
	return c.kafkaClient.Consumer(ctx, kafkaHandler, c.topic)
}

// ConsumeCDCEventsBatch is like ConsumeCDCEvents but hands each delivery
// batch to the handler at once, preserving producer batching downstream.
func (c *CDCClient) ConsumeCDCEventsBatch(ctx context.Context, handler CDCBatchEventHandler) error {
	c.logger.Info("starting CDC batch event consumption", "topic", c.topic)

	kafkaHandler := func(messages []kafka.Message) error {
		events, failed, err := c.parseBatch(messages)
		if err != nil {
			return err
		}
		if len(events) > 0 {
			if err := handler(ctx, events); err != nil {
				return fmt.Errorf("failed to handle CDC events batch: %w", err)
			}
		}
		if failed > 0 && len(events) == 0 {
			return fmt.Errorf("failed to process any CDC messages in batch")
		}
		return nil
	}
	return c.kafkaClient.Consumer(ctx, kafkaHandler, c.topic)
}

func (c *CDCClient) parseBatch(messages []kafka.Message) ([]*CDCEvent, int, error) {
	var events []*CDCEvent
	failed := 0
	for _, msg := range messages {
		cdcEvent, err := c.serializer.ParseCDCEvent(msg.Value)
		if err != nil {
			c.logger.Error("failed to parse CDC message",
				"error", err, "key", msg.Key, "value_length", len(msg.Value))
			failed++
			continue
		}
		if !c.serializer.ShouldProcessEvent(cdcEvent) {
			continue
		}
		events = append(events, cdcEvent)
	}
	return events, failed, nil
}

func (c *CDCClient) processCDCMessages(ctx context.Context, messages []kafka.Message, handler CDCEventHandler) error {
	if len(messages) == 0 {
		return nil
	}

	processed := 0
	skipped := 0
	failed := 0

	for _, msg := range messages {
		cdcEvent, err := c.serializer.ParseCDCEvent(msg.Value)
		if err != nil {
			c.logger.Error("failed to parse CDC message",
				"error", err, "key", msg.Key, "value_length", len(msg.Value))
			failed++
			continue
		}

		if !c.serializer.ShouldProcessEvent(cdcEvent) {
			skipped++
			continue
		}

		if err := handler(ctx, cdcEvent); err != nil {
			c.logger.Error("CDC event handler failed",
				"error", err,
				"table", cdcEvent.Source.Table,
				"operation", cdcEvent.Operation,
				"ts_ms", cdcEvent.TsMs)
			failed++
			continue
		}
		processed++
	}

	c.logger.Info("completed CDC batch",
		"total", len(messages), "processed", processed, "skipped", skipped, "errors", failed)

	if failed > 0 && processed == 0 {
		return fmt.Errorf("failed to process any CDC messages in batch")
	}
	return nil
}

func (c *CDCClient) Close() error {
	return c.kafkaClient.Close()
}
