package consumers

import (
	"context"
	"fmt"
	"log/slog"

	"thingstore/src/infra/debezium"
	"thingstore/src/services/events"
)

// CDCConsumer drives the CDC-to-invalidation pipeline: it consumes raw
// Debezium batches, transforms them, and publishes the resulting invalidation
// events in one producer batch.
type CDCConsumer struct {
	logger      *slog.Logger
	cdcClient   *debezium.CDCClient
	transformer *events.CDCTransformer
	publisher   *events.InvalidationPublisher
}

func NewCDCConsumer(
	logger *slog.Logger,
	cdcClient *debezium.CDCClient,
	transformer *events.CDCTransformer,
	publisher *events.InvalidationPublisher,
) *CDCConsumer {
	return &CDCConsumer{
		logger:      logger,
		cdcClient:   cdcClient,
		transformer: transformer,
		publisher:   publisher,
	}
}

func (c *CDCConsumer) Start(ctx context.Context) error {
	c.logger.Info("Starting CDC consumer")

	batchHandler := func(ctx context.Context, cdcEvents []*debezium.CDCEvent) error {
		return c.handleCDCEventsBatch(ctx, cdcEvents)
	}
	return c.cdcClient.ConsumeCDCEventsBatch(ctx, batchHandler)
}

func (c *CDCConsumer) handleCDCEventsBatch(ctx context.Context, cdcEvents []*debezium.CDCEvent) error {
	if len(cdcEvents) == 0 {
		return nil
	}

	var invalidations []*events.InvalidationEvent
	failed := 0

	for _, cdcEvent := range cdcEvents {
		invalidation, err := c.transformer.TransformCDCEvent(ctx, cdcEvent)
		if err != nil {
			c.logger.Error("Failed to transform CDC event",
				"error", err,
				"table", cdcEvent.Source.Table,
				"operation", cdcEvent.Operation)
			failed++
			continue
		}
		if invalidation != nil {
			invalidations = append(invalidations, invalidation)
		}
	}

	if len(invalidations) > 0 {
		if err := c.publisher.PublishInvalidations(ctx, invalidations); err != nil {
			return fmt.Errorf("failed to publish invalidation batch: %w", err)
		}
	}

	if failed > 0 {
		c.logger.Warn("Some CDC events failed to transform",
			"failed", failed,
			"published", len(invalidations))
	}
	return nil
}

func (c *CDCConsumer) Close() error {
	c.logger.Info("Closing CDC consumer")
	return c.cdcClient.Close()
}
