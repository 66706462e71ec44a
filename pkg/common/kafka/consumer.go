package kafka

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/carepath-ai/pipeline/pkg/common/config"
	"github.com/carepath-ai/pipeline/pkg/common/logger"
	"github.com/carepath-ai/pipeline/pkg/common/models"
)

// Consumer reads pipeline events from one topic within a consumer group.
type Consumer struct {
	reader *kafka.Reader
}

// StageHandler processes one pipeline event. Returning an error leaves the
// message uncommitted so it is redelivered.
type StageHandler func(ctx context.Context, event models.Event) error

func NewConsumer(topic string, groupID string) *Consumer {
	cfg := config.Load()
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{reader: reader}
}

// Consume fetches messages until the context is cancelled, handing each
// decoded event to handler. Undecodable messages are committed and skipped.
func (c *Consumer) Consume(ctx context.Context, handler StageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Log.WithError(err).Error("Failed to fetch pipeline event")
				continue
			}

			var event models.Event
			if err := json.Unmarshal(message.Value, &event); err != nil {
				logger.Log.WithError(err).Error("Failed to unmarshal pipeline event")
				c.reader.CommitMessages(ctx, message)
				continue
			}

			if err := handler(ctx, event); err != nil {
				logger.Log.WithError(err).WithFields(map[string]interface{}{
					"event_id": event.ID,
					"type":     event.Type,
				}).Error("Failed to process pipeline event")
				// Don't commit on error, will retry
				continue
			}

			if err := c.reader.CommitMessages(ctx, message); err != nil {
				logger.Log.WithError(err).Error("Failed to commit pipeline event")
			}
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
