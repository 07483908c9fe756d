package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/config"
	"github.com/couchcryptid/wx-cache-service/internal/pipeline"
	kafkago "github.com/segmentio/kafka-go"
)

// SummaryWriter publishes ingestion summaries to a Kafka topic.
// It implements pipeline.SummaryPublisher.
type SummaryWriter struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewSummaryWriter creates a Kafka producer for the configured summary topic.
func NewSummaryWriter(cfg *config.Config, logger *slog.Logger) *SummaryWriter {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaSummaryTopic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &SummaryWriter{writer: w, logger: logger}
}

// Publish writes one summary, keyed by kind so a kind's runs stay ordered.
func (w *SummaryWriter) Publish(ctx context.Context, s pipeline.Summary) error {
	msg, err := serializeSummary(s)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish summary %s: %w", s.RunID, err)
	}
	w.logger.Debug("published ingestion summary", "kind", s.Kind, "run_id", s.RunID, "stage", s.Stage)
	return nil
}

func (w *SummaryWriter) Close() error {
	return w.writer.Close()
}

// serializeSummary marshals a Summary into a Kafka message.
func serializeSummary(s pipeline.Summary) (kafkago.Message, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize ingestion summary: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(s.Kind),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "run_id", Value: []byte(s.RunID)},
			{Key: "stage", Value: []byte(s.Stage)},
			{Key: "started_at", Value: []byte(s.StartedAt.Format(time.RFC3339))},
		},
	}, nil
}
