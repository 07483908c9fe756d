// Package kafka consumes ingestion triggers and publishes run summaries.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/config"
	"github.com/couchcryptid/wx-cache-service/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// TriggerHandler runs the ingestion a trigger asks for.
type TriggerHandler func(ctx context.Context, trig domain.Trigger) error

// TriggerReader consumes trigger events as part of a consumer group.
type TriggerReader struct {
	reader *kafkago.Reader
	logger *slog.Logger
}

// NewTriggerReader creates a consumer for the configured trigger topic.
func NewTriggerReader(cfg *config.Config, logger *slog.Logger) *TriggerReader {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		Topic:          cfg.KafkaTriggerTopic,
		GroupID:        cfg.KafkaGroupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: 0,
	})
	return &TriggerReader{reader: r, logger: logger}
}

// Run hands each trigger to handle until ctx is cancelled. The offset is
// committed after the handler returns, whether or not the run succeeded, so
// a failing trigger is not redelivered forever; the next trigger or timer
// tick retries the kind. Malformed messages are logged and skipped.
func (r *TriggerReader) Run(ctx context.Context, handle TriggerHandler) error {
	r.logger.Info("trigger consumer started", "topic", r.reader.Config().Topic)

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				r.logger.Info("trigger consumer stopping", "reason", ctx.Err())
				return nil
			}
			r.logger.Error("fetch trigger failed", "error", err)
			if !sleepWithContext(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 200 * time.Millisecond

		trig, err := parseTrigger(msg)
		if err != nil {
			r.logger.Warn("malformed trigger, skipping",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		} else if err := handle(ctx, trig); err != nil {
			r.logger.Warn("triggered ingestion failed", "kind", trig.BulletinKind, "error", err)
		}

		if err := r.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			r.logger.Warn("commit offset failed", "error", err,
				"partition", msg.Partition, "offset", msg.Offset)
		}
	}
}

func (r *TriggerReader) Close() error {
	return r.reader.Close()
}

// parseTrigger decodes a message value. The kind may also be carried in the
// message key when the value omits it.
func parseTrigger(msg kafkago.Message) (domain.Trigger, error) {
	var trig domain.Trigger
	if err := json.Unmarshal(msg.Value, &trig); err != nil {
		return domain.Trigger{}, fmt.Errorf("decode trigger: %w", err)
	}
	if trig.BulletinKind == "" && len(msg.Key) > 0 {
		trig.BulletinKind = string(msg.Key)
	}
	return trig, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
