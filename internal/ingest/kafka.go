package ingest

import (
	"context"

	"github.com/segmentio/kafka-go"
	"github.com/septivank/climax-ledger/internal/config"
	"go.uber.org/zap"
)

// KindHeader names the record kind of a raw payload on the telemetry topic
const KindHeader = "kind"

// StartKafka reads the telemetry topic until ctx is cancelled. Messages with
// a kind header carry a bare payload; others carry an envelope.
func StartKafka(ctx context.Context, cfg config.KafkaConfig, sink Sink, logger *zap.Logger) {
	if !cfg.Enabled {
		logger.Info("kafka ingest disabled")
		return
	}
	logger.Info("kafka ingest enabled",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.String("group_id", cfg.GroupID),
	)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Info("kafka ingest stopped")
					return
				}
				logger.Warn("kafka read error", zap.Error(err))
				continue
			}
			_ = dispatch(ctx, sink, "kafka", headerKind(m.Headers), m.Value, logger)
		}
	}()
}

func headerKind(headers []kafka.Header) string {
	for _, h := range headers {
		if h.Key == KindHeader {
			return normalizeKind(string(h.Value))
		}
	}
	return ""
}
