package ingest

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/septivank/climax-ledger/internal/logging"
	"github.com/septivank/climax-ledger/internal/service"
	"go.uber.org/zap"
)

// Sink receives decoded transport messages
type Sink interface {
	IngestRaw(ctx context.Context, kind string, body []byte) (*service.Result, error)
	ProcessMessage(ctx context.Context, body []byte) error
}

// dispatch hands one message to the sink. Without a kind the body must be
// an envelope naming it.
func dispatch(ctx context.Context, sink Sink, source, kind string, body []byte, logger *zap.Logger) error {
	requestID := uuid.NewString()
	ctx = logging.ContextWithRequestID(ctx, requestID)

	var err error
	if kind == "" {
		err = sink.ProcessMessage(ctx, body)
	} else {
		_, err = sink.IngestRaw(ctx, kind, body)
	}
	if err != nil {
		logger.Warn("telemetry message rejected",
			zap.String("source", source),
			zap.String("kind", kind),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
	return err
}

// normalizeKind maps a topic segment or header value to a raw kind, or ""
func normalizeKind(s string) string {
	s = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for _, k := range service.RawKinds {
		if s == k {
			return k
		}
	}
	return ""
}
