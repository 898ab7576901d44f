package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/septivank/climax-ledger/internal/apperr"
	"github.com/septivank/climax-ledger/internal/logging"
	"github.com/septivank/climax-ledger/internal/service"
	"go.uber.org/zap"
)

type recordingSink struct {
	kind      string
	body      string
	envelopes int
	requestID string
	err       error
}

func (s *recordingSink) IngestRaw(ctx context.Context, kind string, body []byte) (*service.Result, error) {
	s.kind = kind
	s.body = string(body)
	s.requestID = logging.RequestID(ctx)
	return &service.Result{}, s.err
}

func (s *recordingSink) ProcessMessage(ctx context.Context, body []byte) error {
	s.envelopes++
	s.body = string(body)
	s.requestID = logging.RequestID(ctx)
	return s.err
}

func TestKindFromTopic(t *testing.T) {
	tests := []struct {
		topic    string
		expected string
	}{
		{"climax/climate/AA:BB:CC:DD:EE:01", "climate"},
		{"home/bridge-1/sensor_state", "sensor-state"},
		{"climax/Battery", "battery"},
		{"climax/unknown/thing", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := KindFromTopic(tt.topic); got != tt.expected {
			t.Errorf("KindFromTopic(%q): expected %q, got %q", tt.topic, tt.expected, got)
		}
	}
}

func TestHeaderKind(t *testing.T) {
	headers := []kafka.Header{{Key: "trace", Value: []byte("x")}, {Key: KindHeader, Value: []byte("Metrics")}}
	if got := headerKind(headers); got != "metrics" {
		t.Errorf("Expected metrics, got %q", got)
	}
	if got := headerKind(nil); got != "" {
		t.Errorf("Expected no kind, got %q", got)
	}
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	sink := &recordingSink{}
	if err := dispatch(ctx, sink, "mqtt", "climate", []byte(`{"sensor_mac":"x"}`), zap.NewNop()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if sink.kind != "climate" || sink.envelopes != 0 {
		t.Errorf("Expected raw climate dispatch, got kind=%q envelopes=%d", sink.kind, sink.envelopes)
	}
	if sink.requestID == "" {
		t.Error("Expected a request id in the context")
	}

	sink = &recordingSink{}
	_ = dispatch(ctx, sink, "kafka", "", []byte(`{"kind":"event"}`), zap.NewNop())
	if sink.envelopes != 1 {
		t.Errorf("Expected envelope dispatch, got %d", sink.envelopes)
	}

	sink = &recordingSink{err: apperr.Validation("severity", "is required")}
	err := dispatch(ctx, sink, "mqtt", "event", []byte(`{}`), zap.NewNop())
	if !errors.Is(err, sink.err) {
		t.Errorf("Expected sink error to propagate, got %v", err)
	}
}
