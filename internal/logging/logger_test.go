package logging_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/septivank/climax-ledger/internal/logging"
)

func TestNewLogger_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "climax.log")

	logger, err := logging.NewLogger(logging.Options{ServiceName: "climax-test", Level: "debug", File: path})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	logging.WithRequestID(logger, "req-1").Debug("hello")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	for _, want := range []string{`"service":"climax-test"`, `"request_id":"req-1"`, `"msg":"hello"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("Expected %s in log output, got %s", want, data)
		}
	}
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	if _, err := logging.NewLogger(logging.Options{ServiceName: "x", Level: "loud"}); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	if id := logging.RequestID(ctx); id != "" {
		t.Errorf("Expected empty request id, got %q", id)
	}

	ctx = logging.ContextWithRequestID(ctx, "abc")
	if id := logging.RequestID(ctx); id != "abc" {
		t.Errorf("Expected abc, got %q", id)
	}
}
