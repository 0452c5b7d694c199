package logging

import (
	"context"
	"strings"
	"testing"
)

func TestNewRequestID(t *testing.T) {
	id1 := NewRequestID()
	id2 := NewRequestID()

	if len(id1) != 26 {
		t.Errorf("expected a 26 char ULID, got %d: %s", len(id1), id1)
	}
	if id1 == id2 {
		t.Error("request IDs should be unique")
	}
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "test-id-123")
	if got := GetRequestID(ctx); got != "test-id-123" {
		t.Errorf("expected 'test-id-123', got '%s'", got)
	}

	ctx = WithRequestID(context.Background(), "")
	if got := GetRequestID(ctx); len(got) != 26 {
		t.Errorf("expected generated ID, got '%s'", got)
	}
}

func TestGetRequestIDMissing(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("expected empty, got '%s'", got)
	}
}

func TestLoggerForContext(t *testing.T) {
	buf := capture(t, "info")
	ctx := WithRequestID(context.Background(), "req-1")

	New("orchestrator").For(ctx).Info("request_start", nil)

	if !strings.Contains(buf.String(), `"request_id":"req-1"`) {
		t.Errorf("expected request_id in output: %s", buf.String())
	}
}
