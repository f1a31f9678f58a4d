package observability

import (
	"context"
	"errors"
	"testing"
)

func TestInitTracing(t *testing.T) {
	ctx := context.Background()

	shutdown, err := InitTracing(ctx, "agency-test", "none", "")
	if err != nil {
		t.Fatalf("InitTracing(none) failed: %v", err)
	}
	if err := shutdown(ctx); err != nil {
		t.Errorf("noop shutdown failed: %v", err)
	}

	if _, err := InitTracing(ctx, "agency-test", "zipkin", ""); err == nil {
		t.Error("Expected error for unknown exporter")
	}

	shutdown, err = InitTracing(ctx, "agency-test", "stdout", "")
	if err != nil {
		t.Fatalf("InitTracing(stdout) failed: %v", err)
	}
	defer shutdown(ctx)

	spanCtx, span := StartSpan(ctx, "test.span")
	if !span.SpanContext().IsValid() {
		t.Error("Expected a recording span from the sdk provider")
	}
	EndSpan(span, errors.New("boom"))
	_ = spanCtx
}
