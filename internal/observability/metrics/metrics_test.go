package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("filter", "us-open"),
		attribute.String("order_id", "456"),
		attribute.String("reason", "already_tagged"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "filter" && attrs[1].Key != "filter" {
		t.Fatalf("expected filter to be retained")
	}
	if attrs[0].Key != "reason" && attrs[1].Key != "reason" {
		t.Fatalf("expected reason to be retained")
	}
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	m.RecordBatchRun(ctx, "completed", "")
	m.RecordOutcome(ctx, "us-open", "processed", "")
	m.RecordCreditsUsed(ctx, 20)
	m.RecordQuotaWait(ctx, "insufficient_credits")
	m.RecordEvent(ctx, "batch.run.finish")

	var nilMetrics *Metrics
	nilMetrics.RecordBatchRun(ctx, "failed", "auth_error")
}
