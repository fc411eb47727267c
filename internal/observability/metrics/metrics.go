package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes the batch instruments exported over OTLP.
type Metrics struct {
	batchRuns      metric.Int64Counter
	recordOutcomes metric.Int64Counter
	creditsUsed    metric.Float64Counter
	quotaWaits     metric.Int64Counter
	events         metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the batch metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "declara"
	}
	meter := provider.Meter(name)

	batchRuns, err := meter.Int64Counter("declara_batch_runs_total")
	if err != nil {
		return nil, err
	}
	recordOutcomes, err := meter.Int64Counter("declara_batch_records_total")
	if err != nil {
		return nil, err
	}
	creditsUsed, err := meter.Float64Counter("declara_quota_credits_used_total")
	if err != nil {
		return nil, err
	}
	quotaWaits, err := meter.Int64Counter("declara_quota_waits_total")
	if err != nil {
		return nil, err
	}
	events, err := meter.Int64Counter("declara_events_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		batchRuns:      batchRuns,
		recordOutcomes: recordOutcomes,
		creditsUsed:    creditsUsed,
		quotaWaits:     quotaWaits,
		events:         events,
	}, nil
}

// RecordBatchRun counts a finished run by terminal status and stop reason.
func (m *Metrics) RecordBatchRun(ctx context.Context, status, stopReason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("status", strings.TrimSpace(status)),
		attribute.String("reason", strings.TrimSpace(stopReason)),
	)
	m.batchRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOutcome counts one processed record.
func (m *Metrics) RecordOutcome(ctx context.Context, filter, status, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("filter", strings.TrimSpace(filter)),
		attribute.String("status", strings.TrimSpace(status)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.recordOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordCreditsUsed(ctx context.Context, credits float64) {
	if m == nil || credits <= 0 {
		return
	}
	m.creditsUsed.Add(ctx, credits)
}

func (m *Metrics) RecordQuotaWait(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.quotaWaits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEvent counts telemetry events by name.
func (m *Metrics) RecordEvent(ctx context.Context, name string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(name)))
	m.events.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"filter":      {},
	"status":      {},
	"reason":      {},
	"event_type":  {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
