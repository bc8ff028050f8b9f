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

// Metrics exposes application-level instruments.
type Metrics struct {
	activityQueries metric.Int64Counter
	billsCreated    metric.Int64Counter
	billTransitions metric.Int64Counter
	creditsApplied  metric.Int64Counter
	webhookEvents   metric.Int64Counter
	batchInvoices   metric.Int64Counter
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
		lc.Append(fx.StopHook(provider.Shutdown))
	}
	log.Info("otlp metrics exporter ready",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "backoffice"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		name string
		desc string
		dst  *metric.Int64Counter
	}{
		{"backoffice_activity_queries_total", "Activity aggregation runs.", &m.activityQueries},
		{"backoffice_bills_created_total", "Bills created by amount source.", &m.billsCreated},
		{"backoffice_bill_transitions_total", "Bill status changes.", &m.billTransitions},
		{"backoffice_credits_applied_total", "Credits applied to bills.", &m.creditsApplied},
		{"backoffice_webhook_events_total", "Processor webhook deliveries by outcome.", &m.webhookEvents},
		{"backoffice_batch_invoices_total", "Per-subject batch invoice results.", &m.batchInvoices},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("metrics: %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

// RecordActivityQuery counts aggregation runs by result size bucket.
func (m *Metrics) RecordActivityQuery(ctx context.Context, subjects int) {
	if m == nil {
		return
	}
	outcome := "empty"
	if subjects > 0 {
		outcome = "found"
	}
	attrs := FilterAttributes(attribute.String("outcome", outcome))
	m.activityQueries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBillCreated increments created bill counts.
func (m *Metrics) RecordBillCreated(ctx context.Context, overridden bool) {
	if m == nil {
		return
	}
	source := "computed"
	if overridden {
		source = "custom"
	}
	attrs := FilterAttributes(attribute.String("amount_source", source))
	m.billsCreated.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBillTransition increments status transition counts.
func (m *Metrics) RecordBillTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from_status", strings.TrimSpace(from)),
		attribute.String("to_status", strings.TrimSpace(to)),
	)
	m.billTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCreditApplied increments credit application counts.
func (m *Metrics) RecordCreditApplied(ctx context.Context) {
	if m == nil {
		return
	}
	m.creditsApplied.Add(ctx, 1)
}

// RecordWebhookEvent increments webhook ingestion counts.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBatchInvoice increments per-subject batch invoice counts.
func (m *Metrics) RecordBatchInvoice(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.batchInvoices.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"outcome":       {},
	"amount_source": {},
	"from_status":   {},
	"to_status":     {},
	"event_type":    {},
	"endpoint":      {},
	"status_code":   {},
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
